// Oura sync service entry point. Wires configuration, databases, the OAuth
// client, per-user pollers, and the HTTP surface, then runs until signalled.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnothman/OuraRingFinal/internal/alert"
	"github.com/mnothman/OuraRingFinal/internal/api"
	"github.com/mnothman/OuraRingFinal/internal/auth"
	"github.com/mnothman/OuraRingFinal/internal/config"
	"github.com/mnothman/OuraRingFinal/internal/db"
	"github.com/mnothman/OuraRingFinal/internal/ingest"
	"github.com/mnothman/OuraRingFinal/internal/obs"
	"github.com/mnothman/OuraRingFinal/internal/oura"
	"github.com/mnothman/OuraRingFinal/internal/poller"
	"github.com/mnothman/OuraRingFinal/internal/samples"
)

const shutdownTimeout = 15 * time.Second

func main() {
	noProvider, noEmail, addr := config.ParseFlags()
	cfg, err := config.LoadConfig(noProvider, noEmail, addr)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	cfg.PrintStartupSummary()

	obs.Init()
	log := obs.Pkg("main")

	db.DataDirectory = cfg.DataDir
	authDB, err := db.OpenAuthDB()
	if err != nil {
		log.Error("failed to open auth database", "error", err)
		os.Exit(1)
	}
	samplesDB, err := db.OpenSamplesDB()
	if err != nil {
		log.Error("failed to open samples database", "error", err)
		os.Exit(1)
	}
	defer db.CloseAll()

	var clientOpts []oura.Option
	if authURL := os.Getenv("OURA_AUTH_URL"); authURL != "" {
		clientOpts = append(clientOpts, oura.WithEndpoints(
			authURL, os.Getenv("OURA_TOKEN_URL"), os.Getenv("OURA_API_BASE")))
	}
	client := oura.NewClient(cfg.OuraClientID, cfg.OuraClientSecret, cfg.OuraRedirectURI, clientOpts...)

	creds := auth.NewCredentialStore(authDB)
	states := auth.NewStateStore(authDB)
	tokens := auth.NewTokenService(creds, client)
	store := samples.NewStore(samplesDB)
	engine := ingest.NewEngine(tokens, client, creds, store)

	var notifier alert.Notifier
	if cfg.NoEmail {
		notifier = alert.NewMockNotifier()
	} else {
		notifier = alert.NewResendNotifier(cfg.ResendAPIKey, cfg.ResendFromEmail)
	}

	registry := poller.NewRegistry(engine, creds, store, notifier,
		poller.WithIntervals(cfg.HeartRateInterval, cfg.StressInterval),
		poller.WithSpikeThreshold(cfg.SpikeThresholdPercent),
	)

	authHandler := auth.NewHandler(client, states, creds, tokens, cfg.AppCallbackURL)
	authHandler.SetPollerNotifier(registry)
	apiHandler := api.NewHandler(tokens, engine, store, cfg.SpikeThresholdPercent)

	mux := http.NewServeMux()
	authHandler.RegisterRoutes(mux)
	apiHandler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           obs.RequestContextMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Resume loops for users who connected before the last restart.
	go func() {
		if err := registry.StartFromStore(rootCtx); err != nil {
			log.Error("failed to resume stored users", "error", err)
		}
	}()

	// Expired handshake states accumulate unless someone sweeps them.
	go func() {
		ticker := time.NewTicker(auth.StateTTL)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if err := states.CleanupExpired(rootCtx); err != nil {
					log.Warn("state cleanup failed", "error", err)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Warn("poller shutdown incomplete", "error", err)
	}
	log.Info("shutdown complete")
}
