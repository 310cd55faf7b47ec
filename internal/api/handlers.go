// Package api exposes the data and sync HTTP endpoints. Every route except
// the health check resolves the caller through a Bearer access token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mnothman/OuraRingFinal/internal/auth"
	"github.com/mnothman/OuraRingFinal/internal/errs"
	"github.com/mnothman/OuraRingFinal/internal/ingest"
	"github.com/mnothman/OuraRingFinal/internal/obs"
	"github.com/mnothman/OuraRingFinal/internal/samples"
)

// Handler serves the data and sync routes.
type Handler struct {
	tokens *auth.TokenService
	engine *ingest.Engine
	store  *samples.Store

	// thresholdPercent is the spike threshold reported and applied by the
	// read endpoints; it must match the one the pollers alert with.
	thresholdPercent float64
}

// NewHandler creates the API handler. A non-positive thresholdPercent falls
// back to the default.
func NewHandler(tokens *auth.TokenService, engine *ingest.Engine, store *samples.Store, thresholdPercent float64) *Handler {
	if thresholdPercent <= 0 {
		thresholdPercent = samples.DefaultSpikeThresholdPercent
	}
	return &Handler{tokens: tokens, engine: engine, store: store, thresholdPercent: thresholdPercent}
}

// RegisterRoutes registers the API endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /data/heart-rate-baseline", h.handleHeartRateBaseline)
	mux.HandleFunc("GET /data/stress-baseline", h.handleStressBaseline)
	mux.HandleFunc("GET /data/real-time-heart-rate", h.handleRealTimeHeartRate)
	mux.HandleFunc("POST /sync/heart-rate", h.handleSyncHeartRate)
	mux.HandleFunc("POST /sync/daily-stress", h.handleSyncDailyStress)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}

// resolveUser authenticates the request via its Bearer token and returns the
// user ID, enriching the request context for downstream logging.
func (h *Handler) resolveUser(w http.ResponseWriter, r *http.Request) (context.Context, string, bool) {
	accessToken, err := auth.BearerToken(r)
	if err != nil {
		writeError(w, err)
		return nil, "", false
	}
	userID, err := h.tokens.ResolveBearer(r.Context(), accessToken)
	if err != nil {
		writeError(w, err)
		return nil, "", false
	}
	corr := obs.CorrelationFromContext(r.Context())
	corr.UserID = userID
	return obs.WithCorrelation(r.Context(), corr), userID, true
}

func (h *Handler) handleHeartRateBaseline(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}

	baseline, err := h.store.HeartRateBaseline(ctx, userID)
	if errors.Is(err, samples.ErrNoSamples) {
		writeError(w, errs.New(errs.NotFound, "no heart rate data in baseline window"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":       userID,
		"baseline_bpm":  baseline,
		"window_days":   samples.BaselineDays,
		"threshold_pct": h.thresholdPercent,
	})
}

func (h *Handler) handleStressBaseline(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}

	baseline, err := h.store.StressBaseline(ctx, userID)
	if errors.Is(err, samples.ErrNoSamples) {
		writeError(w, errs.New(errs.NotFound, "no stress data in baseline window"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":         userID,
		"baseline_stress": baseline,
		"window_days":     samples.StressBaselineDays,
	})
}

func (h *Handler) handleRealTimeHeartRate(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}

	latest, err := h.store.LatestHeartRate(ctx, userID)
	if errors.Is(err, samples.ErrNoSamples) {
		writeError(w, errs.New(errs.NotFound, "no heart rate samples stored"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"user_id":   userID,
		"bpm":       latest.BPM,
		"timestamp": latest.Timestamp,
		"source":    latest.Source,
	}
	if baseline, err := h.store.HeartRateBaseline(ctx, userID); err == nil {
		resp["baseline_bpm"] = baseline
		resp["spike"] = samples.IsSpike(float64(latest.BPM), baseline, h.thresholdPercent)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSyncHeartRate(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}

	result, err := h.engine.SyncHeartRate(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSyncResult(w, userID, result)
}

func (h *Handler) handleSyncDailyStress(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}

	result, err := h.engine.SyncDailyStress(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSyncResult(w, userID, result)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeSyncResult(w http.ResponseWriter, userID string, result ingest.Result) {
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"no_new_data": result.NoNewData,
		"fetched":     result.Fetched,
		"inserted":    result.Inserted,
		"watermark":   result.Watermark,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		obs.Pkg("api").Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	writeJSON(w, errs.HTTPStatus(code), map[string]string{
		"error": errs.MessageOf(err),
		"code":  string(code),
	})
}
