// Package poller runs per-user background sync loops. Each connected user
// gets a heart-rate loop and a daily-stress loop; the registry owns their
// lifecycles and is keyed by user ID.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mnothman/OuraRingFinal/internal/alert"
	"github.com/mnothman/OuraRingFinal/internal/auth"
	"github.com/mnothman/OuraRingFinal/internal/errs"
	"github.com/mnothman/OuraRingFinal/internal/ingest"
	"github.com/mnothman/OuraRingFinal/internal/obs"
	"github.com/mnothman/OuraRingFinal/internal/samples"
)

const (
	// DefaultHeartRateInterval is how often each user's heart-rate loop
	// syncs.
	DefaultHeartRateInterval = 5 * time.Minute

	// DefaultStressInterval is how often each user's daily-stress loop
	// syncs.
	DefaultStressInterval = 12 * time.Hour
)

// Registry manages the background loops for all connected users.
type Registry struct {
	engine   *ingest.Engine
	creds    *auth.CredentialStore
	store    *samples.Store
	notifier alert.Notifier

	hrInterval       time.Duration
	stressInterval   time.Duration
	thresholdPercent float64

	mu      sync.Mutex
	users   map[string]*userLoops
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type userLoops struct {
	cancel context.CancelFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithIntervals overrides the sync intervals. Zero values keep the defaults.
func WithIntervals(heartRate, stress time.Duration) Option {
	return func(r *Registry) {
		if heartRate > 0 {
			r.hrInterval = heartRate
		}
		if stress > 0 {
			r.stressInterval = stress
		}
	}
}

// WithSpikeThreshold overrides the spike threshold percentage.
func WithSpikeThreshold(percent float64) Option {
	return func(r *Registry) {
		if percent > 0 {
			r.thresholdPercent = percent
		}
	}
}

// NewRegistry creates a poller registry. Loops start via StartUser or
// StartFromStore.
func NewRegistry(engine *ingest.Engine, creds *auth.CredentialStore, store *samples.Store, notifier alert.Notifier, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		engine:           engine,
		creds:            creds,
		store:            store,
		notifier:         notifier,
		hrInterval:       DefaultHeartRateInterval,
		stressInterval:   DefaultStressInterval,
		thresholdPercent: samples.DefaultSpikeThresholdPercent,
		users:            make(map[string]*userLoops),
		baseCtx:          ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartUser begins the heart-rate and stress loops for a user. Starting an
// already-registered user is a no-op, so repeated OAuth connections do not
// stack duplicate loops.
func (r *Registry) StartUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[userID]; ok {
		return
	}
	if r.baseCtx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	r.users[userID] = &userLoops{cancel: cancel}

	r.wg.Add(2)
	go r.heartRateLoop(ctx, userID)
	go r.stressLoop(ctx, userID)

	obs.Pkg("poller").Info("started user loops", "user_id", userID)
}

// StopUser cancels a user's loops. Unknown users are a no-op.
func (r *Registry) StopUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	loops, ok := r.users[userID]
	if !ok {
		return
	}
	loops.cancel()
	delete(r.users, userID)
	obs.Pkg("poller").Info("stopped user loops", "user_id", userID)
}

// Running reports whether a user's loops are registered.
func (r *Registry) Running(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok
}

// StartFromStore backfills and starts loops for every user with stored
// credentials. Called once at startup; per-user failures are logged and do
// not block the rest.
func (r *Registry) StartFromStore(ctx context.Context) error {
	userIDs, err := r.creds.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	log := obs.Pkg("poller")
	for _, userID := range userIDs {
		if _, err := r.engine.BackfillHeartRate(ctx, userID); err != nil {
			log.Warn("initial backfill failed", "user_id", userID, "error", err)
		}
		r.StartUser(userID)
	}
	log.Info("resumed stored users", "count", len(userIDs))
	return nil
}

// Shutdown cancels every loop and waits for them to exit, bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.cancel()

	r.mu.Lock()
	for userID, loops := range r.users {
		loops.cancel()
		delete(r.users, userID)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) heartRateLoop(ctx context.Context, userID string) {
	defer r.wg.Done()

	log := obs.Pkg("poller").With("user_id", userID)
	ticker := time.NewTicker(r.hrInterval)
	defer ticker.Stop()

	r.syncHeartRateOnce(ctx, userID, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.syncHeartRateOnce(ctx, userID, log)
		}
	}
}

func (r *Registry) stressLoop(ctx context.Context, userID string) {
	defer r.wg.Done()

	log := obs.Pkg("poller").With("user_id", userID)
	ticker := time.NewTicker(r.stressInterval)
	defer ticker.Stop()

	r.syncStressOnce(ctx, userID, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.syncStressOnce(ctx, userID, log)
		}
	}
}

func (r *Registry) syncHeartRateOnce(ctx context.Context, userID string, log *slog.Logger) {
	result, err := r.engine.SyncHeartRate(ctx, userID)
	if err != nil {
		if errs.Is(err, errs.Unauthenticated) {
			log.Warn("credentials gone, stopping loops", "error", err)
			go r.StopUser(userID)
			return
		}
		log.Warn("heart-rate sync failed", "error", err)
		return
	}
	// Only freshly inserted rows can alert. A cycle whose fetch returns
	// nothing but the overlap duplicate has Inserted == 0 and must not
	// re-notify the reading that alerted last cycle.
	if result.NoNewData || result.Inserted == 0 {
		return
	}
	r.checkSpikes(ctx, userID, result, log)
}

func (r *Registry) syncStressOnce(ctx context.Context, userID string, log *slog.Logger) {
	_, err := r.engine.SyncDailyStress(ctx, userID)
	if err != nil {
		if errs.Is(err, errs.Unauthenticated) {
			log.Warn("credentials gone, stopping loops", "error", err)
			go r.StopUser(userID)
			return
		}
		log.Warn("daily-stress sync failed", "error", err)
	}
}

// checkSpikes compares each newly fetched reading against the rolling
// baseline and notifies on the highest offending reading. Absent baselines
// (too little history) suppress alerting entirely.
func (r *Registry) checkSpikes(ctx context.Context, userID string, result ingest.Result, log *slog.Logger) {
	baseline, err := r.store.HeartRateBaseline(ctx, userID)
	if err != nil {
		if !errors.Is(err, samples.ErrNoSamples) {
			log.Warn("baseline lookup failed", "error", err)
		}
		return
	}

	var worst *samples.HeartRatePoint
	for i := range result.Points {
		p := &result.Points[i]
		if !samples.IsSpike(float64(p.BPM), baseline, r.thresholdPercent) {
			continue
		}
		if worst == nil || p.BPM > worst.BPM {
			worst = p
		}
	}
	if worst == nil {
		return
	}

	cred, err := r.creds.Get(ctx, userID)
	if err != nil {
		log.Warn("spike detected but credential lookup failed", "error", err)
		return
	}

	a := alert.NewSpikeAlert(userID, cred.Email, float64(worst.BPM), baseline, r.thresholdPercent, worst.Timestamp)
	if err := r.notifier.NotifySpike(ctx, a); err != nil {
		log.Warn("spike notification failed", "event_id", a.EventID, "error", err)
		return
	}
	log.Info("spike alert sent",
		"event_id", a.EventID, "bpm", worst.BPM, "baseline", baseline)
}
