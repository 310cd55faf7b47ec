// Package ingest implements watermark-based incremental synchronization of
// provider data into the sample stores. One engine serves both the
// heart-rate and daily-stress variants; the window semantics differ, the
// persistence and watermark rules are shared.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mnothman/OuraRingFinal/internal/auth"
	"github.com/mnothman/OuraRingFinal/internal/errs"
	"github.com/mnothman/OuraRingFinal/internal/obs"
	"github.com/mnothman/OuraRingFinal/internal/oura"
	"github.com/mnothman/OuraRingFinal/internal/samples"
)

const (
	// Overlap shifts the heart-rate fetch start backward to tolerate
	// boundary-timing gaps at the provider; dedup absorbs the duplicates.
	Overlap = 1 * time.Second

	// FirstRunWindow is the heart-rate fetch window for a user with no
	// watermark yet.
	FirstRunWindow = 5 * time.Minute

	// BackfillDays is the trailing window for the one-time initial
	// heart-rate backfill.
	BackfillDays = samples.BaselineDays
)

// TokenSource yields a valid access token for a user.
type TokenSource interface {
	ValidAccessToken(ctx context.Context, userID string) (string, error)
}

// Provider is the slice of the Oura client the engine depends on.
type Provider interface {
	HeartRate(ctx context.Context, accessToken string, start, end time.Time) ([]oura.HeartRateSample, error)
	DailyStress(ctx context.Context, accessToken, startDate, endDate string) ([]oura.DailyStressRecord, error)
}

// Result is the outcome of one sync operation. NoNewData distinguishes an
// empty window from a failure; it must not trigger alerting.
type Result struct {
	NoNewData bool
	Fetched   int
	Inserted  int
	Watermark string

	// Points holds the fetched heart-rate readings that passed the source
	// filter, for spike checks by the caller. A refetch of already-stored
	// rows still populates Points, so callers must gate alerting on
	// Inserted. Empty for stress syncs.
	Points []samples.HeartRatePoint
}

// Engine runs incremental syncs. Syncs for the same user are serialized so a
// manual trigger cannot race the background poller over the same window.
type Engine struct {
	tokens   TokenSource
	provider Provider
	creds    *auth.CredentialStore
	store    *samples.Store
	clock    samples.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates a sync engine.
func NewEngine(tokens TokenSource, provider Provider, creds *auth.CredentialStore, store *samples.Store) *Engine {
	return &Engine{
		tokens:   tokens,
		provider: provider,
		creds:    creds,
		store:    store,
		clock:    systemClock{},
		locks:    make(map[string]*sync.Mutex),
	}
}

func (e *Engine) userLock(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[userID] = lock
	}
	return lock
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SetClock replaces the clock used by the engine. Intended for testing.
func (e *Engine) SetClock(c samples.Clock) {
	e.clock = c
}

// SyncHeartRate fetches heart-rate samples since the user's watermark (with
// a 1-second overlap), persists the new ones, and advances the watermark to
// the newest stored timestamp when rows actually landed.
func (e *Engine) SyncHeartRate(ctx context.Context, userID string) (Result, error) {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	now := e.clock.Now()

	token, err := e.tokens.ValidAccessToken(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	cred, err := e.creds.Get(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	start := now.Add(-FirstRunWindow)
	if cred.LastFetchedAt != "" {
		wm, err := time.Parse(time.RFC3339, cred.LastFetchedAt)
		if err != nil {
			return Result{}, fmt.Errorf("parse heart-rate watermark %q: %w", cred.LastFetchedAt, err)
		}
		start = wm.Add(-Overlap)
	}

	data, err := e.provider.HeartRate(ctx, token, start, now)
	if err != nil {
		return Result{}, errs.Wrap(errs.Upstream, "failed to fetch heart rate", err)
	}
	if len(data) == 0 {
		return Result{NoNewData: true, Watermark: cred.LastFetchedAt}, nil
	}

	points := make([]samples.HeartRatePoint, 0, len(data))
	for _, d := range data {
		if samples.ExcludedSources[d.Source] {
			continue
		}
		points = append(points, samples.HeartRatePoint{
			Timestamp: d.Timestamp,
			BPM:       d.BPM,
			Source:    d.Source,
		})
	}

	inserted, err := e.store.InsertHeartRate(ctx, userID, points)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Fetched:   len(data),
		Inserted:  inserted,
		Watermark: cred.LastFetchedAt,
		Points:    points,
	}
	if inserted == 0 && len(points) == 0 {
		result.NoNewData = true
	}

	if inserted > 0 {
		maxTS, ok, err := e.store.MaxHeartRateTimestamp(ctx, userID)
		if err != nil {
			return Result{}, err
		}
		if ok && maxTS != cred.LastFetchedAt {
			advanced, err := e.creds.AdvanceHeartRateWatermark(ctx, userID, maxTS)
			if err != nil {
				return Result{}, err
			}
			if advanced {
				result.Watermark = maxTS
			}
		}
	}

	if err := e.store.CleanupOldHeartRate(ctx); err != nil {
		return Result{}, err
	}

	obs.From(ctx).Debug("heart-rate sync complete",
		"user_id", userID, "fetched", result.Fetched,
		"inserted", result.Inserted, "watermark", result.Watermark)
	return result, nil
}

// SyncDailyStress fetches day-level stress records since the user's stress
// watermark and persists them (first write per date wins). The watermark
// advances to the newest stored date only when rows actually landed,
// mirroring the heart-rate variant.
func (e *Engine) SyncDailyStress(ctx context.Context, userID string) (Result, error) {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	now := e.clock.Now()

	token, err := e.tokens.ValidAccessToken(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	cred, err := e.creds.Get(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	startDate := samples.FormatDate(now.AddDate(0, 0, -samples.StressBaselineDays))
	if cred.LastFetchedStressAt != "" {
		wm, err := time.Parse("2006-01-02", cred.LastFetchedStressAt)
		if err != nil {
			return Result{}, fmt.Errorf("parse stress watermark %q: %w", cred.LastFetchedStressAt, err)
		}
		startDate = samples.FormatDate(wm.AddDate(0, 0, 1))
	}
	endDate := samples.FormatDate(now)

	data, err := e.provider.DailyStress(ctx, token, startDate, endDate)
	if err != nil {
		return Result{}, errs.Wrap(errs.Upstream, "failed to fetch daily stress", err)
	}
	if len(data) == 0 {
		return Result{NoNewData: true, Watermark: cred.LastFetchedStressAt}, nil
	}

	days := make([]samples.StressDay, 0, len(data))
	for _, d := range data {
		days = append(days, samples.StressDay{
			Date:         d.Day,
			StressHigh:   d.StressHigh,
			RecoveryHigh: d.RecoveryHigh,
			DaySummary:   d.DaySummary,
		})
	}

	inserted, err := e.store.InsertDailyStress(ctx, userID, days)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Fetched:   len(data),
		Inserted:  inserted,
		Watermark: cred.LastFetchedStressAt,
	}

	if inserted > 0 {
		maxDate, ok, err := e.store.MaxStressDate(ctx, userID)
		if err != nil {
			return Result{}, err
		}
		if ok && maxDate != cred.LastFetchedStressAt {
			advanced, err := e.creds.AdvanceStressWatermark(ctx, userID, maxDate)
			if err != nil {
				return Result{}, err
			}
			if advanced {
				result.Watermark = maxDate
			}
		}
	}

	obs.From(ctx).Debug("daily-stress sync complete",
		"user_id", userID, "fetched", result.Fetched,
		"inserted", result.Inserted, "watermark", result.Watermark)
	return result, nil
}

// BackfillHeartRate seeds a new user with the trailing BackfillDays of
// heart-rate data. A no-op when the user already has stored samples.
func (e *Engine) BackfillHeartRate(ctx context.Context, userID string) (Result, error) {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	count, err := e.store.HeartRateCount(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if count > 0 {
		return Result{NoNewData: true}, nil
	}

	now := e.clock.Now()

	token, err := e.tokens.ValidAccessToken(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	data, err := e.provider.HeartRate(ctx, token, now.AddDate(0, 0, -BackfillDays), now)
	if err != nil {
		return Result{}, errs.Wrap(errs.Upstream, "failed to backfill heart rate", err)
	}
	if len(data) == 0 {
		return Result{NoNewData: true}, nil
	}

	points := make([]samples.HeartRatePoint, 0, len(data))
	for _, d := range data {
		if samples.ExcludedSources[d.Source] {
			continue
		}
		points = append(points, samples.HeartRatePoint{
			Timestamp: d.Timestamp,
			BPM:       d.BPM,
			Source:    d.Source,
		})
	}

	inserted, err := e.store.InsertHeartRate(ctx, userID, points)
	if err != nil {
		return Result{}, err
	}

	result := Result{Fetched: len(data), Inserted: inserted, Points: points}
	if inserted > 0 {
		maxTS, ok, err := e.store.MaxHeartRateTimestamp(ctx, userID)
		if err != nil {
			return Result{}, err
		}
		if ok {
			if _, err := e.creds.AdvanceHeartRateWatermark(ctx, userID, maxTS); err != nil {
				return Result{}, err
			}
			result.Watermark = maxTS
		}
	}

	if err := e.store.CleanupOldHeartRate(ctx); err != nil {
		return Result{}, err
	}
	return result, nil
}
