package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/mnothman/OuraRingFinal/internal/auth"
	"github.com/mnothman/OuraRingFinal/internal/db"
	"github.com/mnothman/OuraRingFinal/internal/errs"
	"github.com/mnothman/OuraRingFinal/internal/oura"
	"github.com/mnothman/OuraRingFinal/internal/samples"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) ValidAccessToken(ctx context.Context, userID string) (string, error) {
	return s.token, s.err
}

// scriptedProvider records the windows it was asked for and replays canned
// responses.
type scriptedProvider struct {
	hrSamples []oura.HeartRateSample
	hrErr     error
	hrStart   time.Time
	hrEnd     time.Time

	stressRecords []oura.DailyStressRecord
	stressErr     error
	stressStart   string
	stressEnd     string
}

func (p *scriptedProvider) HeartRate(ctx context.Context, accessToken string, start, end time.Time) ([]oura.HeartRateSample, error) {
	p.hrStart, p.hrEnd = start, end
	return p.hrSamples, p.hrErr
}

func (p *scriptedProvider) DailyStress(ctx context.Context, accessToken, startDate, endDate string) ([]oura.DailyStressRecord, error) {
	p.stressStart, p.stressEnd = startDate, endDate
	return p.stressRecords, p.stressErr
}

type engineFixture struct {
	engine   *Engine
	provider *scriptedProvider
	creds    *auth.CredentialStore
	store    *samples.Store
	now      time.Time
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	authDB, err := db.OpenAuthDBInMemory()
	if err != nil {
		t.Fatalf("open auth db: %v", err)
	}
	t.Cleanup(func() { authDB.Close() })
	samplesDB, err := db.OpenSamplesDBInMemory()
	if err != nil {
		t.Fatalf("open samples db: %v", err)
	}
	t.Cleanup(func() { samplesDB.Close() })

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	creds := auth.NewCredentialStore(authDB)
	store := samples.NewStore(samplesDB)
	store.SetClock(fixedClock{t: now})
	provider := &scriptedProvider{}
	engine := NewEngine(staticTokens{token: "at-1"}, provider, creds, store)
	engine.SetClock(fixedClock{t: now})

	if err := creds.Upsert(context.Background(), "alice@example.com", "alice@example.com", "at-1", "rt-1", now.Add(time.Hour).Unix()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return &engineFixture{engine: engine, provider: provider, creds: creds, store: store, now: now}
}

func TestSyncHeartRate_FirstRunWindow(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	f.provider.hrSamples = []oura.HeartRateSample{
		{Timestamp: f.now.Add(-2 * time.Minute), BPM: 62, Source: "rest"},
	}

	result, err := f.engine.SyncHeartRate(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Inserted != 1 || result.NoNewData {
		t.Fatalf("result = %+v", result)
	}

	// No watermark yet: the fetch covers the trailing first-run window.
	if !f.provider.hrStart.Equal(f.now.Add(-FirstRunWindow)) {
		t.Fatalf("start = %v, want %v", f.provider.hrStart, f.now.Add(-FirstRunWindow))
	}
	if !f.provider.hrEnd.Equal(f.now) {
		t.Fatalf("end = %v, want now", f.provider.hrEnd)
	}

	cred, err := f.creds.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := samples.FormatTimestamp(f.now.Add(-2 * time.Minute))
	if cred.LastFetchedAt != want {
		t.Fatalf("watermark = %q, want %q", cred.LastFetchedAt, want)
	}
}

func TestSyncHeartRate_WindowStartsOneSecondBeforeWatermark(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	wm := f.now.Add(-10 * time.Minute)
	if _, err := f.creds.AdvanceHeartRateWatermark(ctx, "alice@example.com", samples.FormatTimestamp(wm)); err != nil {
		t.Fatalf("advance: %v", err)
	}

	f.provider.hrSamples = nil
	if _, err := f.engine.SyncHeartRate(ctx, "alice@example.com"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if !f.provider.hrStart.Equal(wm.Add(-Overlap)) {
		t.Fatalf("start = %v, want watermark minus overlap %v", f.provider.hrStart, wm.Add(-Overlap))
	}
}

func TestSyncHeartRate_EmptyResponseIsNoNewData(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	result, err := f.engine.SyncHeartRate(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !result.NoNewData || result.Inserted != 0 {
		t.Fatalf("result = %+v, want no-new-data", result)
	}

	cred, err := f.creds.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.LastFetchedAt != "" {
		t.Fatalf("watermark moved on an empty response: %q", cred.LastFetchedAt)
	}
}

func TestSyncHeartRate_DuplicatesDoNotAdvanceWatermark(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	f.provider.hrSamples = []oura.HeartRateSample{
		{Timestamp: f.now.Add(-2 * time.Minute), BPM: 62, Source: "rest"},
	}
	if _, err := f.engine.SyncHeartRate(ctx, "alice@example.com"); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	before, err := f.creds.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// The overlap refetches the same sample; dedup absorbs it and the
	// watermark stays put.
	result, err := f.engine.SyncHeartRate(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if result.Inserted != 0 {
		t.Fatalf("inserted = %d, want 0 for a pure-duplicate fetch", result.Inserted)
	}

	after, err := f.creds.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.LastFetchedAt != before.LastFetchedAt {
		t.Fatalf("watermark moved from %q to %q on duplicates", before.LastFetchedAt, after.LastFetchedAt)
	}
}

func TestSyncHeartRate_ExcludedSourcesNeverLand(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	f.provider.hrSamples = []oura.HeartRateSample{
		{Timestamp: f.now.Add(-3 * time.Minute), BPM: 140, Source: "workout"},
		{Timestamp: f.now.Add(-2 * time.Minute), BPM: 50, Source: "sleep"},
		{Timestamp: f.now.Add(-1 * time.Minute), BPM: 64, Source: "rest"},
	}

	result, err := f.engine.SyncHeartRate(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Fetched != 3 || result.Inserted != 1 {
		t.Fatalf("result = %+v, want 3 fetched and 1 inserted", result)
	}
	if len(result.Points) != 1 || result.Points[0].Source != "rest" {
		t.Fatalf("points = %+v", result.Points)
	}

	// The watermark tracks the stored reading, not the filtered ones.
	cred, err := f.creds.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := samples.FormatTimestamp(f.now.Add(-1 * time.Minute))
	if cred.LastFetchedAt != want {
		t.Fatalf("watermark = %q, want %q", cred.LastFetchedAt, want)
	}
}

func TestSyncHeartRate_UpstreamFailureLeavesWatermark(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	wm := samples.FormatTimestamp(f.now.Add(-10 * time.Minute))
	if _, err := f.creds.AdvanceHeartRateWatermark(ctx, "alice@example.com", wm); err != nil {
		t.Fatalf("advance: %v", err)
	}
	f.provider.hrErr = &oura.APIError{Endpoint: "/v2/usercollection/heartrate", StatusCode: 500, Body: "boom"}

	_, err := f.engine.SyncHeartRate(ctx, "alice@example.com")
	if !errs.Is(err, errs.Upstream) {
		t.Fatalf("err = %v, want upstream", err)
	}

	cred, err := f.creds.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.LastFetchedAt != wm {
		t.Fatalf("watermark changed across a failed sync: %q", cred.LastFetchedAt)
	}
}

func TestSyncHeartRate_TokenFailurePropagates(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.engine.tokens = staticTokens{err: errs.New(errs.Unauthenticated, "no credentials stored for user")}

	_, err := f.engine.SyncHeartRate(context.Background(), "alice@example.com")
	if !errs.Is(err, errs.Unauthenticated) {
		t.Fatalf("err = %v, want unauthenticated", err)
	}
}

func TestSyncDailyStress_FirstRunWindow(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	high := int64(7200)
	f.provider.stressRecords = []oura.DailyStressRecord{
		{Day: "2026-03-09", StressHigh: &high, DaySummary: "stressful"},
	}

	result, err := f.engine.SyncDailyStress(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Inserted != 1 {
		t.Fatalf("result = %+v", result)
	}

	wantStart := samples.FormatDate(f.now.AddDate(0, 0, -samples.StressBaselineDays))
	if f.provider.stressStart != wantStart {
		t.Fatalf("start = %q, want %q", f.provider.stressStart, wantStart)
	}
	if f.provider.stressEnd != samples.FormatDate(f.now) {
		t.Fatalf("end = %q, want today", f.provider.stressEnd)
	}

	cred, err := f.creds.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.LastFetchedStressAt != "2026-03-09" {
		t.Fatalf("stress watermark = %q", cred.LastFetchedStressAt)
	}
}

func TestSyncDailyStress_WindowStartsDayAfterWatermark(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	if _, err := f.creds.AdvanceStressWatermark(ctx, "alice@example.com", "2026-03-07"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if _, err := f.engine.SyncDailyStress(ctx, "alice@example.com"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if f.provider.stressStart != "2026-03-08" {
		t.Fatalf("start = %q, want the day after the watermark", f.provider.stressStart)
	}
}

func TestSyncDailyStress_DuplicateDaysDoNotAdvanceWatermark(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	high := int64(3600)
	f.provider.stressRecords = []oura.DailyStressRecord{
		{Day: "2026-03-09", StressHigh: &high},
	}
	if _, err := f.engine.SyncDailyStress(ctx, "alice@example.com"); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	// The provider re-sends the same day; nothing lands, nothing advances.
	result, err := f.engine.SyncDailyStress(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if result.Inserted != 0 {
		t.Fatalf("inserted = %d, want 0", result.Inserted)
	}

	cred, err := f.creds.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.LastFetchedStressAt != "2026-03-09" {
		t.Fatalf("stress watermark = %q", cred.LastFetchedStressAt)
	}
}

func TestSyncDailyStress_UpstreamFailureLeavesWatermark(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	if _, err := f.creds.AdvanceStressWatermark(ctx, "alice@example.com", "2026-03-07"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	f.provider.stressErr = &oura.APIError{Endpoint: "/v2/usercollection/daily_stress", StatusCode: 500, Body: "boom"}

	_, err := f.engine.SyncDailyStress(ctx, "alice@example.com")
	if !errs.Is(err, errs.Upstream) {
		t.Fatalf("err = %v, want upstream", err)
	}

	cred, err := f.creds.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.LastFetchedStressAt != "2026-03-07" {
		t.Fatalf("stress watermark changed across a failed sync: %q", cred.LastFetchedStressAt)
	}
}

func TestBackfillHeartRate(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	f.provider.hrSamples = []oura.HeartRateSample{
		{Timestamp: f.now.AddDate(0, 0, -3), BPM: 58, Source: "rest"},
		{Timestamp: f.now.AddDate(0, 0, -1), BPM: 62, Source: "rest"},
	}

	result, err := f.engine.BackfillHeartRate(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if result.Inserted != 2 {
		t.Fatalf("result = %+v", result)
	}
	if !f.provider.hrStart.Equal(f.now.AddDate(0, 0, -BackfillDays)) {
		t.Fatalf("start = %v, want trailing %d days", f.provider.hrStart, BackfillDays)
	}

	// A second backfill is a no-op once samples exist.
	f.provider.hrSamples = []oura.HeartRateSample{
		{Timestamp: f.now, BPM: 70, Source: "rest"},
	}
	result, err = f.engine.BackfillHeartRate(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("second backfill: %v", err)
	}
	if !result.NoNewData || result.Inserted != 0 {
		t.Fatalf("second backfill result = %+v, want no-op", result)
	}
}
