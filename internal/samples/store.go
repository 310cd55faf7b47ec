// Package samples persists heart-rate and daily-stress records and answers
// the read-side baseline queries over them.
package samples

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mnothman/OuraRingFinal/internal/db"
)

const (
	// BaselineDays is the trailing window for the heart-rate baseline and
	// the retention horizon for heart-rate samples.
	BaselineDays = 14

	// StressBaselineDays is the trailing window for the stress baseline.
	StressBaselineDays = 29
)

// ExcludedSources are sample sources that must never be persisted: workout
// and sleep readings would skew the resting baseline.
var ExcludedSources = map[string]bool{
	"workout": true,
	"sleep":   true,
}

// HeartRatePoint is one heart-rate reading to be stored.
type HeartRatePoint struct {
	Timestamp time.Time
	BPM       int64
	Source    string
}

// StressDay is one daily stress record to be stored. StressHigh and
// RecoveryHigh are nullable upstream.
type StressDay struct {
	Date         string
	StressHigh   *int64
	RecoveryHigh *int64
	DaySummary   string
}

// StoredHeartRate is a persisted heart-rate row.
type StoredHeartRate struct {
	UserID    string
	Timestamp string
	BPM       int64
	Source    string
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store persists samples in the samples database.
type Store struct {
	db    *db.SamplesDB
	clock Clock
}

// NewStore creates a samples store.
func NewStore(samplesDB *db.SamplesDB) *Store {
	return &Store{db: samplesDB, clock: realClock{}}
}

// SetClock replaces the clock used by the store. Intended for testing.
func (s *Store) SetClock(c Clock) {
	s.clock = c
}

// FormatTimestamp normalizes a sample timestamp for storage. Everything is
// rendered as second-precision RFC3339 UTC so the TEXT column compares
// lexicographically in chronological order.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// FormatDate renders a day-granularity value for the daily_stress table.
func FormatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// InsertHeartRate stores heart-rate points for a user, skipping excluded
// sources and deduplicating on (user_id, timestamp). Returns the number of
// rows actually inserted.
func (s *Store) InsertHeartRate(ctx context.Context, userID string, points []HeartRatePoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin heart-rate insert: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, p := range points {
		if ExcludedSources[p.Source] {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO heart_rate (user_id, timestamp, bpm, source)
			VALUES (?, ?, ?, ?)
		`, userID, FormatTimestamp(p.Timestamp), p.BPM, p.Source)
		if err != nil {
			return 0, fmt.Errorf("insert heart-rate sample: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("insert heart-rate sample: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit heart-rate insert: %w", err)
	}
	return inserted, nil
}

// InsertDailyStress stores daily stress records for a user. The first write
// for a (user_id, date) wins; later duplicates are silently dropped.
// Returns the number of rows actually inserted.
func (s *Store) InsertDailyStress(ctx context.Context, userID string, days []StressDay) (int, error) {
	if len(days) == 0 {
		return 0, nil
	}

	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin stress insert: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, d := range days {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO daily_stress (user_id, date, stress_high, recovery_high, day_summary)
			VALUES (?, ?, ?, ?, ?)
		`, userID, d.Date, nullableInt(d.StressHigh), nullableInt(d.RecoveryHigh), d.DaySummary)
		if err != nil {
			return 0, fmt.Errorf("insert stress record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("insert stress record: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit stress insert: %w", err)
	}
	return inserted, nil
}

// MaxHeartRateTimestamp returns the newest stored sample timestamp for a user.
func (s *Store) MaxHeartRateTimestamp(ctx context.Context, userID string) (string, bool, error) {
	var ts sql.NullString
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM heart_rate WHERE user_id = ?`, userID,
	).Scan(&ts)
	if err != nil {
		return "", false, fmt.Errorf("max heart-rate timestamp: %w", err)
	}
	return ts.String, ts.Valid, nil
}

// MaxStressDate returns the newest stored stress date for a user.
func (s *Store) MaxStressDate(ctx context.Context, userID string) (string, bool, error) {
	var date sql.NullString
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT MAX(date) FROM daily_stress WHERE user_id = ?`, userID,
	).Scan(&date)
	if err != nil {
		return "", false, fmt.Errorf("max stress date: %w", err)
	}
	return date.String, date.Valid, nil
}

// LatestHeartRate returns the most recent stored sample for a user.
func (s *Store) LatestHeartRate(ctx context.Context, userID string) (StoredHeartRate, error) {
	var row StoredHeartRate
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT user_id, timestamp, bpm, source FROM heart_rate
		WHERE user_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, userID).Scan(&row.UserID, &row.Timestamp, &row.BPM, &row.Source)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredHeartRate{}, ErrNoSamples
		}
		return StoredHeartRate{}, fmt.Errorf("latest heart-rate sample: %w", err)
	}
	return row, nil
}

// HeartRateCount returns the number of stored samples for a user.
func (s *Store) HeartRateCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM heart_rate WHERE user_id = ?`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count heart-rate samples: %w", err)
	}
	return count, nil
}

// CleanupOldHeartRate removes heart-rate samples older than the baseline
// window across all users. Stress records are retained indefinitely.
func (s *Store) CleanupOldHeartRate(ctx context.Context) error {
	cutoff := FormatTimestamp(s.clock.Now().AddDate(0, 0, -BaselineDays))
	_, err := s.db.DB().ExecContext(ctx,
		`DELETE FROM heart_rate WHERE timestamp < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup old heart-rate samples: %w", err)
	}
	return nil
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
