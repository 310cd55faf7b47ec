package samples

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNoSamples means the query window contained no data for the user.
var ErrNoSamples = errors.New("no samples in window")

// DefaultSpikeThresholdPercent is how far above baseline a reading must be
// to count as a spike.
const DefaultSpikeThresholdPercent = 20.0

// HeartRateBaseline returns the mean bpm over the trailing BaselineDays
// window, or ErrNoSamples when the window is empty.
func (s *Store) HeartRateBaseline(ctx context.Context, userID string) (float64, error) {
	cutoff := FormatTimestamp(s.clock.Now().AddDate(0, 0, -BaselineDays))

	var avg sql.NullFloat64
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT AVG(bpm) FROM heart_rate
		WHERE user_id = ? AND timestamp >= ?
	`, userID, cutoff).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("heart-rate baseline: %w", err)
	}
	if !avg.Valid {
		return 0, ErrNoSamples
	}
	return avg.Float64, nil
}

// StressBaseline returns the mean stress_high over the trailing
// StressBaselineDays window, or ErrNoSamples when the window is empty.
// Rows with a null stress_high do not contribute.
func (s *Store) StressBaseline(ctx context.Context, userID string) (float64, error) {
	cutoff := FormatDate(s.clock.Now().AddDate(0, 0, -StressBaselineDays))

	var avg sql.NullFloat64
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT AVG(stress_high) FROM daily_stress
		WHERE user_id = ? AND date >= ?
	`, userID, cutoff).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("stress baseline: %w", err)
	}
	if !avg.Valid {
		return 0, ErrNoSamples
	}
	return avg.Float64, nil
}

// IsSpike reports whether a reading exceeds baseline by more than
// thresholdPercent.
func IsSpike(bpm, baseline, thresholdPercent float64) bool {
	return bpm > baseline*(1+thresholdPercent/100)
}
