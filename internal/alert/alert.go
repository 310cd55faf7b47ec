// Package alert delivers heart-rate spike notifications.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mnothman/OuraRingFinal/internal/obs"
)

// SpikeAlert describes a single detected spike.
type SpikeAlert struct {
	EventID          string
	UserID           string
	Email            string
	BPM              float64
	Baseline         float64
	ThresholdPercent float64
	At               time.Time
}

// NewSpikeAlert assigns an event ID and stamps the alert.
func NewSpikeAlert(userID, email string, bpm, baseline, thresholdPercent float64, at time.Time) SpikeAlert {
	return SpikeAlert{
		EventID:          uuid.NewString(),
		UserID:           userID,
		Email:            email,
		BPM:              bpm,
		Baseline:         baseline,
		ThresholdPercent: thresholdPercent,
		At:               at,
	}
}

// Notifier defines the interface for delivering spike alerts.
type Notifier interface {
	NotifySpike(ctx context.Context, a SpikeAlert) error
}

// MockNotifier captures alerts for testing and local runs without an API key.
type MockNotifier struct {
	mu     sync.Mutex
	Alerts []SpikeAlert
}

// NewMockNotifier creates a new mock notifier.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{Alerts: make([]SpikeAlert, 0)}
}

// NotifySpike captures the alert instead of delivering it.
func (m *MockNotifier) NotifySpike(ctx context.Context, a SpikeAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = append(m.Alerts, a)
	obs.From(ctx).Info("spike alert (mock)",
		"event_id", a.EventID, "user_id", a.UserID,
		"bpm", a.BPM, "baseline", a.Baseline)
	return nil
}

// LastAlert returns the most recently captured alert, or the zero value.
func (m *MockNotifier) LastAlert() SpikeAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Alerts) == 0 {
		return SpikeAlert{}
	}
	return m.Alerts[len(m.Alerts)-1]
}

// Count returns the number of captured alerts.
func (m *MockNotifier) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Alerts)
}

// Clear removes all captured alerts.
func (m *MockNotifier) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = m.Alerts[:0]
}
