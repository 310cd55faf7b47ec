package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/mnothman/OuraRingFinal/internal/db"
)

// State errors
var (
	ErrStateNotFound = errors.New("oauth state not found or already used")
	ErrStateExpired  = errors.New("oauth state expired")
)

// State configuration
const (
	StateTTL         = 5 * time.Minute
	stateTokenLength = 16 // 128 bits, matches the provider's recommendation
)

// StateStore persists single-use OAuth handshake state tokens.
type StateStore struct {
	db    *db.AuthDB
	clock Clock
}

// NewStateStore creates a state store.
func NewStateStore(authDB *db.AuthDB) *StateStore {
	return &StateStore{db: authDB, clock: realClock{}}
}

// SetClock replaces the clock used by the store. Intended for testing.
func (s *StateStore) SetClock(c Clock) {
	s.clock = c
}

// Create generates a cryptographically random state token and persists it
// with the current timestamp.
func (s *StateStore) Create(ctx context.Context) (string, error) {
	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	_, err = s.db.DB().ExecContext(ctx, `
		INSERT INTO oauth_state (state, created_at) VALUES (?, ?)
	`, state, s.clock.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("store state: %w", err)
	}
	return state, nil
}

// Consume validates a state token and deletes it. The token is consumed on
// the first verification attempt whether or not it is still within the TTL,
// so a replayed state always fails with ErrStateNotFound.
func (s *StateStore) Consume(ctx context.Context, state string) error {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state tx: %w", err)
	}
	defer tx.Rollback()

	var createdAt int64
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM oauth_state WHERE state = ?`, state).Scan(&createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStateNotFound
		}
		return fmt.Errorf("lookup state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_state WHERE state = ?`, state); err != nil {
		return fmt.Errorf("consume state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state consume: %w", err)
	}

	if s.clock.Now().Sub(time.Unix(createdAt, 0)) > StateTTL {
		return ErrStateExpired
	}
	return nil
}

// CleanupExpired removes stale state rows that were never consumed.
// Called periodically by a background goroutine.
func (s *StateStore) CleanupExpired(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-StateTTL).Unix()
	_, err := s.db.DB().ExecContext(ctx, `DELETE FROM oauth_state WHERE created_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup expired state: %w", err)
	}
	return nil
}

func generateState() (string, error) {
	buf := make([]byte, stateTokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
