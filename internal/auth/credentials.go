package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mnothman/OuraRingFinal/internal/db"
)

// Credential errors
var (
	ErrCredentialNotFound = errors.New("credential record not found")
)

// Credential is one user's provider token material plus sync watermarks.
// Empty watermark strings mean "never synced".
type Credential struct {
	UserID              string
	Email               string
	AccessToken         string
	RefreshToken        string
	ExpiresAt           int64 // UNIX seconds
	LastFetchedAt       string
	LastFetchedStressAt string
}

// CredentialStore persists credential records in the auth database.
type CredentialStore struct {
	db *db.AuthDB
}

// NewCredentialStore creates a credential store.
func NewCredentialStore(authDB *db.AuthDB) *CredentialStore {
	return &CredentialStore{db: authDB}
}

// Upsert inserts or overwrites the token fields for a user. Watermarks are
// left untouched so a re-login does not reset sync progress.
func (s *CredentialStore) Upsert(ctx context.Context, userID, email, accessToken, refreshToken string, expiresAt int64) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO user_tokens (user_id, email, access_token, refresh_token, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at
	`, userID, email, accessToken, refreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// Get returns the credential record for a user.
func (s *CredentialStore) Get(ctx context.Context, userID string) (Credential, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT user_id, email, access_token, refresh_token, expires_at, last_fetched_at, last_fetched_stress_at
		FROM user_tokens WHERE user_id = ?
	`, userID)
	return scanCredential(row)
}

// GetByAccessToken resolves a presented Bearer token to its credential record.
func (s *CredentialStore) GetByAccessToken(ctx context.Context, accessToken string) (Credential, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT user_id, email, access_token, refresh_token, expires_at, last_fetched_at, last_fetched_stress_at
		FROM user_tokens WHERE access_token = ?
	`, accessToken)
	return scanCredential(row)
}

// UpdateTokens persists a refreshed token pair for a user.
func (s *CredentialStore) UpdateTokens(ctx context.Context, userID, accessToken, refreshToken string, expiresAt int64) error {
	_, err := s.db.DB().ExecContext(ctx, `
		UPDATE user_tokens SET access_token = ?, refresh_token = ?, expires_at = ?
		WHERE user_id = ?
	`, accessToken, refreshToken, expiresAt, userID)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return nil
}

// Delete removes a user's credential record (logout or failed refresh).
func (s *CredentialStore) Delete(ctx context.Context, userID string) error {
	_, err := s.db.DB().ExecContext(ctx, `DELETE FROM user_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// ListUserIDs returns the set of users with stored credentials. Used at
// startup to spin up pollers.
func (s *CredentialStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, `SELECT user_id FROM user_tokens ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user ids: %w", err)
	}
	return ids, nil
}

// AdvanceHeartRateWatermark moves last_fetched_at forward to ts. The guard
// keeps the watermark monotonic: a stale writer racing with a fresher one
// can never move it backward.
func (s *CredentialStore) AdvanceHeartRateWatermark(ctx context.Context, userID, ts string) (bool, error) {
	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE user_tokens SET last_fetched_at = ?
		WHERE user_id = ? AND (last_fetched_at IS NULL OR last_fetched_at < ?)
	`, ts, userID, ts)
	if err != nil {
		return false, fmt.Errorf("advance heart-rate watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance heart-rate watermark: %w", err)
	}
	return n > 0, nil
}

// AdvanceStressWatermark moves last_fetched_stress_at forward to date, with
// the same monotonic guard as the heart-rate watermark.
func (s *CredentialStore) AdvanceStressWatermark(ctx context.Context, userID, date string) (bool, error) {
	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE user_tokens SET last_fetched_stress_at = ?
		WHERE user_id = ? AND (last_fetched_stress_at IS NULL OR last_fetched_stress_at < ?)
	`, date, userID, date)
	if err != nil {
		return false, fmt.Errorf("advance stress watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance stress watermark: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (Credential, error) {
	var cred Credential
	var lastFetchedAt, lastFetchedStressAt sql.NullString
	err := row.Scan(&cred.UserID, &cred.Email, &cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt, &lastFetchedAt, &lastFetchedStressAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrCredentialNotFound
		}
		return Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	cred.LastFetchedAt = lastFetchedAt.String
	cred.LastFetchedStressAt = lastFetchedStressAt.String
	return cred, nil
}
