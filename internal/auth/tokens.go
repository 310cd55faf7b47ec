package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mnothman/OuraRingFinal/internal/errs"
	"github.com/mnothman/OuraRingFinal/internal/obs"
	"github.com/mnothman/OuraRingFinal/internal/oura"
)

// fallbackTokenLifetime is used when the provider omits expires_in from a
// refresh response.
const fallbackTokenLifetime = time.Hour

// Provider is the slice of the Oura client the auth layer depends on.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (oura.Token, error)
	Refresh(ctx context.Context, refreshToken string) (oura.Token, error)
	PersonalInfo(ctx context.Context, accessToken string) (oura.PersonalInfo, error)
}

// TokenService keeps access tokens valid, refreshing them on demand.
// All operations for the same user are serialized so two concurrent
// refreshes cannot race to persist a stale token pair.
type TokenService struct {
	creds    *CredentialStore
	provider Provider
	clock    Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTokenService creates a token lifecycle service.
func NewTokenService(creds *CredentialStore, provider Provider) *TokenService {
	return &TokenService{
		creds:    creds,
		provider: provider,
		clock:    realClock{},
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetClock replaces the clock used by the service. Intended for testing.
func (s *TokenService) SetClock(c Clock) {
	s.clock = c
}

// userLock returns the mutex serializing operations for one user.
func (s *TokenService) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

// ValidAccessToken returns a currently valid access token for the user.
// An expired token triggers exactly one refresh attempt; on refresh failure
// the credential record is deleted and the user must re-authenticate.
func (s *TokenService) ValidAccessToken(ctx context.Context, userID string) (string, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := s.creds.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return "", errs.New(errs.Unauthenticated, "no credentials stored for user")
		}
		return "", err
	}

	now := s.clock.Now()
	if now.Unix() <= cred.ExpiresAt {
		return cred.AccessToken, nil
	}

	log := obs.From(ctx).With("user_id", userID)
	log.Info("access token expired, refreshing")

	tok, err := s.provider.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		log.Warn("token refresh failed, removing credential record", "error", err)
		if delErr := s.creds.Delete(ctx, userID); delErr != nil {
			return "", fmt.Errorf("delete credential after failed refresh: %w", delErr)
		}
		return "", errs.Wrap(errs.Unauthenticated, "token refresh failed; re-authentication required", err)
	}

	expiresAt := s.expiryFor(tok, now)
	if err := s.creds.UpdateTokens(ctx, userID, tok.AccessToken, tok.RefreshToken, expiresAt); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Refresh forces a refresh for a user regardless of expiry. Unlike the
// on-demand path, a failure here does not purge the record: the caller asked
// for a refresh, not a logout.
func (s *TokenService) Refresh(ctx context.Context, userID string) (Credential, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := s.creds.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return Credential{}, errs.New(errs.NotFound, "user not found")
		}
		return Credential{}, err
	}

	tok, err := s.provider.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return Credential{}, errs.Wrap(errs.Upstream, "failed to refresh token", err)
	}

	expiresAt := s.expiryFor(tok, s.clock.Now())
	if err := s.creds.UpdateTokens(ctx, userID, tok.AccessToken, tok.RefreshToken, expiresAt); err != nil {
		return Credential{}, err
	}
	return s.creds.Get(ctx, userID)
}

// ResolveBearer maps a presented Bearer access token to its user, refreshing
// through the normal lifecycle path when the stored token has expired.
func (s *TokenService) ResolveBearer(ctx context.Context, accessToken string) (string, error) {
	cred, err := s.creds.GetByAccessToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return "", errs.New(errs.Unauthenticated, "invalid or expired token")
		}
		return "", err
	}

	if s.clock.Now().Unix() > cred.ExpiresAt {
		if _, err := s.ValidAccessToken(ctx, cred.UserID); err != nil {
			return "", err
		}
	}
	return cred.UserID, nil
}

func (s *TokenService) expiryFor(tok oura.Token, now time.Time) int64 {
	if tok.ExpiresAt.IsZero() {
		return now.Add(fallbackTokenLifetime).Unix()
	}
	return tok.ExpiresAt.Unix()
}
