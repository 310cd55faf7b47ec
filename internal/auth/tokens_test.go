package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mnothman/OuraRingFinal/internal/errs"
	"github.com/mnothman/OuraRingFinal/internal/oura"
)

// fakeProvider is a scriptable Provider for lifecycle tests.
type fakeProvider struct {
	refreshToken  oura.Token
	refreshErr    error
	refreshCalls  int
	exchangeToken oura.Token
	exchangeErr   error
	info          oura.PersonalInfo
	infoErr       error
}

func (f *fakeProvider) AuthCodeURL(state string) string {
	return "https://provider.example/authorize?state=" + state
}

func (f *fakeProvider) Exchange(ctx context.Context, code string) (oura.Token, error) {
	return f.exchangeToken, f.exchangeErr
}

func (f *fakeProvider) Refresh(ctx context.Context, refreshToken string) (oura.Token, error) {
	f.refreshCalls++
	return f.refreshToken, f.refreshErr
}

func (f *fakeProvider) PersonalInfo(ctx context.Context, accessToken string) (oura.PersonalInfo, error) {
	return f.info, f.infoErr
}

func newTestTokenService(t *testing.T, provider *fakeProvider) (*TokenService, *CredentialStore, *FakeClock) {
	t.Helper()
	creds := newTestCredentialStore(t)
	clock := NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc := NewTokenService(creds, provider)
	svc.SetClock(clock)
	return svc, creds, clock
}

func TestValidAccessToken_NotExpired(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{}
	svc, creds, clock := newTestTokenService(t, provider)
	ctx := context.Background()

	expiresAt := clock.Now().Add(time.Hour).Unix()
	if err := creds.Upsert(ctx, "alice@example.com", "alice@example.com", "at-1", "rt-1", expiresAt); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	token, err := svc.ValidAccessToken(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("valid access token: %v", err)
	}
	if token != "at-1" {
		t.Fatalf("token = %q, want the stored token", token)
	}
	if provider.refreshCalls != 0 {
		t.Fatalf("refresh called %d times for an unexpired token", provider.refreshCalls)
	}
}

func TestValidAccessToken_NoCredentials(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestTokenService(t, &fakeProvider{})

	_, err := svc.ValidAccessToken(context.Background(), "nobody@example.com")
	if !errs.Is(err, errs.Unauthenticated) {
		t.Fatalf("err = %v, want unauthenticated", err)
	}
}

func TestValidAccessToken_RefreshesExpired(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{
		refreshToken: oura.Token{
			AccessToken:  "at-new",
			RefreshToken: "rt-new",
			ExpiresAt:    time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC),
		},
	}
	svc, creds, clock := newTestTokenService(t, provider)
	ctx := context.Background()

	expired := clock.Now().Add(-time.Minute).Unix()
	if err := creds.Upsert(ctx, "alice@example.com", "alice@example.com", "at-old", "rt-old", expired); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	token, err := svc.ValidAccessToken(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("valid access token: %v", err)
	}
	if token != "at-new" {
		t.Fatalf("token = %q, want the refreshed token", token)
	}
	if provider.refreshCalls != 1 {
		t.Fatalf("refresh called %d times, want exactly 1", provider.refreshCalls)
	}

	cred, err := creds.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.AccessToken != "at-new" || cred.RefreshToken != "rt-new" {
		t.Fatalf("refreshed pair not persisted: %+v", cred)
	}
	if cred.ExpiresAt != provider.refreshToken.ExpiresAt.Unix() {
		t.Fatalf("expiry = %d, want provider value", cred.ExpiresAt)
	}
}

func TestValidAccessToken_RefreshFailurePurgesCredentials(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{
		refreshErr: &oura.APIError{Endpoint: "/oauth/token", StatusCode: 401, Body: "invalid_grant"},
	}
	svc, creds, clock := newTestTokenService(t, provider)
	ctx := context.Background()

	expired := clock.Now().Add(-time.Minute).Unix()
	if err := creds.Upsert(ctx, "alice@example.com", "alice@example.com", "at-old", "rt-old", expired); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	_, err := svc.ValidAccessToken(ctx, "alice@example.com")
	if !errs.Is(err, errs.Unauthenticated) {
		t.Fatalf("err = %v, want unauthenticated", err)
	}

	// The dead record is gone; the user must re-authenticate.
	if _, err := creds.Get(ctx, "alice@example.com"); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("get err = %v, want ErrCredentialNotFound", err)
	}
}

func TestValidAccessToken_FallbackExpiry(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{
		refreshToken: oura.Token{AccessToken: "at-new", RefreshToken: "rt-new"},
	}
	svc, creds, clock := newTestTokenService(t, provider)
	ctx := context.Background()

	if err := creds.Upsert(ctx, "alice@example.com", "alice@example.com", "at-old", "rt-old", 0); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if _, err := svc.ValidAccessToken(ctx, "alice@example.com"); err != nil {
		t.Fatalf("valid access token: %v", err)
	}

	cred, err := creds.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := clock.Now().Add(fallbackTokenLifetime).Unix()
	if cred.ExpiresAt != want {
		t.Fatalf("expiry = %d, want fallback %d", cred.ExpiresAt, want)
	}
}

func TestRefresh_FailureKeepsCredentials(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{
		refreshErr: &oura.APIError{Endpoint: "/oauth/token", StatusCode: 502, Body: "bad gateway"},
	}
	svc, creds, clock := newTestTokenService(t, provider)
	ctx := context.Background()

	if err := creds.Upsert(ctx, "alice@example.com", "alice@example.com", "at-1", "rt-1", clock.Now().Add(time.Hour).Unix()); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	_, err := svc.Refresh(ctx, "alice@example.com")
	if !errs.Is(err, errs.Upstream) {
		t.Fatalf("err = %v, want upstream", err)
	}

	// A manual refresh failure is not a logout.
	if _, err := creds.Get(ctx, "alice@example.com"); err != nil {
		t.Fatalf("credentials should survive a manual refresh failure: %v", err)
	}
}

func TestRefresh_UnknownUser(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestTokenService(t, &fakeProvider{})

	_, err := svc.Refresh(context.Background(), "nobody@example.com")
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestResolveBearer(t *testing.T) {
	t.Parallel()
	svc, creds, clock := newTestTokenService(t, &fakeProvider{})
	ctx := context.Background()

	if err := creds.Upsert(ctx, "alice@example.com", "alice@example.com", "at-1", "rt-1", clock.Now().Add(time.Hour).Unix()); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	userID, err := svc.ResolveBearer(ctx, "at-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if userID != "alice@example.com" {
		t.Fatalf("userID = %q", userID)
	}

	_, err = svc.ResolveBearer(ctx, "forged-token")
	if !errs.Is(err, errs.Unauthenticated) {
		t.Fatalf("err = %v, want unauthenticated", err)
	}
}

func TestResolveBearer_ExpiredTokenTriggersRefresh(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{
		refreshToken: oura.Token{AccessToken: "at-new", RefreshToken: "rt-new"},
	}
	svc, creds, clock := newTestTokenService(t, provider)
	ctx := context.Background()

	expired := clock.Now().Add(-time.Minute).Unix()
	if err := creds.Upsert(ctx, "alice@example.com", "alice@example.com", "at-old", "rt-old", expired); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	userID, err := svc.ResolveBearer(ctx, "at-old")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if userID != "alice@example.com" {
		t.Fatalf("userID = %q", userID)
	}
	if provider.refreshCalls != 1 {
		t.Fatalf("refresh called %d times, want 1", provider.refreshCalls)
	}
}
