package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/mnothman/OuraRingFinal/internal/errs"
	"github.com/mnothman/OuraRingFinal/internal/obs"
)

// PollerNotifier lets the handshake start and stop a user's background
// pollers without importing the poller package.
type PollerNotifier interface {
	StartUser(userID string)
	StopUser(userID string)
}

// Handler provides HTTP handlers for the OAuth handshake and session routes.
type Handler struct {
	provider Provider
	states   *StateStore
	creds    *CredentialStore
	tokens   *TokenService
	pollers  PollerNotifier
	clock    Clock

	// appCallbackURL is where the browser is sent after a successful
	// handshake (the mobile deep link in production). Empty means respond
	// with JSON instead of redirecting.
	appCallbackURL string
}

// NewHandler creates an auth handler.
func NewHandler(provider Provider, states *StateStore, creds *CredentialStore, tokens *TokenService, appCallbackURL string) *Handler {
	return &Handler{
		provider:       provider,
		states:         states,
		creds:          creds,
		tokens:         tokens,
		clock:          realClock{},
		appCallbackURL: appCallbackURL,
	}
}

// SetPollerNotifier wires the poller registry in after construction.
func (h *Handler) SetPollerNotifier(p PollerNotifier) {
	h.pollers = p
}

// SetClock replaces the clock used by the handler. Intended for testing.
func (h *Handler) SetClock(c Clock) {
	h.clock = c
}

// RegisterRoutes registers all auth routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/login", h.HandleLogin)
	mux.HandleFunc("GET /auth/callback", h.HandleCallback)
	mux.HandleFunc("GET /auth/refresh", h.HandleRefresh)
	mux.HandleFunc("GET /auth/user-info", h.HandleUserInfo)
	mux.HandleFunc("POST /auth/logout", h.HandleLogout)
}

// HandleLogin starts the handshake: persist a random state and redirect the
// caller to the provider's authorization page.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := h.states.Create(r.Context())
	if err != nil {
		writeError(w, errs.Wrap(errs.Internal, "failed to create login state", err))
		return
	}
	http.Redirect(w, r, h.provider.AuthCodeURL(state), http.StatusFound)
}

// HandleCallback completes the handshake: verify and consume the state,
// exchange the code, resolve the user identity, and persist the credential
// record.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := obs.From(ctx)

	state := r.URL.Query().Get("state")
	if state == "" {
		writeError(w, errs.New(errs.CSRFFailed, "missing state parameter"))
		return
	}
	if err := h.states.Consume(ctx, state); err != nil {
		if errors.Is(err, ErrStateNotFound) || errors.Is(err, ErrStateExpired) {
			writeError(w, errs.Wrap(errs.CSRFFailed, "invalid or expired state", err))
			return
		}
		writeError(w, err)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, errs.New(errs.InvalidArgument, "missing code parameter"))
		return
	}

	tok, err := h.provider.Exchange(ctx, code)
	if err != nil {
		writeError(w, errs.Wrap(errs.Upstream, "failed to obtain access token", err))
		return
	}

	// The provider's account email is the stable user identifier. An
	// unresolvable identity fails the handshake; synthesizing one from the
	// token would produce unstable user keys.
	info, err := h.provider.PersonalInfo(ctx, tok.AccessToken)
	if err != nil {
		writeError(w, errs.Wrap(errs.IdentityUnresolved, "failed to fetch user identity", err))
		return
	}
	userID := strings.TrimSpace(info.Email)
	if userID == "" {
		writeError(w, errs.New(errs.IdentityUnresolved, "provider identity has no usable identifier"))
		return
	}

	expiresAt := tok.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = h.clock.Now().Add(fallbackTokenLifetime)
	}
	if err := h.creds.Upsert(ctx, userID, info.Email, tok.AccessToken, tok.RefreshToken, expiresAt.Unix()); err != nil {
		writeError(w, err)
		return
	}
	log.Info("handshake complete, credentials stored", "user_id", userID,
		"access_token", obs.RedactToken(tok.AccessToken))

	if h.pollers != nil {
		h.pollers.StartUser(userID)
	}

	if h.appCallbackURL != "" {
		redirect := h.appCallbackURL + "?" + url.Values{
			"token": {tok.AccessToken},
			"user":  {userID},
		}.Encode()
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Login successful",
		"user_id": userID,
	})
}

// HandleRefresh manually refreshes a user's tokens.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, errs.New(errs.InvalidArgument, "user_id is required"))
		return
	}

	cred, err := h.tokens.Refresh(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Token refreshed successfully",
		"user_id":    cred.UserID,
		"expires_at": cred.ExpiresAt,
	})
}

// HandleUserInfo proxies the provider's identity endpoint for the bearer user.
func (h *Handler) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	userID, err := h.bearerUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	accessToken, err := h.tokens.ValidAccessToken(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := h.provider.PersonalInfo(r.Context(), accessToken)
	if err != nil {
		writeError(w, errs.Wrap(errs.Upstream, "failed to fetch user info", err))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleLogout deletes the user's credential record and stops their pollers.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		var err error
		userID, err = h.bearerUser(r)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	if err := h.creds.Delete(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	if h.pollers != nil {
		h.pollers.StopUser(userID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "logged out, credentials deleted",
		"user_id": userID,
	})
}

// BearerToken extracts the access token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errs.New(errs.Unauthenticated, "authorization header missing")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errs.New(errs.Unauthenticated, "invalid authentication scheme")
	}
	return strings.TrimSpace(token), nil
}

// bearerUser resolves the Authorization header to a user ID.
func (h *Handler) bearerUser(r *http.Request) (string, error) {
	token, err := BearerToken(r)
	if err != nil {
		return "", err
	}
	return h.tokens.ResolveBearer(r.Context(), token)
}

// BearerUser exposes bearer resolution for other handler packages.
func (h *Handler) BearerUser(r *http.Request) (string, error) {
	return h.bearerUser(r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	writeJSON(w, errs.HTTPStatus(code), map[string]string{
		"error": errs.MessageOf(err),
		"code":  string(code),
	})
}
