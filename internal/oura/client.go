// Package oura is the REST client for the Oura wearable-data provider.
// It covers the OAuth2 token endpoints (authorization-code exchange and
// refresh-token grant) plus the Bearer-authenticated data endpoints used by
// the sync engine. All outbound calls share a single rate limiter.
package oura

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// DefaultAuthURL is Oura's OAuth2 authorization page.
	DefaultAuthURL = "https://cloud.ouraring.com/oauth/authorize"

	// DefaultTokenURL is Oura's OAuth2 token endpoint.
	DefaultTokenURL = "https://api.ouraring.com/oauth/token"

	// DefaultAPIBase is the base URL for Oura's v2 data API.
	DefaultAPIBase = "https://api.ouraring.com"

	// requestTimeout bounds every provider call; matches the upstream API's
	// documented worst-case latency with headroom.
	requestTimeout = 10 * time.Second
)

// Scopes requested during the authorization handshake.
var Scopes = []string{"email", "personal", "daily", "heartrate", "workout", "tag", "session", "spo2Daily"}

// APIError is a non-2xx response from the provider, carrying enough detail
// for callers to surface status and body.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("oura %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Token is the credential material returned by the token endpoints.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// PersonalInfo is the subset of the personal_info response we consume.
type PersonalInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// HeartRateSample is one heart-rate reading from the provider.
type HeartRateSample struct {
	Timestamp time.Time
	BPM       int64
	Source    string
}

// DailyStressRecord is one day-level stress summary from the provider.
// StressHigh and RecoveryHigh are nullable upstream.
type DailyStressRecord struct {
	Day          string `json:"day"`
	StressHigh   *int64 `json:"stress_high"`
	RecoveryHigh *int64 `json:"recovery_high"`
	DaySummary   string `json:"day_summary"`
}

// Client talks to the provider.
type Client struct {
	oauth   *oauth2.Config
	apiBase string
	http    *http.Client
	limiter *rate.Limiter
}

// Option customizes a Client.
type Option func(*Client)

// WithEndpoints overrides the provider URLs; used by tests to point the
// client at an httptest server.
func WithEndpoints(authURL, tokenURL, apiBase string) Option {
	return func(c *Client) {
		c.oauth.Endpoint = oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL}
		c.apiBase = strings.TrimRight(apiBase, "/")
	}
}

// WithHTTPClient overrides the HTTP client used for all provider calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRateLimit overrides the provider call rate limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient creates a provider client for the given OAuth2 application.
func NewClient(clientID, clientSecret, redirectURL string, opts ...Option) *Client {
	c := &Client{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     oauth2.Endpoint{AuthURL: DefaultAuthURL, TokenURL: DefaultTokenURL},
			Scopes:       Scopes,
		},
		apiBase: DefaultAPIBase,
		http:    &http.Client{Timeout: requestTimeout},
		// Oura allows 5000 requests per 5 minutes; stay well under it.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthCodeURL returns the provider authorization URL embedding state.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (Token, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Token{}, err
	}
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return Token{}, convertTokenError("token", err)
	}
	return fromOAuth2Token(tok, ""), nil
}

// Refresh trades a refresh token for a new token pair. The provider rotates
// refresh tokens; when the response omits one, the old value is carried over.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Token{}, err
	}
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return Token{}, convertTokenError("token", err)
	}
	return fromOAuth2Token(tok, refreshToken), nil
}

// PersonalInfo fetches the user's identity record.
func (c *Client) PersonalInfo(ctx context.Context, accessToken string) (PersonalInfo, error) {
	var info PersonalInfo
	body, err := c.get(ctx, accessToken, "/v2/usercollection/personal_info", nil)
	if err != nil {
		return PersonalInfo{}, err
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return PersonalInfo{}, fmt.Errorf("decode personal_info response: %w", err)
	}
	return info, nil
}

// HeartRate fetches heart-rate samples in [start, end].
func (c *Client) HeartRate(ctx context.Context, accessToken string, start, end time.Time) ([]HeartRateSample, error) {
	query := url.Values{
		"start_datetime": {start.UTC().Format(time.RFC3339)},
		"end_datetime":   {end.UTC().Format(time.RFC3339)},
	}
	body, err := c.get(ctx, accessToken, "/v2/usercollection/heartrate", query)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data []struct {
			Timestamp string `json:"timestamp"`
			BPM       int64  `json:"bpm"`
			Source    string `json:"source"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode heartrate response: %w", err)
	}

	samples := make([]HeartRateSample, 0, len(payload.Data))
	for _, entry := range payload.Data {
		ts, err := parseTimestamp(entry.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("heartrate sample has bad timestamp %q: %w", entry.Timestamp, err)
		}
		samples = append(samples, HeartRateSample{
			Timestamp: ts,
			BPM:       entry.BPM,
			Source:    entry.Source,
		})
	}
	return samples, nil
}

// DailyStress fetches day-level stress records in [startDate, endDate]
// (YYYY-MM-DD, inclusive).
func (c *Client) DailyStress(ctx context.Context, accessToken, startDate, endDate string) ([]DailyStressRecord, error) {
	query := url.Values{
		"start_date": {startDate},
		"end_date":   {endDate},
	}
	body, err := c.get(ctx, accessToken, "/v2/usercollection/daily_stress", query)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data []DailyStressRecord `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode daily_stress response: %w", err)
	}
	return payload.Data, nil
}

func (c *Client) get(ctx context.Context, accessToken, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := c.apiBase + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Endpoint:   path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}

// oauthContext routes the oauth2 library's internal HTTP calls through the
// client's configured transport.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func fromOAuth2Token(tok *oauth2.Token, previousRefresh string) Token {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	return Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    tok.Expiry,
	}
}

// convertTokenError normalizes oauth2 transport errors, keeping non-2xx
// detail available as an APIError.
func convertTokenError(endpoint string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &APIError{
			Endpoint:   endpoint,
			StatusCode: status,
			Body:       strings.TrimSpace(string(retrieveErr.Body)),
		}
	}
	return fmt.Errorf("call %s endpoint: %w", endpoint, err)
}

// parseTimestamp accepts the provider's timestamp renderings: RFC3339 with
// offset or Z, with or without fractional seconds.
func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}
