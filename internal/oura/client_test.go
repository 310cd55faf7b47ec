package oura

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient("client-id", "client-secret", "http://localhost:8001/auth/callback",
		WithEndpoints(srv.URL+"/oauth/authorize", srv.URL+"/oauth/token", srv.URL),
		WithRateLimit(1000, 1000),
	)
	return client, srv
}

func TestExchange(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.FormValue("code"); got != "auth-code" {
			t.Errorf("code = %q, want auth-code", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "bearer",
			"expires_in":    86400,
		})
	})
	client, _ := newTestClient(t, mux)

	tok, err := client.Exchange(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tok.AccessToken != "at-1" || tok.RefreshToken != "rt-1" {
		t.Fatalf("token = %+v", tok)
	}
	if tok.ExpiresAt.Before(time.Now().Add(23 * time.Hour)) {
		t.Fatalf("expiry = %v, want about a day out", tok.ExpiresAt)
	}
}

func TestExchange_ProviderError(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	})
	client, _ := newTestClient(t, mux)

	_, err := client.Exchange(context.Background(), "bad-code")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T %v, want *APIError", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", apiErr.StatusCode)
	}
}

func TestRefresh_KeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-2",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})
	client, _ := newTestClient(t, mux)

	tok, err := client.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tok.AccessToken != "at-2" {
		t.Fatalf("access token = %q", tok.AccessToken)
	}
	if tok.RefreshToken != "rt-old" {
		t.Fatalf("refresh token = %q, want the old value carried over", tok.RefreshToken)
	}
}

func TestHeartRate(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/usercollection/heartrate", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
			t.Errorf("authorization = %q", got)
		}
		if r.URL.Query().Get("start_datetime") == "" || r.URL.Query().Get("end_datetime") == "" {
			t.Error("missing window query parameters")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[
			{"timestamp":"2026-03-10T12:00:00+00:00","bpm":62,"source":"rest"},
			{"timestamp":"2026-03-10T12:00:05.123","bpm":120,"source":"workout"}
		]}`))
	})
	client, _ := newTestClient(t, mux)

	samples, err := client.HeartRate(context.Background(), "at-1",
		time.Date(2026, 3, 10, 11, 55, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("heart rate: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(samples))
	}
	if samples[0].BPM != 62 || samples[0].Source != "rest" {
		t.Fatalf("sample = %+v", samples[0])
	}
	// Offset-less timestamps parse as UTC.
	if got := samples[1].Timestamp.Second(); got != 5 {
		t.Fatalf("second sample timestamp = %v", samples[1].Timestamp)
	}
}

func TestHeartRate_Non200IsAPIError(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/usercollection/heartrate", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	})
	client, _ := newTestClient(t, mux)

	_, err := client.HeartRate(context.Background(), "at-1", time.Now().Add(-time.Hour), time.Now())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T %v, want *APIError", err, err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError || apiErr.Endpoint != "/v2/usercollection/heartrate" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestDailyStress(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/usercollection/daily_stress", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("start_date"); got != "2026-02-09" {
			t.Errorf("start_date = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[
			{"day":"2026-03-09","stress_high":7200,"recovery_high":3600,"day_summary":"stressful"},
			{"day":"2026-03-10","stress_high":null,"recovery_high":null,"day_summary":null}
		]}`))
	})
	client, _ := newTestClient(t, mux)

	records, err := client.DailyStress(context.Background(), "at-1", "2026-02-09", "2026-03-10")
	if err != nil {
		t.Fatalf("daily stress: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].StressHigh == nil || *records[0].StressHigh != 7200 {
		t.Fatalf("record = %+v", records[0])
	}
	if records[1].StressHigh != nil {
		t.Fatal("null stress_high should decode to nil")
	}
}

func TestPersonalInfo(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/usercollection/personal_info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"abc123","email":"alice@example.com","age":30}`))
	})
	client, _ := newTestClient(t, mux)

	info, err := client.PersonalInfo(context.Background(), "at-1")
	if err != nil {
		t.Fatalf("personal info: %v", err)
	}
	if info.Email != "alice@example.com" || info.ID != "abc123" {
		t.Fatalf("info = %+v", info)
	}
}
