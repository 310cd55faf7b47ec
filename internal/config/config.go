// Package config provides centralized configuration for the Oura sync
// service. It loads from CLI flags and environment variables, validates
// required fields, and provides sensible defaults.
//
// CLI flags control which services are mocked (--no-provider, --no-email,
// --test). Environment variables provide secrets and service configuration.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ListenAddr string
	BaseURL    string

	// Database
	DataDir string // directory holding auth.db and samples.db

	// Mock service flags (controlled by CLI flags, not env vars)
	NoProvider bool // if true, point the OAuth client at a stub provider (--no-provider)
	NoEmail    bool // if true, use the mock alert notifier (--no-email)

	// Oura OAuth application
	OuraClientID     string
	OuraClientSecret string
	OuraRedirectURI  string
	AppCallbackURL   string // frontend URL that receives token+user after the handshake

	// Resend email
	ResendAPIKey    string
	ResendFromEmail string

	// Polling and alerting
	HeartRateInterval     time.Duration
	StressInterval        time.Duration
	SpikeThresholdPercent float64
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// ParseFlags parses CLI flags and returns them. Call before LoadConfig.
// This registers and parses --no-provider, --no-email, --test, and --addr.
func ParseFlags() (noProvider, noEmail bool, addr string) {
	var testMode bool
	flag.BoolVar(&noProvider, "no-provider", false, "Run without Oura credentials (set OURA_AUTH_URL, OURA_TOKEN_URL, OURA_API_BASE to use a local stub)")
	flag.BoolVar(&noEmail, "no-email", false, "Use mock alert notifier (logs alerts to console)")
	flag.BoolVar(&testMode, "test", false, "Shorthand for --no-provider --no-email")
	flag.StringVar(&addr, "addr", "", "Listen address (default :8001, overrides LISTEN_ADDR env var)")
	flag.Parse()

	if testMode {
		noProvider = true
		noEmail = true
	}

	return noProvider, noEmail, addr
}

// LoadConfig loads configuration from environment variables and CLI flag
// values. The addr flag overrides the LISTEN_ADDR env var if non-empty.
func LoadConfig(noProvider, noEmail bool, addr string) (*Config, error) {
	cfg := &Config{}

	cfg.NoProvider = noProvider
	cfg.NoEmail = noEmail

	// Server settings
	cfg.ListenAddr = getEnvOrDefault("LISTEN_ADDR", ":8001")
	if addr != "" {
		cfg.ListenAddr = addr
	}
	cfg.BaseURL = strings.TrimSpace(os.Getenv("BASE_URL"))
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	// Database
	cfg.DataDir = getEnvOrDefault("DATA_DIR", "./data")

	// Oura OAuth application
	cfg.OuraClientID = strings.TrimSpace(os.Getenv("OURA_CLIENT_ID"))
	cfg.OuraClientSecret = strings.TrimSpace(os.Getenv("OURA_CLIENT_SECRET"))
	cfg.OuraRedirectURI = strings.TrimSpace(os.Getenv("OURA_REDIRECT_URI"))
	if cfg.OuraRedirectURI == "" {
		cfg.OuraRedirectURI = cfg.BaseURL + "/auth/callback"
	}
	cfg.AppCallbackURL = strings.TrimSpace(os.Getenv("APP_CALLBACK_URL"))

	// Resend email
	cfg.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	cfg.ResendFromEmail = getEnvOrDefault("RESEND_FROM_EMAIL", "alerts@ouraring.local")

	// Polling and alerting
	cfg.HeartRateInterval = parseDurationOrDefault("HEART_RATE_POLL_INTERVAL", 5*time.Minute)
	cfg.StressInterval = parseDurationOrDefault("STRESS_POLL_INTERVAL", 12*time.Hour)
	cfg.SpikeThresholdPercent = parseFloat64OrDefault("SPIKE_THRESHOLD_PERCENT", 20)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and valid.
// When mocks are NOT active for a service, the corresponding secrets are
// required.
func (c *Config) Validate() error {
	var errs []string

	// Provider: require Oura app credentials unless --no-provider
	if !c.NoProvider {
		if c.OuraClientID == "" {
			errs = append(errs, "OURA_CLIENT_ID is required (set env var or use --no-provider)")
		}
		if c.OuraClientSecret == "" {
			errs = append(errs, "OURA_CLIENT_SECRET is required (set env var or use --no-provider)")
		}
	}

	// Email: require Resend API key unless --no-email
	if !c.NoEmail {
		if c.ResendAPIKey == "" {
			errs = append(errs, "RESEND_API_KEY is required (set env var or use --no-email)")
		}
	}

	if c.DataDir == "" {
		errs = append(errs, "DATA_DIR must not be empty")
	}
	if c.HeartRateInterval <= 0 {
		errs = append(errs, "HEART_RATE_POLL_INTERVAL must be positive")
	}
	if c.StressInterval <= 0 {
		errs = append(errs, "STRESS_POLL_INTERVAL must be positive")
	}
	if c.SpikeThresholdPercent <= 0 {
		errs = append(errs, "SPIKE_THRESHOLD_PERCENT must be positive")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	return nil
}

// IsProduction returns true if all mock services are disabled.
func (c *Config) IsProduction() bool {
	return !c.NoProvider && !c.NoEmail
}

// PrintStartupSummary prints a human-readable summary of the configuration to stderr.
func (c *Config) PrintStartupSummary() {
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "oura sync server starting...")

	if c.NoProvider {
		fmt.Fprintln(os.Stderr, "  Provider: Stub OAuth (--no-provider)")
	} else {
		fmt.Fprintf(os.Stderr, "  Provider: Oura (real, redirect: %s)\n", c.OuraRedirectURI)
	}

	if c.NoEmail {
		fmt.Fprintln(os.Stderr, "  Alerts:   Mock (--no-email)")
	} else {
		fmt.Fprintf(os.Stderr, "  Alerts:   Resend (real, from: %s)\n", c.ResendFromEmail)
	}

	fmt.Fprintf(os.Stderr, "  Data:     %s\n", c.DataDir)
	fmt.Fprintf(os.Stderr, "  Polling:  heart rate every %s, stress every %s\n", c.HeartRateInterval, c.StressInterval)
	fmt.Fprintf(os.Stderr, "  Listen:   %s\n", c.ListenAddr)
	fmt.Fprintf(os.Stderr, "  Base:     %s\n", c.BaseURL)
	fmt.Fprintln(os.Stderr, "")
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
