// Package config aggregates runtime settings for tokenledgerd.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/policy"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/ratelimit"
)

const (
	defaultListenAddr        = ":8080"
	defaultGRPCListenAddr    = ":7000"
	defaultDatabaseURL       = "sqlite:///tmp/tokenledger.db"
	defaultAllowedOrigin     = "http://localhost:8000"
	defaultSessionCookie     = "app_session"
	defaultStoreTimeout      = 3 * time.Second
	defaultRateLimitTimeout  = 250 * time.Millisecond
	defaultStripeTimeout     = 10 * time.Second
	defaultWebhookTolerance  = 5 * time.Minute
	defaultShutdownTimeout   = 10 * time.Second
	defaultRateLimitStoreDev = RateLimitStoreMemory
)

// LedgerBackend selects the postgres store implementation.
const (
	LedgerBackendProcedures = "procedures"
	LedgerBackendGorm       = "gorm"
)

// Rate-limit store kinds.
const (
	RateLimitStoreRedis    = "redis"
	RateLimitStoreMemory   = "memory"
	RateLimitStoreAllowAll = "allow_all"
)

// ErrInvalidConfig marks configuration that cannot start the server.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings.
type Config struct {
	ListenAddr      string
	GRPCListenAddr  string
	DatabaseURL     string
	LedgerBackend   string
	StoreTimeout    time.Duration
	ShutdownTimeout time.Duration

	RateLimitStore         string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	RateLimitTimeout       time.Duration
	RateLimitFailurePolicy string
	RateLimitOverrides     map[string]string

	DebitFailurePolicy string
	CompensationPolicy string

	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeTimeout       time.Duration
	WebhookTolerance    time.Duration

	CatalogPath    string
	LogLevel       string
	LogDevelopment bool
}

// Validate fills defaults and rejects values the server cannot run with.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.LedgerBackend = strings.ToLower(defaultIfEmpty(cfg.LedgerBackend, LedgerBackendProcedures))
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.RateLimitTimeout <= 0 {
		cfg.RateLimitTimeout = defaultRateLimitTimeout
	}
	if cfg.StripeTimeout <= 0 {
		cfg.StripeTimeout = defaultStripeTimeout
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = defaultWebhookTolerance
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if strings.TrimSpace(cfg.RateLimitStore) == "" {
		cfg.RateLimitStore = defaultRateLimitStoreDev
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			cfg.RateLimitStore = RateLimitStoreRedis
		}
	}
	cfg.RateLimitStore = strings.ToLower(strings.ReplaceAll(cfg.RateLimitStore, "-", "_"))

	switch cfg.LedgerBackend {
	case LedgerBackendProcedures, LedgerBackendGorm:
	default:
		return fmt.Errorf("%w: unknown ledger backend %q", ErrInvalidConfig, cfg.LedgerBackend)
	}
	switch cfg.RateLimitStore {
	case RateLimitStoreMemory, RateLimitStoreAllowAll:
	case RateLimitStoreRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return fmt.Errorf("%w: redis addr is required for the redis rate limit store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown rate limit store %q", ErrInvalidConfig, cfg.RateLimitStore)
	}
	if _, err := cfg.RateLimitPolicy(); err != nil {
		return err
	}
	if _, err := cfg.DebitPolicy(); err != nil {
		return err
	}
	if _, err := cfg.Compensation(); err != nil {
		return err
	}
	if _, err := cfg.RateLimits(); err != nil {
		return err
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.StripeSecretKey) == "" {
		return fmt.Errorf("%w: stripe secret key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.StripeWebhookSecret) == "" {
		return fmt.Errorf("%w: stripe webhook secret is required", ErrInvalidConfig)
	}
	return nil
}

// RateLimitPolicy defaults to FAIL_OPEN.
func (cfg *Config) RateLimitPolicy() (policy.FailurePolicy, error) {
	return policy.ParseFailurePolicy(cfg.RateLimitFailurePolicy, policy.FailOpen)
}

// DebitPolicy defaults to FAIL_CLOSED.
func (cfg *Config) DebitPolicy() (policy.FailurePolicy, error) {
	return policy.ParseFailurePolicy(cfg.DebitFailurePolicy, policy.FailClosed)
}

// Compensation defaults to NONE.
func (cfg *Config) Compensation() (policy.CompensationPolicy, error) {
	return policy.ParseCompensationPolicy(cfg.CompensationPolicy)
}

// RateLimits applies overrides of the form class -> "requests/window" (for example "5/15m") on
// top of ratelimit.DefaultLimits.
func (cfg *Config) RateLimits() (ratelimit.Limits, error) {
	limits := ratelimit.DefaultLimits()
	for rawClass, rawLimit := range cfg.RateLimitOverrides {
		class, err := ratelimit.ParseClass(rawClass)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		limit, err := ParseLimit(rawLimit)
		if err != nil {
			return nil, err
		}
		limits[class] = limit
	}
	return limits, nil
}

// ParseLimit parses "requests/window", e.g. "120/1m".
func ParseLimit(raw string) (ratelimit.Limit, error) {
	requestsPart, windowPart, found := strings.Cut(strings.TrimSpace(raw), "/")
	if !found {
		return ratelimit.Limit{}, fmt.Errorf("%w: rate limit %q must look like 120/1m", ErrInvalidConfig, raw)
	}
	requests, err := strconv.Atoi(strings.TrimSpace(requestsPart))
	if err != nil {
		return ratelimit.Limit{}, fmt.Errorf("%w: rate limit requests %q: %w", ErrInvalidConfig, requestsPart, err)
	}
	window, err := time.ParseDuration(strings.TrimSpace(windowPart))
	if err != nil {
		return ratelimit.Limit{}, fmt.Errorf("%w: rate limit window %q: %w", ErrInvalidConfig, windowPart, err)
	}
	limit := ratelimit.Limit{Requests: requests, Window: window}
	if err := limit.Validate(); err != nil {
		return ratelimit.Limit{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return limit, nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
