// Package config holds the runtime settings of inkledgerd.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store backends.
const (
	BackendGorm = "gorm"
	BackendPgx  = "pgx"
)

const (
	defaultListenAddr        = ":8080"
	defaultAllowedOrigin     = "http://localhost:8000"
	defaultSessionIssuer     = "tauth"
	defaultSessionCookie     = "app_session"
	defaultProviderTimeout   = 60 * time.Second
	defaultProviderBurst     = 1
	defaultReservationTTL    = 15 * time.Minute
	defaultRateLimitRequests = 10
	defaultRateLimitWindow   = time.Minute
	defaultReconcileSchedule = "@every 1m"
	defaultReconcileBatch    = 100
	defaultShutdownTimeout   = 10 * time.Second
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid")

// Config aggregates runtime settings.
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration

	DatabaseDriver string
	DatabaseURL    string
	StoreBackend   string

	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	ProviderBaseURL       string
	ProviderAPIKey        string
	ProviderTimeout       time.Duration
	ProviderRatePerSecond float64
	ProviderBurst         int
	MockProvider          bool

	ReservationTTL time.Duration

	RedisAddr         string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	StripeSecretKey     string
	StripeWebhookSecret string
	FrontendURL         string

	ReconcileSchedule string
	ReconcileBatch    int
}

// ValidateStorage applies and checks only the database settings used by the maintenance commands.
func (cfg *Config) ValidateStorage() error {
	cfg.DatabaseDriver = strings.ToLower(defaultIfEmpty(cfg.DatabaseDriver, ResolveDriver(cfg.DatabaseURL)))
	cfg.StoreBackend = strings.ToLower(defaultIfEmpty(cfg.StoreBackend, BackendGorm))
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = defaultReservationTTL
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = defaultReconcileBatch
	}
	switch cfg.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalidConfig, cfg.DatabaseDriver)
	}
	switch cfg.StoreBackend {
	case BackendGorm:
	case BackendPgx:
		if cfg.DatabaseDriver != DriverPostgres {
			return fmt.Errorf("%w: the pgx store requires the postgres driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, cfg.StoreBackend)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("%w: database url is required", ErrInvalidConfig)
	}
	return nil
}

// Validate applies defaults and rejects unusable settings for the server.
func (cfg *Config) Validate() error {
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}
	if cfg.ProviderBurst < 1 {
		cfg.ProviderBurst = defaultProviderBurst
	}
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = defaultRateLimitRequests
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = defaultRateLimitWindow
	}
	cfg.ReconcileSchedule = defaultIfEmpty(cfg.ReconcileSchedule, defaultReconcileSchedule)

	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	if !cfg.MockProvider && strings.TrimSpace(cfg.ProviderBaseURL) == "" {
		return fmt.Errorf("%w: provider base url is required unless the mock provider is enabled", ErrInvalidConfig)
	}
	if cfg.ProviderRatePerSecond < 0 {
		return fmt.Errorf("%w: provider rate must not be negative", ErrInvalidConfig)
	}
	if cfg.StripeSecretKey != "" && strings.TrimSpace(cfg.FrontendURL) == "" {
		return fmt.Errorf("%w: frontend url is required for checkout", ErrInvalidConfig)
	}
	return nil
}

// CheckoutEnabled reports whether checkout sessions can be created.
func (cfg Config) CheckoutEnabled() bool {
	return strings.TrimSpace(cfg.StripeSecretKey) != ""
}

// WebhookEnabled reports whether Stripe webhooks are accepted.
func (cfg Config) WebhookEnabled() bool {
	return strings.TrimSpace(cfg.StripeWebhookSecret) != ""
}

// RateLimitEnabled reports whether the Redis limiter is configured.
func (cfg Config) RateLimitEnabled() bool {
	return strings.TrimSpace(cfg.RedisAddr) != ""
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ResolveDriver infers the driver from a database URL: postgres schemes select
// postgres and everything else is treated as a sqlite path.
func ResolveDriver(databaseURL string) string {
	trimmed := strings.TrimSpace(databaseURL)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
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
