package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/reconcile"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/subscription"
)

const (
	ProviderMercadoPago = "mercadopago"
	ProviderPaddle      = "paddle"

	defaultDatabaseURL     = "sqlite://creditmeter.db"
	defaultHTTPListenAddr  = ":8080"
	defaultGRPCListenAddr  = ":7000"
	defaultAllowedOrigin   = "http://localhost:8000"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	defaultAdminRole       = "admin"
	defaultRequestTimeout  = 15 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Config aggregates runtime settings for creditd.
type Config struct {
	DatabaseURL    string
	HTTPListenAddr string
	GRPCListenAddr string
	AllowedOrigins []string

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminRole         string

	Provider              string
	ProviderToken         string
	ProviderBaseURL       string
	ProviderWebhookSecret string
	PaddleEnvironment     string
	ProviderTimeout       time.Duration

	RedisURL        string
	NotificationTTL time.Duration

	CheckoutSuccessURL string
	CheckoutFailureURL string
	CheckoutPendingURL string
	WebhookURL         string

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.AdminRole = defaultIfEmpty(cfg.AdminRole, defaultAdminRole)
	cfg.Provider = strings.ToLower(defaultIfEmpty(cfg.Provider, ProviderMercadoPago))
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = reconcile.DefaultProviderTimeout
	}
	if cfg.NotificationTTL <= 0 {
		cfg.NotificationTTL = reconcile.DefaultGateTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	switch cfg.Provider {
	case ProviderMercadoPago:
		if strings.TrimSpace(cfg.ProviderToken) == "" {
			return fmt.Errorf("provider token is required for %s", cfg.Provider)
		}
	case ProviderPaddle:
		if strings.TrimSpace(cfg.ProviderToken) == "" {
			return fmt.Errorf("provider token is required for %s", cfg.Provider)
		}
		if strings.TrimSpace(cfg.ProviderWebhookSecret) == "" {
			return fmt.Errorf("provider webhook secret is required for %s", cfg.Provider)
		}
	default:
		return fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
	return nil
}

// ValidateStorage fills storage defaults only; used by commands that never
// reach the HTTP or provider layers.
func (cfg *Config) ValidateStorage() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("database url is required")
	}
	return nil
}

// Callbacks returns the checkout redirect and notification urls.
func (cfg Config) Callbacks() subscription.Callbacks {
	return subscription.Callbacks{
		SuccessURL:      cfg.CheckoutSuccessURL,
		FailureURL:      cfg.CheckoutFailureURL,
		PendingURL:      cfg.CheckoutPendingURL,
		NotificationURL: cfg.WebhookURL,
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
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
