package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config holds the service settings read from the environment.
type Config struct {
	Env             string
	LogLevel        slog.Level
	HTTPAddr        string
	ShutdownTimeout time.Duration

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeTimeout       time.Duration

	SiteURL           string
	SuccessPath       string
	CancelPath        string
	Currency          string
	DefaultLocale     string
	ShippingCountries []string
}

// FromEnv populates a Config using defaults that can be overridden via environment variables.
func FromEnv() (Config, error) {
	cfg := Config{
		Env:                 getEnv("APP_ENV", "development"),
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		SiteURL:             strings.TrimRight(getEnv("SITE_URL", "http://localhost:3000"), "/"),
		SuccessPath:         getEnv("CHECKOUT_SUCCESS_PATH", "/{locale}/checkout/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelPath:          getEnv("CHECKOUT_CANCEL_PATH", "/{locale}/checkout/cancel"),
		Currency:            strings.ToLower(getEnv("CHECKOUT_CURRENCY", "usd")),
		DefaultLocale:       getEnv("DEFAULT_LOCALE", "en"),
		ShippingCountries:   splitList(os.Getenv("CHECKOUT_SHIPPING_COUNTRIES")),
	}

	var err error
	if cfg.LogLevel, err = parseLevel(getEnv("LOG_LEVEL", "info")); err != nil {
		return cfg, err
	}
	if cfg.StripeTimeout, err = parseDuration("STRIPE_TIMEOUT", "15s"); err != nil {
		return cfg, err
	}
	if cfg.ShutdownTimeout, err = parseDuration("SHUTDOWN_TIMEOUT", "10s"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Production reports whether internal error detail must be hidden from clients.
func (c Config) Production() bool {
	return c.Env == "production"
}

// Validate checks the settings the HTTP service cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.StripeSecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}
	if c.StripeTimeout <= 0 {
		errs = append(errs, errors.New("STRIPE_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger: JSON in production, text otherwise.
func (c Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	var h slog.Handler
	if c.Production() {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h).With("service", "storefront-orders")
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
