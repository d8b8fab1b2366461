package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"APP_ENV", "HTTP_ADDR", "LOG_LEVEL", "STRIPE_TIMEOUT", "CHECKOUT_CURRENCY", "SITE_URL", "CHECKOUT_SHIPPING_COUNTRIES"} {
		t.Setenv(k, "")
	}

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 15*time.Second, cfg.StripeTimeout)
	assert.Equal(t, "usd", cfg.Currency)
	assert.Equal(t, "http://localhost:3000", cfg.SiteURL)
	assert.False(t, cfg.Production())
	assert.Empty(t, cfg.ShippingCountries)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("STRIPE_TIMEOUT", "3s")
	t.Setenv("SITE_URL", "https://school.example/")
	t.Setenv("CHECKOUT_CURRENCY", "EUR")
	t.Setenv("CHECKOUT_SHIPPING_COUNTRIES", "us, ca ,")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.Production())
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.StripeTimeout)
	assert.Equal(t, "https://school.example", cfg.SiteURL)
	assert.Equal(t, "eur", cfg.Currency)
	assert.Equal(t, []string{"US", "CA"}, cfg.ShippingCountries)
}

func TestFromEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("STRIPE_TIMEOUT", "soon")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "STRIPE_TIMEOUT")
}

func TestValidate(t *testing.T) {
	cfg := Config{StripeTimeout: time.Second}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "STRIPE_SECRET_KEY")
	assert.ErrorContains(t, err, "STRIPE_WEBHOOK_SECRET")

	cfg.StripeSecretKey = "sk_test"
	cfg.StripeWebhookSecret = "whsec"
	assert.NoError(t, cfg.Validate())
}
