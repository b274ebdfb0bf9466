package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/campusbridge/partner-api/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFileSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TEST_STRIPE_KEY", "sk_test_123")

	path := writeConfig(t, `
server:
  port: "${TEST_PORT:-8080}"
  environment: "${TEST_ENV:-development}"
billing:
  stripe:
    secret_key: "${TEST_STRIPE_KEY}"
    webhook_secret: "${TEST_WEBHOOK_SECRET:-whsec_default}"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Environment)
	assert.Equal(t, "sk_test_123", cfg.Billing.Stripe.SecretKey)
	assert.Equal(t, "whsec_default", cfg.Billing.Stripe.WebhookSecret)
}

func TestLoadFromFileEnvVarOverridesDefault(t *testing.T) {
	t.Setenv("TEST_PORT", "9090")

	path := writeConfig(t, `
server:
  port: "${TEST_PORT:-8080}"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
}

func TestLoadFromFileRejectsTraversalAndBadExtensions(t *testing.T) {
	_, err := LoadFromFile("../secrets.yaml")
	assert.Error(t, err)

	_, err = LoadFromFile("config.json")
	assert.Error(t, err)
}

func TestGetTierPriceID(t *testing.T) {
	path := writeConfig(t, `
billing:
  stripe:
    secret_key: sk_test
    webhook_secret: whsec_test
  tier_prices:
    Monthly: price_monthly
    enterprise: price_enterprise
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "price_monthly", cfg.GetTierPriceID(models.TierMonthly))
	assert.Equal(t, "price_enterprise", cfg.GetTierPriceID(models.TierEnterprise))
	assert.Empty(t, cfg.GetTierPriceID(models.TierTrial))
}

func TestGetTierPriceIDWithoutBillingSection(t *testing.T) {
	cfg := &Config{}
	assert.Empty(t, cfg.GetTierPriceID(models.TierMonthly))
}

func TestValidateReportsMissingFields(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.MissingFields, "server.port")
	assert.Contains(t, vErr.MissingFields, "database")
}

func TestValidateBillingRequiresKeys(t *testing.T) {
	cfg := &Config{
		Server: models.ServerConfig{
			Port:           "8080",
			AllowedOrigins: "*",
		},
		Database: &models.DatabaseConfig{},
		Billing:  &models.BillingConfig{},
	}

	err := cfg.Validate()
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.MissingFields, "billing.stripe.secret_key")
	assert.Contains(t, vErr.MissingFields, "billing.stripe.webhook_secret")
}

func TestIsProduction(t *testing.T) {
	cfg := &Config{Server: models.ServerConfig{Environment: "production"}}
	assert.True(t, cfg.IsProduction())

	cfg.Server.Environment = "development"
	assert.False(t, cfg.IsProduction())
}
