package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SITE_URL", "https://1minute.academy/")
	t.Setenv("SUPABASE_URL", "https://abc.supabase.co")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "service-key")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("STRIPE_PRICE_MONTHLY", "price_month")
	t.Setenv("STRIPE_PRICE_YEARLY", "price_year")
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "https://1minute.academy", cfg.SiteURL, "trailing slash trimmed")
	assert.Equal(t, "price_year", cfg.Stripe.YearlyPriceID)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.AllowLocalhost, "localhost allowed outside production")
	assert.False(t, cfg.IsProduction())
}

func TestLoadProductionDisallowsLocalhost(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "production")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.AllowLocalhost)
}

func TestLoadExplicitLocalhostOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("CORS_ALLOW_LOCALHOST", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.AllowLocalhost)
}

func TestLoadMissingRequired(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequiredEnv(t)
	t.Setenv("STRIPE_PRICE_YEARLY", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YearlyPriceID")
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	setRequiredEnv(t)
	t.Setenv("PORT", "")
	os.Unsetenv("PORT")

	err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PORT=9191\n"), 0o600)
	require.NoError(t, err)
	t.Cleanup(func() { os.Unsetenv("PORT") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9191", cfg.Port)
}

func TestLoadInvalidDriver(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequiredEnv(t)
	t.Setenv("DATABASE_DRIVER", "mysql")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Driver")
}

func TestLoadLocalhostOverrideFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "production")

	path := filepath.Join(dir, "academy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("CORS_ALLOW_LOCALHOST: true\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.AllowLocalhost)
}

func TestLoadTrustedProxy(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.TrustedProxy, "proxy headers untrusted by default")

	t.Setenv("TRUSTED_PROXY", "Netlify")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "netlify", cfg.TrustedProxy)

	t.Setenv("TRUSTED_PROXY", "anything")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TrustedProxy")
}
