package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	limits, err := cfg.Limits.Parse("limits")
	require.NoError(t, err)
	assert.Equal(t, "1000000.000000", limits.MakerLimit.String())
	assert.Equal(t, "0.500000", limits.EfficiencyLimit.String())
	assert.True(t, limits.MaxCorrelatedSkew.IsZero())
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	t.Setenv("TEST_PERP_DB", "postgres://perp:secret@db:5432/perp")

	path := writeConfig(t, `
server:
  port: 9090
  write_rate_limit: 50
  write_burst: 100
  shutdown_timeout: 10s
store:
  database_url: "${TEST_PERP_DB}"
  cache_ttl: 1m
limits:
  maker_limit: "500"
  max_correlated_skew: "2500"
markets:
  - ticker: PERP-ETH-USD
    curve: {d0: "0.001", d1: "0.002", d2: "0.004", d3: "0.008", scale: "100"}
  - ticker: PERP-BTC-USD
    curve: {d0: "0.0005", scale: "25"}
    limits: {maker_limit: "50"}
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "postgres://perp:secret@db:5432/perp", cfg.Store.DatabaseURL)
	assert.Equal(t, time.Minute, cfg.Store.CacheTTL)
	require.Len(t, cfg.Markets, 2)

	curve, err := cfg.Markets[1].Curve.Parse("markets[1].curve")
	require.NoError(t, err)
	assert.Equal(t, "25.000000", curve.Scale.String())
	assert.True(t, curve.D3.IsZero())

	// Unset fields keep their defaults.
	limits, err := cfg.Limits.Parse("limits")
	require.NoError(t, err)
	assert.Equal(t, "500.000000", limits.MakerLimit.String())
	assert.Equal(t, "0.500000", limits.EfficiencyLimit.String())
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 0
limits:
  maker_limit: "-5"
markets:
  - ticker: ETH-USD
    curve: {scale: "100"}
  - ticker: PERP-SOL-USD
    curve: {d0: "0.001"}
  - ticker: PERP-SOL-USD
    curve: {scale: "1"}
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	msg := err.Error()
	for _, field := range []string{
		"server.port",
		"limits.maker_limit",
		"markets[0].ticker",
		"markets[1].curve.scale",
		"markets[2].ticker",
	} {
		assert.True(t, strings.Contains(msg, field), "expected %s in %s", field, msg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7070")
	t.Setenv("SQLITE_PATH", "/tmp/perp.db")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/tmp/perp.db", cfg.Store.SQLitePath)
	assert.Equal(t, "redis://cache:6379/0", cfg.Store.RedisURL)
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "http")

	_, err := Load()
	assert.ErrorContains(t, err, "PORT")
}

func TestValidate_CacheNeedsBackingStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.RedisURL = "redis://cache:6379/0"
	assert.ErrorContains(t, cfg.Validate(), "store.redis_url")
}

func TestConfig_StringMasksCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.DatabaseURL = "postgres://perp:secret@db:5432/perp"
	cfg.Store.RedisURL = "redis://cache:6379/0"

	s := cfg.String()
	assert.NotContains(t, s, "secret")
	assert.Contains(t, s, "postgres://****@db:5432/perp")
	assert.Contains(t, s, "redis://cache:6379/0")
	assert.Equal(t, "postgres://perp:secret@db:5432/perp", cfg.Store.DatabaseURL)
}
