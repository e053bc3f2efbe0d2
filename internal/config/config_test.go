package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresSecret(t *testing.T) {
	t.Setenv("STITCHKEY_CREDENTIAL_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STITCHKEY_CREDENTIAL_SECRET")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STITCHKEY_CREDENTIAL_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "data/licenses.db", cfg.Database.Path)
	assert.Equal(t, 720*time.Hour, cfg.Credential.TTL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Security.RateLimit.Enabled)
}

func TestLoad_IgnoresUnprefixedVars(t *testing.T) {
	t.Setenv("STITCHKEY_CREDENTIAL_SECRET", "test-secret")
	t.Setenv("PATH", "/usr/local/bin:/usr/bin:/bin")
	t.Setenv("PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "data/licenses.db", cfg.Database.Path)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STITCHKEY_CREDENTIAL_SECRET", "test-secret")
	t.Setenv("STITCHKEY_SERVER_PORT", "9090")
	t.Setenv("STITCHKEY_DATABASE_PATH", "/tmp/custom.db")
	t.Setenv("STITCHKEY_CREDENTIAL_TTL", "24h")
	t.Setenv("STITCHKEY_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/custom.db", cfg.Database.Path)
	assert.Equal(t, 24*time.Hour, cfg.Credential.TTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("STITCHKEY_CREDENTIAL_SECRET", "test-secret")
	t.Setenv("STITCHKEY_SERVER_PORT", "70000")

	_, err := Load()
	assert.Error(t, err)
}
