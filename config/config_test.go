package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 100, cfg.Tunables.MessageLimit)
	assert.Equal(t, 60, cfg.Tunables.MaxConnectionsPerMinute)
	assert.False(t, cfg.IsProduction())
}

func TestLoadEnvOverride(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	os.Setenv("PORT", "9090")
	os.Setenv("NODE_ENV", "production")
	os.Setenv("JWT_SECRET", "shhh")
	t.Cleanup(func() {
		os.Unsetenv("PORT")
		os.Unsetenv("NODE_ENV")
		os.Unsetenv("JWT_SECRET")
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "shhh", cfg.JWTSecret)
}

func TestLoadMissingSecretInProductionFails(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	os.Setenv("NODE_ENV", "production")
	t.Cleanup(func() { os.Unsetenv("NODE_ENV") })

	_, err := Load()
	assert.Error(t, err)
}
