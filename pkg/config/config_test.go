package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 45*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 20, cfg.Call.HistoryLimit)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, []string{"localhost"}, cfg.Cassandra.Hosts)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("STORAGE_BACKEND", "cockroach")
	t.Setenv("CALL_RING_TIMEOUT", "10s")
	t.Setenv("SEED_USERS", "alice:Alice,bob:Bob")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "cockroach", cfg.Storage.Backend)
	assert.Equal(t, 10*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, []string{"alice:Alice", "bob:Bob"}, cfg.Storage.SeedUsers)
}

func TestValidate(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "short")
	t.Setenv("ENV", "production")
	_, err = Load()
	assert.ErrorContains(t, err, "at least 32 characters")

	t.Setenv("ENV", "development")
	t.Setenv("STORAGE_BACKEND", "sqlite")
	_, err = Load()
	assert.ErrorContains(t, err, "STORAGE_BACKEND")
}
