package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.AuthSecret)
	assert.Empty(t, cfg.ManagerPIN)
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOCK_TIMEOUT", "INVOICE_DUE_DAYS", "BALANCE_CACHE_TTL", "DB_MAX_OPEN_CONNS", "MIGRATE_ON_START"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.Equal(t, 30, cfg.InvoiceDueDays)
	assert.Equal(t, 30*time.Second, cfg.BalanceCacheTTL)
	assert.Equal(t, 30, cfg.DBMaxOpenConns)
	assert.False(t, cfg.MigrateOnStart)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://ledger@localhost/ledger")
	t.Setenv("LOCK_TIMEOUT", "750ms")
	t.Setenv("INVOICE_DUE_DAYS", "14")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("MIGRATE_ON_START", "true")
	t.Setenv("AUTH_SECRET", "  padded-secret  ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "postgres://ledger@localhost/ledger", cfg.DatabaseURL)
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, 14, cfg.InvoiceDueDays)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.True(t, cfg.MigrateOnStart)
	assert.Equal(t, "padded-secret", cfg.AuthSecret)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"INVOICE_DUE_DAYS":  "0",
		"DB_MAX_OPEN_CONNS": "-1",
		"LOCK_TIMEOUT":      "-2s",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
