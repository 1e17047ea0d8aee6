package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TIMELOCK_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/timelock")
	t.Setenv("TIMELOCK_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "postgres://localhost/timelock", cfg.DatabaseURL)
	assert.Equal(t, 10*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 2*time.Second, cfg.WebhookRetryBase)
	assert.Equal(t, 100, cfg.WebhookQueueSize)
	assert.True(t, cfg.ScannerEnabled)
	assert.Equal(t, 5*time.Second, cfg.ScannerInterval)
	assert.Equal(t, 50, cfg.ScannerBatch)
	assert.Equal(t, "timelock", cfg.JWTIssuer)
	assert.Equal(t, time.Hour, cfg.JWTTTL)
	assert.True(t, cfg.SeedDefaults)
	assert.Equal(t, "timelock.audit", cfg.KafkaTopic)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Empty(t, cfg.WebhookURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TIMELOCK_DATABASE_URL", "postgres://primary")
	t.Setenv("DATABASE_URL", "postgres://fallback")
	t.Setenv("TIMELOCK_JWT_SECRET_ID", "timelock/jwt")
	t.Setenv("TIMELOCK_SCANNER_INTERVAL", "250ms")
	t.Setenv("TIMELOCK_SCANNER_BATCH", "10")
	t.Setenv("TIMELOCK_SCANNER_ENABLED", "false")
	t.Setenv("TIMELOCK_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("TIMELOCK_WEBHOOK_RETRY_BASE", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://primary", cfg.DatabaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.ScannerInterval)
	assert.Equal(t, 10, cfg.ScannerBatch)
	assert.False(t, cfg.ScannerEnabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2*time.Second, cfg.WebhookRetryBase)
}

func TestLoadRequiresDatabaseOrMemoryOptIn(t *testing.T) {
	t.Setenv("TIMELOCK_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TIMELOCK_JWT_SECRET", "secret")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("TIMELOCK_ALLOW_MEMORY_STORE", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.AllowMemoryStore)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("TIMELOCK_JWT_SECRET", "")
	t.Setenv("TIMELOCK_JWT_SECRET_ID", "")
	_, err := Load()
	assert.Error(t, err)
}
