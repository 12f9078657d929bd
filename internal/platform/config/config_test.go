package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Governance.CheckpointTTL)
	assert.Equal(t, 30*time.Second, cfg.Governance.SweepInterval)
	assert.Equal(t, "daily", cfg.Governance.DefaultBudgetPeriod)
	assert.Equal(t, "chenu.audit", cfg.Kafka.AuditTopic)
	assert.Empty(t, cfg.Redis.URL)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.False(t, cfg.RateLimit.Disabled)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CHENU_ADDR", ":9090")
	t.Setenv("CHECKPOINT_TTL", "5m")
	t.Setenv("DEFAULT_BUDGET", "5000")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,,")
	t.Setenv("WS_ALLOWED_ORIGINS", "app.example.com")
	t.Setenv("REDIS_POOL_SIZE", "32")
	t.Setenv("RATE_LIMIT_DISABLED", "true")
	t.Setenv("RATE_LIMIT_WRITE_REQUESTS", "5")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Governance.CheckpointTTL)
	assert.Equal(t, int64(5000), cfg.Governance.DefaultBudget)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"app.example.com"}, cfg.Server.WSAllowedOrigins)
	assert.Equal(t, 32, cfg.Redis.PoolSize)
	assert.True(t, cfg.RateLimit.Disabled)
	assert.Equal(t, 5, cfg.RateLimit.WriteRequests)
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	tests := map[string]string{
		"CHECKPOINT_TTL":           "soon",
		"REDIS_POOL_SIZE":          "many",
		"DEFAULT_BUDGET":           "-1",
		"RATE_LIMIT_DISABLED":      "sometimes",
		"RATE_LIMIT_READ_REQUESTS": "0",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := FromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestFromEnvRequiresSigningKeyInProduction(t *testing.T) {
	t.Setenv("CHENU_ENV", "production")
	_, err := FromEnv()
	require.Error(t, err)

	t.Setenv("JWT_SIGNING_KEY", "a-real-key")
	_, err = FromEnv()
	require.NoError(t, err)
}
