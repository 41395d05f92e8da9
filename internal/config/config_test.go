package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultHoldingWindow, cfg.HoldingWindow)
	assert.Equal(t, DefaultConfirmationsSmall, cfg.ConfirmationsSmall)
	assert.Equal(t, DefaultConfirmationsLarge, cfg.ConfirmationsLarge)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("POLL_INTERVAL", "15s")
	t.Setenv("HOLDING_WINDOW", "168h")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.HoldingWindow)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	t.Setenv("CONFIRMATIONS_SMALL", "3")
	t.Setenv("CONFIRMATIONS_LARGE", "1")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRequiresAdminSecretInProduction(t *testing.T) {
	t.Setenv("ENV", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET")

	t.Setenv("ADMIN_SECRET", "s3cret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestValidateRejectsSubSecondPoll(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "100ms")

	_, err := Load()
	assert.Error(t, err)
}
