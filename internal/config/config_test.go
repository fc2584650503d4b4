package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "raw-disaster-signals", cfg.KafkaSourceTopic)
	assert.Equal(t, "incident-notifications", cfg.KafkaSinkTopic)
	assert.Equal(t, "disaster-incident-service", cfg.KafkaGroupID)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":8081", cfg.APIAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Empty(t, cfg.DBURL)
	assert.False(t, cfg.AIEvalEnabled)
	assert.Equal(t, 5*time.Second, cfg.AIEvalTimeout)

	assert.InDelta(t, 10.0, cfg.Policy.ClusterRadiusKM, 1e-9)
	assert.Equal(t, 30*time.Minute, cfg.Policy.ClusterIdleWindow)
	assert.InDelta(t, 0.35, cfg.Policy.PromotionThreshold, 1e-9)
	assert.InDelta(t, 0.70, cfg.Policy.AlertThreshold, 1e-9)
	assert.InDelta(t, 0.15, cfg.Policy.SuppressFloor, 1e-9)
	assert.InDelta(t, 0.70, cfg.Policy.OfficialFloor, 1e-9)
	assert.InDelta(t, 1.15, cfg.Policy.DiversityBonus, 1e-9)
	assert.Equal(t, 24*time.Hour, cfg.Policy.NotificationTTL)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("KAFKA_SOURCE_TOPIC", "custom-source")
	t.Setenv("KAFKA_SINK_TOPIC", "custom-sink")
	t.Setenv("KAFKA_GROUP_ID", "custom-group")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("API_ADDR", ":9091")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("BATCH_SIZE", "100")
	t.Setenv("ALERT_THRESHOLD", "0.8")
	t.Setenv("CLUSTER_IDLE_WINDOW", "15m")
	t.Setenv("AIEVAL_URL", "https://ai.internal/evaluate")
	t.Setenv("AIEVAL_TIMEOUT", "2s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "custom-source", cfg.KafkaSourceTopic)
	assert.Equal(t, "custom-sink", cfg.KafkaSinkTopic)
	assert.Equal(t, "custom-group", cfg.KafkaGroupID)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, ":9091", cfg.APIAddr)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.InDelta(t, 0.8, cfg.Policy.AlertThreshold, 1e-9)
	assert.Equal(t, 15*time.Minute, cfg.Policy.ClusterIdleWindow)
	assert.True(t, cfg.AIEvalEnabled)
	assert.Equal(t, 2*time.Second, cfg.AIEvalTimeout)
}

func TestLoad_APIKeys(t *testing.T) {
	t.Setenv("API_KEYS", "ops:key-1, admin:key-2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"key-1": "ops", "key-2": "admin"}, cfg.APIKeys)
}

func TestLoad_InvalidAPIKeys(t *testing.T) {
	t.Setenv("API_KEYS", "missing-colon")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("CLUSTER_IDLE_WINDOW", "not-a-duration")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_ThresholdOrdering(t *testing.T) {
	t.Setenv("PROMOTION_THRESHOLD", "0.9")
	t.Setenv("ALERT_THRESHOLD", "0.7")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_AIEnabledWithoutURL(t *testing.T) {
	t.Setenv("AIEVAL_ENABLED", "true")

	_, err := Load()
	require.Error(t, err)
}
