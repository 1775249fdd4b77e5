package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearAmbient drops the unprefixed variables a developer shell may
// export, so default assertions see a clean environment.
func clearAmbient() {
	for _, k := range []string{"ENVIRONMENT", "LOG_LEVEL", "LOG_FORMAT", "METRICS_INTERVAL"} {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearAmbient()

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "race-local", cfg.RaceID)

	assert.Equal(t, "nats://localhost:4222", cfg.FeedPrimaryURL)
	assert.Empty(t, cfg.FeedFallbackURLs)
	assert.Equal(t, "telemetry.frames", cfg.FeedSubject)

	assert.Equal(t, 10*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 30*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, 15*time.Second, cfg.FailoverTimeout)
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.InDelta(t, 2.0, cfg.BackoffMultiplier, 1e-9)
	assert.Equal(t, 30*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.CircuitBreakerTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.LatencyThreshold)
	assert.Equal(t, 30*time.Second, cfg.DuplicateDetectionWindow)

	assert.Equal(t, time.Second, cfg.AggregationWindow)
	assert.Equal(t, 30*time.Second, cfg.MaxDataAge)
	assert.InDelta(t, 0.1, cfg.ConflictThreshold, 1e-9)
	assert.Equal(t, 2, cfg.MinSources)
	assert.InDelta(t, 0.1, cfg.DriftThreshold, 1e-9)

	assert.Equal(t, time.Second, cfg.UpdateInterval)
	assert.Equal(t, 30*time.Second, cfg.PositionTimeout)
	assert.InDelta(t, 50.0, cfg.GroupDistanceThreshold, 1e-9)
	assert.Equal(t, 3*time.Second, cfg.GroupTimeThreshold)
	assert.Equal(t, 10*time.Second, cfg.MaxInterpolationTime)
	assert.Zero(t, cfg.RouteLengthKM)

	assert.Equal(t, 2*time.Second, cfg.DetectionInterval)
	assert.InDelta(t, 0.6, cfg.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 24*time.Hour, cfg.EventRetention)

	assert.Equal(t, 4, cfg.PartitionCount)
	assert.Equal(t, 1024, cfg.QueueCapacity)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, time.Second, cfg.BatchTimeout)
	assert.Equal(t, 10, cfg.MaxConcurrentUpdates)
	assert.Equal(t, 3, cfg.MaxDeliveryAttempts)
	assert.Equal(t, "dead-letter", cfg.DLQTopic)
	assert.Equal(t, 10*time.Minute, cfg.StreamRetention)
	assert.Empty(t, cfg.KafkaBrokers)

	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 100, cfg.RateLimitMax)
	assert.Equal(t, 1000, cfg.MaxConnections)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "dev-secret-change-me", cfg.JWTSecret)

	assert.Equal(t, 5000, cfg.MaxGoroutines)
	assert.InDelta(t, 75.0, cfg.CPURejectThreshold, 1e-9)
	assert.Equal(t, 5, cfg.ConnRatePerIP)
	assert.Equal(t, 100, cfg.ConnRateGlobal)

	assert.Equal(t, 30*time.Minute, cfg.MaxIdleTime)
	assert.Equal(t, "@every 1m", cfg.CleanupSchedule)

	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 0, cfg.RedisDB)

	assert.Equal(t, 15*time.Second, cfg.MetricsInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PELOTON_ADDR", ":9090")
	t.Setenv("PELOTON_RACE_ID", "tour-2026-stage-14")
	t.Setenv("PELOTON_FEED_PRIMARY", "nats://feed-a.internal:4222")
	t.Setenv("PELOTON_FEED_FALLBACKS", "nats://feed-b.internal:4222,nats://feed-c.internal:4222")
	t.Setenv("PELOTON_FEED_SUBJECT", "telemetry.stage14")
	t.Setenv("PELOTON_HEALTH_CHECK_INTERVAL", "5s")
	t.Setenv("PELOTON_MIN_SOURCES", "3")
	t.Setenv("PELOTON_CONFLICT_THRESHOLD", "0.25")
	t.Setenv("PELOTON_MAX_INTERPOLATION_TIME", "20s")
	t.Setenv("PELOTON_ROUTE_LENGTH_KM", "182.5")
	t.Setenv("PELOTON_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("PELOTON_MAX_CONNECTIONS", "250")
	t.Setenv("PELOTON_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("PELOTON_REDIS_DB", "3")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "pretty")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "tour-2026-stage-14", cfg.RaceID)
	assert.Equal(t, "nats://feed-a.internal:4222", cfg.FeedPrimaryURL)
	assert.Equal(t, []string{"nats://feed-b.internal:4222", "nats://feed-c.internal:4222"}, cfg.FeedFallbackURLs)
	assert.Equal(t, "telemetry.stage14", cfg.FeedSubject)
	assert.Equal(t, 5*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 3, cfg.MinSources)
	assert.InDelta(t, 0.25, cfg.ConflictThreshold, 1e-9)
	assert.Equal(t, 20*time.Second, cfg.MaxInterpolationTime)
	assert.InDelta(t, 182.5, cfg.RouteLengthKM, 1e-9)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 250, cfg.MaxConnections)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "pretty", cfg.LogFormat)
}

func TestValidateRejectsBadValues(t *testing.T) {
	clearAmbient()
	base, err := Load(nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing addr", func(c *Config) { c.Addr = "" }, "PELOTON_ADDR"},
		{"missing primary feed", func(c *Config) { c.FeedPrimaryURL = "" }, "PELOTON_FEED_PRIMARY"},
		{"zero health interval", func(c *Config) { c.HealthCheckInterval = 0 }, "PELOTON_HEALTH_CHECK_INTERVAL"},
		{"zero retry attempts", func(c *Config) { c.MaxRetryAttempts = 0 }, "PELOTON_MAX_RETRY_ATTEMPTS"},
		{"shrinking backoff", func(c *Config) { c.BackoffMultiplier = 0.5 }, "PELOTON_BACKOFF_MULTIPLIER"},
		{"cap below initial delay", func(c *Config) { c.MaxRetryDelay = 500 * time.Millisecond }, "PELOTON_MAX_RETRY_DELAY"},
		{"zero failure threshold", func(c *Config) { c.FailureThreshold = 0 }, "PELOTON_FAILURE_THRESHOLD"},
		{"zero min sources", func(c *Config) { c.MinSources = 0 }, "PELOTON_MIN_SOURCES"},
		{"conflict threshold above one", func(c *Config) { c.ConflictThreshold = 1.5 }, "PELOTON_CONFLICT_THRESHOLD"},
		{"zero drift threshold", func(c *Config) { c.DriftThreshold = 0 }, "PELOTON_DRIFT_THRESHOLD"},
		{"interpolation window at floor", func(c *Config) { c.MaxInterpolationTime = 5 * time.Second }, "PELOTON_MAX_INTERPOLATION_TIME"},
		{"negative route length", func(c *Config) { c.RouteLengthKM = -1 }, "PELOTON_ROUTE_LENGTH_KM"},
		{"confidence above one", func(c *Config) { c.ConfidenceThreshold = 1.2 }, "PELOTON_CONFIDENCE_THRESHOLD"},
		{"zero partitions", func(c *Config) { c.PartitionCount = 0 }, "PELOTON_PARTITION_COUNT"},
		{"zero queue capacity", func(c *Config) { c.QueueCapacity = 0 }, "PELOTON_QUEUE_CAPACITY"},
		{"missing dlq topic", func(c *Config) { c.DLQTopic = "" }, "PELOTON_DLQ_TOPIC"},
		{"zero rate limit window", func(c *Config) { c.RateLimitWindow = 0 }, "PELOTON_RATE_LIMIT_WINDOW"},
		{"missing jwt secret", func(c *Config) { c.JWTSecret = "" }, "PELOTON_JWT_SECRET"},
		{"cpu threshold above 100", func(c *Config) { c.CPURejectThreshold = 101 }, "PELOTON_CPU_REJECT_THRESHOLD"},
		{"global rate below per ip", func(c *Config) { c.ConnRateGlobal = 2 }, "PELOTON_CONN_RATE_GLOBAL"},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := *base
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadSurfacesValidationFailure(t *testing.T) {
	t.Setenv("PELOTON_MIN_SOURCES", "0")

	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
	assert.Contains(t, err.Error(), "PELOTON_MIN_SOURCES")
}

func TestLoadSurfacesParseFailure(t *testing.T) {
	t.Setenv("PELOTON_HEALTH_CHECK_INTERVAL", "soon")

	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}
