package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the process-wide configuration, read once at init.
//
// Tags:
//
//	env: environment variable name
//	envDefault: value applied when the variable is unset
type Config struct {
	// Server basics
	Addr        string `env:"PELOTON_ADDR" envDefault:":8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	RaceID      string `env:"PELOTON_RACE_ID" envDefault:"race-local"`

	// Upstream telemetry feed (primary + ordered fallbacks)
	FeedPrimaryURL   string   `env:"PELOTON_FEED_PRIMARY" envDefault:"nats://localhost:4222"`
	FeedFallbackURLs []string `env:"PELOTON_FEED_FALLBACKS" envSeparator:","`
	FeedSubject      string   `env:"PELOTON_FEED_SUBJECT" envDefault:"telemetry.frames"`

	// Connection resilience
	HealthCheckInterval      time.Duration `env:"PELOTON_HEALTH_CHECK_INTERVAL" envDefault:"10s"`
	ConnectionTimeout        time.Duration `env:"PELOTON_CONNECTION_TIMEOUT" envDefault:"30s"`
	FailoverTimeout          time.Duration `env:"PELOTON_FAILOVER_TIMEOUT" envDefault:"15s"`
	MaxRetryAttempts         int           `env:"PELOTON_MAX_RETRY_ATTEMPTS" envDefault:"5"`
	RetryDelay               time.Duration `env:"PELOTON_RETRY_DELAY" envDefault:"1s"`
	BackoffMultiplier        float64       `env:"PELOTON_BACKOFF_MULTIPLIER" envDefault:"2.0"`
	MaxRetryDelay            time.Duration `env:"PELOTON_MAX_RETRY_DELAY" envDefault:"30s"`
	FailureThreshold         int           `env:"PELOTON_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitBreakerTimeout    time.Duration `env:"PELOTON_CIRCUIT_BREAKER_TIMEOUT" envDefault:"60s"`
	LatencyThreshold         time.Duration `env:"PELOTON_LATENCY_THRESHOLD" envDefault:"500ms"`
	DuplicateDetectionWindow time.Duration `env:"PELOTON_DUPLICATE_DETECTION_WINDOW" envDefault:"30s"`

	// Aggregation
	AggregationWindow time.Duration `env:"PELOTON_AGGREGATION_WINDOW" envDefault:"1s"`
	MaxDataAge        time.Duration `env:"PELOTON_MAX_DATA_AGE" envDefault:"30s"`
	ConflictThreshold float64       `env:"PELOTON_CONFLICT_THRESHOLD" envDefault:"0.1"`
	MinSources        int           `env:"PELOTON_MIN_SOURCES" envDefault:"2"`
	DriftThreshold    float64       `env:"PELOTON_DRIFT_THRESHOLD" envDefault:"0.1"`

	// Position tracking
	UpdateInterval         time.Duration `env:"PELOTON_UPDATE_INTERVAL" envDefault:"1s"`
	PositionTimeout        time.Duration `env:"PELOTON_POSITION_TIMEOUT" envDefault:"30s"`
	GroupDistanceThreshold float64       `env:"PELOTON_GROUP_DISTANCE_THRESHOLD" envDefault:"50"`
	GroupTimeThreshold     time.Duration `env:"PELOTON_GROUP_TIME_THRESHOLD" envDefault:"3s"`
	MaxInterpolationTime   time.Duration `env:"PELOTON_MAX_INTERPOLATION_TIME" envDefault:"10s"`
	RouteLengthKM          float64       `env:"PELOTON_ROUTE_LENGTH_KM" envDefault:"0"`

	// Tactical detection
	DetectionInterval   time.Duration `env:"PELOTON_DETECTION_INTERVAL" envDefault:"2s"`
	ConfidenceThreshold float64       `env:"PELOTON_CONFIDENCE_THRESHOLD" envDefault:"0.6"`
	EventRetention      time.Duration `env:"PELOTON_EVENT_RETENTION" envDefault:"24h"`

	// Event bus
	PartitionCount       int           `env:"PELOTON_PARTITION_COUNT" envDefault:"4"`
	QueueCapacity        int           `env:"PELOTON_QUEUE_CAPACITY" envDefault:"1024"`
	BatchSize            int           `env:"PELOTON_BATCH_SIZE" envDefault:"100"`
	BatchTimeout         time.Duration `env:"PELOTON_BATCH_TIMEOUT" envDefault:"1s"`
	MaxConcurrentUpdates int           `env:"PELOTON_MAX_CONCURRENT_UPDATES" envDefault:"10"`
	MaxDeliveryAttempts  int           `env:"PELOTON_MAX_DELIVERY_ATTEMPTS" envDefault:"3"`
	DLQTopic             string        `env:"PELOTON_DLQ_TOPIC" envDefault:"dead-letter"`
	StreamRetention      time.Duration `env:"PELOTON_STREAM_RETENTION" envDefault:"10m"`
	KafkaBrokers         []string      `env:"PELOTON_KAFKA_BROKERS" envSeparator:","`

	// WebSocket fanout
	HeartbeatInterval time.Duration `env:"PELOTON_HEARTBEAT_INTERVAL" envDefault:"30s"`
	RateLimitWindow   time.Duration `env:"PELOTON_RATE_LIMIT_WINDOW" envDefault:"60s"`
	RateLimitMax      int           `env:"PELOTON_RATE_LIMIT_MAX" envDefault:"100"`
	MaxConnections    int           `env:"PELOTON_MAX_CONNECTIONS" envDefault:"1000"`
	ShutdownGrace     time.Duration `env:"PELOTON_SHUTDOWN_GRACE" envDefault:"10s"`
	JWTSecret         string        `env:"PELOTON_JWT_SECRET" envDefault:"dev-secret-change-me"`

	// Admission control
	MaxGoroutines      int     `env:"PELOTON_MAX_GOROUTINES" envDefault:"5000"`
	CPURejectThreshold float64 `env:"PELOTON_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	ConnRatePerIP      int     `env:"PELOTON_CONN_RATE_PER_IP" envDefault:"5"`
	ConnRateGlobal     int     `env:"PELOTON_CONN_RATE_GLOBAL" envDefault:"100"`

	// Notifications
	MaxIdleTime     time.Duration `env:"PELOTON_MAX_IDLE_TIME" envDefault:"30m"`
	CleanupSchedule string        `env:"PELOTON_CLEANUP_SCHEDULE" envDefault:"@every 1m"`

	// Persistence (empty address disables the store)
	RedisAddr     string `env:"PELOTON_REDIS_ADDR"`
	RedisPassword string `env:"PELOTON_REDIS_PASSWORD"`
	RedisDB       int    `env:"PELOTON_REDIS_DB" envDefault:"0"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (if present) and the
// environment. Priority: env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks every knob for range and consistency errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("PELOTON_ADDR is required")
	}
	if c.FeedPrimaryURL == "" {
		return fmt.Errorf("PELOTON_FEED_PRIMARY is required")
	}

	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("PELOTON_HEALTH_CHECK_INTERVAL must be > 0, got %v", c.HealthCheckInterval)
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("PELOTON_MAX_RETRY_ATTEMPTS must be >= 1, got %d", c.MaxRetryAttempts)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("PELOTON_BACKOFF_MULTIPLIER must be >= 1, got %.2f", c.BackoffMultiplier)
	}
	if c.MaxRetryDelay < c.RetryDelay {
		return fmt.Errorf("PELOTON_MAX_RETRY_DELAY (%v) must be >= PELOTON_RETRY_DELAY (%v)",
			c.MaxRetryDelay, c.RetryDelay)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("PELOTON_FAILURE_THRESHOLD must be >= 1, got %d", c.FailureThreshold)
	}
	if c.LatencyThreshold <= 0 {
		return fmt.Errorf("PELOTON_LATENCY_THRESHOLD must be > 0, got %v", c.LatencyThreshold)
	}

	if c.MinSources < 1 {
		return fmt.Errorf("PELOTON_MIN_SOURCES must be >= 1, got %d", c.MinSources)
	}
	if c.ConflictThreshold < 0 || c.ConflictThreshold > 1 {
		return fmt.Errorf("PELOTON_CONFLICT_THRESHOLD must be 0-1, got %.2f", c.ConflictThreshold)
	}
	if c.DriftThreshold <= 0 || c.DriftThreshold > 1 {
		return fmt.Errorf("PELOTON_DRIFT_THRESHOLD must be in (0,1], got %.2f", c.DriftThreshold)
	}

	if c.GroupDistanceThreshold <= 0 {
		return fmt.Errorf("PELOTON_GROUP_DISTANCE_THRESHOLD must be > 0, got %.1f", c.GroupDistanceThreshold)
	}
	if c.MaxInterpolationTime <= 5*time.Second {
		return fmt.Errorf("PELOTON_MAX_INTERPOLATION_TIME must be > 5s, got %v", c.MaxInterpolationTime)
	}
	if c.RouteLengthKM < 0 {
		return fmt.Errorf("PELOTON_ROUTE_LENGTH_KM must be >= 0, got %.1f", c.RouteLengthKM)
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("PELOTON_CONFIDENCE_THRESHOLD must be 0-1, got %.2f", c.ConfidenceThreshold)
	}

	if c.PartitionCount < 1 {
		return fmt.Errorf("PELOTON_PARTITION_COUNT must be >= 1, got %d", c.PartitionCount)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("PELOTON_QUEUE_CAPACITY must be >= 1, got %d", c.QueueCapacity)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("PELOTON_BATCH_SIZE must be >= 1, got %d", c.BatchSize)
	}
	if c.MaxConcurrentUpdates < 1 {
		return fmt.Errorf("PELOTON_MAX_CONCURRENT_UPDATES must be >= 1, got %d", c.MaxConcurrentUpdates)
	}
	if c.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("PELOTON_MAX_DELIVERY_ATTEMPTS must be >= 1, got %d", c.MaxDeliveryAttempts)
	}
	if c.DLQTopic == "" {
		return fmt.Errorf("PELOTON_DLQ_TOPIC is required")
	}

	if c.RateLimitMax < 1 {
		return fmt.Errorf("PELOTON_RATE_LIMIT_MAX must be >= 1, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("PELOTON_RATE_LIMIT_WINDOW must be > 0, got %v", c.RateLimitWindow)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("PELOTON_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("PELOTON_JWT_SECRET is required")
	}

	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("PELOTON_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.ConnRatePerIP < 1 {
		return fmt.Errorf("PELOTON_CONN_RATE_PER_IP must be >= 1, got %d", c.ConnRatePerIP)
	}
	if c.ConnRateGlobal < c.ConnRatePerIP {
		return fmt.Errorf("PELOTON_CONN_RATE_GLOBAL (%d) must be >= PELOTON_CONN_RATE_PER_IP (%d)",
			c.ConnRateGlobal, c.ConnRatePerIP)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("race_id", c.RaceID).
		Str("feed_primary", c.FeedPrimaryURL).
		Strs("feed_fallbacks", c.FeedFallbackURLs).
		Dur("health_check_interval", c.HealthCheckInterval).
		Int("failure_threshold", c.FailureThreshold).
		Dur("aggregation_window", c.AggregationWindow).
		Int("min_sources", c.MinSources).
		Dur("update_interval", c.UpdateInterval).
		Dur("detection_interval", c.DetectionInterval).
		Float64("confidence_threshold", c.ConfidenceThreshold).
		Int("partition_count", c.PartitionCount).
		Int("batch_size", c.BatchSize).
		Int("max_connections", c.MaxConnections).
		Int("rate_limit_max", c.RateLimitMax).
		Dur("rate_limit_window", c.RateLimitWindow).
		Str("redis_addr", c.RedisAddr).
		Strs("kafka_brokers", c.KafkaBrokers).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
