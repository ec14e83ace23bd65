package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the podcleaner coordinator.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	Pipeline  PipelineConfig
	Storage   StorageConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Feed      FeedConfig
	LogLevel  slog.Level
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// BrokerConfig controls the Redis Streams transport. Each topic is one
// stream named <StreamPrefix>:<topic>.
type BrokerConfig struct {
	URL          string
	StreamPrefix string
	Group        string
	Consumer     string
	Block        time.Duration
	ClaimIdle    time.Duration
	BatchSize    int
}

type PipelineConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	StageTimeout      time.Duration
	StallAfter        time.Duration
	SweepInterval     time.Duration
	SweepBatch        int
	ClaimGrace        time.Duration
	StatusCacheTTL    time.Duration
}

// StorageConfig points at the object store holding stage artifacts.
// Leaving Bucket empty disables artifact existence checks.
type StorageConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Enabled reports whether artifact references are checked against S3.
func (s StorageConfig) Enabled() bool {
	return s.Bucket != ""
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Endpoint     string
	SamplerRatio float64
}

type AuthConfig struct {
	BootstrapAdminKey string
	RateLimitPerMin   int
}

// FeedConfig controls podcast feed rewriting. PublicURL is the base that
// rewritten enclosures point at; when empty it is taken from each request.
type FeedConfig struct {
	PublicURL    string
	CacheTTL     time.Duration
	FetchTimeout time.Duration
	MaxBytes     int64
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "coordinator"
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PODCLEANER_PORT", 8080),
			Env:  envString("PODCLEANER_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Broker: BrokerConfig{
			URL:          os.Getenv("BROKER_URL"),
			StreamPrefix: envString("BROKER_STREAM_PREFIX", "podcleaner"),
			Group:        envString("BROKER_GROUP", "coordinator"),
			Consumer:     envString("BROKER_CONSUMER", hostname),
			Block:        envDuration("BROKER_BLOCK", 5*time.Second),
			ClaimIdle:    envDuration("BROKER_CLAIM_IDLE", time.Minute),
			BatchSize:    envInt("BROKER_BATCH_SIZE", 10),
		},
		Pipeline: PipelineConfig{
			MaxAttempts:       envInt("PIPELINE_MAX_ATTEMPTS", 3),
			BackoffBase:       envDuration("PIPELINE_BACKOFF_BASE", 5*time.Second),
			BackoffMax:        envDuration("PIPELINE_BACKOFF_MAX", 5*time.Minute),
			BackoffMultiplier: envFloat("PIPELINE_BACKOFF_MULTIPLIER", 2.0),
			StageTimeout:      envDuration("PIPELINE_STAGE_TIMEOUT", 30*time.Minute),
			StallAfter:        envDuration("PIPELINE_STALL_AFTER", 2*time.Minute),
			SweepInterval:     envDuration("PIPELINE_SWEEP_INTERVAL", 5*time.Second),
			SweepBatch:        envInt("PIPELINE_SWEEP_BATCH", 100),
			ClaimGrace:        envDuration("PIPELINE_CLAIM_GRACE", 30*time.Second),
			StatusCacheTTL:    envDuration("PIPELINE_STATUS_CACHE_TTL", 24*time.Hour),
		},
		Storage: StorageConfig{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    envString("S3_REGION", "us-east-1"),
			Bucket:    os.Getenv("S3_BUCKET"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			ServiceName:  envString("OTEL_SERVICE_NAME", "podcleaner-coordinator"),
			Endpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			SamplerRatio: envFloat("OTEL_SAMPLER_RATIO", 1.0),
		},
		Auth: AuthConfig{
			BootstrapAdminKey: os.Getenv("BOOTSTRAP_ADMIN_KEY"),
			RateLimitPerMin:   envInt("RATE_LIMIT_PER_MIN", 120),
		},
		Feed: FeedConfig{
			PublicURL:    strings.TrimSuffix(os.Getenv("PUBLIC_BASE_URL"), "/"),
			CacheTTL:     envDuration("FEED_CACHE_TTL", 15*time.Minute),
			FetchTimeout: envDuration("FEED_FETCH_TIMEOUT", 15*time.Second),
			MaxBytes:     int64(envInt("FEED_MAX_BYTES", 10<<20)),
		},
		LogLevel: envLogLevel("LOG_LEVEL", slog.LevelInfo),
	}

	if cfg.Broker.URL == "" {
		cfg.Broker.URL = cfg.Redis.URL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("PIPELINE_MAX_ATTEMPTS must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.BackoffBase <= 0 || c.Pipeline.BackoffMax < c.Pipeline.BackoffBase {
		return fmt.Errorf("PIPELINE_BACKOFF_BASE must be positive and not exceed PIPELINE_BACKOFF_MAX")
	}
	if c.Pipeline.BackoffMultiplier < 1 {
		return fmt.Errorf("PIPELINE_BACKOFF_MULTIPLIER must be >= 1, got %v", c.Pipeline.BackoffMultiplier)
	}
	if c.Pipeline.StageTimeout <= 0 {
		return fmt.Errorf("PIPELINE_STAGE_TIMEOUT must be positive")
	}
	if c.Pipeline.SweepInterval <= 0 {
		return fmt.Errorf("PIPELINE_SWEEP_INTERVAL must be positive")
	}

	if c.Broker.Group == "" {
		return fmt.Errorf("BROKER_GROUP must not be empty")
	}

	if c.Storage.Endpoint != "" && !strings.HasPrefix(c.Storage.Endpoint, "http://") && !strings.HasPrefix(c.Storage.Endpoint, "https://") {
		return fmt.Errorf("S3_ENDPOINT must start with http:// or https://, got %q", c.Storage.Endpoint)
	}
	if c.Storage.Enabled() && (c.Storage.AccessKey == "") != (c.Storage.SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}

	if c.Telemetry.SamplerRatio < 0 || c.Telemetry.SamplerRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLER_RATIO must be between 0 and 1, got %v", c.Telemetry.SamplerRatio)
	}

	if c.Feed.PublicURL != "" && !strings.HasPrefix(c.Feed.PublicURL, "http://") && !strings.HasPrefix(c.Feed.PublicURL, "https://") {
		return fmt.Errorf("PUBLIC_BASE_URL must start with http:// or https://, got %q", c.Feed.PublicURL)
	}
	if c.Feed.FetchTimeout <= 0 || c.Feed.MaxBytes <= 0 {
		return fmt.Errorf("FEED_FETCH_TIMEOUT and FEED_MAX_BYTES must be positive")
	}

	if c.Auth.BootstrapAdminKey != "" && len(c.Auth.BootstrapAdminKey) < 16 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_KEY must be at least 16 characters")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envLogLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return lvl
}
