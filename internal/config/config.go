package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the api, worker, and
// supervisor services.
type Config struct {
	Env         string
	LogLevel    string
	HTTPPort    string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgresDSN is optional; empty disables the segment catalog.
	PostgresDSN string

	DataDir         string
	UpstreamBaseURL string
	UpstreamTimeout time.Duration

	// SegmentSpan caps how much of the range one fetch covers.
	SegmentSpan time.Duration

	// RateWindows is a comma list of limit:duration pairs, longest first,
	// e.g. "60:10m,6:1m,2:1s".
	RateWindows    string
	RateScope      string
	RateTTLMargin  time.Duration
	RateAccountKey string

	VisibilityTimeout  time.Duration
	WorkerPollInterval time.Duration
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	ScheduledBatchSize int

	HeartbeatTimeout   time.Duration
	SupervisorInterval time.Duration

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

// Load reads configuration from environment variables with sane defaults for
// local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		DataDir:         getEnv("DATA_DIR", "./data"),
		UpstreamBaseURL: getEnv("UPSTREAM_BASE_URL", "http://localhost:7496"),
		UpstreamTimeout: getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),

		SegmentSpan: getEnvDuration("SEGMENT_SPAN", time.Hour),

		RateWindows:    getEnv("RATE_WINDOWS", "60:10m,6:1m,2:1s"),
		RateScope:      getEnv("RATE_SCOPE", "hist"),
		RateTTLMargin:  getEnvDuration("RATE_TTL_MARGIN", 5*time.Second),
		RateAccountKey: getEnv("RATE_ACCOUNT", "default"),

		VisibilityTimeout:  getEnvDuration("VISIBILITY_TIMEOUT", 2*time.Minute),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		MaxAttempts:        getEnvInt("MAX_ATTEMPTS", 5),
		BackoffInitial:     getEnvDuration("BACKOFF_INITIAL", 2*time.Second),
		BackoffMax:         getEnvDuration("BACKOFF_MAX", 5*time.Minute),
		ScheduledBatchSize: getEnvInt("SCHEDULED_BATCH_SIZE", 100),

		HeartbeatTimeout:   getEnvDuration("HEARTBEAT_TIMEOUT", 5*time.Minute),
		SupervisorInterval: getEnvDuration("SUPERVISOR_INTERVAL", time.Minute),

		S3Bucket:    getEnv("SEGMENT_S3_BUCKET", ""),
		S3Region:    getEnv("SEGMENT_S3_REGION", "us-east-1"),
		S3Endpoint:  getEnv("SEGMENT_S3_ENDPOINT", ""),
		S3PathStyle: getEnvBool("SEGMENT_S3_PATH_STYLE", false),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
