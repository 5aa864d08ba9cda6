// Package config loads coupon-engine settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ChannelStream = "stream"
	ChannelKafka  = "kafka"

	LockBackendRedis  = "redis"
	LockBackendMemory = "memory"
)

type Config struct {
	Addr        string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Channel     string
	LockBackend string
	LockWait    time.Duration
	LockLease   time.Duration
	LockPrefix  string

	KafkaBrokers []string
	KafkaGroupID string

	TopicIssueRequests string
	TopicIssueResults  string
	TopicNotifications string

	Stream StreamConfig

	OutboxStuckAfter        time.Duration
	OutboxReconcileInterval time.Duration
	ExpirySweepSchedule     string

	S3Bucket string
	S3Prefix string

	JWTSecret      string
	IssueRateLimit float64
	IssueRateBurst int

	LogLevel       string
	LogFormat      string
	MigrateOnStart bool
}

type StreamConfig struct {
	Shards            int
	Group             string
	Consumer          string
	Batch             int
	Block             time.Duration
	PendingMinIdle    time.Duration
	RedeliverInterval time.Duration
	MaxDeliveries     int
	MaxLen            int64
}

const (
	defaultAddr          = ":8060"
	defaultLockWait      = 3 * time.Second
	defaultLockLease     = 5 * time.Second
	defaultShards        = 4
	defaultStreamBatch   = 16
	defaultStreamBlock   = 2 * time.Second
	defaultMinIdle       = 30 * time.Second
	defaultRedeliver     = 5 * time.Second
	defaultMaxDeliveries = 5
	defaultStreamMaxLen  = 100000
	defaultStuckAfter    = 5 * time.Minute
	defaultReconcile     = time.Minute
)

// Load reads an optional .env file (ENV_FILE, default ".env") and then the process environment.
func Load() (Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := Config{
		Addr:          getEnv("COUPON_ENGINE_ADDR", defaultAddr),
		DatabaseURL:   firstNonEmpty(os.Getenv("COUPON_ENGINE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		Channel:     strings.ToLower(getEnv("CHANNEL", ChannelStream)),
		LockBackend: strings.ToLower(getEnv("LOCK_BACKEND", LockBackendRedis)),
		LockWait:    getDuration("LOCK_WAIT", defaultLockWait),
		LockLease:   getDuration("LOCK_LEASE", defaultLockLease),
		LockPrefix:  getEnv("LOCK_PREFIX", "lock:"),

		KafkaBrokers: parseCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "coupon-engine"),

		TopicIssueRequests: getEnv("TOPIC_ISSUE_REQUESTS", "coupon.issue.requested"),
		TopicIssueResults:  getEnv("TOPIC_ISSUE_RESULTS", "coupon.issue.result"),
		TopicNotifications: getEnv("TOPIC_NOTIFICATIONS", "store.notifications"),

		Stream: StreamConfig{
			Shards:            getInt("STREAM_SHARDS", defaultShards),
			Group:             getEnv("STREAM_GROUP", "coupon-engine"),
			Consumer:          getEnv("STREAM_CONSUMER", defaultConsumerName()),
			Batch:             getInt("STREAM_BATCH", defaultStreamBatch),
			Block:             getDuration("STREAM_BLOCK", defaultStreamBlock),
			PendingMinIdle:    getDuration("STREAM_PENDING_MIN_IDLE", defaultMinIdle),
			RedeliverInterval: getDuration("STREAM_REDELIVER_INTERVAL", defaultRedeliver),
			MaxDeliveries:     getInt("STREAM_MAX_DELIVERIES", defaultMaxDeliveries),
			MaxLen:            int64(getInt("STREAM_MAX_LEN", defaultStreamMaxLen)),
		},

		OutboxStuckAfter:        getDuration("OUTBOX_STUCK_AFTER", defaultStuckAfter),
		OutboxReconcileInterval: getDuration("OUTBOX_RECONCILE_INTERVAL", defaultReconcile),
		ExpirySweepSchedule:     getEnv("EXPIRY_SWEEP_SCHEDULE", "@every 1m"),

		S3Bucket: os.Getenv("S3_BUCKET"),
		S3Prefix: os.Getenv("S3_PREFIX"),

		JWTSecret:      os.Getenv("AUTH_JWT_SECRET"),
		IssueRateLimit: getFloat("ISSUE_RATE_LIMIT", 200),
		IssueRateBurst: getInt("ISSUE_RATE_BURST", 400),

		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
		MigrateOnStart: getBool("MIGRATE_ON_START", false),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL or COUPON_ENGINE_DATABASE_URL required")
	}
	switch c.Channel {
	case ChannelStream:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR required for CHANNEL=stream")
		}
	case ChannelKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS required for CHANNEL=kafka")
		}
	default:
		return fmt.Errorf("unknown CHANNEL %q (want %s or %s)", c.Channel, ChannelStream, ChannelKafka)
	}
	switch c.LockBackend {
	case LockBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR required for LOCK_BACKEND=redis")
		}
	case LockBackendMemory:
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}
	if c.LockLease <= 0 {
		return fmt.Errorf("LOCK_LEASE must be positive")
	}
	if c.LockWait < 0 {
		return fmt.Errorf("LOCK_WAIT must not be negative")
	}
	if c.Stream.Shards <= 0 {
		return fmt.Errorf("STREAM_SHARDS must be positive")
	}
	return nil
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "coupon-engine"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getDuration accepts Go duration strings ("750ms") or bare integers as seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
