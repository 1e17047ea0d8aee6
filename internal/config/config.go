package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr             string
	DatabaseURL      string
	AllowMemoryStore bool

	WebhookURL       string
	WebhookSecret    string
	WebhookTimeout   time.Duration
	WebhookRetryBase time.Duration
	WebhookQueueSize int

	ScannerEnabled  bool
	ScannerInterval time.Duration
	ScannerBatch    int

	JWTSecret   string
	JWTSecretID string
	JWTIssuer   string
	JWTTTL      time.Duration

	PolicyFile   string
	SeedDefaults bool
	SeedPassword string

	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string
}

const (
	defaultAddr            = ":8080"
	defaultWebhookTimeout  = 10 * time.Second
	defaultRetryBase       = 2 * time.Second
	defaultQueueSize       = 100
	defaultScannerInterval = 5 * time.Second
	defaultScannerBatch    = 50
	defaultIssuer          = "timelock"
	defaultTokenTTL        = 60 * time.Minute
	defaultKafkaTopic      = "timelock.audit"
	defaultSeedPassword    = "password"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:             getEnv("TIMELOCK_ADDR", defaultAddr),
		DatabaseURL:      firstNonEmpty(os.Getenv("TIMELOCK_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		AllowMemoryStore: getBool("TIMELOCK_ALLOW_MEMORY_STORE", false),

		WebhookURL:       strings.TrimSpace(os.Getenv("TIMELOCK_WEBHOOK_URL")),
		WebhookSecret:    os.Getenv("TIMELOCK_WEBHOOK_SECRET"),
		WebhookTimeout:   getDuration("TIMELOCK_WEBHOOK_TIMEOUT", defaultWebhookTimeout),
		WebhookRetryBase: getDuration("TIMELOCK_WEBHOOK_RETRY_BASE", defaultRetryBase),
		WebhookQueueSize: getInt("TIMELOCK_WEBHOOK_QUEUE_SIZE", defaultQueueSize),

		ScannerEnabled:  getBool("TIMELOCK_SCANNER_ENABLED", true),
		ScannerInterval: getDuration("TIMELOCK_SCANNER_INTERVAL", defaultScannerInterval),
		ScannerBatch:    getInt("TIMELOCK_SCANNER_BATCH", defaultScannerBatch),

		JWTSecret:   os.Getenv("TIMELOCK_JWT_SECRET"),
		JWTSecretID: os.Getenv("TIMELOCK_JWT_SECRET_ID"),
		JWTIssuer:   getEnv("TIMELOCK_JWT_ISSUER", defaultIssuer),
		JWTTTL:      getDuration("TIMELOCK_JWT_TTL", defaultTokenTTL),

		PolicyFile:   os.Getenv("TIMELOCK_POLICY_FILE"),
		SeedDefaults: getBool("TIMELOCK_SEED_DEFAULTS", true),
		SeedPassword: getEnv("TIMELOCK_SEED_PASSWORD", defaultSeedPassword),

		KafkaBrokers: splitList(os.Getenv("TIMELOCK_KAFKA_BROKERS")),
		KafkaTopic:   getEnv("TIMELOCK_KAFKA_TOPIC", defaultKafkaTopic),
		S3Bucket:     os.Getenv("TIMELOCK_S3_BUCKET"),
		S3Prefix:     os.Getenv("TIMELOCK_S3_PREFIX"),
	}

	if cfg.DatabaseURL == "" && !cfg.AllowMemoryStore {
		return Config{}, fmt.Errorf("DATABASE_URL or TIMELOCK_DATABASE_URL required (set TIMELOCK_ALLOW_MEMORY_STORE=true for an in-memory store)")
	}
	if cfg.JWTSecret == "" && cfg.JWTSecretID == "" {
		return Config{}, fmt.Errorf("TIMELOCK_JWT_SECRET or TIMELOCK_JWT_SECRET_ID required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
