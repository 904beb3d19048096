package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Environment string

	SourceDialect string
	SourceDSN     string
	// TargetDialect and TargetDSN default to the source database.
	TargetDialect string
	TargetDSN     string

	BatchSize  int
	Workers    int
	MaxRetries int
	LeaseTTL   time.Duration

	KafkaBrokers    []string
	DeadLetterTopic string
	RedisAddr       string
	AdminAddr       string
	// RunInterval paces the serve loop.
	RunInterval time.Duration

	LogLevel  string
	LogFormat string

	// Warnings lists variables that were set but unusable and fell back to
	// their defaults. Load runs before the logger exists, so callers log them.
	Warnings []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	var warnings []string
	cfg := Config{
		Environment:     getenv("ENVIRONMENT", "development"),
		SourceDialect:   strings.ToLower(getenv("SOURCE_DB_DIALECT", "sqlite3")),
		SourceDSN:       getenv("SOURCE_DB_DSN", "loansync.db"),
		TargetDialect:   strings.ToLower(getenv("TARGET_DB_DIALECT", "")),
		TargetDSN:       getenv("TARGET_DB_DSN", ""),
		BatchSize:       getenvInt("BATCH_SIZE", 100, 1, &warnings),
		Workers:         getenvInt("WORKERS", 4, 1, &warnings),
		MaxRetries:      getenvInt("MAX_RETRIES", 3, 0, &warnings),
		LeaseTTL:        getenvDuration("LEASE_TTL", 2*time.Minute, &warnings),
		KafkaBrokers:    parseList(getenv("KAFKA_BROKERS", "")),
		DeadLetterTopic: getenv("DEAD_LETTER_TOPIC", "loansync.dead-letter"),
		RedisAddr:       strings.TrimSpace(getenv("REDIS_ADDR", "")),
		AdminAddr:       getenv("ADMIN_ADDR", ":8080"),
		RunInterval:     getenvDuration("RUN_INTERVAL", time.Hour, &warnings),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogFormat:       getenv("LOG_FORMAT", "json"),
	}
	cfg.Warnings = warnings
	if cfg.TargetDSN == "" {
		cfg.TargetDialect = cfg.SourceDialect
		cfg.TargetDSN = cfg.SourceDSN
	}
	if cfg.TargetDialect == "" {
		cfg.TargetDialect = cfg.SourceDialect
	}
	return cfg
}

// SameDatabase reports whether source and target point at one database.
func (c Config) SameDatabase() bool {
	return c.SourceDialect == c.TargetDialect && c.SourceDSN == c.TargetDSN
}

func getenv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val)
	}
	return def
}

// getenvInt reads an integer no smaller than floor.
func getenvInt(key string, def, floor int, warnings *[]string) int {
	raw := getenv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < floor {
		*warnings = append(*warnings, fmt.Sprintf("invalid %s=%q, using default %d", key, raw, def))
		return def
	}
	return v
}

func getenvDuration(key string, def time.Duration, warnings *[]string) time.Duration {
	raw := getenv(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		*warnings = append(*warnings, fmt.Sprintf("invalid %s=%q, using default %s", key, raw, def))
		return def
	}
	return v
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
