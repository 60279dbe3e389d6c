// Package config loads server configuration from the environment, with
// every tunable defaulted to the value the design calls out, and an
// optional YAML overlay for operators who want file-based overrides
// instead of a long environment block.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-tunable setting the ticketing backend
// needs to start: infrastructure endpoints plus every rate, window, and
// budget tunable named in the design.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisAddr   string
	HSMKeyDir   string

	DayPassMaxRedemptions int
	DayPassWindow         time.Duration
	SingleTicketClockSkew time.Duration

	BloomTargetFPR       float64
	BloomCoverageWindow  time.Duration
	PublishInterval      time.Duration

	SignerRateSustained float64
	SignerRateBurst     int

	ReconcileBatchMax int
	KeyMinLeadTime    time.Duration
}

// Load reads Config from the environment, defaulting every field the
// design names to its stated value.
func Load() *Config {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		DatabaseURL: getEnv("DATABASE_URL", "postgres://ticketing@localhost:5432/ticketing?sslmode=disable"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		HSMKeyDir:   getEnv("HSM_KEY_DIR", "./hsm-keys"),

		DayPassMaxRedemptions: getEnvInt("DAY_PASS_MAX_REDEMPTIONS", 20),
		DayPassWindow:         getEnvDuration("DAY_PASS_WINDOW", 24*time.Hour),
		SingleTicketClockSkew: getEnvDuration("SINGLE_TICKET_CLOCK_SKEW", 120*time.Second),

		BloomTargetFPR:      getEnvFloat("BLOOM_TARGET_FPR", 0.001),
		BloomCoverageWindow: getEnvDuration("BLOOM_COVERAGE_WINDOW", 48*time.Hour),
		PublishInterval:     getEnvDuration("PUBLISH_INTERVAL", 5*time.Minute),

		SignerRateSustained: getEnvFloat("SIGNER_RATE_SUSTAINED", 50),
		SignerRateBurst:     getEnvInt("SIGNER_RATE_BURST", 200),

		ReconcileBatchMax: getEnvInt("RECONCILE_BATCH_MAX", 10000),
		KeyMinLeadTime:    getEnvDuration("KEY_MIN_LEAD_TIME", 24*time.Hour),
	}
	return cfg
}

// LoadOverlay applies a YAML file's fields on top of cfg, for operators
// who prefer a checked-in file to a wall of environment variables. Only
// fields present in the file are overridden.
func LoadOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overlay %s: %w", path, err)
	}
	if err := applyYAMLOverlay(cfg, data); err != nil {
		return fmt.Errorf("config: parse overlay %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
