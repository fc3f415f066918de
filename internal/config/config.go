// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SeedShare describes one instrument to list when the market is seeded.
type SeedShare struct {
	Name              string
	SharesOutstanding int64
	Price             decimal.Decimal
}

// Config holds all runtime configuration for the exchange engine.
type Config struct {
	Port     int
	LogLevel string

	DatabaseURL string
	RedisURL    string

	EngineEnabled bool
	TickInterval  time.Duration
	NoiseEvery    int

	MaxOpenPerShare int64
	MaxOpenTotal    int64

	SeedShares []SeedShare

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	engineEnabled, err := getBool("ENGINE_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("invalid ENGINE_ENABLED: %w", err)
	}

	tickInterval, err := getDuration("TICK_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid TICK_INTERVAL: %w", err)
	}

	noiseEvery, err := getInt("NOISE_EVERY", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid NOISE_EVERY: %w", err)
	}
	if noiseEvery < 1 {
		return nil, fmt.Errorf("invalid NOISE_EVERY: must be >= 1, got %d", noiseEvery)
	}

	maxPerShare, err := getInt64("MAX_OPEN_PER_SHARE", 10000)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_OPEN_PER_SHARE: %w", err)
	}

	maxTotal, err := getInt64("MAX_OPEN_TOTAL", 50000)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_OPEN_TOTAL: %w", err)
	}

	seedShares, err := parseSeedShares(getStr("SEED_SHARES", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid SEED_SHARES: %w", err)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     getStr("DATABASE_URL", ""),
		RedisURL:        getStr("REDIS_URL", ""),
		EngineEnabled:   engineEnabled,
		TickInterval:    tickInterval,
		NoiseEvery:      noiseEvery,
		MaxOpenPerShare: maxPerShare,
		MaxOpenTotal:    maxTotal,
		SeedShares:      seedShares,
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		IdleTimeout:     idleTimeout,
		ShutdownTimeout: shutdownTimeout,
	}, nil
}

// parseSeedShares parses a comma-separated list of name:outstanding:price
// entries, e.g. "ACME:100000:250,GLOBEX:50000:80.5".
func parseSeedShares(s string) ([]SeedShare, error) {
	if s == "" {
		return nil, nil
	}

	var out []SeedShare
	for _, entry := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("entry %q: want name:outstanding:price", entry)
		}
		if parts[0] == "" {
			return nil, fmt.Errorf("entry %q: empty share name", entry)
		}
		outstanding, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || outstanding < 0 {
			return nil, fmt.Errorf("entry %q: bad shares outstanding", entry)
		}
		price, err := decimal.NewFromString(parts[2])
		if err != nil || !price.IsPositive() {
			return nil, fmt.Errorf("entry %q: bad price", entry)
		}
		out = append(out, SeedShare{
			Name:              parts[0],
			SharesOutstanding: outstanding,
			Price:             price,
		})
	}
	return out, nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func getStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func getInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}
