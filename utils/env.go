// yib/utils/env.go
package utils

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// GetEnv reads an environment variable or returns a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// ParseDuration parses raw, logging and falling back on bad input.
func ParseDuration(logger *slog.Logger, key, raw, fallback string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("Invalid duration, using default", "key", key, "value", raw, "default", fallback)
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

// GetEnvInt parses an integer variable, logging and falling back on bad input.
func GetEnvInt(logger *slog.Logger, key string, fallback int) int {
	raw := GetEnv(key, strconv.Itoa(fallback))
	n, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("Invalid integer, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return n
}

// GetEnvBool reports whether key is set to "true", or fallback when unset.
func GetEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return value == "true"
}
