package util

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the variable or defaultValue when unset or empty.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		Warn("Invalid integer environment variable, using default",
			String("key", key), String("value", value), Int("default", defaultValue))
		return defaultValue
	}
	return n
}

func GetEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		Warn("Invalid boolean environment variable, using default",
			String("key", key), String("value", value), Bool("default", defaultValue))
		return defaultValue
	}
	return b
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		Warn("Invalid duration environment variable, using default",
			String("key", key), String("value", value), Duration("default", defaultValue))
		return defaultValue
	}
	return d
}

// GetEnvList splits a comma separated variable, dropping empty entries.
func GetEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
