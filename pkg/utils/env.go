package utils

import (
	"os"
	"strconv"
	"time"
)

// EnvOrDefault returns the value of the environment variable identified by key
// or the provided fallback if the variable is unset or empty.
func EnvOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// EnvOrDefaultInt returns the integer value of the environment variable
// identified by key or the provided fallback if unset, empty, or unparsable.
func EnvOrDefaultInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// EnvOrDefaultDuration returns the duration value of the environment variable
// identified by key (parsed with time.ParseDuration) or the fallback.
func EnvOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// EnvBool returns true if the environment variable identified by any of the
// given keys is set to a truthy value. Used for LXMF_RUNTIME_RELAXED_DECODE /
// LXMF_ALLOW_RELAXED_DECODE style alias handling (spec.md §6).
func EnvBool(keys ...string) bool {
	for _, k := range keys {
		v, ok := os.LookupEnv(k)
		if !ok {
			continue
		}
		switch v {
		case "1", "true", "TRUE", "True", "yes", "on":
			return true
		}
	}
	return false
}
