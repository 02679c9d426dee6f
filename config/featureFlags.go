package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func StringFromEnv(key string, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func IntFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func BoolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}

// DurationFromEnv accepts Go durations ("90s") or plain seconds ("90").
func DurationFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

// IsDevelopment is true when GO_ENV=development.
func IsDevelopment() bool {
	return strings.EqualFold(os.Getenv("GO_ENV"), "development")
}

// ReplicationEnabled gates mirrored writes to the replica.
//
// Set via env:
// - REPLICATION_ENABLED=true
//
// Always off in development.
func ReplicationEnabled() bool {
	if IsDevelopment() {
		return false
	}
	return BoolFromEnv("REPLICATION_ENABLED", false)
}

// ReminderRunBudget bounds a single reminder engine run (REMINDER_RUN_BUDGET, default 10m).
func ReminderRunBudget() time.Duration {
	return DurationFromEnv("REMINDER_RUN_BUDGET", 10*time.Minute)
}

// MediaRoot is the local directory for stored files when STORAGE_PROVIDER=local.
func MediaRoot() string {
	return StringFromEnv("MEDIA_ROOT", "media")
}
