package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Validate checks Config for problems that would misbehave at runtime.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// Encryption key: must be exactly 64 hex chars (32 bytes)
	if c.Encryption.Key == "" {
		errs = append(errs, "ENCRYPTION_KEY is required")
	} else if len(c.Encryption.Key) != 64 {
		errs = append(errs, "ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes)")
	} else if _, err := hex.DecodeString(c.Encryption.Key); err != nil {
		errs = append(errs, "ENCRYPTION_KEY must be valid hex")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.Redis.Enabled() && (c.Redis.Port < 1 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// Scheduler policy
	if c.Scheduler.Mode != "fixed" && c.Scheduler.Mode != "adaptive" {
		errs = append(errs, fmt.Sprintf("SCHEDULER_MODE must be fixed or adaptive, got %q", c.Scheduler.Mode))
	}
	if c.Scheduler.MinInterval < time.Second {
		errs = append(errs, "SCHEDULER_MIN_INTERVAL must be at least 1 second")
	}
	if c.Scheduler.FixedInterval < c.Scheduler.MinInterval {
		errs = append(errs, "SCHEDULER_INTERVAL must not be below SCHEDULER_MIN_INTERVAL")
	}
	if c.Scheduler.PauseThreshold < 1 {
		errs = append(errs, "SCHEDULER_PAUSE_THRESHOLD must be at least 1")
	}
	if c.Scheduler.MaxConcurrent < 1 {
		errs = append(errs, "SCHEDULER_MAX_CONCURRENT must be at least 1")
	}

	// Notification thresholds: in range and strictly ascending
	if !sort.IntsAreSorted(c.Notifications.Thresholds) {
		errs = append(errs, "NOTIFY_THRESHOLDS must be ascending")
	}
	for _, t := range c.Notifications.Thresholds {
		if t < 1 || t > 100 {
			errs = append(errs, fmt.Sprintf("NOTIFY_THRESHOLDS values must be 1–100, got %d", t))
			break
		}
	}
	if c.Notifications.ResetDrop <= 0 || c.Notifications.ResetDrop > 100 {
		errs = append(errs, "NOTIFY_RESET_DROP must be in (0, 100]")
	}
	if c.Notifications.DNDEnabled {
		for _, kv := range []struct{ name, val string }{
			{"NOTIFY_DND_START", c.Notifications.DNDStart},
			{"NOTIFY_DND_END", c.Notifications.DNDEnd},
		} {
			if _, err := time.Parse("15:04", kv.val); err != nil {
				errs = append(errs, fmt.Sprintf("%s must be HH:MM, got %q", kv.name, kv.val))
			}
		}
	}

	if c.History.RetentionDays < 0 {
		errs = append(errs, "HISTORY_RETENTION_DAYS must not be negative")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
