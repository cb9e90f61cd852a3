package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server        ServerConfig
	API           APIConfig
	Scheduler     SchedulerConfig
	Notifications NotificationConfig
	History       HistoryConfig
	Encryption    EncryptionConfig
	Redis         RedisConfig
	NATS          NATSConfig
	Log           LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// APIConfig controls the local REST facade. Token, when set, is required as
// a bearer token on /api/v1 routes.
type APIConfig struct {
	Token          string
	AllowedOrigins []string
}

// SchedulerConfig holds the polling policy. Mode is "fixed" or "adaptive".
type SchedulerConfig struct {
	Mode           string
	FixedInterval  time.Duration
	MinInterval    time.Duration
	MaxConcurrent  int
	PauseThreshold int
}

type NotificationConfig struct {
	Enabled       bool
	Thresholds    []int
	NotifyOnReset bool
	ResetDrop     float64
	UpcomingFloor float64
	DNDEnabled    bool
	DNDStart      string
	DNDEnd        string
}

type HistoryConfig struct {
	Path          string
	RetentionDays int
}

type EncryptionConfig struct {
	Key string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int

	// Requests allowed per window on mutating API routes.
	RateLimitMax    int
	RateLimitWindow int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Enabled reports whether the optional redis-backed API rate limiter is
// configured.
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

type NATSConfig struct {
	URL string
}

// Enabled reports whether the optional NATS event bridge is configured.
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		API: APIConfig{
			Token:          k.String("api.token"),
			AllowedOrigins: splitList(k.String("api.allowed.origins")),
		},
		Scheduler: SchedulerConfig{
			Mode:           k.String("scheduler.mode"),
			MaxConcurrent:  k.Int("scheduler.max.concurrent"),
			PauseThreshold: k.Int("scheduler.pause.threshold"),
		},
		Notifications: NotificationConfig{
			Enabled:       boolOr(k, "notify.enabled", true),
			Thresholds:    intList(k.String("notify.thresholds")),
			NotifyOnReset: boolOr(k, "notify.on.reset", true),
			ResetDrop:     k.Float64("notify.reset.drop"),
			UpcomingFloor: k.Float64("notify.upcoming.floor"),
			DNDEnabled:    k.Bool("notify.dnd.enabled"),
			DNDStart:      k.String("notify.dnd.start"),
			DNDEnd:        k.String("notify.dnd.end"),
		},
		History: HistoryConfig{
			Path:          k.String("history.path"),
			RetentionDays: k.Int("history.retention.days"),
		},
		Encryption: EncryptionConfig{
			Key: k.String("encryption.key"),
		},
		Redis: RedisConfig{
			Host:            k.String("redis.host"),
			Port:            k.Int("redis.port"),
			Password:        k.String("redis.password"),
			DB:              k.Int("redis.db"),
			RateLimitMax:    k.Int("redis.ratelimit.max"),
			RateLimitWindow: k.Int("redis.ratelimit.window"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8899
	}
	if cfg.Scheduler.Mode == "" {
		cfg.Scheduler.Mode = "adaptive"
	}
	if cfg.Scheduler.MaxConcurrent == 0 {
		cfg.Scheduler.MaxConcurrent = 4
	}
	if cfg.Scheduler.PauseThreshold == 0 {
		cfg.Scheduler.PauseThreshold = 3
	}
	if len(cfg.Notifications.Thresholds) == 0 {
		cfg.Notifications.Thresholds = []int{50, 75, 90}
	}
	if cfg.Notifications.ResetDrop == 0 {
		cfg.Notifications.ResetDrop = 40
	}
	if cfg.Notifications.UpcomingFloor == 0 {
		cfg.Notifications.UpcomingFloor = 75
	}
	if cfg.History.Path == "" {
		cfg.History.Path = "pulsewatch.db"
	}
	if cfg.History.RetentionDays == 0 {
		cfg.History.RetentionDays = 90
	}
	if cfg.Redis.Host != "" && cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.RateLimitMax == 0 {
		cfg.Redis.RateLimitMax = 30
	}
	if cfg.Redis.RateLimitWindow == 0 {
		cfg.Redis.RateLimitWindow = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse intervals
	fixedStr := k.String("scheduler.interval")
	if fixedStr == "" {
		fixedStr = "300"
	}
	cfg.Scheduler.FixedInterval, err = parseSeconds(fixedStr)
	if err != nil {
		return nil, fmt.Errorf("parsing scheduler interval: %w", err)
	}

	minStr := k.String("scheduler.min.interval")
	if minStr == "" {
		minStr = "10"
	}
	cfg.Scheduler.MinInterval, err = parseSeconds(minStr)
	if err != nil {
		return nil, fmt.Errorf("parsing scheduler min interval: %w", err)
	}

	return cfg, nil
}

// parseSeconds accepts either a bare number of seconds ("300") or a Go
// duration string ("5m").
func parseSeconds(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intList(s string) []int {
	var out []int
	for _, p := range splitList(s) {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

func boolOr(k *koanf.Koanf, key string, def bool) bool {
	if !k.Exists(key) {
		return def
	}
	return k.Bool(key)
}
