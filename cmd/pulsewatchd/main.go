package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pulsewatch-app/pulsewatch/internal/account"
	"github.com/pulsewatch-app/pulsewatch/internal/api"
	"github.com/pulsewatch-app/pulsewatch/internal/bus"
	"github.com/pulsewatch-app/pulsewatch/internal/config"
	"github.com/pulsewatch-app/pulsewatch/internal/history"
	mw "github.com/pulsewatch-app/pulsewatch/internal/middleware"
	"github.com/pulsewatch-app/pulsewatch/internal/natsbridge"
	"github.com/pulsewatch-app/pulsewatch/internal/notify"
	"github.com/pulsewatch-app/pulsewatch/internal/provider"
	"github.com/pulsewatch-app/pulsewatch/internal/scheduler"
	"github.com/pulsewatch-app/pulsewatch/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx := context.Background()

	// SQLite
	db, err := gorm.Open(sqlite.Open(cfg.History.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		slog.Error("opening database", "path", cfg.History.Path, "error", err)
		os.Exit(1)
	}

	// Providers
	registry := provider.NewRegistry(provider.NewClaude())

	// Services
	accounts, err := account.NewService(db, cfg.Encryption.Key, registry)
	if err != nil {
		slog.Error("initializing accounts", "error", err)
		os.Exit(1)
	}
	store, err := history.NewStore(db, cfg.History.RetentionDays)
	if err != nil {
		slog.Error("initializing history", "error", err)
		os.Exit(1)
	}

	eventBus := bus.New()
	defer eventBus.Close()

	// Scheduler
	sessions := scheduler.NewSessionTracker(cfg.Scheduler.PauseThreshold, eventBus, slog.Default())
	loop := scheduler.NewLoop(scheduler.LoopConfig{
		Mode:          cfg.Scheduler.Mode,
		FixedInterval: cfg.Scheduler.FixedInterval,
		MinInterval:   cfg.Scheduler.MinInterval,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
	}, accounts, registry, store, sessions, eventBus, slog.Default())

	// Notifications
	engine := notify.NewEngine(notify.Config{
		Enabled:       cfg.Notifications.Enabled,
		Thresholds:    cfg.Notifications.Thresholds,
		NotifyOnReset: cfg.Notifications.NotifyOnReset,
		ResetDrop:     cfg.Notifications.ResetDrop,
		UpcomingFloor: cfg.Notifications.UpcomingFloor,
		DNDEnabled:    cfg.Notifications.DNDEnabled,
		DNDStart:      cfg.Notifications.DNDStart,
		DNDEnd:        cfg.Notifications.DNDEnd,
	}, notify.NewDesktop(), eventBus, slog.Default())
	loop.SetObserver(engine)

	if err := loop.Start(ctx); err != nil {
		slog.Error("starting scheduler", "error", err)
		os.Exit(1)
	}

	// Retention sweeper
	purgeCtx, cancelPurge := context.WithCancel(ctx)
	defer cancelPurge()
	go retentionSweeper(purgeCtx, store)

	// Optional Redis-backed API rate limiter
	var apiLimiter func(http.Handler) http.Handler
	if cfg.Redis.Enabled() {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, api rate limiting disabled", "error", err)
		} else {
			apiLimiter = mw.NewRateLimiter(redisClient, cfg.Redis.RateLimitMax, cfg.Redis.RateLimitWindow).Middleware
		}
	}

	// Optional NATS event bridge
	var natsClient *natsbridge.Client
	if cfg.NATS.Enabled() {
		natsClient, err = natsbridge.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to nats", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		bridge := natsbridge.NewBridge(natsClient, eventBus, slog.Default())
		bridge.Start(ctx)
		defer bridge.Stop()
	}

	// Router and server
	handlers := api.NewHandlers(loop, accounts, store, engine, registry)
	router := api.NewRouter(db, natsClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.API.AllowedOrigins,
		Token:              cfg.API.Token,
		APIRateLimiter:     apiLimiter,
	}, handlers)

	srv := server.New(cfg.Server, router)
	if err := srv.Start(func() {
		loop.Stop()
		cancelPurge()
	}); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// retentionSweeper purges expired history once an hour.
func retentionSweeper(ctx context.Context, store *history.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx)
			if err != nil {
				slog.Warn("history purge failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("purged expired history", "entries", n)
			}
		}
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
