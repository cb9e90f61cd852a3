package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	mw "github.com/pulsewatch-app/pulsewatch/internal/middleware"
	"github.com/pulsewatch-app/pulsewatch/internal/natsbridge"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string

	// Token guards /api/v1 when set.
	Token string

	// APIRateLimiter optionally wraps the mutating routes.
	APIRateLimiter func(http.Handler) http.Handler
}

func NewRouter(db *gorm.DB, natsClient *natsbridge.Client, cfg RouterConfig, h *Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe — always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe — checks the database and optional NATS bridge
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":    "healthy",
			"database":  "healthy",
			"nats":      "healthy",
			"scheduler": "healthy",
		}
		status := http.StatusOK

		if err := pingDB(r.Context(), db); err != nil {
			health["database"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if natsClient != nil && !natsClient.Healthy() {
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		} else if natsClient == nil {
			health["nats"] = "not configured"
		}

		if !h.Scheduler.Status().Running {
			health["scheduler"] = "stopped"
			health["status"] = "degraded"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.BearerAuth(cfg.Token))

		// Mutating routes go through the optional rate limiter.
		limited := func(next http.Handler) http.Handler { return next }
		if cfg.APIRateLimiter != nil {
			limited = cfg.APIRateLimiter
		}

		r.Get("/status", h.GetStatus)
		r.Get("/providers", h.ListProviders)
		r.Get("/usage/{accountID}", h.GetUsage)

		r.With(limited).Post("/refresh", h.ForceRefresh)
		r.With(limited).Post("/refresh/{accountID}", h.ForceRefreshAccount)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.With(limited).Post("/", h.CreateAccount)

			r.Route("/{accountID}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Get("/session", h.GetAccountSession)
				r.With(limited).Put("/credentials", h.UpdateAccountCredentials)
				r.With(limited).Delete("/", h.DeleteAccount)
				r.With(limited).Post("/resume", h.ResumeAccount)
			})
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.With(limited).Put("/interval", h.SetSchedulerInterval)
			r.With(limited).Put("/mode", h.SetSchedulerMode)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", h.ListHistory)
			r.Get("/export", h.ExportHistory)
			r.Get("/stats", h.GetHistoryStats)
		})
	})

	return r
}

func pingDB(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
