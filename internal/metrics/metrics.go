package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewatch_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulsewatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewatch_fetches_total",
			Help: "Total provider fetch attempts by outcome.",
		},
		[]string{"provider", "outcome"},
	)

	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulsewatch_fetch_duration_seconds",
			Help:    "Provider fetch duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	AccountsPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsewatch_accounts_paused",
			Help: "Number of accounts currently paused by session health.",
		},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewatch_notifications_total",
			Help: "Notifications computed by kind and delivery state.",
		},
		[]string{"kind", "state"},
	)

	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewatch_ratelimit_rejections_total",
			Help: "Fetch attempts rejected by the rate limiter, per scope kind.",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		FetchesTotal,
		FetchDuration,
		AccountsPaused,
		NotificationsTotal,
		RateLimitRejections,
	)
}
