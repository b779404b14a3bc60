package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message pipeline metrics
	MessagesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_consumed_total",
			Help: "Total number of messages consumed from partner queues",
		},
		[]string{"partner"},
	)

	MessagesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_forwarded_total",
			Help: "Total number of messages forwarded by result",
		},
		[]string{"partner", "result"},
	)

	ForwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_forward_duration_seconds",
			Help:    "End-to-end pipeline duration per message in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"partner"},
	)

	ForwardRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_forward_retries_total",
			Help: "Total number of retried forward attempts",
		},
		[]string{"partner"},
	)

	// Worker pool metrics
	PoolActiveWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_pool_active_workers",
			Help: "Workers currently executing a task per partner pool",
		},
		[]string{"partner"},
	)

	PoolQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_pool_queue_depth",
			Help: "Tasks waiting in the pool queue per partner",
		},
		[]string{"partner"},
	)

	PoolCallerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_pool_caller_runs_total",
			Help: "Total number of tasks executed on the submitting goroutine after queue saturation",
		},
		[]string{"partner"},
	)

	PoolsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_pools_total",
			Help: "Total number of live partner worker pools",
		},
	)

	// Circuit breaker metrics
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_breaker_state",
			Help: "Circuit breaker state per partner (0 = closed, 1 = open, 2 = half-open)",
		},
		[]string{"partner"},
	)

	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_breaker_transitions_total",
			Help: "Total number of breaker state transitions by target state",
		},
		[]string{"partner", "to"},
	)

	BreakerNotPermitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_breaker_not_permitted_total",
			Help: "Total number of calls refused by an open breaker",
		},
		[]string{"partner"},
	)

	// Credential cache metrics
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_token_refreshes_total",
			Help: "Total number of credential refreshes by result",
		},
		[]string{"partner", "result"},
	)

	TokensCached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_tokens_cached",
			Help: "Number of valid cached credentials",
		},
	)

	// Route manager metrics
	RoutesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_routes_active",
			Help: "Number of running ingest routes",
		},
	)

	RouteReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_route_reloads_total",
			Help: "Total number of route reconcile passes by trigger",
		},
		[]string{"trigger"},
	)

	// Control API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_api_requests_total",
			Help: "Total number of control API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_api_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(MessagesConsumed)
	prometheus.MustRegister(MessagesForwarded)
	prometheus.MustRegister(ForwardDuration)
	prometheus.MustRegister(ForwardRetries)
	prometheus.MustRegister(PoolActiveWorkers)
	prometheus.MustRegister(PoolQueueDepth)
	prometheus.MustRegister(PoolCallerRuns)
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerTransitions)
	prometheus.MustRegister(BreakerNotPermitted)
	prometheus.MustRegister(TokenRefreshes)
	prometheus.MustRegister(TokensCached)
	prometheus.MustRegister(RoutesActive)
	prometheus.MustRegister(RouteReloads)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
