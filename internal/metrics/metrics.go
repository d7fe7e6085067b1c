package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_posted_total",
			Help: "Total messages posted",
		},
		[]string{"room_type"}, // "public", "dm" or "group"
	)

	MessagesEdited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_messages_edited_total",
			Help: "Total messages edited",
		},
	)

	MessagesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_messages_deleted_total",
			Help: "Total messages deleted",
		},
	)

	MessagesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_messages_expired_total",
			Help: "Messages removed by the retention sweeper",
		},
	)

	Negotiations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_negotiations_total",
			Help: "Total push credentials issued",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	// Gateway metrics
	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_gateway_connections",
			Help: "Open gateway websocket connections",
		},
	)

	GatewayPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_gateway_published_total",
			Help: "Invocations published, by audience",
		},
		[]string{"audience"}, // "all", "group" or "user"
	)

	BroadcastFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_broadcast_failures_total",
			Help: "Broadcasts that failed after the message was persisted",
		},
	)

	HookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_hook_deliveries_total",
			Help: "Signed event hook deliveries",
		},
		[]string{"result"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_store_latency_seconds",
			Help:    "Message store operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"backend", "op"},
	)
)
