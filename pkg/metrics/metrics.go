package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LiveConnections tracks the number of registered websocket connections.
	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatserver_live_connections",
			Help: "Number of authenticated live connections",
		},
	)

	// MessagesRouted counts chat messages by delivery path (live|queued).
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatserver_messages_routed_total",
			Help: "Total number of chat messages routed",
		},
		[]string{"path"},
	)

	// ReceiptsProcessed counts read/delivery receipts by resulting status.
	ReceiptsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatserver_receipts_processed_total",
			Help: "Total number of delivery status receipts processed",
		},
		[]string{"status"},
	)

	// FileUploads counts encrypted file uploads by result (accepted|rejected).
	FileUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatserver_file_uploads_total",
			Help: "Total number of encrypted file uploads",
		},
		[]string{"result"},
	)

	// AuthAttempts records websocket authentication attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatserver_ws_auth_attempts_total",
			Help: "Total number of websocket authentication attempts",
		},
		[]string{"result"},
	)

	// APILatency observes HTTP request latency per method, route and status.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatserver_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// SweepDeleted counts records removed by the retention sweepers per target.
	SweepDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatserver_sweep_deleted_total",
			Help: "Total number of records removed by retention sweeps",
		},
		[]string{"target"},
	)
)
