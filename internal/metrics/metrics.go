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

	// WebSocket metrics
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_connected_clients",
			Help: "Open WebSocket connections",
		},
	)

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_active_rooms",
			Help: "Rooms with at least one local subscriber",
		},
	)

	ActionsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_actions_received_total",
			Help: "Client actions received",
		},
		[]string{"type"},
	)

	ActionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_actions_rejected_total",
			Help: "Client actions answered with an error frame",
		},
		[]string{"code"},
	)

	// Business metrics
	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_posted_total",
			Help: "Total messages posted",
		},
		[]string{"room"},
	)

	RoomsCleared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_rooms_cleared_total",
			Help: "Total room clears",
		},
	)

	RemoteFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_remote_frames_total",
			Help: "Frames relayed from other instances",
		},
	)

	// Retention metrics
	MessagesTrimmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_messages_trimmed_total",
			Help: "Messages removed by retention",
		},
	)
)
