// Package metrics provides Prometheus metrics collection for the handoff service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnections tracks the current number of active WebSocket connections
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "handoff_websocket_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SubscriptionsActive tracks the current number of live session subscriptions
	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "handoff_subscriptions_active_total",
		Help: "Current number of live session subscriptions",
	})

	// MessagesReceived tracks the total number of user messages accepted
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_messages_received_total",
		Help: "Total number of user messages accepted",
	})

	// EventsBroadcast tracks the total number of events fanned out by sender role
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoff_events_broadcast_total",
		Help: "Total number of WebSocket events fanned out by event type",
	}, []string{"type"})

	// UpstreamRequests tracks the total number of AI upstream requests
	UpstreamRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_upstream_requests_total",
		Help: "Total number of AI upstream completion requests",
	})

	// UpstreamLatency tracks the latency of AI upstream requests
	UpstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "handoff_upstream_latency_seconds",
		Help:    "Latency of AI upstream requests in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// UpstreamErrors tracks the total number of AI upstream failures
	UpstreamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_upstream_errors_total",
		Help: "Total number of AI upstream failures",
	})

	// SessionsCreated tracks the total number of sessions created
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_sessions_created_total",
		Help: "Total number of chat sessions created",
	})

	// SessionsClosed tracks the total number of sessions closed
	SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_sessions_closed_total",
		Help: "Total number of chat sessions closed",
	})

	// Escalations tracks the total number of human handoff requests
	Escalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_escalations_total",
		Help: "Total number of sessions escalated to a human",
	})

	// NotificationFailures tracks failed staff notification deliveries by channel
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoff_notification_failures_total",
		Help: "Total number of failed staff notification deliveries by channel",
	}, []string{"channel"})

	// PanicsRecovered tracks goroutine panics caught by the recovery wrapper
	PanicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_panics_recovered_total",
		Help: "Total number of goroutine panics recovered",
	})

	// MongoDBOperationDuration tracks persistence operation latency by operation
	MongoDBOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handoff_mongodb_operation_duration_seconds",
		Help:    "Latency of MongoDB operations in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// HTTPRequestDuration tracks HTTP request latency by endpoint and method
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handoff_http_request_duration_seconds",
		Help:    "Latency of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method"})

	// SessionsSwept tracks closed sessions removed by the retention sweep
	SessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_sessions_swept_total",
		Help: "Total number of closed sessions removed by the retention sweep",
	})
)
