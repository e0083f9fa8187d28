package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the session chat client.
//
// Naming convention: namespace_subsystem_name
// - namespace: session_chat
// - subsystem: websocket, chat, rest, moderation, ratelimit, redis, circuit_breaker
// - name: specific metric (connection_state, frames_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connection state, presence, breaker state)
// - Counter: Cumulative events (dials, frames, refusals)
// - Histogram: Latency distributions (REST round trips)

var (
	// ActiveWebSocketConnections tracks sockets with a running read pump.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "session_chat",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of open WebSocket connections",
	})

	// ConnectionState is 1 for the current state label and 0 for the others.
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "session_chat",
		Subsystem: "websocket",
		Name:      "connection_state",
		Help:      "Current real-time channel state (1 = active state)",
	}, []string{"state"})

	// DialAttempts counts WebSocket dials by outcome.
	DialAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_chat",
		Subsystem: "websocket",
		Name:      "dial_attempts_total",
		Help:      "Total WebSocket dial attempts",
	}, []string{"status"})

	// ReconnectsScheduled counts reconnect timers armed after abnormal closes.
	ReconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "session_chat",
		Subsystem: "websocket",
		Name:      "reconnects_scheduled_total",
		Help:      "Total reconnect attempts scheduled after abnormal closes",
	})

	// ReconnectGiveUps counts how often the reconnect cap was reached.
	ReconnectGiveUps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "session_chat",
		Subsystem: "websocket",
		Name:      "reconnect_give_ups_total",
		Help:      "Total times automatic reconnection gave up",
	})

	// CloseCodes counts socket closes by close code.
	CloseCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_chat",
		Subsystem: "websocket",
		Name:      "closes_total",
		Help:      "Total socket closes by close code",
	}, []string{"code"})

	// FramesReceived counts inbound frames by tag and processing status.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_chat",
		Subsystem: "websocket",
		Name:      "frames_received_total",
		Help:      "Total inbound frames processed",
	}, []string{"frame_type", "status"})

	// FramesSent counts outbound frames by tag.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_chat",
		Subsystem: "websocket",
		Name:      "frames_sent_total",
		Help:      "Total outbound frames written",
	}, []string{"frame_type"})

	// FrameProcessingDuration tracks the time spent applying one inbound frame.
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "session_chat",
		Subsystem: "websocket",
		Name:      "frame_processing_seconds",
		Help:      "Time spent applying inbound frames",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
	}, []string{"frame_type"})

	// DuplicateMessages counts chat messages dropped by id deduplication.
	DuplicateMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "session_chat",
		Subsystem: "chat",
		Name:      "duplicate_messages_total",
		Help:      "Total chat messages dropped because their id was already seen",
	})

	// SendRefusals counts locally refused sends by reason.
	SendRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_chat",
		Subsystem: "chat",
		Name:      "send_refusals_total",
		Help:      "Total outbound chat sends refused before reaching the socket",
	}, []string{"reason"})

	// OnlineParticipants mirrors the last presence counters received.
	OnlineParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "session_chat",
		Subsystem: "chat",
		Name:      "participants",
		Help:      "Presence counters as last reported by the server",
	}, []string{"kind"})

	// RESTRequestDuration tracks REST round trips by endpoint and status class.
	RESTRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "session_chat",
		Subsystem: "rest",
		Name:      "request_duration_seconds",
		Help:      "REST request latency",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"endpoint", "status"})

	// ModerationActions counts moderator actions by action and outcome.
	ModerationActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_chat",
		Subsystem: "moderation",
		Name:      "actions_total",
		Help:      "Total moderator actions issued",
	}, []string{"action", "status"})

	// RateLimitRequests counts requests checked against a client-side limit.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_chat",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked against client-side rate limits",
	}, []string{"scope"})

	// RateLimitExceeded counts requests refused by a client-side limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_chat",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests refused by client-side rate limits",
	}, []string{"scope"})

	// RedisOperationsTotal counts mirror operations by operation and outcome.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_chat",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks Redis latency by operation.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "session_chat",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Redis operation latency",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5},
	}, []string{"operation"})

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "session_chat",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts calls rejected or failed behind a breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_chat",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total failures observed by circuit breakers",
	}, []string{"name"})
)

var connectionStates = []string{"disconnected", "connecting", "connected", "closing"}

// SetConnectionState marks one state label active and clears the rest.
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// SetPresence records the latest presence counters.
func SetPresence(online, total int) {
	OnlineParticipants.WithLabelValues("online").Set(float64(online))
	OnlineParticipants.WithLabelValues("total").Set(float64(total))
}

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
