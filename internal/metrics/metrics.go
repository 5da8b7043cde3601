package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upstream (Spotify) Metrics
var (
	// UpstreamFetchTotal tracks now-playing fetches by result (playing/no_session/error/circuit_open)
	UpstreamFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_fetch_total",
			Help: "Total now-playing fetches by result (playing/no_session/error/circuit_open)",
		},
		[]string{"result"},
	)

	// UpstreamFetchDuration tracks now-playing fetch latency
	UpstreamFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upstream_fetch_duration_seconds",
			Help:    "Now-playing fetch duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// UpstreamTokenRefreshTotal tracks access token refreshes by result
	UpstreamTokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_token_refresh_total",
			Help: "Total access token refreshes by result (success/error)",
		},
		[]string{"result"},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Broadcaster Metrics
var (
	// BroadcasterCyclesTotal tracks poll cycles by outcome (changed/unchanged/nothing)
	BroadcasterCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcaster_cycles_total",
			Help: "Total poll cycles by outcome (changed/unchanged/nothing)",
		},
		[]string{"outcome"},
	)

	// BroadcasterCycleDuration tracks how long one poll cycle takes end to end
	BroadcasterCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcaster_cycle_duration_seconds",
			Help:    "Poll cycle duration in seconds (fetch + fan-out)",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// BroadcasterSendsTotal tracks per-client sends by result (success/error/timeout)
	BroadcasterSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcaster_sends_total",
			Help: "Total per-client sends by result (success/error/timeout)",
		},
		[]string{"result"},
	)

	// BroadcasterSlowCyclesTotal tracks cycles that overran the poll interval
	BroadcasterSlowCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_slow_cycles_total",
			Help: "Total poll cycles that took longer than the poll interval",
		},
	)

	// BroadcasterPanicsTotal tracks broadcaster panic recoveries
	BroadcasterPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_panics_total",
			Help: "Total broadcaster panic recoveries",
		},
	)

	// RegistryConnectedClients tracks handles currently held by the registry
	RegistryConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_connected_clients",
			Help: "Number of connection handles currently registered",
		},
	)
)

// WebSocket Metrics
var (
	// WebSocketConnectionsTotal tracks total WebSocket connection attempts by result
	WebSocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total WebSocket connection attempts by result (success/error/rejected)",
		},
		[]string{"result"},
	)

	// WebSocketConnectionsRejected tracks rejected connection attempts by reason
	WebSocketConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Total WebSocket connections rejected by reason (rate_limit/per_ip_limit/global_limit/origin)",
		},
		[]string{"reason"},
	)

	// WebSocketMessageSendDuration tracks WebSocket message send duration
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// WebSocketConnectionDuration tracks WebSocket connection duration
	WebSocketConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_connection_duration_seconds",
			Help:    "WebSocket connection duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)

	// WebSocketPingFailures tracks WebSocket ping failures
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total WebSocket ping failures (client not responding)",
		},
	)

	// WebSocketLivenessProbes tracks application-level "ping" messages answered with "pong"
	WebSocketLivenessProbes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_liveness_probes_total",
			Help: "Total application-level liveness probes answered",
		},
	)

	// WebSocketUniqueIPs tracks number of unique IP addresses with active connections
	WebSocketUniqueIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_unique_ips",
			Help: "Number of unique IP addresses with active WebSocket connections",
		},
	)
)

// Token Cache Metrics
var (
	// TokenCacheOpsTotal tracks token cache lookups by backend and result (hit/miss/error)
	TokenCacheOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_cache_operations_total",
			Help: "Token cache lookups by backend (memory/redis) and result (hit/miss/error)",
		},
		[]string{"backend", "result"},
	)
)

// Redis Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)
)

// HTTP Metrics
var (
	// HTTPRequestsRateLimited tracks auxiliary HTTP requests denied by the per-IP limiter
	HTTPRequestsRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total HTTP requests denied by the per-IP rate limiter, by route",
		},
		[]string{"route"},
	)
)
