package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the signaling service.
// Each instance owns its registry, so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call Metrics
	callTransitionsTotal *prometheus.CounterVec
	callsLive            prometheus.Gauge
	callDuration         prometheus.Histogram
	callsFailedTotal     *prometheus.CounterVec
	callsExpiredTotal    prometheus.Counter

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec

	// Event log
	eventLogWritesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of open signaling WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of signaling messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of signaling errors by error code",
				ConstLabels: labels,
			},
			[]string{"code"},
		),

		callTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "voice_call_transitions_total",
				Help:        "Total number of call state transitions by resulting status",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		callsLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "voice_calls_live",
				Help:        "Number of pending or active calls",
				ConstLabels: labels,
			},
		),
		callDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "voice_call_duration_seconds",
				Help:        "Talk time of completed calls in seconds",
				ConstLabels: labels,
				Buckets:     []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		callsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "voice_calls_failed_total",
				Help:        "Total number of failed calls by the status they failed from",
				ConstLabels: labels,
			},
			[]string{"from"},
		),
		callsExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "voice_calls_expired_total",
				Help:        "Total number of pending calls marked missed by the ring timeout",
				ConstLabels: labels,
			},
		),

		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications sent",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		pushNotificationsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Total number of failed push notifications",
				ConstLabels: labels,
			},
			[]string{"type"},
		),

		eventLogWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_event_log_writes_total",
				Help:        "Total number of call event log writes by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
	}
}

// GetRegistry returns the registry backing this Metrics instance
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight requests gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight requests gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// SetWebSocketConnections sets the number of WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordWebSocketError records a signaling error reply
func (m *Metrics) RecordWebSocketError(code string) {
	m.websocketErrorsTotal.WithLabelValues(code).Inc()
}

// RecordCallTransition counts a call reaching status
func (m *Metrics) RecordCallTransition(status string) {
	m.callTransitionsTotal.WithLabelValues(status).Inc()
}

// SetLiveCalls sets the pending plus active call count
func (m *Metrics) SetLiveCalls(count int) {
	m.callsLive.Set(float64(count))
}

// CallOpened counts a new pending call
func (m *Metrics) CallOpened() {
	m.callsLive.Inc()
}

// CallClosed counts a call reaching a terminal status
func (m *Metrics) CallClosed() {
	m.callsLive.Dec()
}

// RecordCallDuration records the talk time of a finished call
func (m *Metrics) RecordCallDuration(seconds int64) {
	m.callDuration.Observe(float64(seconds))
}

// RecordCallFailure records a failed call
func (m *Metrics) RecordCallFailure(from string) {
	m.callsFailedTotal.WithLabelValues(from).Inc()
}

// RecordCallExpired records a pending call that rang out
func (m *Metrics) RecordCallExpired() {
	m.callsExpiredTotal.Inc()
}

// RecordPushNotification records a push notification
func (m *Metrics) RecordPushNotification(notifType string) {
	m.pushNotificationsTotal.WithLabelValues(notifType).Inc()
}

// RecordPushNotificationFailure records a failed push notification
func (m *Metrics) RecordPushNotificationFailure(notifType string) {
	m.pushNotificationsFailed.WithLabelValues(notifType).Inc()
}

// RecordEventLogWrite records one call event log append
func (m *Metrics) RecordEventLogWrite(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.eventLogWritesTotal.WithLabelValues(result).Inc()
}
