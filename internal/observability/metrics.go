package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_ws_events_total",
			Help: "Total number of websocket events sent and received.",
		},
		[]string{"direction", "event"},
	)
	connectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_client_connection_state",
			Help: "Current transport state: 0 disconnected, 1 connecting, 2 connected.",
		},
	)
	connectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_connect_attempts_total",
			Help: "Total number of transport connect attempts by result.",
		},
		[]string{"result"},
	)
	pendingActions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_client_pending_actions",
			Help: "Number of local actions waiting for server confirmation.",
		},
	)
	failedActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_failed_actions_total",
			Help: "Total number of local actions that did not settle.",
		},
		[]string{"action"},
	)
	reconciledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_reconciled_messages_total",
			Help: "Total number of pending sends reconciled with a server copy.",
		},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_http_requests_total",
			Help: "Total number of HTTP requests by route and status.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_client_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		wsEventsTotal,
		connectionState,
		connectAttemptsTotal,
		pendingActions,
		failedActionsTotal,
		reconciledTotal,
		httpRequestsTotal,
		httpRequestDuration,
		amqpPublishErrorsTotal,
	)
}

// HTTPMetricsMiddleware records requests served by the local debug endpoint.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ObserveHTTP(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// ObserveHTTP records one HTTP exchange. status 0 marks a transport error.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func IncWSEvent(direction, event string) {
	wsEventsTotal.WithLabelValues(direction, event).Inc()
}

func SetConnectionState(state int) {
	connectionState.Set(float64(state))
}

func IncConnectAttempt(result string) {
	connectAttemptsTotal.WithLabelValues(result).Inc()
}

func SetPendingActions(n int) {
	pendingActions.Set(float64(n))
}

func IncFailedAction(action string) {
	failedActionsTotal.WithLabelValues(action).Inc()
}

func IncReconciled() {
	reconciledTotal.Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
