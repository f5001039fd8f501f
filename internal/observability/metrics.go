package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familychat_http_requests_total",
			Help: "Total number of HTTP requests processed by the family chat service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "familychat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "familychat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familychat_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	feedActiveSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "familychat_feed_active_subscriptions",
			Help: "Number of open change-feed subscriptions.",
		},
		[]string{"view"},
	)
	feedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familychat_feed_events_total",
			Help: "Total number of change-feed events delivered.",
		},
		[]string{"type"},
	)
	feedReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familychat_feed_reconnects_total",
			Help: "Total number of change-feed resubscribe attempts.",
		},
		[]string{"view"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "familychat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		feedActiveSubscriptions,
		feedEventsTotal,
		feedReconnectsTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncFeedActive(view string) {
	feedActiveSubscriptions.WithLabelValues(view).Inc()
}

func DecFeedActive(view string) {
	feedActiveSubscriptions.WithLabelValues(view).Dec()
}

func IncFeedEvent(eventType string) {
	feedEventsTotal.WithLabelValues(eventType).Inc()
}

func IncFeedReconnect(view string) {
	feedReconnectsTotal.WithLabelValues(view).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
