package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// TransportOpLatency is used by the metrics transport decorator to record
	// per-operation latency against the configured backend.
	TransportOpLatency *prometheus.HistogramVec

	// TransportAppendsTotal counts committed appends by partition kind.
	TransportAppendsTotal *prometheus.CounterVec

	// TransportEventsDeliveredTotal counts messages delivered to subscriptions.
	TransportEventsDeliveredTotal prometheus.Counter

	// UploadsStartedTotal and UploadsFailedTotal track the upload pipeline.
	UploadsStartedTotal prometheus.Counter
	UploadsFailedTotal  prometheus.Counter

	// SessionsOpen tracks the number of live conversation sessions.
	SessionsOpen prometheus.Gauge
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Must be called before starting the HTTP server or any transport initialization
// that records metrics. Safe to call multiple times; only the first call registers.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_engine_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_engine_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	TransportOpLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_engine_transport_latency_seconds",
			Help:    "Transport operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	TransportAppendsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_engine_transport_appends_total",
			Help: "Total messages appended to partitions",
		},
		[]string{"kind"},
	)

	TransportEventsDeliveredTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_engine_transport_events_delivered_total",
		Help: "Total messages delivered to live subscriptions",
	})

	UploadsStartedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_engine_uploads_started_total",
		Help: "Total media uploads started",
	})

	UploadsFailedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_engine_uploads_failed_total",
		Help: "Total media uploads that ended in failure",
	})

	SessionsOpen = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_engine_sessions_open",
		Help: "Number of currently open conversation sessions",
	})
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}
