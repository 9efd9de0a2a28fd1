// Package metrics holds the Prometheus collectors of the relay. Labels are
// limited to app type, frame kind and outcome so cardinality stays bounded
// regardless of how many rooms exist.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_rooms_active",
		Help: "Rooms currently tracked by this gateway.",
	})

	activeConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collab_connections_active",
		Help: "Open client connections.",
	}, []string{"app_type"})

	framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_frames_total",
		Help: "Inbound frames by kind.",
	}, []string{"kind"})

	roomsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_rooms_evicted_total",
		Help: "Rooms destroyed by the idle sweep.",
	})

	persistCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_persist_cycles_total",
		Help: "Persist cycles by app type and outcome.",
	}, []string{"app_type", "outcome"})

	persistDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_persist_duration_seconds",
		Help:    "Duration of persist cycles.",
		Buckets: prometheus.DefBuckets,
	})

	queueEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_queue_entries_total",
		Help: "Work queue entries consumed by action.",
	}, []string{"action"})

	queueAppendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_queue_append_failures_total",
		Help: "Lifecycle events that could not be appended.",
	})

	streamTrimmed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_stream_trimmed_total",
		Help: "Entries removed from the work stream by maintenance.",
	})

	streamReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_stream_reclaimed_total",
		Help: "Stale pending entries acknowledged by maintenance.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"method", "path", "status"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collab_http_request_duration_seconds",
		Help:    "Duration of HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

func init() {
	prometheus.MustRegister(
		activeRooms, activeConnections, framesTotal, roomsEvicted,
		persistCycles, persistDuration, queueEntries, queueAppendFailures,
		streamTrimmed, streamReclaimed, httpRequests, httpLatency,
	)
}

func SetActiveRooms(count int) {
	activeRooms.Set(float64(count))
}

func ConnectionOpened(appType string) {
	activeConnections.WithLabelValues(appType).Inc()
}

func ConnectionClosed(appType string) {
	activeConnections.WithLabelValues(appType).Dec()
}

func FrameReceived(kind string) {
	framesTotal.WithLabelValues(kind).Inc()
}

func RoomsEvicted(count int) {
	roomsEvicted.Add(float64(count))
}

func PersistCycle(appType, outcome string, elapsed time.Duration) {
	persistCycles.WithLabelValues(appType, outcome).Inc()
	persistDuration.Observe(elapsed.Seconds())
}

func QueueEntryConsumed(action string) {
	queueEntries.WithLabelValues(action).Inc()
}

func QueueAppendFailed() {
	queueAppendFailures.Inc()
}

func StreamMaintained(reclaimed int, trimmed int64) {
	streamReclaimed.Add(float64(reclaimed))
	streamTrimmed.Add(float64(trimmed))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware instruments gin requests by registered route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLatency.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
