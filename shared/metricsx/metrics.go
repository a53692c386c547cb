package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Currently registered websocket connections.",
		},
	)
	wsEventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_events_published_total",
			Help: "Domain events handed to the broadcaster, by type.",
		},
		[]string{"type"},
	)
	wsEventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_events_delivered_total",
			Help: "Per-connection event deliveries (enqueued frames).",
		},
	)
	wsSlowConsumerEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_slow_consumer_evictions_total",
			Help: "Connections closed because their send buffer backed up.",
		},
	)
	wsRegisterRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_register_rejected_total",
			Help: "Connection registrations rejected at capacity.",
		},
	)
	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Read-path cache hits.",
		},
	)
	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Read-path cache misses.",
		},
	)
	cacheDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_degraded_total",
			Help: "Mutations that skipped the cache because it was unavailable.",
		},
	)
	outboxDispatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_dispatch_failures_total",
			Help: "Failed outbox publishes to Kafka.",
		},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		wsConnections, wsEventsPublished, wsEventsDelivered, wsSlowConsumerEvictions, wsRegisterRejected,
		cacheHits, cacheMisses, cacheDegraded,
		outboxDispatchFailures, influxWriteFailures, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetWSConnections(n int)          { wsConnections.Set(float64(n)) }
func IncEventPublished(eventType string) { wsEventsPublished.WithLabelValues(eventType).Inc() }
func AddEventsDelivered(n int)        { wsEventsDelivered.Add(float64(n)) }
func IncSlowConsumerEviction()        { wsSlowConsumerEvictions.Inc() }
func IncRegisterRejected()            { wsRegisterRejected.Inc() }
func IncCacheHit()                    { cacheHits.Inc() }
func IncCacheMiss()                   { cacheMisses.Inc() }
func IncCacheDegraded()               { cacheDegraded.Inc() }
func IncOutboxDispatchFailure()       { outboxDispatchFailures.Inc() }
func IncInfluxWriteFailure()          { influxWriteFailures.Inc() }
func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
