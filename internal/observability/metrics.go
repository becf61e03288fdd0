package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_requests_total",
		Help: "Upstream GPS51 requests dispatched, by request type",
	}, []string{"type"})
	RequestsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_requests_failed_total",
		Help: "Upstream GPS51 requests that returned an error, by request type",
	}, []string{"type"})
	RequestsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetgate_requests_rate_limited_total",
		Help: "Upstream responses classified as rate limiting (8902 / 429)",
	})
	DuplicatesBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetgate_duplicates_blocked_total",
		Help: "Requests rejected inside the dedup window",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetgate_queue_depth",
		Help: "Requests waiting in the governor queue",
	})
	BackoffActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetgate_backoff_active",
		Help: "1 while the governor is holding dispatch for rate-limit backoff",
	})
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_cache_hits_total",
		Help: "Response cache hits, by operation",
	}, []string{"op"})
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_cache_misses_total",
		Help: "Response cache misses, by operation",
	}, []string{"op"})
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_proxy_requests_total",
		Help: "Proxy endpoint requests, by action and outcome",
	}, []string{"action", "outcome"})
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetgate_audit_dropped_total",
		Help: "Audit records dropped because the writer buffer was full",
	})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetgate_dispatch_latency_seconds",
		Help:    "Latency of dispatched upstream calls",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveDispatchLatency(start time.Time) {
	DispatchLatency.Observe(time.Since(start).Seconds())
}

func StartMetricsServer(port string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	_ = http.ListenAndServe(":"+port, nil)
}
