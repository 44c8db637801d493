package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	transitions     *prometheus.CounterVec
	hashDuration    prometheus.Observer
	hashedBytes     prometheus.Counter
	auditFailures   *prometheus.CounterVec
	exportJobs      *prometheus.CounterVec
	packageDuration prometheus.Observer
	custodyFailures *prometheus.CounterVec

	requestCount         uint64
	requestDurationTotal uint64
	cacheHitCount        uint64
	cacheMissCount       uint64
	transitionCount      uint64
	auditFailureCount    uint64
	custodyFailureCount  uint64
}

// MetricsSnapshot is the JSON view served next to the Prometheus endpoint.
type MetricsSnapshot struct {
	RequestsTotal            uint64    `json:"requestsTotal"`
	AverageRequestDurationMs float64   `json:"averageRequestDurationMs"`
	CacheHitRatio            float64   `json:"cacheHitRatio"`
	TransitionsTotal         uint64    `json:"transitionsTotal"`
	AuditDeliveryFailures    uint64    `json:"auditDeliveryFailures"`
	CustodyWriteFailures     uint64    `json:"custodyWriteFailures"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generatedAt"`
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_status_transitions_total",
		Help: "Evidence status transitions by source and target status",
	}, []string{"from", "to"})

	hashDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "evidence_hash_duration_seconds",
		Help:    "Time spent hashing and storing ingested content",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	hashedBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "evidence_hashed_bytes_total",
		Help: "Bytes read by the hash engine",
	})

	auditFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_delivery_failures_total",
		Help: "Audit events the sink failed to accept",
	}, []string{"action"})

	exportJobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "export_jobs_total",
		Help: "Export jobs reaching a terminal status",
	}, []string{"type", "status"})

	packageDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "package_generation_duration_seconds",
		Help:    "Duration of evidence package bundle generation",
		Buckets: prometheus.DefBuckets,
	})

	custodyFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_write_failures_total",
		Help: "Best-effort custody events that could not be appended",
	}, []string{"event_type"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheHits, cacheMisses, transitions,
		hashDuration, hashedBytes, auditFailures, exportJobs, packageDuration, custodyFailures, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		transitions:     transitions,
		hashDuration:    hashDuration,
		hashedBytes:     hashedBytes,
		auditFailures:   auditFailures,
		exportJobs:      exportJobs,
		packageDuration: packageDuration,
		custodyFailures: custodyFailures,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the collector registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records cache hit/miss metrics.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
		return
	}
	m.cacheMisses.Inc()
	atomic.AddUint64(&m.cacheMissCount, 1)
}

// RecordTransition counts a committed status change.
func (m *MetricsService) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
	atomic.AddUint64(&m.transitionCount, 1)
}

// ObserveHashing records one ingestion pass through the hash engine.
func (m *MetricsService) ObserveHashing(bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.hashDuration.Observe(duration.Seconds())
	if bytes > 0 {
		m.hashedBytes.Add(float64(bytes))
	}
}

// RecordAuditFailure counts an audit event the sink rejected.
func (m *MetricsService) RecordAuditFailure(action string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(action).Inc()
	atomic.AddUint64(&m.auditFailureCount, 1)
}

// AuditFailures returns the number of audit delivery failures so far.
func (m *MetricsService) AuditFailures() uint64 {
	if m == nil {
		return 0
	}
	return atomic.LoadUint64(&m.auditFailureCount)
}

// RecordCustodyFailure counts a custody event that was logged but not stored.
func (m *MetricsService) RecordCustodyFailure(eventType string) {
	if m == nil {
		return
	}
	m.custodyFailures.WithLabelValues(eventType).Inc()
	atomic.AddUint64(&m.custodyFailureCount, 1)
}

// RecordExportJob counts a job reaching a terminal status.
func (m *MetricsService) RecordExportJob(jobType, status string) {
	if m == nil {
		return
	}
	m.exportJobs.WithLabelValues(jobType, status).Inc()
}

// ObservePackageGeneration records bundle generation time.
func (m *MetricsService) ObservePackageGeneration(duration time.Duration) {
	if m == nil {
		return
	}
	m.packageDuration.Observe(duration.Seconds())
}

// Snapshot returns aggregated metrics suitable for the JSON metrics endpoint.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var cacheRatio float64
	if total := hits + misses; total > 0 {
		cacheRatio = float64(hits) / float64(total)
	}

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		CacheHitRatio:            cacheRatio,
		TransitionsTotal:         atomic.LoadUint64(&m.transitionCount),
		AuditDeliveryFailures:    atomic.LoadUint64(&m.auditFailureCount),
		CustodyWriteFailures:     atomic.LoadUint64(&m.custodyFailureCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
