package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/appframe/internal/models"
)

// Notification distribution modes reported by metrics.
const (
	DistributionModeDirect = "direct"
	DistributionModeJob    = "job"
)

// MetricsService owns the Prometheus registry for history, notifications,
// cache and HTTP instrumentation.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	changeSets      prometheus.Counter
	propertyChanges prometheus.Counter
	saveFailures    prometheus.Counter
	saveDuration    prometheus.Histogram
	notifications   *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	changeSetCount    uint64
	saveFailureCount  uint64
	notificationCount uint64
	cacheHitCount     uint64
	cacheMissCount    uint64
}

// MetricsSnapshot is a point-in-time summary of the counters.
type MetricsSnapshot struct {
	ChangeSets    uint64    `json:"changeSets"`
	SaveFailures  uint64    `json:"saveFailures"`
	Notifications uint64    `json:"notifications"`
	CacheHitRatio float64   `json:"cacheHitRatio"`
	Goroutines    int       `json:"goroutines"`
	GeneratedAt   time.Time `json:"generatedAt"`
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	changeSets := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "entity_history_change_sets_total",
		Help: "Entity change sets persisted",
	})

	propertyChanges := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "entity_history_property_changes_total",
		Help: "Entity property changes persisted",
	})

	saveFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "entity_history_save_failures_total",
		Help: "Entity change sets that failed to persist",
	})

	saveDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "entity_history_save_duration_seconds",
		Help:    "Time spent persisting entity change sets",
		Buckets: prometheus.DefBuckets,
	})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_published_total",
		Help: "Published notifications by distribution mode",
	}, []string{"mode"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, changeSets, propertyChanges, saveFailures, saveDuration, notifications, cacheHits, cacheMisses, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		changeSets:      changeSets,
		propertyChanges: propertyChanges,
		saveFailures:    saveFailures,
		saveDuration:    saveDuration,
		notifications:   notifications,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
	}
}

// Registry exposes the underlying registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	return m.registry
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

// ObserveHTTPRequest records request latency.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, path, fmt.Sprintf("%d", status)).Observe(duration.Seconds())
}

// ChangeSetSaved implements history.Recorder.
func (m *MetricsService) ChangeSetSaved(cs *models.EntityChangeSet, elapsed time.Duration) {
	if m == nil || cs == nil {
		return
	}
	m.changeSets.Inc()
	m.propertyChanges.Add(float64(cs.PropertyChangeCount()))
	m.saveDuration.Observe(elapsed.Seconds())
	atomic.AddUint64(&m.changeSetCount, 1)
}

// ChangeSetFailed implements history.Recorder.
func (m *MetricsService) ChangeSetFailed(error) {
	if m == nil {
		return
	}
	m.saveFailures.Inc()
	atomic.AddUint64(&m.saveFailureCount, 1)
}

// NotificationPublished counts a notification by distribution mode.
func (m *MetricsService) NotificationPublished(mode string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(mode).Inc()
	atomic.AddUint64(&m.notificationCount, 1)
}

// RecordCacheOperation records a cache hit or miss.
func (m *MetricsService) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
		return
	}
	m.cacheMisses.Inc()
	atomic.AddUint64(&m.cacheMissCount, 1)
}

// Snapshot returns aggregated counters.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return MetricsSnapshot{
		ChangeSets:    atomic.LoadUint64(&m.changeSetCount),
		SaveFailures:  atomic.LoadUint64(&m.saveFailureCount),
		Notifications: atomic.LoadUint64(&m.notificationCount),
		CacheHitRatio: ratio,
		Goroutines:    runtime.NumGoroutine(),
		GeneratedAt:   time.Now().UTC(),
	}
}
