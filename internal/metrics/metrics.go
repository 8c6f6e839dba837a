package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the generation store method being instrumented.
type CacheOperation string

const (
	// CacheOperationMatch records store lookups.
	CacheOperationMatch CacheOperation = "match"
	// CacheOperationPut records store writes.
	CacheOperationPut CacheOperation = "put"
)

// CacheResult captures the result of a cache operation.
type CacheResult string

const (
	CacheResultHit    CacheResult = "hit"
	CacheResultMiss   CacheResult = "miss"
	CacheResultStored CacheResult = "stored"
	// CacheResultSkipped marks a write the router declined (non-2xx or no-store).
	CacheResultSkipped CacheResult = "skipped"
	CacheResultError   CacheResult = "error"
)

// LifecyclePhase names an install or activate run.
type LifecyclePhase string

const (
	LifecycleInstall  LifecyclePhase = "install"
	LifecycleActivate LifecyclePhase = "activate"
)

// Recorder publishes Prometheus metrics for worker activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	lifecycleEvents     *prometheus.CounterVec
	generationDeletions *prometheus.CounterVec
	currentGeneration   *prometheus.GaugeVec

	pushNotifications  *prometheus.CounterVec
	notificationClicks *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusworker",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Intercepted requests by caching strategy and response source.",
	}, []string{"strategy", "source"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "campusworker",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Time until the intercepted request was answered.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"strategy", "source"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusworker",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Generation store operations executed by the router and lifecycle manager.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "campusworker",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for generation store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	lifecycleEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusworker",
		Subsystem: "lifecycle",
		Name:      "events_total",
		Help:      "Install and activate runs by result.",
	}, []string{"phase", "result"})

	generationDeletions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusworker",
		Subsystem: "lifecycle",
		Name:      "stale_generation_deletions_total",
		Help:      "Stale generation stores removed during activation.",
	}, []string{"result"})

	currentGeneration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "campusworker",
		Subsystem: "lifecycle",
		Name:      "current_generation",
		Help:      "Set to 1 for the generation currently serving traffic.",
	}, []string{"generation"})

	pushNotifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusworker",
		Subsystem: "push",
		Name:      "notifications_total",
		Help:      "Push messages turned into notifications, by decode outcome.",
	}, []string{"outcome"})

	notificationClicks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusworker",
		Subsystem: "push",
		Name:      "notification_clicks_total",
		Help:      "Notification clicks routed to a window, by result.",
	}, []string{"result"})

	reg.MustRegister(
		fetchRequests, fetchLatency,
		cacheOperations, cacheLatency,
		lifecycleEvents, generationDeletions, currentGeneration,
		pushNotifications, notificationClicks,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:            reg,
		handler:             handler,
		fetchRequests:       fetchRequests,
		fetchLatency:        fetchLatency,
		cacheOperations:     cacheOperations,
		cacheLatency:        cacheLatency,
		lifecycleEvents:     lifecycleEvents,
		generationDeletions: generationDeletions,
		currentGeneration:   currentGeneration,
		pushNotifications:   pushNotifications,
		notificationClicks:  notificationClicks,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records how an intercepted request was answered.
func (r *Recorder) ObserveFetch(strategy, source string, duration time.Duration) {
	if r == nil {
		return
	}
	strategyLabel := normalizeLabel(strategy)
	sourceLabel := normalizeLabel(source)
	r.fetchRequests.WithLabelValues(strategyLabel, sourceLabel).Inc()
	r.fetchLatency.WithLabelValues(strategyLabel, sourceLabel).Observe(duration.Seconds())
}

// ObserveCache records a generation store operation.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheResult, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationMatch)
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(CacheResultError)
	}
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveLifecycle records the result of an install or activate run.
func (r *Recorder) ObserveLifecycle(phase LifecyclePhase, ok bool) {
	if r == nil {
		return
	}
	r.lifecycleEvents.WithLabelValues(normalizeLabel(string(phase)), resultLabel(ok)).Inc()
}

// ObserveGenerationDeletion records one stale generation delete attempt.
func (r *Recorder) ObserveGenerationDeletion(ok bool) {
	if r == nil {
		return
	}
	r.generationDeletions.WithLabelValues(resultLabel(ok)).Inc()
}

// SetCurrentGeneration flips the current-generation gauge to name.
func (r *Recorder) SetCurrentGeneration(name string) {
	if r == nil {
		return
	}
	r.currentGeneration.Reset()
	r.currentGeneration.WithLabelValues(normalizeLabel(name)).Set(1)
}

// ObservePush records a push message and the way its payload was decoded.
func (r *Recorder) ObservePush(outcome string) {
	if r == nil {
		return
	}
	r.pushNotifications.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveClick records a notification click.
func (r *Recorder) ObserveClick(ok bool) {
	if r == nil {
		return
	}
	r.notificationClicks.WithLabelValues(resultLabel(ok)).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
