package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes the engine's production metrics: per-run
// super-step latency, inbox depth, fan-in wait time, checkpoint write
// time, retries, and backpressure events.
//
// Metrics exposed, namespaced "agentmesh_workflow_":
//   - super_step_latency_ms (histogram, labels run_id, status)
//   - inbox_depth (gauge, labels executor_id)
//   - fanin_cohort_wait_ms (histogram, labels edge_group_id)
//   - checkpoint_write_ms (histogram, labels store)
//   - retries_total (counter, labels executor_id, reason)
//   - backpressure_events_total (counter, labels executor_id)
type PrometheusMetrics struct {
	superStepLatency  *prometheus.HistogramVec
	inboxDepth        *prometheus.GaugeVec
	fanInCohortWait   *prometheus.HistogramVec
	checkpointWrite   *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	backpressure      *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers the engine's metric family on registry.
// Pass prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		superStepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentmesh",
			Subsystem: "workflow",
			Name:      "super_step_latency_ms",
			Help:      "Wall-clock duration of one super-step, from inbox drain to commit.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"run_id", "status"}),
		inboxDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentmesh",
			Subsystem: "workflow",
			Name:      "inbox_depth",
			Help:      "Pending envelopes waiting for an executor at the start of the current super-step.",
		}, []string{"executor_id"}),
		fanInCohortWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentmesh",
			Subsystem: "workflow",
			Name:      "fanin_cohort_wait_ms",
			Help:      "Time a fan-in cohort spent buffering partial arrivals before joining or timing out.",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000, 30000},
		}, []string{"edge_group_id"}),
		checkpointWrite: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentmesh",
			Subsystem: "workflow",
			Name:      "checkpoint_write_ms",
			Help:      "Duration of CheckpointStore.CreateCheckpoint calls.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"store"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentmesh",
			Subsystem: "workflow",
			Name:      "retries_total",
			Help:      "Handler retry attempts.",
		}, []string{"executor_id", "reason"}),
		backpressure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentmesh",
			Subsystem: "workflow",
			Name:      "backpressure_events_total",
			Help:      "Times an executor's inbox stayed saturated long enough to trigger backpressure.",
		}, []string{"executor_id"}),
	}
}

func (pm *PrometheusMetrics) RecordSuperStepLatency(runID string, latency time.Duration, status string) {
	if !pm.isEnabled() {
		return
	}
	pm.superStepLatency.WithLabelValues(runID, status).Observe(float64(latency.Milliseconds()))
}

func (pm *PrometheusMetrics) SetInboxDepth(executorID string, depth int) {
	if !pm.isEnabled() {
		return
	}
	pm.inboxDepth.WithLabelValues(executorID).Set(float64(depth))
}

func (pm *PrometheusMetrics) RecordFanInCohortWait(edgeGroupID string, wait time.Duration) {
	if !pm.isEnabled() {
		return
	}
	pm.fanInCohortWait.WithLabelValues(edgeGroupID).Observe(float64(wait.Milliseconds()))
}

func (pm *PrometheusMetrics) RecordCheckpointWrite(store string, d time.Duration) {
	if !pm.isEnabled() {
		return
	}
	pm.checkpointWrite.WithLabelValues(store).Observe(float64(d.Milliseconds()))
}

func (pm *PrometheusMetrics) IncrementRetries(executorID, reason string) {
	if !pm.isEnabled() {
		return
	}
	pm.retries.WithLabelValues(executorID, reason).Inc()
}

func (pm *PrometheusMetrics) IncrementBackpressure(executorID string) {
	if !pm.isEnabled() {
		return
	}
	pm.backpressure.WithLabelValues(executorID).Inc()
}

func (pm *PrometheusMetrics) isEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
