// Package metrics provides the render-phase Prometheus metrics the core
// engine emits: this Recorder instruments the five render phases
// themselves (schedule, growable expansion, materialize, prune, emit) plus
// the pruner's removal/cache-checkpoint bookkeeping (§4.7, §8 scenario 10).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "promptkit_render"

// Recorder wraps the render engine's Prometheus collectors. A nil
// *Recorder is valid and every method on it is a no-op, so Options.Metrics
// can be left unset without a caller having to special-case it.
type Recorder struct {
	phaseDuration      *prometheus.HistogramVec
	nodesPruned        *prometheus.CounterVec
	checkpointsSaved   prometheus.Counter
	rendersActive      prometheus.Gauge
	budgetExceededFail prometheus.Counter
}

// NewRecorder builds a Recorder and registers its collectors against reg.
// Pass prometheus.DefaultRegisterer for the global registry, or a fresh
// *prometheus.Registry in tests to avoid duplicate-registration panics.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of each render phase in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		nodesPruned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_pruned_total",
				Help:      "Total number of materialized nodes removed by the pruner",
			},
			[]string{"scope"},
		),
		checkpointsSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_checkpoints_saved_total",
				Help:      "Total number of cache checkpoints that pinned content from removal",
			},
		),
		rendersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "renders_active",
				Help:      "Number of renders currently in flight",
			},
		),
		budgetExceededFail: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_unfittable_total",
				Help:      "Total number of renders that failed because no further content could be pruned",
			},
		),
	}

	collectors := []prometheus.Collector{
		r.phaseDuration, r.nodesPruned, r.checkpointsSaved, r.rendersActive, r.budgetExceededFail,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ObservePhase records how long a render phase took.
func (r *Recorder) ObservePhase(phase string, d time.Duration) {
	if r == nil {
		return
	}
	r.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordNodesPruned increments scope's removed-node counter by n.
func (r *Recorder) RecordNodesPruned(scope string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.nodesPruned.WithLabelValues(scope).Add(float64(n))
}

// RecordCacheCheckpointSaved increments the cache-checkpoint save counter.
func (r *Recorder) RecordCacheCheckpointSaved() {
	if r == nil {
		return
	}
	r.checkpointsSaved.Inc()
}

// RecordBudgetUnfittable increments the unfittable-render counter.
func (r *Recorder) RecordBudgetUnfittable() {
	if r == nil {
		return
	}
	r.budgetExceededFail.Inc()
}

// RenderStarted increments the in-flight render gauge and returns a func
// that decrements it; callers defer the result.
func (r *Recorder) RenderStarted() func() {
	if r == nil {
		return func() {}
	}
	r.rendersActive.Inc()
	return r.rendersActive.Dec
}
