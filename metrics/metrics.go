// Package metrics records benchmark timings and verdicts in a private
// Prometheus registry that can be written out in the node-exporter textfile
// format.
package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fieldbench"

// Phase names used as the "phase" label.
const (
	PhaseSingle   = "cpu_single"
	PhaseParallel = "cpu_parallel"
	PhaseGPU      = "gpu"
)

// Recorder is the set of collectors for one process.
type Recorder struct {
	registry *prometheus.Registry

	Duration *prometheus.GaugeVec
	Verdict  *prometheus.GaugeVec
	Points   prometheus.Gauge
	Iters    prometheus.Gauge
	Runs     *prometheus.CounterVec
}

// New registers the benchmark collectors on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		Duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time of the last run of each benchmark phase.",
		}, []string{"phase", "backend"}),
		Verdict: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "results_equal",
			Help:      "1 when the compared result vectors were equal in the last run.",
		}, []string{"check"}),
		Points: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "points",
			Help:      "Vector length of the last run.",
		}),
		Iters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "iterations",
			Help:      "Iteration count of the last run.",
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Benchmark runs by final state.",
		}, []string{"state"}),
	}
	r.registry.MustRegister(r.Duration, r.Verdict, r.Points, r.Iters, r.Runs)
	return r
}

// Registry exposes the underlying registry for scraping or tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObservePhase records the duration of one phase.
func (r *Recorder) ObservePhase(phase, backend string, d time.Duration) {
	r.Duration.WithLabelValues(phase, backend).Set(d.Seconds())
}

// ObserveVerdict records a comparison outcome ("cpu" or "gpu").
func (r *Recorder) ObserveVerdict(check string, equal bool) {
	v := 0.0
	if equal {
		v = 1
	}
	r.Verdict.WithLabelValues(check).Set(v)
}

// ObserveWorkload records the clamped run size.
func (r *Recorder) ObserveWorkload(points, iters int) {
	r.Points.Set(float64(points))
	r.Iters.Set(float64(iters))
}

// ObserveRun counts a finished run by its terminal state.
func (r *Recorder) ObserveRun(state string) {
	r.Runs.WithLabelValues(state).Inc()
}

// WriteTextfile writes every collected metric to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return errors.Wrapf(prometheus.WriteToTextfile(path, r.registry), "write metrics to %s", path)
}
