// Package observability exposes Prometheus metrics for the pipeline and the
// daemon API.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiln",
			Subsystem: "pipeline",
			Name:      "jobs_total",
			Help:      "Jobs finished, by outcome (completed, failed) and error kind",
		},
		[]string{"outcome", "error_kind"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kiln",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of each pipeline stage",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"stage", "outcome"},
	)

	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kiln",
			Subsystem: "pipeline",
			Name:      "active_jobs",
			Help:      "Jobs currently owned by a worker",
		},
	)

	displaySessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kiln",
			Subsystem: "display",
			Name:      "sessions_active",
			Help:      "Virtual display sessions currently held",
		},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kiln",
			Name:      "build_info",
			Help:      "Constant gauge labelled with the running version",
		},
		[]string{"version"},
	)

	presetCacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiln",
			Subsystem: "presetcache",
			Name:      "operations_total",
			Help:      "Preset cache operations (hit, miss, eviction)",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, stageDuration, activeJobs, displaySessions, presetCacheOps, buildInfo)
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo records the running version on the build_info gauge.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

// JobFinished counts one terminal job. errorKind is empty for completed jobs.
func JobFinished(outcome, errorKind string) {
	jobsTotal.WithLabelValues(outcome, errorKind).Inc()
}

// ObserveStage records a stage's wall-clock duration.
func ObserveStage(stage, outcome string, seconds float64) {
	stageDuration.WithLabelValues(stage, outcome).Observe(seconds)
}

// ActiveJobs adjusts the active-job gauge.
func ActiveJobs(delta int) {
	activeJobs.Add(float64(delta))
}

// Sink adapts the package metrics to the small interfaces the presetcache
// and display packages accept, keeping those packages free of a prometheus
// dependency.
type Sink struct{}

func (Sink) PresetCacheHit()      { presetCacheOps.WithLabelValues("hit").Inc() }
func (Sink) PresetCacheMiss()     { presetCacheOps.WithLabelValues("miss").Inc() }
func (Sink) PresetCacheEviction() { presetCacheOps.WithLabelValues("eviction").Inc() }

func (Sink) DisplaySessionsActive(delta int) { displaySessions.Add(float64(delta)) }
