package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_policy_evaluations_total",
			Help: "Source access policy evaluations by decision",
		},
		[]string{"decision", "mode", "source"},
	)

	evaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dossier_policy_evaluation_duration_seconds",
			Help:    "Policy evaluation latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"mode"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_policy_errors_total",
			Help: "Policy load and evaluation errors",
		},
		[]string{"type"},
	)

	dryRunDivergence = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_policy_dry_run_divergence_total",
			Help: "Dry-run evaluations that would have denied a source",
		},
	)

	filesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dossier_policy_files_loaded",
			Help: "Number of .rego files currently compiled",
		},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_policy_cache_lookups_total",
			Help: "Decision cache lookups by result",
		},
		[]string{"result"},
	)
)

func recordEvaluation(decision, mode, source string, seconds float64) {
	evaluationsTotal.WithLabelValues(decision, mode, source).Inc()
	evaluationDuration.WithLabelValues(mode).Observe(seconds)
}

func recordError(kind string) { errorsTotal.WithLabelValues(kind).Inc() }
