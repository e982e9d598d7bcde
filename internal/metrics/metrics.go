package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Investigation metrics
	InvestigationsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_investigations_started_total",
			Help: "Total number of investigations started",
		},
		[]string{"runner"},
	)

	InvestigationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_investigations_completed_total",
			Help: "Total number of investigations completed",
		},
		[]string{"runner", "status"},
	)

	InvestigationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dossier_investigation_duration_seconds",
			Help:    "Investigation wall-clock duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"runner"},
	)

	InvestigationResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dossier_investigation_results",
			Help:    "Unique results per investigation after global dedup",
			Buckets: []float64{0, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// Task and hypothesis metrics
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_tasks_completed_total",
			Help: "Research tasks completed",
		},
		[]string{"mode", "status"},
	)

	HypothesesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_hypotheses_executed_total",
			Help: "Hypotheses executed",
		},
		[]string{"mode", "status"},
	)

	HypothesisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dossier_hypothesis_duration_seconds",
			Help:    "Hypothesis execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"mode"},
	)

	HypothesisNovelty = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dossier_hypothesis_novelty_ratio",
			Help:    "Share of a hypothesis's URLs that were new to its task",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	CoverageDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_coverage_decisions_total",
			Help: "Coverage controller decisions by outcome",
		},
		[]string{"decision"},
	)

	// Saturation metrics
	SaturationQueries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dossier_saturation_queries",
			Help:    "Queries issued per (hypothesis, source) saturation run",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15, 20},
		},
		[]string{"source"},
	)

	SaturationStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_saturation_stops_total",
			Help: "Saturation loop terminations by reason",
		},
		[]string{"source", "reason"},
	)

	ResultsFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_results_total",
			Help: "Source results by outcome after relevance filter and dedup",
		},
		[]string{"source", "outcome"},
	)

	// Source metrics
	SourceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_source_requests_total",
			Help: "Requests sent to data sources",
		},
		[]string{"source", "status"},
	)

	SourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dossier_source_request_duration_seconds",
			Help:    "Data source request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	SourcesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_sources_skipped_total",
			Help: "Sources dropped during resolution",
		},
		[]string{"source", "reason"},
	)

	// Oracle metrics
	OracleCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_oracle_calls_total",
			Help: "Calls to the reasoning service",
		},
		[]string{"operation", "status"},
	)

	OracleLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dossier_oracle_duration_seconds",
			Help:    "Reasoning service call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"operation"},
	)

	OracleTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_oracle_tokens_total",
			Help: "Tokens reported by the reasoning service",
		},
		[]string{"operation"},
	)

	// Entity graph metrics
	EntityRelationships = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_entity_relationships_total",
			Help: "Entity co-occurrence edges discovered",
		},
	)

	// API metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_http_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dossier_stream_subscribers",
			Help: "Live SSE and WebSocket subscribers",
		},
	)
)

// RecordSourceRequest records one data source call.
func RecordSourceRequest(source, status string, durationSeconds float64) {
	SourceRequests.WithLabelValues(source, status).Inc()
	SourceLatency.WithLabelValues(source).Observe(durationSeconds)
}

// RecordOracleCall records one reasoning service call.
func RecordOracleCall(operation, status string, durationSeconds float64, tokens int) {
	OracleCalls.WithLabelValues(operation, status).Inc()
	OracleLatency.WithLabelValues(operation).Observe(durationSeconds)
	if tokens > 0 {
		OracleTokens.WithLabelValues(operation).Add(float64(tokens))
	}
}

// RecordSaturation records how one saturation loop ended.
func RecordSaturation(source, reason string, queries int) {
	SaturationQueries.WithLabelValues(source).Observe(float64(queries))
	SaturationStops.WithLabelValues(source, reason).Inc()
}

// RecordResults records per-query result outcomes.
func RecordResults(source string, accepted, rejected, duplicate int) {
	if accepted > 0 {
		ResultsFiltered.WithLabelValues(source, "accepted").Add(float64(accepted))
	}
	if rejected > 0 {
		ResultsFiltered.WithLabelValues(source, "rejected").Add(float64(rejected))
	}
	if duplicate > 0 {
		ResultsFiltered.WithLabelValues(source, "duplicate").Add(float64(duplicate))
	}
}

// RecordHypothesis records one hypothesis execution.
func RecordHypothesis(mode, status string, durationSeconds, novelty float64) {
	HypothesesExecuted.WithLabelValues(mode, status).Inc()
	HypothesisDuration.WithLabelValues(mode).Observe(durationSeconds)
	if status == "completed" {
		HypothesisNovelty.Observe(novelty)
	}
}

// RecordInvestigation records one finished investigation.
func RecordInvestigation(runner, status string, durationSeconds float64, results int) {
	InvestigationsCompleted.WithLabelValues(runner, status).Inc()
	InvestigationDuration.WithLabelValues(runner).Observe(durationSeconds)
	if status == "completed" {
		InvestigationResults.Observe(float64(results))
	}
}
