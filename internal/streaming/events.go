package streaming

// Event types emitted during an investigation
const (
	EventInvestigationStarted   = "investigation_started"
	EventInvestigationCompleted = "investigation_completed"
	EventTaskStarted            = "task_started"
	EventTaskCompleted          = "task_completed"
	EventHypothesisStarted      = "hypothesis_started"
	EventHypothesisCompleted    = "hypothesis_completed"
	EventQueryExecuted          = "query_executed"
	EventSourceSaturated        = "source_saturated"
	EventSourceRateLimited      = "source_rate_limited"
	EventCoverageDecision       = "coverage_decision"
	EventRelationshipDiscovered = "relationship_discovered"
)

// Terminal reports whether no further events follow for the run.
func Terminal(eventType string) bool {
	return eventType == EventInvestigationCompleted
}
