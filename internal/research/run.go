// Package research runs investigations: per-source saturation loops,
// hypothesis execution, task coverage control and final aggregation.
package research

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/circuitbreaker"
	"github.com/Kocoro-lab/dossier/internal/config"
	"github.com/Kocoro-lab/dossier/internal/entitygraph"
	"github.com/Kocoro-lab/dossier/internal/oracle"
	"github.com/Kocoro-lab/dossier/internal/sources"
	"github.com/Kocoro-lab/dossier/internal/streaming"
)

const defaultResultsPerQuery = 10

// SourceRegistry resolves and queries data sources. *sources.Registry implements it.
type SourceRegistry interface {
	Resolve(ctx context.Context, ids []string, question string) ([]sources.Resolved, []sources.Skipped)
	Search(ctx context.Context, src sources.Resolved, queryText string, limit int) (*sources.SearchResponse, error)
}

// Dependencies are the collaborators shared by every run of an orchestrator.
type Dependencies struct {
	Sources SourceRegistry
	Oracle  oracle.Oracle
	Events  streaming.Publisher
	Logger  *zap.Logger
	// Clock defaults to time.Now. Ceilings are measured with it.
	Clock func() time.Time
}

// RunContext is the state shared by every component of one investigation
// run. It is created at run start and discarded at run end; nothing in it
// outlives the run.
type RunContext struct {
	RunID     string
	Question  string
	Settings  config.Settings
	Graph     *entitygraph.Graph
	Breaker   *circuitbreaker.RateLimitBreaker
	Sources   SourceRegistry
	Oracle    oracle.Oracle
	Events    streaming.Publisher
	Logger    *zap.Logger
	StartedAt time.Time

	clock func() time.Time
}

// NewRunContext builds a fresh run: empty entity graph, empty rate-limit set,
// and the settings snapshot the run keeps for its whole lifetime.
func NewRunContext(runID, question string, settings config.Settings, deps Dependencies) *RunContext {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = streaming.Discard
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger = logger.With(zap.String("run_id", runID))

	return &RunContext{
		RunID:     runID,
		Question:  question,
		Settings:  settings,
		Graph:     entitygraph.New(runID, events, logger),
		Breaker:   circuitbreaker.NewRateLimitBreaker(settings.Classifier(), logger),
		Sources:   deps.Sources,
		Oracle:    deps.Oracle,
		Events:    events,
		Logger:    logger,
		StartedAt: clock(),
		clock:     clock,
	}
}

func (rc *RunContext) now() time.Time { return rc.clock() }

func (rc *RunContext) resultsPerQuery() int {
	if n := rc.Settings.Research.Saturation.ResultsPerQuery; n > 0 {
		return n
	}
	return defaultResultsPerQuery
}

func (rc *RunContext) emit(evt streaming.Event) {
	evt.RunID = rc.RunID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = rc.now()
	}
	rc.Events.Publish(rc.RunID, evt)
}
