package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/dossier/internal/config"
	"github.com/Kocoro-lab/dossier/internal/dedup"
	"github.com/Kocoro-lab/dossier/internal/metrics"
	"github.com/Kocoro-lab/dossier/internal/models"
	"github.com/Kocoro-lab/dossier/internal/streaming"
)

// ErrInvalidRequest marks an investigation request rejected before any work started.
var ErrInvalidRequest = errors.New("invalid investigation request")

// SettingsProvider hands out the settings snapshot for a new run.
// *config.ConfigManager implements it.
type SettingsProvider interface {
	Current() config.Settings
}

// StaticSettings is a SettingsProvider that never changes.
type StaticSettings config.Settings

func (s StaticSettings) Current() config.Settings { return config.Settings(s) }

// GraphStore persists the final entity graph of a run.
type GraphStore interface {
	Save(ctx context.Context, runID string, snapshot map[string][]string) error
}

// Recorder persists the outcome of a run for audit.
type Recorder interface {
	RecordInvestigation(ctx context.Context, in *SynthesisInput) error
}

// Request is one investigation: a question already decomposed into tasks.
type Request struct {
	RunID    string                 `json:"run_id,omitempty"`
	Question string                 `json:"question"`
	Tasks    []*models.ResearchTask `json:"tasks"`
}

// Validate checks the request and every task and hypothesis in it.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("%w: empty question", ErrInvalidRequest)
	}
	if len(r.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(r.Tasks))
	for _, t := range r.Tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalidRequest, t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// TaskSummary is the audit view of one task after it ran.
type TaskSummary struct {
	TaskID            string                    `json:"task_id"`
	Query             string                    `json:"query"`
	Status            string                    `json:"status"`
	ResultCount       int                       `json:"result_count"`
	Entities          []string                  `json:"entities,omitempty"`
	HypothesisRuns    []models.HypothesisRun    `json:"hypothesis_runs"`
	CoverageDecisions []models.CoverageDecision `json:"coverage_decisions,omitempty"`
}

// SynthesisInput is everything report synthesis needs from a run.
type SynthesisInput struct {
	RunID              string              `json:"run_id"`
	Question           string              `json:"question"`
	Results            []models.Result     `json:"results"`
	DuplicatesRemoved  int                 `json:"duplicates_removed"`
	EntityGraph        map[string][]string `json:"entity_graph"`
	Tasks              []TaskSummary       `json:"tasks"`
	RateLimitedSources []string            `json:"rate_limited_sources,omitempty"`
	StartedAt          time.Time           `json:"started_at"`
	Duration           time.Duration       `json:"duration_ns"`
}

// Orchestrator runs investigations. It is safe for concurrent use; each
// Investigate call gets its own RunContext.
type Orchestrator struct {
	settings SettingsProvider
	deps     Dependencies
	graphs   GraphStore
	recorder Recorder
	runner   string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGraphStore persists each run's entity graph.
func WithGraphStore(s GraphStore) Option { return func(o *Orchestrator) { o.graphs = s } }

// WithRecorder persists each run's synthesis input.
func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

// WithRunner labels metrics with the execution path (inprocess, temporal, cli).
func WithRunner(name string) Option { return func(o *Orchestrator) { o.runner = name } }

func NewOrchestrator(settings SettingsProvider, deps Dependencies, opts ...Option) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	o := &Orchestrator{
		settings: settings,
		deps:     deps,
		runner:   "inprocess",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Investigate runs every task of the request concurrently, then deduplicates
// the combined pool, prunes the entity graph and assembles the synthesis
// input. Invalid requests fail before any work starts. Collaborator failures
// never fail the run; a cancelled context returns the partial input together
// with the context error.
func (o *Orchestrator) Investigate(ctx context.Context, req Request) (*SynthesisInput, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	settings := o.settings.Current()
	rc := NewRunContext(req.RunID, req.Question, settings, o.deps)
	defer rc.Breaker.Release()
	log := rc.Logger

	metrics.InvestigationsStarted.WithLabelValues(o.runner).Inc()
	log.Info("Investigation started",
		zap.String("question", req.Question),
		zap.Int("tasks", len(req.Tasks)),
		zap.Bool("saturation_mode", settings.Research.SaturationMode),
		zap.Bool("coverage_mode", settings.Research.CoverageMode))
	rc.emit(streaming.Event{
		Type:    streaming.EventInvestigationStarted,
		Message: req.Question,
		Data:    map[string]interface{}{"tasks": len(req.Tasks)},
	})

	coverage := NewCoverageController(rc)
	var g errgroup.Group
	if n := settings.Research.Run.MaxConcurrentTasks; n > 0 {
		g.SetLimit(n)
	}
	for _, task := range req.Tasks {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					task.SetStatus(models.StatusFailed)
					log.Error("Task panicked", zap.String("task_id", task.ID), zap.Any("panic", r))
				}
			}()
			if err := coverage.Run(ctx, task); err != nil {
				task.SetStatus(models.StatusFailed)
				log.Error("Task failed", zap.String("task_id", task.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	in := o.aggregate(ctx, rc, req)

	status := "completed"
	runErr := ctx.Err()
	if runErr != nil {
		status = "cancelled"
	}
	o.persist(rc, in)

	metrics.RecordInvestigation(o.runner, status, in.Duration.Seconds(), len(in.Results))
	log.Info("Investigation finished",
		zap.String("status", status),
		zap.Int("results", len(in.Results)),
		zap.Int("duplicates_removed", in.DuplicatesRemoved),
		zap.Int("entities", len(in.EntityGraph)),
		zap.Strings("rate_limited_sources", in.RateLimitedSources),
		zap.Duration("duration", in.Duration))
	rc.emit(streaming.Event{
		Type:    streaming.EventInvestigationCompleted,
		Message: status,
		Data: map[string]interface{}{
			"results":            len(in.Results),
			"duplicates_removed": in.DuplicatesRemoved,
			"entities":           len(in.EntityGraph),
		},
	})
	if r, ok := rc.Events.(streaming.Retirer); ok {
		r.Retire(rc.RunID)
	}
	if runErr != nil {
		return in, fmt.Errorf("investigation %s: %w", rc.RunID, runErr)
	}
	return in, nil
}

// aggregate builds the synthesis input: first-seen dedup across all tasks,
// entity relevance pruning and per-task summaries.
func (o *Orchestrator) aggregate(ctx context.Context, rc *RunContext, req Request) *SynthesisInput {
	var pool []models.Result
	summaries := make([]TaskSummary, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		results := t.Results()
		pool = append(pool, results...)
		summaries = append(summaries, TaskSummary{
			TaskID:            t.ID,
			Query:             t.Query,
			Status:            t.Status(),
			ResultCount:       len(results),
			Entities:          t.Entities(),
			HypothesisRuns:    t.Runs(),
			CoverageDecisions: t.CoverageDecisions(),
		})
	}
	final, removed := dedup.FirstSeen(pool)
	if removed > 0 {
		rc.Logger.Info("Removed cross-task duplicates", zap.Int("removed", removed))
	}

	o.pruneEntities(ctx, rc)

	return &SynthesisInput{
		RunID:              rc.RunID,
		Question:           rc.Question,
		Results:            final,
		DuplicatesRemoved:  removed,
		EntityGraph:        rc.Graph.Snapshot(),
		Tasks:              summaries,
		RateLimitedSources: rc.Breaker.Limited(),
		StartedAt:          rc.StartedAt,
		Duration:           rc.now().Sub(rc.StartedAt),
	}
}

// pruneEntities keeps only the entities the filter oracle judges relevant.
// A failed filter leaves the graph untouched.
func (o *Orchestrator) pruneEntities(ctx context.Context, rc *RunContext) {
	if !rc.Settings.Research.Run.EntityFilter || rc.Graph.Len() == 0 {
		return
	}
	keep, err := rc.Oracle.FilterEntities(ctx, rc.Question, rc.Graph.Entities())
	if err != nil {
		rc.Logger.Warn("Entity filter failed; keeping all entities", zap.Error(err))
		return
	}
	if removed := rc.Graph.Retain(keep); removed > 0 {
		rc.Logger.Info("Pruned irrelevant entities", zap.Int("removed", removed), zap.Int("kept", rc.Graph.Len()))
	}
}

// persist stores the graph and audit record. Storage failures are logged only.
func (o *Orchestrator) persist(rc *RunContext, in *SynthesisInput) {
	if o.graphs == nil && o.recorder == nil {
		return
	}
	// The run context may already be cancelled; persistence gets its own budget.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if o.graphs != nil && len(in.EntityGraph) > 0 {
		if err := o.graphs.Save(ctx, rc.RunID, in.EntityGraph); err != nil {
			rc.Logger.Warn("Failed to save entity graph", zap.Error(err))
		}
	}
	if o.recorder != nil {
		if err := o.recorder.RecordInvestigation(ctx, in); err != nil {
			rc.Logger.Warn("Failed to record investigation", zap.Error(err))
		}
	}
}
