package research

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/dedup"
	"github.com/Kocoro-lab/dossier/internal/metrics"
	"github.com/Kocoro-lab/dossier/internal/models"
	"github.com/Kocoro-lab/dossier/internal/oracle"
	"github.com/Kocoro-lab/dossier/internal/sources"
	"github.com/Kocoro-lab/dossier/internal/streaming"
)

// ErrHypothesisPanicked wraps a panic recovered while executing a hypothesis.
var ErrHypothesisPanicked = errors.New("hypothesis execution panicked")

const skipRateLimited = "rate_limited"

// HypothesisExecutor runs one hypothesis across all of its sources.
type HypothesisExecutor struct {
	rc         *RunContext
	saturation *SaturationController
}

func NewHypothesisExecutor(rc *RunContext) *HypothesisExecutor {
	return &HypothesisExecutor{rc: rc, saturation: NewSaturationController(rc)}
}

// Execute collects, filters and tags the hypothesis's results and appends a
// run summary to task. Source and oracle failures degrade to fewer results.
// An error is returned only for an invalid hypothesis or a recovered panic.
func (e *HypothesisExecutor) Execute(ctx context.Context, task *models.ResearchTask, h *models.Hypothesis) (results []models.Result, err error) {
	if verr := h.Validate(); verr != nil {
		return nil, verr
	}
	rc := e.rc
	log := rc.Logger.With(zap.String("task_id", task.ID), zap.Int("hypothesis_id", h.ID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Hypothesis execution panicked", zap.Any("panic", r))
			metrics.HypothesesExecuted.WithLabelValues(e.mode(), "panicked").Inc()
			results, err = nil, fmt.Errorf("%w: hypothesis %d: %v", ErrHypothesisPanicked, h.ID, r)
		}
	}()

	started := rc.now()
	rc.emit(streaming.Event{
		Type:         streaming.EventHypothesisStarted,
		TaskID:       task.ID,
		HypothesisID: h.ID,
		Message:      h.Statement,
	})

	resolved, skipped := rc.Sources.Resolve(ctx, h.SearchStrategy.Sources, rc.Question)
	var skippedNames []string
	for _, s := range skipped {
		skippedNames = append(skippedNames, fmt.Sprintf("%s (%s)", s.Raw, s.Reason))
	}

	var collected []models.Result
	var queried []string
	if len(resolved) == 0 {
		log.Info("No sources resolved for hypothesis", zap.Strings("skipped", skippedNames))
	} else if rc.Settings.Research.SaturationMode {
		collected, queried, skippedNames = e.runSaturation(ctx, h, resolved, skippedNames, log)
	} else {
		collected, queried, skippedNames = e.runSingleShot(ctx, task, h, resolved, skippedNames, log)
	}

	tagged := dedup.TagHypothesis(collected, h.ID)
	entities := e.extractEntities(ctx, task, tagged, log)
	delta := dedup.ComputeDelta(tagged, task.Results())
	elapsed := rc.now().Sub(started)

	task.AppendRun(models.HypothesisRun{
		HypothesisID:   h.ID,
		Statement:      h.Statement,
		ResultsCount:   len(tagged),
		SourcesQueried: queried,
		SourcesSkipped: skippedNames,
		Mode:           e.mode(),
		Delta:          delta,
		Duration:       elapsed,
		Entities:       entities,
	})
	metrics.RecordHypothesis(e.mode(), "completed", elapsed.Seconds(), delta.NoveltyRatio)

	log.Info("Hypothesis executed",
		zap.Int("results", len(tagged)),
		zap.Int("new_urls", delta.NewURLs),
		zap.Float64("novelty", delta.NoveltyRatio),
		zap.Duration("duration", elapsed))
	rc.emit(streaming.Event{
		Type:         streaming.EventHypothesisCompleted,
		TaskID:       task.ID,
		HypothesisID: h.ID,
		Data: map[string]interface{}{
			"results":         len(tagged),
			"sources_queried": queried,
			"new_urls":        delta.NewURLs,
			"novelty_ratio":   delta.NoveltyRatio,
		},
	})
	return tagged, nil
}

func (e *HypothesisExecutor) mode() string {
	if e.rc.Settings.Research.SaturationMode {
		return models.ModeSaturation
	}
	return models.ModeSingleShot
}

// runSaturation saturates each source in turn. Sources are never queried
// concurrently for the same hypothesis.
func (e *HypothesisExecutor) runSaturation(ctx context.Context, h *models.Hypothesis, resolved []sources.Resolved, skipped []string, log *zap.Logger) ([]models.Result, []string, []string) {
	var collected []models.Result
	var queried []string
	for _, src := range resolved {
		if ctx.Err() != nil {
			break
		}
		if e.rc.Breaker.ShouldSkip(src.DisplayName) {
			skipped = append(skipped, fmt.Sprintf("%s (%s)", src.DisplayName, skipRateLimited))
			metrics.SourcesSkipped.WithLabelValues(string(src.ID), skipRateLimited).Inc()
			continue
		}
		res := e.saturateSource(ctx, h, src, log)
		if res == nil {
			continue
		}
		queried = append(queried, src.DisplayName)
		collected = append(collected, res.Results...)
	}
	return collected, queried, skipped
}

// saturateSource isolates one source: a panic inside it loses only that
// source's results.
func (e *HypothesisExecutor) saturateSource(ctx context.Context, h *models.Hypothesis, src sources.Resolved, log *zap.Logger) (res *SaturationResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Source saturation panicked; skipping source",
				zap.String("source", src.DisplayName),
				zap.Any("panic", r))
			res = nil
		}
	}()
	return e.saturation.Saturate(ctx, h, src)
}

// runSingleShot issues exactly one oracle-generated query per source and
// filters the combined pool once. A rejected pool discards everything.
func (e *HypothesisExecutor) runSingleShot(ctx context.Context, task *models.ResearchTask, h *models.Hypothesis, resolved []sources.Resolved, skipped []string, log *zap.Logger) ([]models.Result, []string, []string) {
	rc := e.rc
	var pool []models.Result
	var queried []string

	for _, src := range resolved {
		if ctx.Err() != nil {
			break
		}
		if rc.Breaker.ShouldSkip(src.DisplayName) {
			skipped = append(skipped, fmt.Sprintf("%s (%s)", src.DisplayName, skipRateLimited))
			metrics.SourcesSkipped.WithLabelValues(string(src.ID), skipRateLimited).Inc()
			continue
		}
		results, ok := e.singleQuery(ctx, task, h, src, log)
		if !ok {
			continue
		}
		queried = append(queried, src.DisplayName)
		pool = append(pool, results...)
	}
	if len(pool) == 0 {
		return nil, queried, skipped
	}

	verdict, err := rc.Oracle.Filter(ctx, h.Statement, rc.Question, pool)
	if err == nil && verdict == nil {
		err = oracle.ErrEmptyAnswer
	}
	if err != nil {
		log.Warn("Relevance filter failed; discarding hypothesis results", zap.Error(err))
		return nil, queried, skipped
	}
	kept := verdict.Keep(pool)
	if !verdict.ShouldAccept {
		log.Info("Relevance filter rejected hypothesis results", zap.String("reason", verdict.Reason))
	}
	metrics.RecordResults(models.ModeSingleShot, len(kept), len(pool)-len(kept), 0)
	return kept, queried, skipped
}

func (e *HypothesisExecutor) singleQuery(ctx context.Context, task *models.ResearchTask, h *models.Hypothesis, src sources.Resolved, log *zap.Logger) (results []models.Result, ok bool) {
	rc := e.rc
	defer func() {
		if r := recover(); r != nil {
			log.Error("Single-shot query panicked; skipping source",
				zap.String("source", src.DisplayName),
				zap.Any("panic", r))
			results, ok = nil, false
		}
	}()

	query, err := rc.Oracle.GenerateQuery(ctx, oracle.QueryContext{
		Question:   rc.Question,
		TaskQuery:  task.Query,
		Hypothesis: *h,
		Source:     src.DisplayName,
	})
	if err != nil {
		log.Warn("Query generation failed; skipping source", zap.String("source", src.DisplayName), zap.Error(err))
		return nil, false
	}
	if strings.TrimSpace(query) == "" {
		log.Info("Oracle suggested no query; skipping source", zap.String("source", src.DisplayName))
		return nil, false
	}

	resp, err := rc.Sources.Search(ctx, src, query, rc.resultsPerQuery())
	if err != nil {
		log.Warn("Source query failed", zap.String("source", src.DisplayName), zap.Error(err))
		recordRateLimit(rc, h.ID, src.DisplayName, err)
		return nil, true
	}
	rc.emit(streaming.Event{
		Type:         streaming.EventQueryExecuted,
		TaskID:       task.ID,
		HypothesisID: h.ID,
		Source:       src.DisplayName,
		Message:      query,
		Data:         map[string]interface{}{"query_number": 1, "total": len(resp.Results)},
	})
	return resp.Results, true
}

// extractEntities feeds the hypothesis's results to the extraction oracle
// and records the entities in the run graph and on the task. Failures yield
// no entities.
func (e *HypothesisExecutor) extractEntities(ctx context.Context, task *models.ResearchTask, results []models.Result, log *zap.Logger) []string {
	rc := e.rc
	if !rc.Settings.Research.Run.EntityExtraction || len(results) == 0 {
		return nil
	}
	entities, err := rc.Oracle.Extract(ctx, results, rc.Question, task.Query)
	if err != nil {
		log.Warn("Entity extraction failed", zap.Error(err))
		return nil
	}
	if limit := rc.Settings.Research.Run.MaxEntitiesPerCall; limit > 0 && len(entities) > limit {
		entities = entities[:limit]
	}
	if added := rc.Graph.Update(entities); added > 0 {
		metrics.EntityRelationships.Add(float64(added))
	}
	task.AddEntities(entities...)
	return entities
}
