package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/research"
)

const (
	upsertInvestigation = `
		INSERT INTO investigations (
			run_id, question, started_at, duration_ms, result_count,
			duplicates_removed, rate_limited_sources, synthesis, created_at
		) VALUES (
			:run_id, :question, :started_at, :duration_ms, :result_count,
			:duplicates_removed, :rate_limited_sources, :synthesis, :created_at
		)
		ON CONFLICT (run_id) DO UPDATE SET
			question = excluded.question,
			started_at = excluded.started_at,
			duration_ms = excluded.duration_ms,
			result_count = excluded.result_count,
			duplicates_removed = excluded.duplicates_removed,
			rate_limited_sources = excluded.rate_limited_sources,
			synthesis = excluded.synthesis`

	insertTask = `
		INSERT INTO investigation_tasks (run_id, task_id, query, status, result_count, entities)
		VALUES (:run_id, :task_id, :query, :status, :result_count, :entities)`

	insertHypothesisRun = `
		INSERT INTO hypothesis_runs (
			run_id, task_id, seq, hypothesis_id, statement, mode, results_count,
			sources_queried, sources_skipped, new_urls, novelty_ratio, delta, duration_ms
		) VALUES (
			:run_id, :task_id, :seq, :hypothesis_id, :statement, :mode, :results_count,
			:sources_queried, :sources_skipped, :new_urls, :novelty_ratio, :delta, :duration_ms
		)`

	insertCoverageDecision = `
		INSERT INTO coverage_decisions (
			run_id, task_id, seq, hypothesis_id, executed, decision, assessment, elapsed_seconds
		) VALUES (
			:run_id, :task_id, :seq, :hypothesis_id, :executed, :decision, :assessment, :elapsed_seconds
		)`
)

// RecordInvestigation stores a finished run. Re-recording the same run id
// replaces the earlier record. It implements research.Recorder.
func (c *Client) RecordInvestigation(ctx context.Context, in *research.SynthesisInput) error {
	if in == nil {
		return nil
	}
	inv, err := investigationRecord(in)
	if err != nil {
		return err
	}
	err = c.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, upsertInvestigation, inv); err != nil {
			return fmt.Errorf("upsert investigation: %w", err)
		}
		for _, table := range []string{"investigation_tasks", "hypothesis_runs", "coverage_decisions"} {
			q := tx.Rebind("DELETE FROM " + table + " WHERE run_id = ?")
			if _, err := tx.ExecContext(ctx, q, in.RunID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		for _, task := range in.Tasks {
			if err := insertTaskRows(ctx, tx, in.RunID, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Debug("Investigation recorded",
		zap.String("run_id", in.RunID),
		zap.Int("tasks", len(in.Tasks)),
		zap.Int("results", len(in.Results)))
	return nil
}

func investigationRecord(in *research.SynthesisInput) (*InvestigationRecord, error) {
	synthesis, err := encodeJSON(in)
	if err != nil {
		return nil, fmt.Errorf("encode synthesis: %w", err)
	}
	limited, err := encodeJSON(in.RateLimitedSources)
	if err != nil {
		return nil, fmt.Errorf("encode rate limited sources: %w", err)
	}
	return &InvestigationRecord{
		RunID:              in.RunID,
		Question:           in.Question,
		StartedAt:          in.StartedAt.UTC(),
		DurationMs:         in.Duration.Milliseconds(),
		ResultCount:        len(in.Results),
		DuplicatesRemoved:  in.DuplicatesRemoved,
		RateLimitedSources: limited,
		Synthesis:          synthesis,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

func insertTaskRows(ctx context.Context, tx *sqlx.Tx, runID string, task research.TaskSummary) error {
	entities, err := encodeJSON(task.Entities)
	if err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx, insertTask, TaskRecord{
		RunID:       runID,
		TaskID:      task.TaskID,
		Query:       task.Query,
		Status:      task.Status,
		ResultCount: task.ResultCount,
		Entities:    entities,
	}); err != nil {
		return fmt.Errorf("insert task %s: %w", task.TaskID, err)
	}

	for i, run := range task.HypothesisRuns {
		queried, _ := encodeJSON(run.SourcesQueried)
		skipped, _ := encodeJSON(run.SourcesSkipped)
		delta, _ := encodeJSON(run.Delta)
		if _, err := tx.NamedExecContext(ctx, insertHypothesisRun, HypothesisRunRecord{
			RunID:          runID,
			TaskID:         task.TaskID,
			Seq:            i,
			HypothesisID:   run.HypothesisID,
			Statement:      run.Statement,
			Mode:           run.Mode,
			ResultsCount:   run.ResultsCount,
			SourcesQueried: queried,
			SourcesSkipped: skipped,
			NewURLs:        run.Delta.NewURLs,
			NoveltyRatio:   run.Delta.NoveltyRatio,
			Delta:          delta,
			DurationMs:     run.Duration.Milliseconds(),
		}); err != nil {
			return fmt.Errorf("insert hypothesis run %s/%d: %w", task.TaskID, run.HypothesisID, err)
		}
	}

	for i, d := range task.CoverageDecisions {
		if _, err := tx.NamedExecContext(ctx, insertCoverageDecision, CoverageDecisionRecord{
			RunID:          runID,
			TaskID:         task.TaskID,
			Seq:            i,
			HypothesisID:   d.HypothesisID,
			Executed:       d.Executed,
			Decision:       d.Decision,
			Assessment:     d.Assessment,
			ElapsedSeconds: d.ElapsedSeconds,
		}); err != nil {
			return fmt.Errorf("insert coverage decision %s/%d: %w", task.TaskID, i, err)
		}
	}
	return nil
}

// GetInvestigation returns the stored synthesis input for a run.
func (c *Client) GetInvestigation(ctx context.Context, runID string) (*research.SynthesisInput, error) {
	var raw JSON
	err := c.cb.Execute(ctx, func() error {
		q := c.db.Rebind(`SELECT synthesis FROM investigations WHERE run_id = ?`)
		return c.db.GetContext(ctx, &raw, q, runID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get investigation %s: %w", runID, err)
	}
	var out research.SynthesisInput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode investigation %s: %w", runID, err)
	}
	return &out, nil
}

// ListInvestigations returns the most recent runs, newest first.
func (c *Client) ListInvestigations(ctx context.Context, limit int) ([]InvestigationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []InvestigationRecord
	err := c.cb.Execute(ctx, func() error {
		q := c.db.Rebind(`
			SELECT run_id, question, started_at, duration_ms, result_count,
			       duplicates_removed, rate_limited_sources, created_at
			FROM investigations ORDER BY started_at DESC LIMIT ?`)
		return c.db.SelectContext(ctx, &out, q, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("list investigations: %w", err)
	}
	return out, nil
}

// HypothesisRuns returns a run's hypothesis audit trail in execution order.
func (c *Client) HypothesisRuns(ctx context.Context, runID string) ([]HypothesisRunRecord, error) {
	var out []HypothesisRunRecord
	err := c.cb.Execute(ctx, func() error {
		q := c.db.Rebind(`
			SELECT run_id, task_id, seq, hypothesis_id, statement, mode, results_count,
			       sources_queried, sources_skipped, new_urls, novelty_ratio, delta, duration_ms
			FROM hypothesis_runs WHERE run_id = ? ORDER BY task_id, seq`)
		return c.db.SelectContext(ctx, &out, q, runID)
	})
	if err != nil {
		return nil, fmt.Errorf("hypothesis runs %s: %w", runID, err)
	}
	return out, nil
}

// CoverageDecisions returns a run's coverage decisions in the order they were made.
func (c *Client) CoverageDecisions(ctx context.Context, runID string) ([]CoverageDecisionRecord, error) {
	var out []CoverageDecisionRecord
	err := c.cb.Execute(ctx, func() error {
		q := c.db.Rebind(`
			SELECT run_id, task_id, seq, hypothesis_id, executed, decision, assessment, elapsed_seconds
			FROM coverage_decisions WHERE run_id = ? ORDER BY task_id, seq`)
		return c.db.SelectContext(ctx, &out, q, runID)
	})
	if err != nil {
		return nil, fmt.Errorf("coverage decisions %s: %w", runID, err)
	}
	return out, nil
}
