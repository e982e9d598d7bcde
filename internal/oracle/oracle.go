// Package oracle defines the reasoning collaborators the research engine
// consults and provides an implementation backed by the LLM service.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/Kocoro-lab/dossier/internal/models"
)

var (
	// ErrMalformedOutput means the service answered but the answer could not
	// be parsed into the expected structure.
	ErrMalformedOutput = errors.New("malformed oracle output")
	// ErrServiceUnavailable means the service could not be reached or kept failing.
	ErrServiceUnavailable = errors.New("reasoning service unavailable")
	// ErrEmptyAnswer means an oracle returned neither an answer nor an error.
	ErrEmptyAnswer = errors.New("empty oracle answer")
)

// Saturation decisions
const (
	DecisionContinue  = "continue"
	DecisionSaturated = "saturated"
)

// Coverage decisions
const (
	CoverageContinue = "continue"
	CoverageStop     = "stop"
)

// SaturationContext is what the decision oracle sees before query N>1.
type SaturationContext struct {
	Question      string
	Hypothesis    models.Hypothesis
	Source        string
	History       []models.QueryHistoryEntry
	AcceptedCount int
}

// Decision is the oracle's answer inside the saturation loop.
type Decision struct {
	Decision      string   `json:"decision"`
	Reasoning     string   `json:"reasoning"`
	NextQuery     string   `json:"next_query,omitempty"`
	RemainingGaps []string `json:"remaining_gaps"` // nil: not reported; empty: none left
	Confidence    float64  `json:"confidence,omitempty"`
}

// Saturated reports whether the oracle judged the source exhausted.
func (d *Decision) Saturated() bool { return d.Decision == DecisionSaturated }

// QueryContext is the input for single-shot query generation.
type QueryContext struct {
	Question   string
	TaskQuery  string
	Hypothesis models.Hypothesis
	Source     string
}

// DecisionOracle drives query selection.
type DecisionOracle interface {
	DecideNextQuery(ctx context.Context, in SaturationContext) (*Decision, error)
	GenerateQuery(ctx context.Context, in QueryContext) (string, error)
}

// CoverageAssessment is the coverage oracle's verdict.
type CoverageAssessment struct {
	Decision   string `json:"decision"`
	Assessment string `json:"assessment"`
}

// Stop reports whether the assessment asks to end the task.
func (a *CoverageAssessment) Stop() bool { return a.Decision == CoverageStop }

// CoverageOracle judges whether a task has run enough hypotheses.
type CoverageOracle interface {
	Assess(ctx context.Context, task *models.ResearchTask, question string, startedAt time.Time) (*CoverageAssessment, error)
}

// RelevanceVerdict is the relevance filter's answer for one batch.
type RelevanceVerdict struct {
	ShouldAccept       bool   `json:"should_accept"`
	Reason             string `json:"reason"`
	RelevantIndices    []int  `json:"relevant_indices"`
	ShouldContinue     bool   `json:"should_continue"`
	ContinuationReason string `json:"continuation_reason,omitempty"`
}

// Keep returns the results the verdict accepts, in the order RelevantIndices
// lists them. Out-of-range and repeated indices are ignored. A rejected batch keeps nothing.
func (v *RelevanceVerdict) Keep(results []models.Result) []models.Result {
	if v == nil || !v.ShouldAccept {
		return nil
	}
	seen := make(map[int]struct{}, len(v.RelevantIndices))
	out := make([]models.Result, 0, len(v.RelevantIndices))
	for _, i := range v.RelevantIndices {
		if i < 0 || i >= len(results) {
			continue
		}
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, results[i])
	}
	return out
}

// RelevanceFilter judges which results in a batch are on topic.
type RelevanceFilter interface {
	Filter(ctx context.Context, taskContext, question string, results []models.Result) (*RelevanceVerdict, error)
}

// EntityExtractor pulls entity names out of a result batch.
type EntityExtractor interface {
	Extract(ctx context.Context, results []models.Result, question, taskQuery string) ([]string, error)
}

// EntityFilter returns the subset of entities worth keeping for synthesis.
type EntityFilter interface {
	FilterEntities(ctx context.Context, question string, entities []string) ([]string, error)
}

// Oracle bundles every collaborator.
type Oracle interface {
	DecisionOracle
	CoverageOracle
	RelevanceFilter
	EntityExtractor
	EntityFilter
}
