package models

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Contract violations. Callers passing values that fail these checks have a bug.
var (
	ErrInvalidHypothesis = errors.New("invalid hypothesis")
	ErrInvalidTask       = errors.New("invalid research task")
)

// Task statuses
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Execution modes recorded on hypothesis runs
const (
	ModeSaturation = "saturation"
	ModeSingleShot = "single_shot"
)

// MetadataCoverageDecisions is the ResearchTask.Metadata key holding []CoverageDecision.
const MetadataCoverageDecisions = "coverage_decisions"

// SearchStrategy names the sources a hypothesis should be tested against.
type SearchStrategy struct {
	Sources          []string `json:"sources" yaml:"sources"`
	Signals          []string `json:"signals" yaml:"signals"`
	ExpectedEntities []string `json:"expected_entities,omitempty" yaml:"expected_entities,omitempty"`
}

// Hypothesis is one falsifiable sub-claim of a research task.
// InformationGaps is rewritten in place while its sources saturate.
type Hypothesis struct {
	ID              int            `json:"id" yaml:"id"`
	Statement       string         `json:"statement" yaml:"statement"`
	Confidence      int            `json:"confidence" yaml:"confidence"`
	SearchStrategy  SearchStrategy `json:"search_strategy" yaml:"search_strategy"`
	InformationGaps []string       `json:"information_gaps,omitempty" yaml:"information_gaps,omitempty"`
}

// Validate reports whether the hypothesis carries the fields the executor relies on.
func (h *Hypothesis) Validate() error {
	if h == nil {
		return fmt.Errorf("%w: nil", ErrInvalidHypothesis)
	}
	if strings.TrimSpace(h.Statement) == "" {
		return fmt.Errorf("%w: hypothesis %d has no statement", ErrInvalidHypothesis, h.ID)
	}
	if h.Confidence < 0 || h.Confidence > 100 {
		return fmt.Errorf("%w: hypothesis %d confidence %d outside 0-100", ErrInvalidHypothesis, h.ID, h.Confidence)
	}
	return nil
}

// SignalsQuery is the first saturation query: the hypothesis's own search signals.
func (h *Hypothesis) SignalsQuery() string {
	parts := make([]string, 0, len(h.SearchStrategy.Signals))
	for _, s := range h.SearchStrategy.Signals {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Result is one item retrieved from a source.
//
// HypothesisID and HypothesisIDs are mutually exclusive: a result attributed
// to one hypothesis carries the single id, and the first cross-hypothesis
// merge converts it to the list form.
type Result struct {
	URL           string                 `json:"url,omitempty"`
	ID            string                 `json:"id,omitempty"`
	Title         string                 `json:"title"`
	Snippet       string                 `json:"snippet,omitempty"`
	Source        string                 `json:"source"`
	Date          *time.Time             `json:"date,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	HypothesisID  *int                   `json:"hypothesis_id,omitempty"`
	HypothesisIDs []int                  `json:"hypothesis_ids,omitempty"`
}

// Attribution returns every hypothesis id the result is attributed to.
func (r Result) Attribution() []int {
	if len(r.HypothesisIDs) > 0 {
		out := make([]int, len(r.HypothesisIDs))
		copy(out, r.HypothesisIDs)
		return out
	}
	if r.HypothesisID != nil {
		return []int{*r.HypothesisID}
	}
	return nil
}

// Clone returns a copy that shares no mutable state with r.
func (r Result) Clone() Result {
	out := r
	if r.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.HypothesisID != nil {
		id := *r.HypothesisID
		out.HypothesisID = &id
	}
	if r.HypothesisIDs != nil {
		out.HypothesisIDs = append([]int(nil), r.HypothesisIDs...)
	}
	if r.Date != nil {
		d := *r.Date
		out.Date = &d
	}
	return out
}

// IntPtr is a convenience for building single attributions.
func IntPtr(v int) *int { return &v }

// QueryHistoryEntry summarises one saturation attempt against a source.
type QueryHistoryEntry struct {
	Query            string   `json:"query"`
	Reasoning        string   `json:"reasoning,omitempty"`
	ResultsTotal     int      `json:"results_total"`
	ResultsAccepted  int      `json:"results_accepted"`
	ResultsRejected  int      `json:"results_rejected"`
	ResultsDuplicate int      `json:"results_duplicate"`
	RejectionThemes  []string `json:"rejection_themes,omitempty"`
	Effectiveness    float64  `json:"effectiveness"`
	Error            string   `json:"error,omitempty"`
}

// ComputeEffectiveness sets Effectiveness to accepted/total, or 0 when nothing came back.
func (e *QueryHistoryEntry) ComputeEffectiveness() {
	if e.ResultsTotal == 0 {
		e.Effectiveness = 0
		return
	}
	e.Effectiveness = float64(e.ResultsAccepted) / float64(e.ResultsTotal)
}

// DeltaMetrics compares one hypothesis's results with what the task had already accumulated.
type DeltaMetrics struct {
	NewURLs       int     `json:"new_urls"`
	RepeatedURLs  int     `json:"repeated_urls"`
	NewDomains    int     `json:"new_domains"`
	NoveltyRatio  float64 `json:"novelty_ratio"`
	PriorURLCount int     `json:"prior_url_count"`
}

// HypothesisRun is the audit record appended after each hypothesis execution.
type HypothesisRun struct {
	HypothesisID   int           `json:"hypothesis_id"`
	Statement      string        `json:"statement"`
	ResultsCount   int           `json:"results_count"`
	SourcesQueried []string      `json:"sources_queried"`
	SourcesSkipped []string      `json:"sources_skipped,omitempty"`
	Mode           string        `json:"mode"`
	Delta          DeltaMetrics  `json:"delta_metrics"`
	Duration       time.Duration `json:"duration_ns"`
	Entities       []string      `json:"entities,omitempty"`
}

// Coverage decision values
const (
	CoverageContinue          = "continue"
	CoverageStop              = "stop"
	CoverageSkippedFirst      = "skipped_first"
	CoverageMaxHypotheses     = "max_hypotheses_reached"
	CoverageTimeLimit         = "time_limit_reached"
	CoverageAssessmentFailure = "assessment_failed"
)

// CoverageDecision records what the coverage controller decided after (or before) a hypothesis.
type CoverageDecision struct {
	HypothesisID   int     `json:"hypothesis_id"`
	Executed       int     `json:"executed"`
	Decision       string  `json:"decision"`
	Assessment     string  `json:"assessment,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// ResearchTask is one decomposed subtask of an investigation.
// The orchestrator owns it; the executors append to it through the methods below.
type ResearchTask struct {
	ID         string        `json:"id" yaml:"id"`
	Query      string        `json:"query" yaml:"query"`
	Hypotheses []*Hypothesis `json:"hypotheses" yaml:"hypotheses"`

	mu                 sync.Mutex
	status             string
	hypothesisRuns     []HypothesisRun
	accumulatedResults []Result
	entitiesFound      map[string]struct{}
	metadata           map[string]interface{}
}

// NewResearchTask builds a task ready for execution.
func NewResearchTask(id, query string, hypotheses ...*Hypothesis) *ResearchTask {
	return &ResearchTask{ID: id, Query: query, Hypotheses: hypotheses}
}

// Validate checks the task and every hypothesis it carries.
func (t *ResearchTask) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil", ErrInvalidTask)
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTask)
	}
	if strings.TrimSpace(t.Query) == "" {
		return fmt.Errorf("%w: task %s has no query", ErrInvalidTask, t.ID)
	}
	seen := make(map[int]struct{}, len(t.Hypotheses))
	for _, h := range t.Hypotheses {
		if err := h.Validate(); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		if _, dup := seen[h.ID]; dup {
			return fmt.Errorf("%w: task %s has duplicate hypothesis id %d", ErrInvalidHypothesis, t.ID, h.ID)
		}
		seen[h.ID] = struct{}{}
	}
	return nil
}

func (t *ResearchTask) SetStatus(s string) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *ResearchTask) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == "" {
		return StatusPending
	}
	return t.status
}

// AppendRun appends to the hypothesis run log.
func (t *ResearchTask) AppendRun(run HypothesisRun) {
	t.mu.Lock()
	t.hypothesisRuns = append(t.hypothesisRuns, run)
	t.mu.Unlock()
}

// Runs returns a copy of the hypothesis run log.
func (t *ResearchTask) Runs() []HypothesisRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]HypothesisRun(nil), t.hypothesisRuns...)
}

// SetResults replaces the accumulated result set.
func (t *ResearchTask) SetResults(results []Result) {
	t.mu.Lock()
	t.accumulatedResults = append([]Result(nil), results...)
	t.mu.Unlock()
}

// Results returns a copy of the accumulated results.
func (t *ResearchTask) Results() []Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Result(nil), t.accumulatedResults...)
}

func (t *ResearchTask) AddEntities(entities ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entitiesFound == nil {
		t.entitiesFound = make(map[string]struct{})
	}
	for _, e := range entities {
		if e = strings.TrimSpace(e); e != "" {
			t.entitiesFound[e] = struct{}{}
		}
	}
}

// Entities returns the entity set as a slice in no particular order.
func (t *ResearchTask) Entities() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.entitiesFound))
	for e := range t.entitiesFound {
		out = append(out, e)
	}
	return out
}

// SetMetadata stores an arbitrary key on the task.
func (t *ResearchTask) SetMetadata(key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.metadata == nil {
		t.metadata = make(map[string]interface{})
	}
	t.metadata[key] = value
}

// Metadata returns a shallow copy of the metadata map.
func (t *ResearchTask) Metadata() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]interface{}, len(t.metadata))
	for k, v := range t.metadata {
		out[k] = v
	}
	return out
}

// AppendCoverageDecision appends to metadata["coverage_decisions"].
func (t *ResearchTask) AppendCoverageDecision(d CoverageDecision) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.metadata == nil {
		t.metadata = make(map[string]interface{})
	}
	existing, _ := t.metadata[MetadataCoverageDecisions].([]CoverageDecision)
	t.metadata[MetadataCoverageDecisions] = append(existing, d)
}

// CoverageDecisions returns a copy of metadata["coverage_decisions"].
func (t *ResearchTask) CoverageDecisions() []CoverageDecision {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, _ := t.metadata[MetadataCoverageDecisions].([]CoverageDecision)
	return append([]CoverageDecision(nil), existing...)
}
