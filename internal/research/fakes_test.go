package research

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/dossier/internal/config"
	"github.com/Kocoro-lab/dossier/internal/models"
	"github.com/Kocoro-lab/dossier/internal/oracle"
	"github.com/Kocoro-lab/dossier/internal/sources"
	"github.com/Kocoro-lab/dossier/internal/streaming"
)

// fakeOracle answers every oracle call from optional hooks with permissive
// defaults: keep querying, accept everything, never stop coverage.
type fakeOracle struct {
	mu sync.Mutex

	decide         func(in oracle.SaturationContext) (*oracle.Decision, error)
	generate       func(in oracle.QueryContext) (string, error)
	assess         func(task *models.ResearchTask) (*oracle.CoverageAssessment, error)
	filter         func(results []models.Result) (*oracle.RelevanceVerdict, error)
	extract        func(results []models.Result) ([]string, error)
	filterEntities func(entities []string) ([]string, error)

	decideCalls int
	assessCalls int
	filterCalls int
}

func (f *fakeOracle) DecideNextQuery(_ context.Context, in oracle.SaturationContext) (*oracle.Decision, error) {
	f.mu.Lock()
	f.decideCalls++
	n := f.decideCalls
	f.mu.Unlock()
	if f.decide != nil {
		return f.decide(in)
	}
	return &oracle.Decision{
		Decision:  oracle.DecisionContinue,
		Reasoning: "more to find",
		NextQuery: fmt.Sprintf("%s follow-up %d", in.Hypothesis.SignalsQuery(), n),
	}, nil
}

func (f *fakeOracle) GenerateQuery(_ context.Context, in oracle.QueryContext) (string, error) {
	if f.generate != nil {
		return f.generate(in)
	}
	return in.Hypothesis.SignalsQuery(), nil
}

func (f *fakeOracle) Assess(_ context.Context, task *models.ResearchTask, _ string, _ time.Time) (*oracle.CoverageAssessment, error) {
	f.mu.Lock()
	f.assessCalls++
	f.mu.Unlock()
	if f.assess != nil {
		return f.assess(task)
	}
	return &oracle.CoverageAssessment{Decision: oracle.CoverageContinue, Assessment: "gaps remain"}, nil
}

func (f *fakeOracle) Filter(_ context.Context, _, _ string, results []models.Result) (*oracle.RelevanceVerdict, error) {
	f.mu.Lock()
	f.filterCalls++
	f.mu.Unlock()
	if f.filter != nil {
		return f.filter(results)
	}
	return acceptAll(results), nil
}

func (f *fakeOracle) Extract(_ context.Context, results []models.Result, _, _ string) ([]string, error) {
	if f.extract != nil {
		return f.extract(results)
	}
	return nil, nil
}

func (f *fakeOracle) FilterEntities(_ context.Context, _ string, entities []string) ([]string, error) {
	if f.filterEntities != nil {
		return f.filterEntities(entities)
	}
	return entities, nil
}

func (f *fakeOracle) counts() (decide, assess, filter int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decideCalls, f.assessCalls, f.filterCalls
}

func acceptAll(results []models.Result) *oracle.RelevanceVerdict {
	idx := make([]int, len(results))
	for i := range results {
		idx[i] = i
	}
	return &oracle.RelevanceVerdict{ShouldAccept: true, RelevantIndices: idx}
}

// fakeSource answers queries from a hook and records them.
type fakeSource struct {
	id     sources.SourceID
	name   string
	search func(query string) ([]models.Result, error)

	mu      sync.Mutex
	queries []string
}

func (s *fakeSource) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// fakeRegistry resolves only the sources it was built with.
type fakeRegistry struct {
	byID map[string]*fakeSource
}

func newFakeRegistry(srcs ...*fakeSource) *fakeRegistry {
	r := &fakeRegistry{byID: make(map[string]*fakeSource)}
	for _, s := range srcs {
		r.byID[string(s.id)] = s
	}
	return r
}

func (r *fakeRegistry) Resolve(_ context.Context, ids []string, _ string) ([]sources.Resolved, []sources.Skipped) {
	var out []sources.Resolved
	var skipped []sources.Skipped
	for _, raw := range ids {
		s, ok := r.byID[raw]
		if !ok {
			skipped = append(skipped, sources.Skipped{Raw: raw, Reason: sources.SkipUnknown})
			continue
		}
		out = append(out, sources.Resolved{ID: s.id, DisplayName: s.name})
	}
	return out, skipped
}

func (r *fakeRegistry) Search(_ context.Context, src sources.Resolved, query string, _ int) (*sources.SearchResponse, error) {
	s := r.byID[string(src.ID)]
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	results, err := s.search(query)
	if err != nil {
		return nil, err
	}
	return &sources.SearchResponse{Success: true, SourceName: s.name, Total: len(results), Results: results}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// eventLog records published events.
type eventLog struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (l *eventLog) Publish(_ string, evt streaming.Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func testSettings(mutate func(*config.Settings)) config.Settings {
	s := config.Settings{Research: config.DefaultResearch(), Sources: config.DefaultSources()}
	if mutate != nil {
		mutate(&s)
	}
	return s
}

func newTestRun(t *testing.T, settings config.Settings, reg SourceRegistry, orc oracle.Oracle, clock *fakeClock) *RunContext {
	t.Helper()
	if clock == nil {
		clock = newFakeClock()
	}
	return NewRunContext("run-test", "Who supplies the program?", settings, Dependencies{
		Sources: reg,
		Oracle:  orc,
		Logger:  zaptest.NewLogger(t),
		Clock:   clock.Now,
	})
}

func result(slug string) models.Result {
	return models.Result{URL: "https://example.gov/" + slug, Title: slug, Snippet: "about " + slug}
}

func hypothesis(id int, signals string, srcs ...string) *models.Hypothesis {
	return &models.Hypothesis{
		ID:         id,
		Statement:  fmt.Sprintf("hypothesis %d", id),
		Confidence: 50,
		SearchStrategy: models.SearchStrategy{
			Sources: srcs,
			Signals: []string{signals},
		},
	}
}

func urls(results []models.Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.URL
	}
	return out
}
