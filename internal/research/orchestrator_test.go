package research

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/dossier/internal/config"
	"github.com/Kocoro-lab/dossier/internal/models"
	"github.com/Kocoro-lab/dossier/internal/oracle"
	"github.com/Kocoro-lab/dossier/internal/sources"
	"github.com/Kocoro-lab/dossier/internal/streaming"
)

type memoryStore struct {
	mu     sync.Mutex
	graphs map[string]map[string][]string
	runs   []*SynthesisInput
	err    error
}

func (m *memoryStore) Save(_ context.Context, runID string, snapshot map[string][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graphs == nil {
		m.graphs = make(map[string]map[string][]string)
	}
	m.graphs[runID] = snapshot
	return m.err
}

func (m *memoryStore) RecordInvestigation(_ context.Context, in *SynthesisInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, in)
	return m.err
}

func newTestOrchestrator(t *testing.T, settings config.Settings, reg SourceRegistry, orc oracle.Oracle, events streaming.Publisher, opts ...Option) *Orchestrator {
	t.Helper()
	return NewOrchestrator(StaticSettings(settings), Dependencies{
		Sources: reg,
		Oracle:  orc,
		Events:  events,
		Logger:  zaptest.NewLogger(t),
		Clock:   newFakeClock().Now,
	}, opts...)
}

func twoTaskRequest() Request {
	return Request{
		RunID:    "run-42",
		Question: "Who builds the new tanker aircraft?",
		Tasks: []*models.ResearchTask{
			models.NewResearchTask("contracts", "contract awards", hypothesis(1, "awards", "brave")),
			models.NewResearchTask("filings", "securities filings", hypothesis(1, "filings", "sec_edgar")),
		},
	}
}

func TestInvestigateAggregatesAcrossTasks(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("award"), result("shared"))}
	edgar := &fakeSource{id: sources.SECEdgar, name: "SEC EDGAR", search: fixed(result("shared"), result("10-k"))}
	store := &memoryStore{}
	events := &eventLog{}
	settings := testSettings(withMaxQueries(1))
	o := newTestOrchestrator(t, settings, newFakeRegistry(brave, edgar), &fakeOracle{}, events,
		WithGraphStore(store), WithRecorder(store))

	in, err := o.Investigate(t.Context(), twoTaskRequest())
	require.NoError(t, err)

	assert.Equal(t, "run-42", in.RunID)
	assert.Len(t, in.Results, 3)
	assert.Equal(t, 1, in.DuplicatesRemoved)
	require.Len(t, in.Tasks, 2)
	for _, ts := range in.Tasks {
		assert.Equal(t, models.StatusCompleted, ts.Status)
		assert.Equal(t, 2, ts.ResultCount)
		assert.Len(t, ts.HypothesisRuns, 1)
		assert.Len(t, ts.CoverageDecisions, 1)
	}

	require.Len(t, store.runs, 1)
	assert.Same(t, in, store.runs[0])

	types := events.types()
	require.NotEmpty(t, types)
	assert.Equal(t, streaming.EventInvestigationStarted, types[0])
	assert.Equal(t, streaming.EventInvestigationCompleted, types[len(types)-1])
	assert.Contains(t, types, streaming.EventTaskCompleted)
	assert.Contains(t, types, streaming.EventSourceSaturated)
}

func TestInvestigateFailsFastOnInvalidInput(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("a"))}
	o := newTestOrchestrator(t, testSettings(nil), newFakeRegistry(brave), &fakeOracle{}, nil)

	req := twoTaskRequest()
	req.Tasks[1].Hypotheses[0].Confidence = 140
	_, err := o.Investigate(t.Context(), req)
	assert.ErrorIs(t, err, models.ErrInvalidHypothesis)
	assert.Empty(t, brave.calls(), "no work starts for an invalid request")

	_, err = o.Investigate(t.Context(), Request{Question: " ", Tasks: twoTaskRequest().Tasks})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	dup := twoTaskRequest()
	dup.Tasks[1].ID = dup.Tasks[0].ID
	_, err = o.Investigate(t.Context(), dup)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestInvestigatePrunesEntityGraph(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("award"))}
	edgar := &fakeSource{id: sources.SECEdgar, name: "SEC EDGAR", search: fixed(result("10-k"))}
	orc := &fakeOracle{
		extract: func([]models.Result) ([]string, error) {
			return []string{"Boeing", "Air Force", "Cookie Policy"}, nil
		},
		filterEntities: func([]string) ([]string, error) {
			return []string{"boeing", "air force"}, nil
		},
	}
	store := &memoryStore{}
	o := newTestOrchestrator(t, testSettings(withMaxQueries(1)), newFakeRegistry(brave, edgar), orc, nil, WithGraphStore(store))

	in, err := o.Investigate(t.Context(), twoTaskRequest())
	require.NoError(t, err)

	assert.Equal(t, map[string][]string{
		"boeing":    {"air force"},
		"air force": {},
	}, in.EntityGraph)
	assert.Equal(t, in.EntityGraph, store.graphs["run-42"])
}

func TestInvestigateEntityFilterFailureKeepsGraph(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("award"))}
	edgar := &fakeSource{id: sources.SECEdgar, name: "SEC EDGAR", search: fixed(result("10-k"))}
	orc := &fakeOracle{
		extract:        func([]models.Result) ([]string, error) { return []string{"Boeing", "Air Force"}, nil },
		filterEntities: func([]string) ([]string, error) { return nil, oracle.ErrServiceUnavailable },
	}
	o := newTestOrchestrator(t, testSettings(withMaxQueries(1)), newFakeRegistry(brave, edgar), orc, nil)

	in, err := o.Investigate(t.Context(), twoTaskRequest())
	require.NoError(t, err)
	assert.Len(t, in.EntityGraph, 2)
}

func TestInvestigateStorageFailureDoesNotFailRun(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("award"))}
	edgar := &fakeSource{id: sources.SECEdgar, name: "SEC EDGAR", search: fixed(result("10-k"))}
	store := &memoryStore{err: errors.New("disk full")}
	o := newTestOrchestrator(t, testSettings(withMaxQueries(1)), newFakeRegistry(brave, edgar), &fakeOracle{}, nil, WithRecorder(store))

	in, err := o.Investigate(t.Context(), twoTaskRequest())
	require.NoError(t, err)
	assert.Len(t, in.Results, 2)
}

func TestInvestigateReportsRateLimitedSources(t *testing.T) {
	congress := &fakeSource{id: sources.Congress, name: "Congress.gov", search: func(string) ([]models.Result, error) {
		return nil, errors.New("HTTP 429 rate limit exceeded")
	}}
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("award"))}
	req := Request{
		RunID:    "run-rl",
		Question: "Which bills mention the program?",
		Tasks: []*models.ResearchTask{
			models.NewResearchTask("bills", "bills", hypothesis(1, "bills", "congress", "brave")),
		},
	}
	o := newTestOrchestrator(t, testSettings(withMaxQueries(2)), newFakeRegistry(congress, brave), &fakeOracle{}, nil)

	in, err := o.Investigate(t.Context(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"Congress.gov"}, in.RateLimitedSources)
	assert.Len(t, in.Results, 1)
}

func TestInvestigateCancelledReturnsPartial(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("award"))}
	edgar := &fakeSource{id: sources.SECEdgar, name: "SEC EDGAR", search: fixed(result("10-k"))}
	o := newTestOrchestrator(t, testSettings(nil), newFakeRegistry(brave, edgar), &fakeOracle{}, nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	in, err := o.Investigate(ctx, twoTaskRequest())

	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, in)
	assert.Empty(t, in.Results)
	assert.Empty(t, brave.calls())
}

func TestInvestigateBoundedTaskConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	gate := func(string) ([]models.Result, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	}
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: gate}
	settings := testSettings(func(s *config.Settings) {
		s.Research.Saturation.DefaultMaxQueries = 1
		s.Research.Run.MaxConcurrentTasks = 1
	})
	req := Request{Question: "q", Tasks: []*models.ResearchTask{
		models.NewResearchTask("a", "a", hypothesis(1, "a", "brave")),
		models.NewResearchTask("b", "b", hypothesis(1, "b", "brave")),
		models.NewResearchTask("c", "c", hypothesis(1, "c", "brave")),
	}}
	o := newTestOrchestrator(t, settings, newFakeRegistry(brave), &fakeOracle{}, nil)

	in, err := o.Investigate(t.Context(), req)
	require.NoError(t, err)

	assert.NotEmpty(t, in.RunID, "a run id is assigned when none is given")
	assert.Equal(t, 1, peak)
	assert.Len(t, brave.calls(), 3)
}

func TestInvestigateRetiresRunEvents(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("award"))}
	edgar := &fakeSource{id: sources.SECEdgar, name: "SEC EDGAR", search: fixed(result("10-k"))}
	events := streaming.NewManager(32, zaptest.NewLogger(t))
	events.SetRetention(0)
	o := newTestOrchestrator(t, testSettings(withMaxQueries(1)), newFakeRegistry(brave, edgar), &fakeOracle{}, events)

	_, err := o.Investigate(t.Context(), twoTaskRequest())
	require.NoError(t, err)

	assert.Zero(t, events.Runs())
	assert.Empty(t, events.ReplaySince("run-42", 0))
}
