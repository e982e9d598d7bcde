package research

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/dossier/internal/config"
	"github.com/Kocoro-lab/dossier/internal/models"
	"github.com/Kocoro-lab/dossier/internal/oracle"
	"github.com/Kocoro-lab/dossier/internal/sources"
)

func singleShot(s *config.Settings) { s.Research.SaturationMode = false }

func fixed(results ...models.Result) func(string) ([]models.Result, error) {
	return func(string) ([]models.Result, error) { return results, nil }
}

func TestExecuteNoResolvableSourcesIsNoop(t *testing.T) {
	orc := &fakeOracle{}
	rc := newTestRun(t, testSettings(nil), newFakeRegistry(), orc, nil)
	task := models.NewResearchTask("t1", "contracts")
	h := hypothesis(1, "signals", "myspace", "geocities")

	results, err := NewHypothesisExecutor(rc).Execute(t.Context(), task, h)

	require.NoError(t, err)
	assert.Empty(t, results)
	runs := task.Runs()
	require.Len(t, runs, 1)
	assert.Zero(t, runs[0].ResultsCount)
	assert.Len(t, runs[0].SourcesSkipped, 2)
	decide, _, filter := orc.counts()
	assert.Zero(t, decide+filter)
}

func TestExecuteInvalidHypothesisFailsFast(t *testing.T) {
	rc := newTestRun(t, testSettings(nil), newFakeRegistry(), &fakeOracle{}, nil)
	h := hypothesis(1, "signals")
	h.Statement = " "

	_, err := NewHypothesisExecutor(rc).Execute(t.Context(), models.NewResearchTask("t1", "q"), h)

	assert.ErrorIs(t, err, models.ErrInvalidHypothesis)
}

func TestExecuteSaturationTagsAndDedupsAcrossSources(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("shared"), result("web-only"))}
	fedreg := &fakeSource{id: sources.FederalRegister, name: "Federal Register", search: fixed(result("shared"), result("rule"))}
	settings := testSettings(withMaxQueries(1))
	rc := newTestRun(t, settings, newFakeRegistry(brave, fedreg), &fakeOracle{}, nil)
	task := models.NewResearchTask("t1", "contracts")

	results, err := NewHypothesisExecutor(rc).Execute(t.Context(), task, hypothesis(4, "signals", "brave", "federal_register"))

	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.gov/shared",
		"https://example.gov/web-only",
		"https://example.gov/rule",
	}, urls(results))
	for _, r := range results {
		require.NotNil(t, r.HypothesisID)
		assert.Equal(t, 4, *r.HypothesisID)
		assert.Nil(t, r.HypothesisIDs)
	}

	run := task.Runs()[0]
	assert.Equal(t, models.ModeSaturation, run.Mode)
	assert.Equal(t, []string{"Brave Search", "Federal Register"}, run.SourcesQueried)
	assert.Equal(t, 3, run.Delta.NewURLs)
	assert.InDelta(t, 1.0, run.Delta.NoveltyRatio, 1e-9)
}

func TestExecuteDeltaAgainstAccumulatedResults(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("old"), result("new"))}
	rc := newTestRun(t, testSettings(withMaxQueries(1)), newFakeRegistry(brave), &fakeOracle{}, nil)
	task := models.NewResearchTask("t1", "contracts")
	task.SetResults([]models.Result{result("old")})

	_, err := NewHypothesisExecutor(rc).Execute(t.Context(), task, hypothesis(2, "signals", "brave"))
	require.NoError(t, err)

	delta := task.Runs()[0].Delta
	assert.Equal(t, 1, delta.NewURLs)
	assert.Equal(t, 1, delta.RepeatedURLs)
	assert.Equal(t, 1, delta.PriorURLCount)
	assert.InDelta(t, 0.5, delta.NoveltyRatio, 1e-9)
}

func TestExecuteSourcePanicIsolated(t *testing.T) {
	broken := &fakeSource{id: sources.Brave, name: "Brave Search", search: func(string) ([]models.Result, error) {
		panic("adapter bug")
	}}
	healthy := &fakeSource{id: sources.SECEdgar, name: "SEC EDGAR", search: fixed(result("10-k"))}
	rc := newTestRun(t, testSettings(withMaxQueries(1)), newFakeRegistry(broken, healthy), &fakeOracle{}, nil)
	task := models.NewResearchTask("t1", "contracts")

	results, err := NewHypothesisExecutor(rc).Execute(t.Context(), task, hypothesis(1, "signals", "brave", "sec_edgar"))

	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.gov/10-k"}, urls(results))
	assert.Equal(t, []string{"SEC EDGAR"}, task.Runs()[0].SourcesQueried)
}

func TestExecuteSkipsRateLimitedSource(t *testing.T) {
	congress := &fakeSource{id: sources.Congress, name: "Congress.gov", search: func(string) ([]models.Result, error) {
		return nil, errors.New("HTTP 429 rate limit exceeded")
	}}
	rc := newTestRun(t, testSettings(withMaxQueries(3)), newFakeRegistry(congress), &fakeOracle{}, nil)
	task := models.NewResearchTask("t1", "bills")
	exec := NewHypothesisExecutor(rc)

	_, err := exec.Execute(t.Context(), task, hypothesis(1, "first", "congress"))
	require.NoError(t, err)
	require.Len(t, congress.calls(), 1)

	_, err = exec.Execute(t.Context(), task, hypothesis(2, "second", "congress"))
	require.NoError(t, err)
	assert.Len(t, congress.calls(), 1, "retired source is not queried again in this run")
	assert.Contains(t, task.Runs()[1].SourcesSkipped, "Congress.gov (rate_limited)")
}

func TestExecuteSingleShotFiltersCombinedPool(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("a"), result("b"))}
	sam := &fakeSource{id: sources.SAMGov, name: "SAM.gov", search: fixed(result("c"))}
	var pooled int
	orc := &fakeOracle{
		generate: func(in oracle.QueryContext) (string, error) { return "generated for " + in.Source, nil },
		filter: func(results []models.Result) (*oracle.RelevanceVerdict, error) {
			pooled = len(results)
			return &oracle.RelevanceVerdict{ShouldAccept: true, RelevantIndices: []int{2, 0}}, nil
		},
	}
	rc := newTestRun(t, testSettings(singleShot), newFakeRegistry(brave, sam), orc, nil)
	task := models.NewResearchTask("t1", "contracts")

	results, err := NewHypothesisExecutor(rc).Execute(t.Context(), task, hypothesis(1, "signals", "brave", "sam_gov"))

	require.NoError(t, err)
	assert.Equal(t, 3, pooled, "one filter call over the combined pool")
	assert.Equal(t, []string{"https://example.gov/c", "https://example.gov/a"}, urls(results))
	assert.Equal(t, []string{"generated for Brave Search"}, brave.calls())
	assert.Equal(t, models.ModeSingleShot, task.Runs()[0].Mode)
	_, _, filters := orc.counts()
	assert.Equal(t, 1, filters)
}

func TestExecuteSingleShotRejectDiscardsEverything(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("a"), result("b"))}
	orc := &fakeOracle{filter: func([]models.Result) (*oracle.RelevanceVerdict, error) {
		return &oracle.RelevanceVerdict{ShouldAccept: false, Reason: "off topic", RelevantIndices: []int{0}}, nil
	}}
	rc := newTestRun(t, testSettings(singleShot), newFakeRegistry(brave), orc, nil)
	task := models.NewResearchTask("t1", "contracts")

	results, err := NewHypothesisExecutor(rc).Execute(t.Context(), task, hypothesis(1, "signals", "brave"))

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, task.Runs()[0].ResultsCount)
}

func TestExecuteSingleShotSkipsSourceWhenQueryGenerationFails(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("a"))}
	orc := &fakeOracle{generate: func(oracle.QueryContext) (string, error) { return "", oracle.ErrMalformedOutput }}
	rc := newTestRun(t, testSettings(singleShot), newFakeRegistry(brave), orc, nil)
	task := models.NewResearchTask("t1", "contracts")

	results, err := NewHypothesisExecutor(rc).Execute(t.Context(), task, hypothesis(1, "signals", "brave"))

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, brave.calls())
}

func TestExecuteEntityExtractionFeedsGraph(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("award"))}
	orc := &fakeOracle{extract: func([]models.Result) ([]string, error) {
		return []string{"Lockheed Martin", "Department of Defense", "  LOCKHEED MARTIN "}, nil
	}}
	rc := newTestRun(t, testSettings(withMaxQueries(1)), newFakeRegistry(brave), orc, nil)
	task := models.NewResearchTask("t1", "contracts")

	_, err := NewHypothesisExecutor(rc).Execute(t.Context(), task, hypothesis(1, "signals", "brave"))
	require.NoError(t, err)

	assert.Equal(t, []string{"department of defense"}, rc.Graph.Neighbours("lockheed martin"))
	assert.Contains(t, task.Entities(), "Lockheed Martin")
	assert.Len(t, task.Runs()[0].Entities, 3)
}

func TestExecuteEntityExtractionFailureYieldsNoEntities(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("award"))}
	orc := &fakeOracle{extract: func([]models.Result) ([]string, error) { return nil, oracle.ErrServiceUnavailable }}
	rc := newTestRun(t, testSettings(withMaxQueries(1)), newFakeRegistry(brave), orc, nil)
	task := models.NewResearchTask("t1", "contracts")

	results, err := NewHypothesisExecutor(rc).Execute(t.Context(), task, hypothesis(1, "signals", "brave"))

	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Zero(t, rc.Graph.Len())
	assert.Empty(t, task.Entities())
}

func TestExecuteSingleShotNilVerdictDiscardsPool(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: fixed(result("a"))}
	orc := &fakeOracle{filter: func([]models.Result) (*oracle.RelevanceVerdict, error) {
		return nil, nil
	}}
	rc := newTestRun(t, testSettings(singleShot), newFakeRegistry(brave), orc, nil)
	task := models.NewResearchTask("t1", "contracts")

	results, err := NewHypothesisExecutor(rc).Execute(t.Context(), task, hypothesis(1, "signals", "brave"))

	require.NoError(t, err)
	assert.Empty(t, results)
	require.Len(t, task.Runs(), 1)
}
