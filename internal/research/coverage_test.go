package research

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/dossier/internal/config"
	"github.com/Kocoro-lab/dossier/internal/models"
	"github.com/Kocoro-lab/dossier/internal/oracle"
	"github.com/Kocoro-lab/dossier/internal/sources"
)

// bySignals returns, for each hypothesis's signals query, a fixed result set.
func bySignals(m map[string][]string) func(string) ([]models.Result, error) {
	return func(q string) ([]models.Result, error) {
		var out []models.Result
		for _, slug := range m[q] {
			out = append(out, result(slug))
		}
		return out, nil
	}
}

func coverageTask(n int) *models.ResearchTask {
	task := models.NewResearchTask("t1", "who holds the contract")
	for i := 1; i <= n; i++ {
		task.Hypotheses = append(task.Hypotheses, hypothesis(i, fmt.Sprintf("h%d", i), "brave"))
	}
	return task
}

func coverageSettings(maxHypotheses int) config.Settings {
	return testSettings(func(s *config.Settings) {
		s.Research.CoverageMode = true
		s.Research.Saturation.DefaultMaxQueries = 1
		s.Research.Coverage.MaxHypothesesToExecute = maxHypotheses
		s.Research.Coverage.MaxTimePerTaskSeconds = 600
	})
}

func decisions(task *models.ResearchTask) []string {
	var out []string
	for _, d := range task.CoverageDecisions() {
		out = append(out, d.Decision)
	}
	return out
}

func TestCoverageCeilingEnforced(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: uniquePerQuery()}
	orc := &fakeOracle{}
	rc := newTestRun(t, coverageSettings(2), newFakeRegistry(brave), orc, nil)
	task := coverageTask(5)

	require.NoError(t, NewCoverageController(rc).Run(t.Context(), task))

	assert.Len(t, task.Runs(), 2)
	assert.Equal(t, []string{
		models.CoverageSkippedFirst,
		models.CoverageContinue,
		models.CoverageMaxHypotheses,
	}, decisions(task))
	assert.Equal(t, models.StatusCompleted, task.Status())
}

func TestCoverageStopHonored(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: uniquePerQuery()}
	orc := &fakeOracle{assess: func(*models.ResearchTask) (*oracle.CoverageAssessment, error) {
		return &oracle.CoverageAssessment{Decision: oracle.CoverageStop, Assessment: "question answered"}, nil
	}}
	rc := newTestRun(t, coverageSettings(10), newFakeRegistry(brave), orc, nil)
	task := coverageTask(5)

	require.NoError(t, NewCoverageController(rc).Run(t.Context(), task))

	assert.Len(t, task.Runs(), 2)
	assert.Equal(t, []string{models.CoverageSkippedFirst, models.CoverageStop}, decisions(task))
	last := task.CoverageDecisions()[1]
	assert.Equal(t, "question answered", last.Assessment)
	assert.Equal(t, 2, last.Executed)
}

func TestCoverageAssessmentFailureContinues(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: uniquePerQuery()}
	orc := &fakeOracle{assess: func(*models.ResearchTask) (*oracle.CoverageAssessment, error) {
		return nil, errors.New("llm timeout")
	}}
	rc := newTestRun(t, coverageSettings(3), newFakeRegistry(brave), orc, nil)
	task := coverageTask(3)

	require.NoError(t, NewCoverageController(rc).Run(t.Context(), task))

	assert.Len(t, task.Runs(), 3)
	assert.Equal(t, []string{
		models.CoverageSkippedFirst,
		models.CoverageAssessmentFailure,
		models.CoverageAssessmentFailure,
	}, decisions(task))
}

func TestCoverageTimeLimit(t *testing.T) {
	clock := newFakeClock()
	next := uniquePerQuery()
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: func(q string) ([]models.Result, error) {
		clock.Advance(400 * time.Second)
		return next(q)
	}}
	rc := newTestRun(t, coverageSettings(10), newFakeRegistry(brave), &fakeOracle{}, clock)
	task := coverageTask(4)

	require.NoError(t, NewCoverageController(rc).Run(t.Context(), task))

	assert.Len(t, task.Runs(), 2)
	d := task.CoverageDecisions()
	require.Len(t, d, 3)
	assert.Equal(t, models.CoverageTimeLimit, d[2].Decision)
	assert.Equal(t, 3, d[2].HypothesisID, "the hypothesis that never ran is named")
}

func TestCoverageHypothesisPanicDoesNotEndTask(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: uniquePerQuery()}
	orc := &fakeOracle{extract: func(results []models.Result) ([]string, error) {
		if *results[0].HypothesisID == 1 {
			panic("extractor bug")
		}
		return nil, nil
	}}
	rc := newTestRun(t, coverageSettings(3), newFakeRegistry(brave), orc, nil)
	task := coverageTask(3)

	require.NoError(t, NewCoverageController(rc).Run(t.Context(), task))

	assert.Len(t, task.Runs(), 2, "the panicking hypothesis records no run")
	assert.Len(t, task.Results(), 2)
	assert.Len(t, task.CoverageDecisions(), 3)
}

func TestCoverageNilAssessmentContinues(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: uniquePerQuery()}
	orc := &fakeOracle{assess: func(*models.ResearchTask) (*oracle.CoverageAssessment, error) {
		return nil, nil
	}}
	rc := newTestRun(t, coverageSettings(3), newFakeRegistry(brave), orc, nil)
	task := coverageTask(3)

	require.NoError(t, NewCoverageController(rc).Run(t.Context(), task))

	assert.Len(t, task.Runs(), 3)
	assert.Equal(t, []string{
		models.CoverageSkippedFirst,
		models.CoverageAssessmentFailure,
		models.CoverageAssessmentFailure,
	}, decisions(task))
}

func TestParallelModeHypothesisPanicIsolated(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: bySignals(map[string][]string{
		"h1": {"a"},
		"h2": {"b"},
		"h3": {"c"},
	})}
	settings := testSettings(func(s *config.Settings) {
		s.Research.CoverageMode = false
		s.Research.Saturation.DefaultMaxQueries = 1
	})
	orc := &fakeOracle{extract: func(results []models.Result) ([]string, error) {
		if *results[0].HypothesisID == 2 {
			panic("extractor bug")
		}
		return nil, nil
	}}
	rc := newTestRun(t, settings, newFakeRegistry(brave), orc, nil)
	task := coverageTask(3)

	require.NoError(t, NewCoverageController(rc).Run(t.Context(), task))

	assert.ElementsMatch(t, []string{"https://example.gov/a", "https://example.gov/c"}, urls(task.Results()))
	assert.Len(t, task.Runs(), 2, "the panicking hypothesis records no run")
	assert.Equal(t, models.StatusCompleted, task.Status())
}

func TestCoverageInvalidTask(t *testing.T) {
	rc := newTestRun(t, coverageSettings(3), newFakeRegistry(), &fakeOracle{}, nil)
	task := coverageTask(2)
	task.Hypotheses[1].ID = 1

	err := NewCoverageController(rc).Run(t.Context(), task)

	assert.ErrorIs(t, err, models.ErrInvalidHypothesis)
	assert.Empty(t, task.Runs())
}

func TestParallelModeMergesWithMultiAttribution(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: bySignals(map[string][]string{
		"h1": {"x", "y"},
		"h2": {"y", "z"},
		"h3": {"z"},
	})}
	settings := testSettings(func(s *config.Settings) {
		s.Research.CoverageMode = false
		s.Research.Saturation.DefaultMaxQueries = 1
	})
	orc := &fakeOracle{}
	rc := newTestRun(t, settings, newFakeRegistry(brave), orc, nil)
	task := coverageTask(3)

	require.NoError(t, NewCoverageController(rc).Run(t.Context(), task))

	assertScenarioAttribution(t, task.Results())
	assert.Len(t, task.Runs(), 3)
	assert.Empty(t, task.CoverageDecisions())
	_, assessed, _ := orc.counts()
	assert.Zero(t, assessed)
}

// Three hypotheses in coverage mode: X,Y then Y,Z then Z.
func TestCoverageEndToEndScenario(t *testing.T) {
	brave := &fakeSource{id: sources.Brave, name: "Brave Search", search: bySignals(map[string][]string{
		"h1": {"x", "y"},
		"h2": {"y", "z"},
		"h3": {"z"},
	})}
	orc := &fakeOracle{}
	rc := newTestRun(t, coverageSettings(3), newFakeRegistry(brave), orc, nil)
	task := coverageTask(3)

	require.NoError(t, NewCoverageController(rc).Run(t.Context(), task))

	assertScenarioAttribution(t, task.Results())
	assert.Equal(t, []string{
		models.CoverageSkippedFirst,
		models.CoverageContinue,
		models.CoverageContinue,
	}, decisions(task))

	runs := task.Runs()
	require.Len(t, runs, 3)
	assert.Equal(t, 1, runs[1].Delta.NewURLs)
	assert.Equal(t, 1, runs[1].Delta.RepeatedURLs, "y was already known when hypothesis 2 ran")
	assert.Equal(t, 0, runs[2].Delta.NewURLs)
	assert.InDelta(t, 0.0, runs[2].Delta.NoveltyRatio, 1e-9)
}

func assertScenarioAttribution(t *testing.T, results []models.Result) {
	t.Helper()
	got := make(map[string][]int, len(results))
	for _, r := range results {
		got[r.URL] = r.Attribution()
	}
	want := map[string][]int{
		"https://example.gov/x": {1},
		"https://example.gov/y": {1, 2},
		"https://example.gov/z": {2, 3},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("attribution mismatch (-want +got):\n%s", diff)
	}
	for _, r := range results {
		if len(r.HypothesisIDs) > 0 {
			assert.Nil(t, r.HypothesisID, "list form replaces the single id")
		}
	}
}
