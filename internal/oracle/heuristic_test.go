package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/dossier/internal/models"
)

func TestHeuristicWalksGapsThenSaturates(t *testing.T) {
	h := NewHeuristic()
	hyp := models.Hypothesis{
		ID: 1, Statement: "Acme Corp received defense contracts",
		SearchStrategy:  models.SearchStrategy{ExpectedEntities: []string{"Pentagon"}},
		InformationGaps: []string{"contract value"},
	}
	in := SaturationContext{Hypothesis: hyp, History: []models.QueryHistoryEntry{{Query: "acme defense", ResultsAccepted: 2}}}

	d, err := h.DecideNextQuery(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "contract value", d.NextQuery)
	assert.Empty(t, d.RemainingGaps)

	in.History = append(in.History, models.QueryHistoryEntry{Query: "contract value", ResultsAccepted: 1})
	d, err = h.DecideNextQuery(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "Pentagon acme corp received defense", d.NextQuery)

	in.History = append(in.History,
		models.QueryHistoryEntry{Query: d.NextQuery},
		models.QueryHistoryEntry{Query: "acme corp received defense"},
	)
	d, err = h.DecideNextQuery(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, d.Saturated())
}

func TestHeuristicAssess(t *testing.T) {
	h := NewHeuristic()
	task := models.NewResearchTask("t", "q")
	task.AppendRun(models.HypothesisRun{HypothesisID: 1, Delta: models.DeltaMetrics{NoveltyRatio: 1}})

	a, _ := h.Assess(context.Background(), task, "q", time.Now())
	assert.False(t, a.Stop())

	task.AppendRun(models.HypothesisRun{HypothesisID: 2, Delta: models.DeltaMetrics{NoveltyRatio: 0.1}})
	a, _ = h.Assess(context.Background(), task, "q", time.Now())
	assert.True(t, a.Stop())
}

func TestHeuristicFilter(t *testing.T) {
	h := NewHeuristic()
	v, err := h.Filter(context.Background(), "Acme defense contracts", "", []models.Result{
		{Title: "Recipe for bread"},
		{Title: "ACME wins award", Snippet: "Army contracts"},
	})
	require.NoError(t, err)
	assert.True(t, v.ShouldAccept)
	assert.Equal(t, []int{1}, v.RelevantIndices)
}

func TestHeuristicExtract(t *testing.T) {
	h := &Heuristic{MaxEntities: 2}
	got, err := h.Extract(context.Background(), []models.Result{
		{Title: "Lockheed Martin wins NASA deal", Snippet: "The award from NASA follows Lockheed Martin's bid."},
		{Title: "Boeing Defense loses", Snippet: "Lockheed Martin again."},
	}, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Lockheed Martin", "NASA"}, got)
}
