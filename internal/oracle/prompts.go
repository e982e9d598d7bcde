package oracle

import (
	"fmt"
	"strings"
	"time"

	"github.com/Kocoro-lab/dossier/internal/models"
)

const saturationSystemPrompt = `You steer an iterative search of one data source for evidence about one hypothesis.
Given the queries already run and how productive each was, decide whether the source is saturated or propose the next query.
Respond with JSON only:
{"decision": "continue" | "saturated", "reasoning": "...", "next_query": "...", "remaining_gaps": ["..."], "confidence": 0.0-1.0}`

const queryGenSystemPrompt = `You write one search query for a specific data source to test a hypothesis.
Respond with JSON only: {"query": "..."}`

const coverageSystemPrompt = `You decide whether a research task has gathered enough evidence across its hypotheses.
Respond with JSON only: {"decision": "stop" | "continue", "assessment": "..."}`

const relevanceSystemPrompt = `You judge which search results are relevant to a research context.
Respond with JSON only:
{"should_accept": true|false, "reason": "...", "relevant_indices": [0, 2], "should_continue": true|false, "continuation_reason": "..."}`

const entitySystemPrompt = `You extract named entities (people, organisations, programs, places, laws) from search results.
Respond with JSON only: {"entities": ["..."]}`

const entityFilterSystemPrompt = `You keep only the entities that matter for answering a research question.
Respond with JSON only: {"keep": ["..."]}`

func hypothesisBlock(h models.Hypothesis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hypothesis %d (confidence %d): %s\n", h.ID, h.Confidence, h.Statement)
	if len(h.SearchStrategy.Signals) > 0 {
		fmt.Fprintf(&b, "Signals: %s\n", strings.Join(h.SearchStrategy.Signals, ", "))
	}
	if len(h.SearchStrategy.ExpectedEntities) > 0 {
		fmt.Fprintf(&b, "Expected entities: %s\n", strings.Join(h.SearchStrategy.ExpectedEntities, ", "))
	}
	if len(h.InformationGaps) > 0 {
		fmt.Fprintf(&b, "Information gaps: %s\n", strings.Join(h.InformationGaps, "; "))
	}
	return b.String()
}

func saturationPrompt(in SaturationContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\nSource: %s\n", in.Question, in.Source)
	b.WriteString(hypothesisBlock(in.Hypothesis))
	fmt.Fprintf(&b, "Accepted results so far: %d\n\nQuery history:\n", in.AcceptedCount)
	for i, e := range in.History {
		fmt.Fprintf(&b, "%d. %q -> total %d, accepted %d, rejected %d, duplicate %d, effectiveness %.2f",
			i+1, e.Query, e.ResultsTotal, e.ResultsAccepted, e.ResultsRejected, e.ResultsDuplicate, e.Effectiveness)
		if len(e.RejectionThemes) > 0 {
			fmt.Fprintf(&b, ", rejected because: %s", strings.Join(e.RejectionThemes, "; "))
		}
		if e.Error != "" {
			fmt.Fprintf(&b, ", error: %s", e.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func queryGenPrompt(in QueryContext) string {
	return fmt.Sprintf("Research question: %s\nTask: %s\nSource: %s\n%s", in.Question, in.TaskQuery, in.Source, hypothesisBlock(in.Hypothesis))
}

func coveragePrompt(task *models.ResearchTask, question string, elapsed time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\nTask: %s\nElapsed: %s\n", question, task.Query, elapsed.Round(time.Second))
	runs := task.Runs()
	fmt.Fprintf(&b, "Hypotheses executed: %d of %d\nUnique results so far: %d\n\n", len(runs), len(task.Hypotheses), len(task.Results()))
	for _, r := range runs {
		fmt.Fprintf(&b, "- H%d %q: %d results, %d new URLs, novelty %.2f\n",
			r.HypothesisID, r.Statement, r.ResultsCount, r.Delta.NewURLs, r.Delta.NoveltyRatio)
	}
	if pending := len(task.Hypotheses) - len(runs); pending > 0 {
		b.WriteString("\nRemaining hypotheses:\n")
		done := make(map[int]bool, len(runs))
		for _, r := range runs {
			done[r.HypothesisID] = true
		}
		for _, h := range task.Hypotheses {
			if !done[h.ID] {
				fmt.Fprintf(&b, "- H%d: %s\n", h.ID, h.Statement)
			}
		}
	}
	return b.String()
}

func resultsBlock(results []models.Result, snippetLen int) string {
	var b strings.Builder
	for i, r := range results {
		snippet := r.Snippet
		if len(snippet) > snippetLen {
			snippet = snippet[:snippetLen] + "..."
		}
		fmt.Fprintf(&b, "[%d] %s (%s)\n    %s\n    %s\n", i, r.Title, r.Source, r.URL, snippet)
	}
	return b.String()
}
