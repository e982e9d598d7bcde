package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Kocoro-lab/dossier/internal/models"
)

// DecideNextQuery asks whether to keep querying a source and with what.
func (c *LLMClient) DecideNextQuery(ctx context.Context, in SaturationContext) (*Decision, error) {
	var d Decision
	err := c.ask(ctx, call{
		operation: "saturation_decision", system: saturationSystemPrompt,
		query: saturationPrompt(in), maxTokens: 800, temperature: 0.3,
	}, &d)
	if err != nil {
		return nil, err
	}
	d.Decision = strings.ToLower(strings.TrimSpace(d.Decision))
	if d.Decision != DecisionContinue && d.Decision != DecisionSaturated {
		return nil, fmt.Errorf("%w: unknown decision %q", ErrMalformedOutput, d.Decision)
	}
	return &d, nil
}

// GenerateQuery writes the single query used in single-shot mode.
func (c *LLMClient) GenerateQuery(ctx context.Context, in QueryContext) (string, error) {
	var out struct {
		Query string `json:"query"`
	}
	err := c.ask(ctx, call{
		operation: "query_generation", system: queryGenSystemPrompt,
		query: queryGenPrompt(in), maxTokens: 200, temperature: 0.3,
	}, &out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Query), nil
}

// Assess judges task coverage.
func (c *LLMClient) Assess(ctx context.Context, task *models.ResearchTask, question string, startedAt time.Time) (*CoverageAssessment, error) {
	var a CoverageAssessment
	err := c.ask(ctx, call{
		operation: "coverage_assessment", system: coverageSystemPrompt,
		query: coveragePrompt(task, question, time.Since(startedAt)), maxTokens: 600, temperature: 0.2,
	}, &a)
	if err != nil {
		return nil, err
	}
	a.Decision = strings.ToLower(strings.TrimSpace(a.Decision))
	if a.Decision != CoverageStop && a.Decision != CoverageContinue {
		return nil, fmt.Errorf("%w: unknown coverage decision %q", ErrMalformedOutput, a.Decision)
	}
	return &a, nil
}

// Filter judges a batch of results against the task context.
func (c *LLMClient) Filter(ctx context.Context, taskContext, question string, results []models.Result) (*RelevanceVerdict, error) {
	if len(results) == 0 {
		return &RelevanceVerdict{ShouldAccept: false, Reason: "no results", ShouldContinue: true}, nil
	}
	prompt := fmt.Sprintf("Research question: %s\nContext: %s\n\nResults:\n%s", question, taskContext, resultsBlock(results, 300))
	var v RelevanceVerdict
	if err := c.ask(ctx, call{
		operation: "relevance_filter", system: relevanceSystemPrompt,
		query: prompt, maxTokens: 600, temperature: 0.1,
	}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Extract pulls at most maxEntities names out of results. No results, no call.
func (c *LLMClient) Extract(ctx context.Context, results []models.Result, question, taskQuery string) ([]string, error) {
	if len(results) == 0 {
		return nil, nil
	}
	prompt := fmt.Sprintf("Research question: %s\nTask: %s\nReturn at most %d entities.\n\nResults:\n%s",
		question, taskQuery, c.maxEntities, resultsBlock(results, 200))
	var out struct {
		Entities []string `json:"entities"`
	}
	if err := c.ask(ctx, call{
		operation: "entity_extraction", system: entitySystemPrompt,
		query: prompt, maxTokens: 400, temperature: 0.1,
	}, &out); err != nil {
		return nil, err
	}
	return capEntities(out.Entities, c.maxEntities), nil
}

// FilterEntities returns the entities worth keeping. The answer is
// intersected with the input so the filter can never add names.
func (c *LLMClient) FilterEntities(ctx context.Context, question string, entities []string) ([]string, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	prompt := fmt.Sprintf("Research question: %s\n\nEntities:\n- %s", question, strings.Join(entities, "\n- "))
	var out struct {
		Keep []string `json:"keep"`
	}
	if err := c.ask(ctx, call{
		operation: "entity_filter", system: entityFilterSystemPrompt,
		query: prompt, maxTokens: 600, temperature: 0.1,
	}, &out); err != nil {
		return nil, err
	}
	return intersect(entities, out.Keep), nil
}

func capEntities(in []string, limit int) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, e := range in {
		e = strings.TrimSpace(e)
		key := strings.ToLower(e)
		if e == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func intersect(candidates, keep []string) []string {
	wanted := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		wanted[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	var out []string
	for _, c := range candidates {
		if _, ok := wanted[strings.ToLower(strings.TrimSpace(c))]; ok {
			out = append(out, c)
		}
	}
	return out
}

var _ Oracle = (*LLMClient)(nil)
