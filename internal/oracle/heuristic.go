package oracle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/Kocoro-lab/dossier/internal/models"
)

// Heuristic is a deterministic Oracle that needs no reasoning service. It
// backs offline CLI runs (investigate --offline) and tests.
type Heuristic struct {
	// MinNovelty below which, after two hypotheses, coverage stops.
	MinNovelty float64
	// MaxEntities caps Extract.
	MaxEntities int
}

// NewHeuristic returns a Heuristic with the usual thresholds.
func NewHeuristic() *Heuristic { return &Heuristic{MinNovelty: 0.2, MaxEntities: 10} }

var _ Oracle = (*Heuristic)(nil)

// DecideNextQuery walks the hypothesis's information gaps, then its expected
// entities, and declares saturation when they run out or two queries in a
// row produced nothing.
func (h *Heuristic) DecideNextQuery(_ context.Context, in SaturationContext) (*Decision, error) {
	n := len(in.History)
	if n >= 2 && in.History[n-1].ResultsAccepted == 0 && in.History[n-2].ResultsAccepted == 0 {
		return &Decision{Decision: DecisionSaturated, Reasoning: "two consecutive queries yielded nothing new"}, nil
	}

	used := make(map[string]struct{}, n)
	for _, e := range in.History {
		used[strings.ToLower(strings.TrimSpace(e.Query))] = struct{}{}
	}
	base := keywords(in.Hypothesis.Statement, 4)

	candidates := append([]string(nil), in.Hypothesis.InformationGaps...)
	for _, e := range in.Hypothesis.SearchStrategy.ExpectedEntities {
		candidates = append(candidates, strings.TrimSpace(e+" "+base))
	}
	candidates = append(candidates, base)

	for i, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, done := used[strings.ToLower(c)]; done {
			continue
		}
		remaining := make([]string, 0, len(in.Hypothesis.InformationGaps))
		for _, g := range in.Hypothesis.InformationGaps {
			if g != c {
				remaining = append(remaining, g)
			}
		}
		return &Decision{
			Decision:      DecisionContinue,
			Reasoning:     fmt.Sprintf("untried angle %d of %d", i+1, len(candidates)),
			NextQuery:     c,
			RemainingGaps: remaining,
		}, nil
	}
	return &Decision{Decision: DecisionSaturated, Reasoning: "no untried angles left"}, nil
}

func (h *Heuristic) GenerateQuery(_ context.Context, in QueryContext) (string, error) {
	if q := in.Hypothesis.SignalsQuery(); q != "" {
		return q, nil
	}
	return keywords(in.Hypothesis.Statement, 6), nil
}

// Assess stops once two or more hypotheses ran and the latest added little.
func (h *Heuristic) Assess(_ context.Context, task *models.ResearchTask, _ string, startedAt time.Time) (*CoverageAssessment, error) {
	runs := task.Runs()
	if len(runs) < 2 {
		return &CoverageAssessment{Decision: CoverageContinue, Assessment: "not enough hypotheses run yet"}, nil
	}
	last := runs[len(runs)-1]
	if last.Delta.NoveltyRatio < h.MinNovelty {
		return &CoverageAssessment{
			Decision:   CoverageStop,
			Assessment: fmt.Sprintf("latest hypothesis novelty %.2f below %.2f after %s", last.Delta.NoveltyRatio, h.MinNovelty, time.Since(startedAt).Round(time.Second)),
		}, nil
	}
	return &CoverageAssessment{Decision: CoverageContinue, Assessment: fmt.Sprintf("latest hypothesis novelty %.2f", last.Delta.NoveltyRatio)}, nil
}

// Filter keeps results sharing at least one keyword with the context.
func (h *Heuristic) Filter(_ context.Context, taskContext, _ string, results []models.Result) (*RelevanceVerdict, error) {
	terms := strings.Fields(keywords(taskContext, 0))
	v := &RelevanceVerdict{ShouldContinue: true}
	for i, r := range results {
		text := strings.ToLower(r.Title + " " + r.Snippet)
		for _, t := range terms {
			if strings.Contains(text, t) {
				v.RelevantIndices = append(v.RelevantIndices, i)
				break
			}
		}
	}
	v.ShouldAccept = len(v.RelevantIndices) > 0
	if v.ShouldAccept {
		v.Reason = fmt.Sprintf("%d of %d results share terms with the context", len(v.RelevantIndices), len(results))
	} else {
		v.Reason = "no result mentions the context terms"
	}
	return v, nil
}

// Extract returns the most frequent capitalised phrases and acronyms.
func (h *Heuristic) Extract(_ context.Context, results []models.Result, _, _ string) ([]string, error) {
	if len(results) == 0 {
		return nil, nil
	}
	counts := map[string]int{}
	first := map[string]int{}
	order := 0
	for _, r := range results {
		for _, p := range properPhrases(r.Title + ". " + r.Snippet) {
			if _, ok := first[p]; !ok {
				first[p] = order
				order++
			}
			counts[p]++
		}
	}
	phrases := make([]string, 0, len(counts))
	for p := range counts {
		phrases = append(phrases, p)
	}
	sort.Slice(phrases, func(i, j int) bool {
		if counts[phrases[i]] != counts[phrases[j]] {
			return counts[phrases[i]] > counts[phrases[j]]
		}
		return first[phrases[i]] < first[phrases[j]]
	})
	return capEntities(phrases, h.MaxEntities), nil
}

// FilterEntities keeps everything.
func (h *Heuristic) FilterEntities(_ context.Context, _ string, entities []string) ([]string, error) {
	return append([]string(nil), entities...), nil
}

var commonWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "and": {}, "or": {}, "in": {}, "on": {}, "for": {},
	"to": {}, "by": {}, "with": {}, "is": {}, "are": {}, "was": {}, "were": {}, "did": {}, "does": {},
	"has": {}, "have": {}, "had": {}, "that": {}, "this": {}, "which": {}, "who": {}, "what": {},
	"when": {}, "where": {}, "how": {}, "why": {}, "from": {}, "as": {}, "at": {}, "be": {}, "its": {},
	"their": {}, "any": {}, "there": {}, "about": {}, "between": {}, "into": {}, "than": {},
}

// keywords lowercases text, drops common words and keeps the first n (0 = all).
func keywords(text string, n int) string {
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		if _, skip := commonWords[f]; skip || len(f) < 3 {
			continue
		}
		out = append(out, f)
		if n > 0 && len(out) == n {
			break
		}
	}
	return strings.Join(out, " ")
}

// properPhrases finds runs of two or more capitalised words, and acronyms of three or more letters.
func properPhrases(text string) []string {
	var out, run []string
	flush := func() {
		if len(run) >= 2 {
			out = append(out, strings.Join(run, " "))
		}
		run = run[:0]
	}
	for _, w := range strings.Fields(text) {
		trimmed := strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if trimmed == "" {
			flush()
			continue
		}
		if isAcronym(trimmed) {
			flush()
			out = append(out, trimmed)
			continue
		}
		r := []rune(trimmed)
		_, common := commonWords[strings.ToLower(trimmed)]
		if unicode.IsUpper(r[0]) && !common {
			run = append(run, trimmed)
		} else {
			flush()
		}
		if strings.ContainsAny(w[len(w)-1:], ".,;:!?") {
			flush()
		}
	}
	flush()
	return out
}

func isAcronym(w string) bool {
	if len(w) < 3 || len(w) > 6 {
		return false
	}
	for _, r := range w {
		if !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}
