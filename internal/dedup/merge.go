// Package dedup merges result sets by URL identity while keeping every
// hypothesis that surfaced a URL attributed to it.
package dedup

import (
	"github.com/Kocoro-lab/dossier/internal/models"
)

// Merger accumulates results in arrival order. Results without a URL are
// always appended; a URL already present merges its attribution into the
// canonical record instead of adding a second entry.
//
// A Merger is not safe for concurrent use.
type Merger struct {
	index map[string]int
	out   []models.Result
}

func NewMerger() *Merger {
	return &Merger{index: make(map[string]int)}
}

// Add merges results into the pool and returns how many were folded into an
// existing record.
func (m *Merger) Add(results ...models.Result) int {
	merged := 0
	for _, r := range results {
		key := URLKey(r)
		if key == "" {
			m.out = append(m.out, r.Clone())
			continue
		}
		if idx, ok := m.index[key]; ok {
			mergeAttribution(&m.out[idx], r)
			merged++
			continue
		}
		m.index[key] = len(m.out)
		m.out = append(m.out, r.Clone())
	}
	return merged
}

// Results returns a copy of the merged pool.
func (m *Merger) Results() []models.Result {
	out := make([]models.Result, len(m.out))
	for i, r := range m.out {
		out[i] = r.Clone()
	}
	return out
}

func (m *Merger) Len() int { return len(m.out) }

// Merge merges batches in order.
func Merge(batches ...[]models.Result) []models.Result {
	m := NewMerger()
	for _, b := range batches {
		m.Add(b...)
	}
	return m.Results()
}

// mergeAttribution folds incoming's hypothesis ids into canonical. A single
// id on the canonical record is converted to the list form first.
func mergeAttribution(canonical *models.Result, incoming models.Result) {
	ids := incoming.Attribution()
	if len(ids) == 0 {
		return
	}
	if canonical.HypothesisID != nil {
		canonical.HypothesisIDs = []int{*canonical.HypothesisID}
		canonical.HypothesisID = nil
	}
	for _, id := range ids {
		if !containsInt(canonical.HypothesisIDs, id) {
			canonical.HypothesisIDs = append(canonical.HypothesisIDs, id)
		}
	}
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// TagHypothesis deduplicates one hypothesis's collected results by URL
// (first seen wins) and attributes every survivor to hypothesisID alone.
func TagHypothesis(results []models.Result, hypothesisID int) []models.Result {
	seen := make(map[string]struct{}, len(results))
	out := make([]models.Result, 0, len(results))
	for _, r := range results {
		if key := URLKey(r); key != "" {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		tagged := r.Clone()
		tagged.HypothesisIDs = nil
		tagged.HypothesisID = models.IntPtr(hypothesisID)
		out = append(out, tagged)
	}
	return out
}

// FirstSeen drops every later record of a URL already present, without
// merging attribution, and reports how many were dropped. Results without a
// URL are kept.
func FirstSeen(results []models.Result) ([]models.Result, int) {
	seen := make(map[string]struct{}, len(results))
	out := make([]models.Result, 0, len(results))
	removed := 0
	for _, r := range results {
		if key := URLKey(r); key != "" {
			if _, dup := seen[key]; dup {
				removed++
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, r)
	}
	return out, removed
}
