// Package entitygraph maintains the per-run entity co-occurrence graph.
//
// Edges are inserted in list order only: observing ["a", "b"] records a->b.
// The reverse edge exists only if "b" is later observed before "a".
package entitygraph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/streaming"
)

// Graph maps a normalized entity name to the entities observed after it in
// the same batch. Safe for concurrent use.
type Graph struct {
	mu     sync.Mutex
	adj    map[string][]string
	runID  string
	events streaming.Publisher
	logger *zap.Logger
}

// New creates an empty graph for one run.
func New(runID string, events streaming.Publisher, logger *zap.Logger) *Graph {
	if events == nil {
		events = streaming.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		adj:    make(map[string][]string),
		runID:  runID,
		events: events,
		logger: logger,
	}
}

// Normalize trims and lowercases names and drops empties. Order and repeats are kept.
func Normalize(entities []string) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// Update records co-occurrence for every pair i<j of one batch of extracted
// entities and returns the number of new edges.
func (g *Graph) Update(entities []string) int {
	names := Normalize(entities)
	if len(names) == 0 {
		return 0
	}

	type edge struct{ from, to string }
	var added []edge

	g.mu.Lock()
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			a, b := names[i], names[j]
			if _, ok := g.adj[a]; !ok {
				g.adj[a] = []string{}
			}
			if a == b || contains(g.adj[a], b) {
				continue
			}
			g.adj[a] = append(g.adj[a], b)
			added = append(added, edge{a, b})
		}
	}
	g.mu.Unlock()

	for _, e := range added {
		g.events.Publish(g.runID, streaming.Event{
			Type:    streaming.EventRelationshipDiscovered,
			Message: fmt.Sprintf("%s -> %s", e.from, e.to),
			Data:    map[string]interface{}{"from": e.from, "to": e.to},
		})
	}
	if len(added) > 0 {
		g.logger.Debug("Entity relationships discovered",
			zap.String("run_id", g.runID),
			zap.Int("new_edges", len(added)))
	}
	return len(added)
}

// Retain drops every entity not in keep, and any edge pointing at one.
// It never adds entities. Returns how many entities were removed.
func (g *Graph) Retain(keep []string) int {
	allowed := make(map[string]struct{}, len(keep))
	for _, k := range Normalize(keep) {
		allowed[k] = struct{}{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for node := range g.adj {
		if _, ok := allowed[node]; !ok {
			delete(g.adj, node)
			removed++
		}
	}
	for node, neighbours := range g.adj {
		kept := neighbours[:0]
		for _, n := range neighbours {
			if _, ok := allowed[n]; ok {
				kept = append(kept, n)
			}
		}
		g.adj[node] = kept
	}
	return removed
}

// Neighbours returns a copy of an entity's adjacency list.
func (g *Graph) Neighbours(entity string) []string {
	key := strings.ToLower(strings.TrimSpace(entity))
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.adj[key]...)
}

// Entities returns every node, sorted.
func (g *Graph) Entities() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.adj))
	for k := range g.adj {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep copy of the adjacency map.
func (g *Graph) Snapshot() map[string][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string][]string, len(g.adj))
	for k, v := range g.adj {
		out[k] = append([]string{}, v...)
	}
	return out
}

func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.adj)
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
