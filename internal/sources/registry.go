package sources

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/config"
	"github.com/Kocoro-lab/dossier/internal/metrics"
	"github.com/Kocoro-lab/dossier/internal/ratecontrol"
	"github.com/Kocoro-lab/dossier/internal/tracing"
)

// AccessPolicy decides whether a source may be queried for a question.
type AccessPolicy interface {
	AllowSource(ctx context.Context, source SourceID, question string) (bool, string, error)
}

// Resolved is a source that passed resolution for one question.
type Resolved struct {
	ID          SourceID
	DisplayName string
	Client      Client
}

// Skip reasons reported by Resolve.
const (
	SkipUnknown    = "unknown"
	SkipDisabled   = "disabled"
	SkipIrrelevant = "irrelevant"
	SkipDenied     = "policy_denied"
)

// Skipped is a source identifier that Resolve dropped.
type Skipped struct {
	Raw    string
	Reason string
}

// Registry maps source identifiers to clients. Clients are registered once at
// startup; ApplySettings swaps display names, enablement and pacing.
type Registry struct {
	mu           sync.RWMutex
	clients      map[SourceID]Client
	displayNames map[SourceID]string
	disabled     map[SourceID]bool
	pacer        *ratecontrol.Pacer
	policy       AccessPolicy
	logger       *zap.Logger
}

// NewRegistry creates an empty registry. policy may be nil.
func NewRegistry(policy AccessPolicy, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		clients:      make(map[SourceID]Client),
		displayNames: make(map[SourceID]string),
		disabled:     make(map[SourceID]bool),
		pacer:        ratecontrol.NewPacer(nil),
		policy:       policy,
		logger:       logger,
	}
}

// Register adds or replaces a client.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	r.clients[c.ID()] = c
	r.mu.Unlock()
}

// ApplySettings applies sources.yaml: display names, enabled flags and
// per-source request rates.
func (r *Registry) ApplySettings(cfg config.SourcesConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	limits := make(map[string]ratecontrol.Limit, len(r.clients))
	r.displayNames = make(map[SourceID]string, len(cfg.Sources))
	r.disabled = make(map[SourceID]bool)
	for id := range r.clients {
		s := cfg.Get(string(id))
		if _, configured := cfg.Sources[string(id)]; configured {
			r.displayNames[id] = s.DisplayName
		}
		r.disabled[id] = !s.IsEnabled()
		limits[string(id)] = ratecontrol.Limit{RPS: s.RequestsPerSecond, Burst: s.Burst}
	}
	r.pacer.Update(limits)
}

// Get returns the client for an identifier.
func (r *Registry) Get(raw string) (Client, error) {
	id, _ := ParseSourceID(raw)
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, raw)
	}
	return c, nil
}

// DisplayName is the configured name, falling back to the client's own.
func (r *Registry) DisplayName(id SourceID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.displayNames[id]; ok && n != "" {
		return n
	}
	if c, ok := r.clients[id]; ok {
		return c.DisplayName()
	}
	return string(id)
}

// IDs returns the registered source ids, sorted.
func (r *Registry) IDs() []SourceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]SourceID, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Resolve maps a hypothesis's abstract source identifiers to queryable
// sources for question. Duplicates collapse; unknown, disabled, irrelevant and
// policy-denied sources are dropped and reported, never returned as errors.
func (r *Registry) Resolve(ctx context.Context, ids []string, question string) ([]Resolved, []Skipped) {
	var out []Resolved
	var skipped []Skipped
	seen := make(map[SourceID]struct{}, len(ids))

	for _, raw := range ids {
		id, _ := ParseSourceID(raw)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		r.mu.RLock()
		client, ok := r.clients[id]
		disabled := r.disabled[id]
		r.mu.RUnlock()

		reason := ""
		switch {
		case !ok:
			reason = SkipUnknown
		case disabled:
			reason = SkipDisabled
		case !client.IsRelevant(ctx, question):
			reason = SkipIrrelevant
		default:
			if r.policy != nil {
				allowed, why, err := r.policy.AllowSource(ctx, id, question)
				if err != nil {
					// Fail closed: a broken policy must not widen access.
					r.logger.Warn("Source policy evaluation failed", zap.String("source", string(id)), zap.Error(err))
					allowed = false
				}
				if !allowed {
					reason = SkipDenied
					if why != "" {
						reason = SkipDenied + ": " + why
					}
				}
			}
		}
		if reason != "" {
			r.logger.Debug("Source skipped during resolution", zap.String("source", raw), zap.String("reason", reason))
			metrics.SourcesSkipped.WithLabelValues(string(id), skipLabel(reason)).Inc()
			skipped = append(skipped, Skipped{Raw: raw, Reason: reason})
			continue
		}
		out = append(out, Resolved{ID: id, DisplayName: r.DisplayName(id), Client: client})
	}
	return out, skipped
}

func skipLabel(reason string) string {
	if strings.HasPrefix(reason, SkipDenied) {
		return SkipDenied
	}
	return reason
}

// Search runs one free-text query against a resolved source: pace, build
// parameters, execute. A source that declines to build a query yields an empty
// successful response with Skipped set. A response reporting failure is
// returned together with an error carrying its text.
func (r *Registry) Search(ctx context.Context, src Resolved, queryText string, limit int) (*SearchResponse, error) {
	ctx, span := tracing.StartSourceSpan(ctx, string(src.ID), queryText)
	var err error
	defer func() { tracing.End(span, err) }()

	if err = r.pacer.Wait(ctx, string(src.ID)); err != nil {
		return nil, err
	}

	var params *QueryParams
	params, err = src.Client.GenerateQuery(ctx, queryText)
	if err != nil {
		err = fmt.Errorf("%s: generate query: %w", src.DisplayName, err)
		return nil, err
	}
	if params == nil {
		return &SearchResponse{Success: true, SourceName: src.DisplayName, Skipped: true}, nil
	}

	started := time.Now()
	var resp *SearchResponse
	resp, err = src.Client.ExecuteSearch(ctx, *params, limit)
	status := "success"
	if err == nil && resp != nil && !resp.Success {
		err = fmt.Errorf("%s: %s", src.DisplayName, resp.Error)
	}
	if err == nil && resp == nil {
		err = fmt.Errorf("%s: empty response", src.DisplayName)
	}
	if err != nil {
		status = "error"
	}
	metrics.RecordSourceRequest(string(src.ID), status, time.Since(started).Seconds())
	if err != nil {
		return resp, err
	}
	for i := range resp.Results {
		if resp.Results[i].Source == "" {
			resp.Results[i].Source = src.DisplayName
		}
	}
	return resp, nil
}
