package policy

import (
	"container/list"
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/sources"
)

// DecisionQuery is the rule every policy bundle must define. It may evaluate
// to a boolean or to an object {"allow": bool, "reason": string}.
const DecisionQuery = "data.dossier.sources.decision"

// Input is what policies see as `input`.
type Input struct {
	Source      string `json:"source"`
	Question    string `json:"question"`
	Environment string `json:"environment"`
}

// Decision is the policy verdict for one source.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Engine evaluates source access policies with OPA. It implements
// sources.AccessPolicy.
type Engine struct {
	config *Config
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	enabled  bool
	cache    *decisionCache
}

// NewEngine compiles the policies under cfg.Path. With FailClosed a load
// failure is returned; otherwise the engine starts disabled and allows everything.
func NewEngine(cfg *Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		config:  cfg,
		logger:  logger,
		enabled: cfg.Enabled && cfg.Mode != ModeOff,
		cache:   newDecisionCache(1000, 5*time.Minute),
	}
	if e.enabled {
		if err := e.LoadPolicies(); err != nil {
			if cfg.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			e.enabled = false
		}
	}
	return e, nil
}

// NewEngineFromModules compiles in-memory modules (module name -> source).
func NewEngineFromModules(cfg *Config, modules map[string]string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{config: cfg, logger: logger, enabled: true, cache: newDecisionCache(1000, 5*time.Minute)}
	if err := e.compile(modules); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadPolicies (re)loads and compiles every .rego file under the configured
// path. On failure the previously compiled policies stay active.
func (e *Engine) LoadPolicies() error {
	modules := make(map[string]string)
	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") || strings.HasSuffix(info.Name(), "_test.rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(e.config.Path, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		recordError("load")
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}
	if len(modules) == 0 {
		recordError("load")
		return fmt.Errorf("no policies found in %s", e.config.Path)
	}
	return e.compile(modules)
}

func (e *Engine) compile(modules map[string]string) error {
	opts := []func(*rego.Rego){rego.Query(DecisionQuery)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		recordError("compile")
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	e.mu.Lock()
	e.compiled = &compiled
	e.enabled = true
	e.mu.Unlock()
	e.cache.Clear()
	filesLoaded.Set(float64(len(modules)))

	e.logger.Info("Policies loaded and compiled",
		zap.Int("policy_count", len(modules)),
		zap.String("decision_query", DecisionQuery),
	)
	return nil
}

// Evaluate returns the verdict for one source and question, applying the
// configured mode. Errors come back with the fail-open/fail-closed default.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	started := time.Now()
	e.mu.RLock()
	compiled, enabled := e.compiled, e.enabled
	e.mu.RUnlock()

	if !enabled || compiled == nil {
		return Decision{Allow: !e.config.FailClosed || !e.config.Enabled, Reason: "policy engine disabled"}, nil
	}
	if input.Environment == "" {
		input.Environment = e.config.Environment
	}
	if d, ok := e.cache.Get(input); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		return d, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	rs, err := compiled.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"source":      input.Source,
		"question":    input.Question,
		"environment": input.Environment,
	}))
	if err != nil {
		recordError("evaluation")
		e.logger.Error("Policy evaluation failed", zap.String("source", input.Source), zap.Error(err))
		return Decision{Allow: !e.config.FailClosed, Reason: "policy evaluation error"}, err
	}

	d := parseResults(rs)
	if e.config.Mode == ModeDryRun && !d.Allow {
		dryRunDivergence.Inc()
		e.logger.Info("Dry-run policy would deny source",
			zap.String("source", input.Source),
			zap.String("reason", d.Reason),
		)
		d = Decision{Allow: true, Reason: "DRY-RUN: would have been denied - " + d.Reason}
	}

	label := "allow"
	if !d.Allow {
		label = "deny"
	}
	recordEvaluation(label, string(e.config.Mode), input.Source, time.Since(started).Seconds())
	e.cache.Set(input, d)
	return d, nil
}

// AllowSource adapts Evaluate to the registry's access check.
func (e *Engine) AllowSource(ctx context.Context, source sources.SourceID, question string) (bool, string, error) {
	d, err := e.Evaluate(ctx, Input{Source: string(source), Question: question})
	return d.Allow, d.Reason, err
}

// IsEnabled reports whether policies are compiled and consulted.
func (e *Engine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.compiled != nil
}

func parseResults(rs rego.ResultSet) Decision {
	d := Decision{Allow: false, Reason: "no matching policy rules"}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return d
	}
	switch v := rs[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := v["allow"].(bool); ok {
			d.Allow = allow
		}
		if reason, ok := v["reason"].(string); ok {
			d.Reason = reason
		}
	case bool:
		d.Allow = v
		d.Reason = "denied by policy"
		if v {
			d.Reason = "allowed by policy"
		}
	}
	return d
}

// decisionCache is a small LRU with TTL keyed by environment, source and a
// hash of the question.
type decisionCache struct {
	cap  int
	ttl  time.Duration
	mu   sync.Mutex
	list *list.List
	m    map[string]*list.Element
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  Decision
}

func newDecisionCache(capacity int, ttl time.Duration) *decisionCache {
	return &decisionCache{cap: capacity, ttl: ttl, list: list.New(), m: make(map[string]*list.Element)}
}

func (c *decisionCache) key(in Input) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(in.Question)))
	return fmt.Sprintf("%s|%s|%x", in.Environment, in.Source, h.Sum64())
}

func (c *decisionCache) Get(in Input) (Decision, bool) {
	k := c.key(in)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[k]
	if !ok {
		return Decision{}, false
	}
	ce := el.Value.(cacheEntry)
	if time.Now().After(ce.expiresAt) {
		c.list.Remove(el)
		delete(c.m, k)
		return Decision{}, false
	}
	c.list.MoveToFront(el)
	return ce.decision, true
}

func (c *decisionCache) Set(in Input, d Decision) {
	k := c.key(in)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := cacheEntry{key: k, expiresAt: time.Now().Add(c.ttl), decision: d}
	if el, ok := c.m[k]; ok {
		el.Value = entry
		c.list.MoveToFront(el)
		return
	}
	c.m[k] = c.list.PushFront(entry)
	if c.list.Len() > c.cap {
		lru := c.list.Back()
		delete(c.m, lru.Value.(cacheEntry).key)
		c.list.Remove(lru)
	}
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
	c.mu.Unlock()
}
