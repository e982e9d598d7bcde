package circuitbreaker

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// SourceClass is the static rate-limit classification of one source.
type SourceClass struct {
	Critical           bool
	UseCircuitBreaker  bool
	RetryWithinSession bool
	CooldownSeconds    int
}

// DefaultSourceClass applies to sources without explicit classification:
// short cooldown, worth retrying within the run.
var DefaultSourceClass = SourceClass{RetryWithinSession: true, CooldownSeconds: 60}

// Classifier returns the classification for a source display name.
type Classifier interface {
	Classify(sourceDisplayName string) SourceClass
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(string) SourceClass

func (f ClassifierFunc) Classify(name string) SourceClass { return f(name) }

// RateLimitAction is what RecordFailure did with a rate-limit signal.
type RateLimitAction string

const (
	ActionIgnored        RateLimitAction = "ignored"        // not a rate-limit error
	ActionRetryCritical  RateLimitAction = "retry_critical" // critical source, kept
	ActionSkipped        RateLimitAction = "skipped"        // added to the skip set
	ActionAlreadySkipped RateLimitAction = "already_skipped"
	ActionCooldown       RateLimitAction = "cooldown" // short cooldown, kept
)

// IsRateLimitError reports whether an error text signals rate limiting.
func IsRateLimitError(errText string) bool {
	lower := strings.ToLower(errText)
	return strings.Contains(lower, "429") || strings.Contains(lower, "rate limit")
}

// RateLimitBreaker tracks the sources retired for the remainder of one run
// after signalling rate limiting. The set only grows. Safe for concurrent use.
type RateLimitBreaker struct {
	mu         sync.RWMutex
	limited    map[string]struct{}
	classifier Classifier
	logger     *zap.Logger
}

// NewRateLimitBreaker creates an empty breaker; a nil classifier applies DefaultSourceClass to everything.
func NewRateLimitBreaker(classifier Classifier, logger *zap.Logger) *RateLimitBreaker {
	if classifier == nil {
		classifier = ClassifierFunc(func(string) SourceClass { return DefaultSourceClass })
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimitBreaker{
		limited:    make(map[string]struct{}),
		classifier: classifier,
		logger:     logger,
	}
}

// ShouldSkip reports whether the source was retired earlier in this run.
func (b *RateLimitBreaker) ShouldSkip(sourceDisplayName string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.limited[sourceDisplayName]
	return ok
}

// RecordFailure inspects a failed call's error text and, when it signals
// rate limiting, applies the source's classification:
// critical sources are never skipped; sources not worth retrying within the
// session, or with the breaker explicitly enabled, are skipped for the rest
// of the run; everything else only logs its advisory cooldown.
func (b *RateLimitBreaker) RecordFailure(sourceDisplayName, errText string) RateLimitAction {
	if !IsRateLimitError(errText) {
		return ActionIgnored
	}

	class := b.classifier.Classify(sourceDisplayName)
	log := b.logger.With(zap.String("source", sourceDisplayName))

	var action RateLimitAction
	switch {
	case class.Critical:
		log.Warn("Critical source rate limited; will keep retrying")
		action = ActionRetryCritical
	case !class.RetryWithinSession || class.UseCircuitBreaker:
		if b.add(sourceDisplayName) {
			log.Warn("Source rate limited; skipping for the rest of the run",
				zap.Bool("retry_within_session", class.RetryWithinSession),
				zap.Bool("use_circuit_breaker", class.UseCircuitBreaker),
				zap.Int("cooldown_seconds", class.CooldownSeconds))
			action = ActionSkipped
		} else {
			action = ActionAlreadySkipped
		}
	default:
		log.Info("Source rate limited; short cooldown, continuing",
			zap.Int("cooldown_seconds", class.CooldownSeconds))
		action = ActionCooldown
	}
	rateLimitSignals.WithLabelValues(sourceDisplayName, string(action)).Inc()
	return action
}

func (b *RateLimitBreaker) add(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.limited[name]; ok {
		return false
	}
	b.limited[name] = struct{}{}
	rateLimitedSources.Inc()
	return true
}

// Limited returns the retired sources, sorted.
func (b *RateLimitBreaker) Limited() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.limited))
	for name := range b.limited {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Release is called when the run ends; it only settles the gauge.
func (b *RateLimitBreaker) Release() {
	b.mu.RLock()
	n := len(b.limited)
	b.mu.RUnlock()
	rateLimitedSources.Sub(float64(n))
}
