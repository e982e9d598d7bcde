// Package circuitbreaker holds the two breakers the research engine relies on:
// the rate-limit breaker that retires sources for the rest of a run, and a
// generic closed/half-open/open breaker guarding outbound HTTP calls to
// sources and the LLM service.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the position of a generic breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// Config tunes a breaker.
type Config struct {
	MaxRequests      uint32        // probes admitted while half-open
	Interval         time.Duration // closed-state count window; 0 keeps counts forever
	Timeout          time.Duration // open period before probing
	FailureThreshold uint32        // consecutive failures that open the breaker
	SuccessThreshold uint32        // consecutive probe successes that close it

	// IsSuccessful classifies an outcome. Nil means err == nil. Context
	// cancellation is never counted either way.
	IsSuccessful  func(err error) bool
	OnStateChange func(name string, from, to State)
}

func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts covers the current generation only; every state change starts a new one.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) success() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	deadline   time.Time // closed: end of count window; open: end of cool-off
}

func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{name: name, config: config, logger: logger, now: time.Now}
	cb.reset(cb.now())
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

// Execute runs fn unless the breaker rejects it. A cancelled context is
// returned as-is and leaves the counts alone; a panic in fn counts as a
// failure and is re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	generation, err := cb.admit()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			cb.report(generation, outcomeFailure)
			panic(r)
		}
	}()

	err = fn()
	cb.report(generation, cb.classify(err))
	return err
}

// Allow admits one request for callers that cannot wrap the call in a
// closure. The returned done must be called once with the call's error.
func (cb *CircuitBreaker) Allow() (done func(err error), err error) {
	generation, err := cb.admit()
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.report(generation, cb.classify(err)) })
	}, nil
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.advance(cb.now())
	if state == StateOpen {
		return 0, ErrCircuitBreakerOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests {
		return 0, ErrTooManyRequests
	}
	cb.counts.Requests++
	return cb.generation, nil
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.advance(cb.now())
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

func (cb *CircuitBreaker) classify(err error) outcome {
	switch {
	case errors.Is(err, context.Canceled):
		return outcomeIgnored
	case cb.config.IsSuccessful != nil:
		if cb.config.IsSuccessful(err) {
			return outcomeSuccess
		}
		return outcomeFailure
	case err == nil:
		return outcomeSuccess
	default:
		return outcomeFailure
	}
}

// report records an outcome. Reports from a generation that has since ended
// are dropped.
func (cb *CircuitBreaker) report(generation uint64, o outcome) {
	if o == outcomeIgnored {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state := cb.advance(now)
	if generation != cb.generation {
		return
	}

	if o == outcomeSuccess {
		cb.counts.success()
		if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}
	cb.counts.failure()
	switch {
	case state == StateHalfOpen:
		cb.transition(StateOpen, now)
	case state == StateClosed && cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold:
		cb.transition(StateOpen, now)
	}
}

// advance applies deadline-driven changes: the closed window rolls over and
// an open breaker starts probing once its cool-off ends.
func (cb *CircuitBreaker) advance(now time.Time) State {
	if cb.deadline.IsZero() || now.Before(cb.deadline) {
		return cb.state
	}
	switch cb.state {
	case StateClosed:
		cb.reset(now)
	case StateOpen:
		cb.transition(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.reset(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// reset starts a new generation with zero counts and the deadline of the
// current state.
func (cb *CircuitBreaker) reset(now time.Time) {
	cb.generation++
	cb.counts = Counts{}
	cb.deadline = time.Time{}
	switch cb.state {
	case StateClosed:
		if cb.config.Interval > 0 {
			cb.deadline = now.Add(cb.config.Interval)
		}
	case StateOpen:
		cb.deadline = now.Add(cb.config.Timeout)
	}
}
