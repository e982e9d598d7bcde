package circuitbreaker

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPDoer is satisfied by *http.Client and *HTTPWrapper.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPWrapper wraps an http.Client with a circuit breaker and records metrics consistently
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	name    string
	service string
	logger  *zap.Logger
}

// NewHTTPWrapper creates a wrapper whose breaker is configured by cfg
func NewHTTPWrapper(client *http.Client, name, service string, cfg CircuitBreakerConfig, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(name, cfg.ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)
	return &HTTPWrapper{client: client, cb: cb, name: name, service: service, logger: logger}
}

// Do sends req through the breaker. 5xx responses count as breaker failures
// but are still returned to the caller. 4xx, including 429, never trip the
// breaker: rate limiting is handled per run by RateLimitBreaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	done, err := hw.cb.Allow()
	if err != nil {
		GlobalMetricsCollector.RecordRequest(hw.name, hw.service, hw.cb.State(), false)
		return nil, fmt.Errorf("%s: %w", hw.name, err)
	}

	resp, err := hw.client.Do(req)
	switch {
	case err != nil:
		done(err)
	case resp.StatusCode >= http.StatusInternalServerError:
		done(fmt.Errorf("%s returned %d", hw.name, resp.StatusCode))
	default:
		done(nil)
	}
	GlobalMetricsCollector.RecordRequest(hw.name, hw.service, hw.cb.State(),
		err == nil && resp.StatusCode < http.StatusInternalServerError)
	return resp, err
}

// State exposes the breaker state for health reporting
func (hw *HTTPWrapper) State() State { return hw.cb.State() }
