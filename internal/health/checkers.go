package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
)

const slowThreshold = 250 * time.Millisecond

// latencyResult turns a probe outcome into a result, degrading slow successes.
func latencyResult(name string, start time.Time, err error) CheckResult {
	d := time.Since(start)
	details := map[string]interface{}{"latency_ms": d.Milliseconds()}
	switch {
	case err != nil:
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: name + " unreachable", Details: details}
	case d > slowThreshold:
		return CheckResult{Status: StatusDegraded, Message: name + " responding with high latency", Details: details}
	default:
		return CheckResult{Status: StatusHealthy, Message: name + " healthy", Details: details}
	}
}

// RedisChecker pings the event mirror and graph store.
type RedisChecker struct {
	client   redis.UniversalClient
	critical bool
}

func NewRedisChecker(client redis.UniversalClient, critical bool) *RedisChecker {
	return &RedisChecker{client: client, critical: critical}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return r.critical }
func (r *RedisChecker) Timeout() time.Duration { return 3 * time.Second }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	return latencyResult("Redis", start, r.client.Ping(ctx).Err())
}

// Pinger is satisfied by *db.Client and *sql.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker pings the audit store.
type DatabaseChecker struct {
	db Pinger
}

func NewDatabaseChecker(db Pinger) *DatabaseChecker { return &DatabaseChecker{db: db} }

func (d *DatabaseChecker) Name() string           { return "database" }
func (d *DatabaseChecker) IsCritical() bool       { return false } // audit writes are best-effort
func (d *DatabaseChecker) Timeout() time.Duration { return 5 * time.Second }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	return latencyResult("Database", start, d.db.Ping(ctx))
}

// HTTPChecker probes an HTTP dependency such as the LLM service; any 2xx is up.
type HTTPChecker struct {
	name     string
	url      string
	client   *http.Client
	critical bool
}

func NewHTTPChecker(name, url string, critical bool) *HTTPChecker {
	return &HTTPChecker{name: name, url: url, client: &http.Client{}, critical: critical}
}

func (h *HTTPChecker) Name() string           { return h.name }
func (h *HTTPChecker) IsCritical() bool       { return h.critical }
func (h *HTTPChecker) Timeout() time.Duration { return 5 * time.Second }

func (h *HTTPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return latencyResult(h.name, start, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return latencyResult(h.name, start, err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return latencyResult(h.name, start, fmt.Errorf("status %d", resp.StatusCode))
	}
	return latencyResult(h.name, start, nil)
}

// TemporalChecker asks the Temporal frontend for its health.
type TemporalChecker struct {
	client client.Client
}

func NewTemporalChecker(c client.Client) *TemporalChecker { return &TemporalChecker{client: c} }

func (t *TemporalChecker) Name() string           { return "temporal" }
func (t *TemporalChecker) IsCritical() bool       { return true }
func (t *TemporalChecker) Timeout() time.Duration { return 5 * time.Second }

func (t *TemporalChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	_, err := t.client.CheckHealth(ctx, &client.CheckHealthRequest{})
	return latencyResult("Temporal", start, err)
}
