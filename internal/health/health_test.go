package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type stubChecker struct {
	name     string
	status   CheckStatus
	critical bool
}

func (s stubChecker) Name() string           { return s.name }
func (s stubChecker) IsCritical() bool       { return s.critical }
func (s stubChecker) Timeout() time.Duration { return time.Second }
func (s stubChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: s.status}
}

type panicChecker struct{ stubChecker }

func (panicChecker) Check(context.Context) CheckResult { panic("boom") }

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	c := NewRedisChecker(rc, false)
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	mr.Close()
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestDatabaseChecker(t *testing.T) {
	ok := NewDatabaseChecker(pingerFunc(func(context.Context) error { return nil }))
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)
	assert.False(t, ok.IsCritical())

	down := NewDatabaseChecker(pingerFunc(func(context.Context) error { return errors.New("connection refused") }))
	res := down.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "connection refused", res.Error)
}

func TestHTTPChecker(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer up.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	assert.Equal(t, StatusHealthy, NewHTTPChecker("llm-service", up.URL+"/health", true).Check(context.Background()).Status)
	res := NewHTTPChecker("llm-service", broken.URL+"/health", true).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "status 502", res.Error)
}

func TestManagerAggregation(t *testing.T) {
	tests := []struct {
		name      string
		checkers  []Checker
		want      CheckStatus
		wantReady bool
	}{
		{name: "none", want: StatusUnknown},
		{name: "all healthy", checkers: []Checker{
			stubChecker{name: "a", status: StatusHealthy, critical: true},
			stubChecker{name: "b", status: StatusHealthy},
		}, want: StatusHealthy, wantReady: true},
		{name: "critical down", checkers: []Checker{
			stubChecker{name: "a", status: StatusUnhealthy, critical: true},
			stubChecker{name: "b", status: StatusHealthy},
		}, want: StatusUnhealthy},
		{name: "non critical down", checkers: []Checker{
			stubChecker{name: "a", status: StatusHealthy, critical: true},
			stubChecker{name: "b", status: StatusUnhealthy},
		}, want: StatusDegraded, wantReady: true},
		{name: "panicking checker", checkers: []Checker{
			panicChecker{stubChecker{name: "p", critical: true}},
		}, want: StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				require.NoError(t, m.RegisterChecker(c))
			}
			d := m.GetDetailedHealth(context.Background())
			assert.Equal(t, tt.want, d.Overall.Status)
			assert.Equal(t, tt.wantReady, d.Overall.Ready)
			assert.True(t, d.Overall.Live)
			assert.Len(t, d.Components, len(tt.checkers))
			assert.Len(t, m.LastResults(), len(tt.checkers))
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.RegisterChecker(stubChecker{name: "redis"}))
	assert.Error(t, m.RegisterChecker(stubChecker{name: "redis"}))
	assert.Error(t, m.RegisterChecker(stubChecker{}))
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.RegisterChecker(stubChecker{name: "llm-service", status: StatusUnhealthy, critical: true}))
	mux := http.NewServeMux()
	NewHTTPHandler(m, nil).RegisterRoutes(mux)

	for path, want := range map[string]int{
		"/health":          http.StatusServiceUnavailable,
		"/health/ready":    http.StatusServiceUnavailable,
		"/health/live":     http.StatusOK,
		"/health/detailed": http.StatusServiceUnavailable,
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var body struct {
		Components map[string]struct {
			Status string `json:"status"`
		} `json:"components"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Components["llm-service"].Status)
}

func TestGRPCUpdater(t *testing.T) {
	srv := health.NewServer()
	update := GRPCUpdater(srv, "dossier")

	update(OverallHealth{Ready: false})
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "dossier"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	update(OverallHealth{Ready: true})
	resp, err = srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestStartReportsThroughCallback(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(stubChecker{name: "a", status: StatusHealthy, critical: true}))

	got := make(chan OverallHealth, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx, func(o OverallHealth) {
		select {
		case got <- o:
		default:
		}
	}))
	defer m.Stop()
	assert.Error(t, m.Start(ctx, nil))

	select {
	case o := <-got:
		assert.True(t, o.Ready)
	case <-time.After(2 * time.Second):
		t.Fatal("no health report")
	}
}
