package health

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HTTPHandler provides HTTP endpoints for health checks
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHTTPHandler creates a new HTTP handler for health checks
func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers health check endpoints with an HTTP mux
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReadiness)
	mux.HandleFunc("GET /health/live", h.handleLiveness)
	mux.HandleFunc("GET /health/detailed", h.handleDetailed)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := h.manager.GetOverallHealth(r.Context())
	code := http.StatusOK
	if overall.Status == StatusUnhealthy || overall.Status == StatusUnknown {
		code = http.StatusServiceUnavailable
	}
	h.write(w, code, overall)
}

func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	overall := h.manager.GetOverallHealth(r.Context())
	code := http.StatusOK
	if !overall.Ready {
		code = http.StatusServiceUnavailable
	}
	h.write(w, code, map[string]interface{}{"ready": overall.Ready, "message": overall.Message})
}

// handleLiveness never runs dependency checks.
func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, map[string]interface{}{"live": true})
}

func (h *HTTPHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	d := h.manager.GetDetailedHealth(r.Context())
	code := http.StatusOK
	if !d.Overall.Ready {
		code = http.StatusServiceUnavailable
	}
	h.write(w, code, d)
}

func (h *HTTPHandler) write(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// GRPCUpdater returns a Start callback that mirrors readiness onto a gRPC
// health server for the empty service name and service.
func GRPCUpdater(srv *health.Server, service string) func(OverallHealth) {
	return func(o OverallHealth) {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if o.Ready {
			status = healthpb.HealthCheckResponse_SERVING
		}
		srv.SetServingStatus("", status)
		if service != "" {
			srv.SetServingStatus(service, status)
		}
	}
}
