// Package httpapi serves the investigation API: submission, status, and
// live progress over SSE and WebSocket.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/auth"
	"github.com/Kocoro-lab/dossier/internal/db"
	"github.com/Kocoro-lab/dossier/internal/metrics"
	"github.com/Kocoro-lab/dossier/internal/models"
	"github.com/Kocoro-lab/dossier/internal/research"
	"github.com/Kocoro-lab/dossier/internal/streaming"
)

const maxRequestBody = 1 << 20

// Archive serves finished runs that the runner no longer tracks.
// *db.Client implements it.
type Archive interface {
	GetInvestigation(ctx context.Context, runID string) (*research.SynthesisInput, error)
	ListInvestigations(ctx context.Context, limit int) ([]db.InvestigationRecord, error)
}

// InvestigationHandler serves /v1/investigations.
type InvestigationHandler struct {
	runner  research.Runner
	archive Archive
	events  *streaming.Manager
	logger  *zap.Logger
}

func NewInvestigationHandler(runner research.Runner, archive Archive, events *streaming.Manager, logger *zap.Logger) *InvestigationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = streaming.Get()
	}
	return &InvestigationHandler{runner: runner, archive: archive, events: events, logger: logger}
}

// Handler returns the routed, authenticated API.
func (h *InvestigationHandler) Handler(authn *auth.Middleware) http.Handler {
	mux := http.NewServeMux()
	read := func(route string, fn http.HandlerFunc) http.Handler {
		return instrument(route, auth.RequireScope(auth.ScopeInvestigationsRead, fn))
	}
	mux.Handle("POST /v1/investigations",
		instrument("submit", auth.RequireScope(auth.ScopeInvestigationsWrite, http.HandlerFunc(h.handleSubmit))))
	mux.Handle("GET /v1/investigations", read("list", h.handleList))
	mux.Handle("GET /v1/investigations/{id}", read("status", h.handleStatus))
	mux.Handle("GET /v1/investigations/{id}/stream", read("stream", h.handleSSE))
	mux.Handle("GET /v1/investigations/{id}/ws", read("ws", h.handleWS))
	if authn == nil {
		return mux
	}
	return authn.HTTPMiddleware(mux)
}

type submitResponse struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
	StreamURL string `json:"stream_url"`
}

// handleSubmit: POST /v1/investigations {question, tasks[, run_id]}
func (h *InvestigationHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req research.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON: "+err.Error()))
		return
	}

	runID, err := h.runner.Submit(r.Context(), req)
	if err != nil {
		if isInvalid(err) {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		h.logger.Error("Failed to submit investigation", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to submit investigation"))
		return
	}

	subject := ""
	if p := auth.PrincipalFrom(r.Context()); p != nil {
		subject = p.Subject
	}
	h.logger.Info("Investigation submitted",
		zap.String("run_id", runID),
		zap.String("subject", subject),
		zap.Int("tasks", len(req.Tasks)))

	base := "/v1/investigations/" + runID
	writeJSON(w, http.StatusAccepted, submitResponse{
		RunID:     runID,
		Status:    research.RunQueued,
		StatusURL: base,
		StreamURL: base + "/stream",
	})
}

// handleStatus: GET /v1/investigations/{id}
func (h *InvestigationHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	rec, err := h.runner.Status(r.Context(), runID)
	if errors.Is(err, research.ErrRunNotFound) {
		rec, err = h.fromArchive(r.Context(), runID)
	}
	switch {
	case errors.Is(err, research.ErrRunNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("investigation not found"))
	case err != nil:
		h.logger.Error("Failed to load investigation", zap.String("run_id", runID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to load investigation"))
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (h *InvestigationHandler) fromArchive(ctx context.Context, runID string) (*research.RunRecord, error) {
	if h.archive == nil {
		return nil, research.ErrRunNotFound
	}
	in, err := h.archive.GetInvestigation(ctx, runID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, research.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	finished := in.StartedAt.Add(in.Duration)
	return &research.RunRecord{
		RunID:       in.RunID,
		Question:    in.Question,
		Status:      research.RunCompleted,
		SubmittedAt: in.StartedAt,
		FinishedAt:  &finished,
		Result:      in,
	}, nil
}

// handleList: GET /v1/investigations?limit=N
func (h *InvestigationHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"investigations": []db.InvestigationRecord{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := h.archive.ListInvestigations(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list investigations", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to list investigations"))
		return
	}
	if recs == nil {
		recs = []db.InvestigationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"investigations": recs})
}

func isInvalid(err error) bool {
	return errors.Is(err, research.ErrInvalidRequest) ||
		errors.Is(err, models.ErrInvalidTask) ||
		errors.Is(err, models.ErrInvalidHypothesis)
}

func errorBody(msg string) map[string]string { return map[string]string{"error": msg} }

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// instrument counts requests per route and status code.
func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(sw.code)).Inc()
	})
}

// statusWriter records the status code. It passes Flush and Hijack through
// for the SSE and WebSocket handlers.
type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (s *statusWriter) WriteHeader(code int) {
	if !s.wroteHeader {
		s.code = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	// 101 Switching Protocols
	s.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *statusWriter) Unwrap() http.ResponseWriter { return s.ResponseWriter }
