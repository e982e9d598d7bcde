package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/metrics"
	"github.com/Kocoro-lab/dossier/internal/streaming"
)

const (
	subscriberBuffer  = 256
	sseHeartbeat      = 15 * time.Second
	replayFromRedisIn = 3 * time.Second
)

// eventFilter selects event types requested with ?types=a,b. Empty passes all.
type eventFilter map[string]struct{}

func parseFilter(r *http.Request) eventFilter {
	f := eventFilter{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f[t] = struct{}{}
			}
		}
	}
	return f
}

func (f eventFilter) allows(evt streaming.Event) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[evt.Type]
	return ok
}

// lastEventID reads the Last-Event-ID header, falling back to ?last_event_id.
func lastEventID(r *http.Request) uint64 {
	for _, v := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id")} {
		if v == "" {
			continue
		}
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// backlog returns events after since, from the local ring or, when this
// instance never saw the run, from the Redis mirror.
func (h *InvestigationHandler) backlog(ctx context.Context, runID string, since uint64) []streaming.Event {
	if evts := h.events.ReplaySince(runID, since); len(evts) > 0 {
		return evts
	}
	ctx, cancel := context.WithTimeout(ctx, replayFromRedisIn)
	defer cancel()
	evts, err := h.events.ReplayFromRedis(ctx, runID, since)
	if err != nil {
		h.logger.Warn("Redis replay failed", zap.String("run_id", runID), zap.Error(err))
		return nil
	}
	return evts
}

// handleSSE streams a run's events as Server-Sent Events. The backlog after
// Last-Event-ID is replayed first; the stream ends after the terminal event.
func (h *InvestigationHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	filter := parseFilter(r)
	since := lastEventID(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying so nothing falls in between.
	ch := h.events.Subscribe(runID, subscriberBuffer)
	defer h.events.Unsubscribe(runID, ch)
	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	fmt.Fprintf(w, ": connected to investigation %s\n\n", runID)
	flusher.Flush()

	last := since
	send := func(evt streaming.Event) (done bool) {
		if evt.Seq <= last {
			return false
		}
		last = evt.Seq
		if filter.allows(evt) {
			writeSSE(w, evt)
		}
		return streaming.Terminal(evt.Type)
	}

	for _, evt := range h.backlog(r.Context(), runID, since) {
		if send(evt) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("SSE client disconnected", zap.String("run_id", runID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			done := send(evt)
			flusher.Flush()
			if done {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	fmt.Fprintf(w, "id: %d\n", evt.Seq)
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
}
