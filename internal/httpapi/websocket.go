package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/metrics"
	"github.com/Kocoro-lab/dossier/internal/streaming"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
	wsWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // tokens, not cookies, authenticate
}

// handleWS streams a run's events as JSON WebSocket messages. Same replay and
// termination rules as SSE; the server closes normally after the terminal event.
func (h *InvestigationHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	filter := parseFilter(r)
	since := lastEventID(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close()

	ch := h.events.Subscribe(runID, subscriberBuffer)
	defer h.events.Unsubscribe(runID, ch)
	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Reader pump: client messages are discarded; a read error means the peer left.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	last := since
	// send reports whether the stream should end.
	send := func(evt streaming.Event) (bool, error) {
		if evt.Seq <= last {
			return false, nil
		}
		last = evt.Seq
		if filter.allows(evt) {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				return true, err
			}
		}
		return streaming.Terminal(evt.Type), nil
	}
	closeNormally := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "investigation completed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	}

	for _, evt := range h.backlog(r.Context(), runID, since) {
		done, err := send(evt)
		if err != nil {
			return
		}
		if done {
			closeNormally()
			return
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			done, err := send(evt)
			if err != nil {
				return
			}
			if done {
				closeNormally()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
