package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/scribe/internal/jobs"
	"github.com/ent0n29/scribe/internal/pipeline"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleTranscriptionWS pushes the current transcription status, then every
// change, and closes once a terminal state has been sent.
func (s *Server) handleTranscriptionWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Subscribe before reading the snapshot so no transition slips between.
	updates, unsubscribe := s.pipeline.Subscribe(id)
	defer unsubscribe()

	st, err := s.pipeline.Status(r.Context(), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: only needed to notice the client going away and to answer pings.
	go func() {
		defer cancel()
		conn.SetReadLimit(4 << 10)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeStatus(conn, st); err != nil || terminal(st.State) {
		closeNormal(conn)
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-updates:
			if !ok {
				return
			}
			next, err := s.pipeline.Status(ctx, id)
			if err != nil {
				// Session deleted while watching.
				next = pipeline.Status{Entry: e}
			}
			if err := writeStatus(conn, next); err != nil {
				return
			}
			if terminal(next.State) || e.State == jobs.StateUnknown {
				closeNormal(conn)
				return
			}
		}
	}
}

func writeStatus(conn *websocket.Conn, st pipeline.Status) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(st)
}

func closeNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second),
	)
}

func terminal(state jobs.State) bool {
	return state == jobs.StateDone || state == jobs.StateError
}
