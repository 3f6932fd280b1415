package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/backlinehq/backline/internal/bus"
	"github.com/backlinehq/backline/pkg/protocol"
)

const (
	streamSendBuffer   = 32
	streamWriteTimeout = 10 * time.Second
	streamPingPeriod   = 30 * time.Second
)

// handleStream upgrades the connection and forwards bus events until the
// client goes away. A slow client loses events rather than stalling the
// broadcaster; the review surface re-reads /v1/review/pending on reconnect
// anyway.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event stream not available"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("review stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	send := make(chan bus.Event, streamSendBuffer)
	s.events.Subscribe(id, func(ev bus.Event) {
		select {
		case send <- ev:
		default:
			slog.Debug("review stream client lagging, event dropped", "client", id)
		}
	})
	defer s.events.Unsubscribe(id)
	slog.Info("review stream client connected", "client", id)
	defer slog.Info("review stream client disconnected", "client", id)

	// Read pump exists only to notice the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev := <-send:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			frame := protocol.StreamEvent{Name: ev.Name, Payload: ev.Payload, At: ev.At}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
