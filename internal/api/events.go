package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/foreman/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams bus events to a WebSocket client as JSON, one
// event per message, starting with the retained history.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.deps.Bus.Subscribe(64)
	defer s.deps.Bus.Unsubscribe(ch)

	user := userFromContext(r.Context())
	s.logger.Debug("event subscriber connected", "user", user, "subscribers", s.deps.Bus.SubscriberCount())

	// The reader only exists to process control frames and notice the
	// client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("event subscriber read error", "error", err)
				}
				return
			}
		}
	}()

	send := func(e events.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(e); err != nil {
			s.logger.Debug("event subscriber write failed", "error", err)
			return false
		}
		return true
	}

	for _, e := range s.deps.Bus.Recent() {
		if !send(e) {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !send(e) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			s.logger.Debug("event subscriber disconnected", "user", user)
			return
		case <-r.Context().Done():
			return
		}
	}
}
