// Package diagnostics exposes a non-core, opt-in WebSocket stream of a
// session's live event feed for debugging a running agent, separate from
// the SSE Bridge clients use for normal message delivery.
package diagnostics

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server upgrades /diagnostics/:sessionId requests to a WebSocket streaming
// every raw eventbus.Event for that session as it is published.
type Server struct {
	bus eventbus.Bus
	log *logger.Logger
}

// New constructs a diagnostics server over bus.
func New(bus eventbus.Bus, log *logger.Logger) *Server {
	return &Server{bus: bus, log: log.WithFields(zap.String("component", "diagnostics"))}
}

// Handle upgrades the connection and streams sessionID's event feed until
// the client disconnects or the request context is cancelled.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("diagnostics websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.log.Debug("failed to close diagnostics websocket", zap.Error(err))
		}
	}()

	eventsCh := make(chan *eventbus.Event, 64)
	sub, err := s.bus.Subscribe(sessionID, func(_ context.Context, event *eventbus.Event) error {
		select {
		case eventsCh <- event:
		default:
			s.log.Warn("diagnostics buffer full, dropping event", zap.String("sessionId", sessionID))
		}
		return nil
	})
	if err != nil {
		s.log.Error("diagnostics subscribe failed", zap.Error(err))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := conn.WriteJSON(map[string]string{"type": "connected", "sessionId": sessionID}); err != nil {
		return
	}

	done := make(chan struct{})
	go s.drainClient(conn, done)

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				s.log.Debug("diagnostics write error", zap.Error(err))
				return
			}
		}
	}
}

// drainClient discards anything the client sends (this endpoint is
// read-only) and closes done as soon as the connection goes away, so the
// write loop above notices and exits.
func (s *Server) drainClient(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("diagnostics read error", zap.Error(err))
			}
			return
		}
	}
}

// HandlerFunc adapts Handle to an http.HandlerFunc given a way to pull the
// session id out of the request, for callers not already using gin.
func (s *Server) HandlerFunc(sessionIDFromRequest func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			http.Error(w, "session id required", http.StatusBadRequest)
			return
		}
		s.Handle(w, r, sessionID)
	}
}
