package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamPongWait   = 2 * streamPingPeriod
)

// The stream is read-only and sits behind the same trust boundary as
// ingestion, so any origin may subscribe.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEvents upgrades to a websocket and streams every bus event as a
// JSON text frame until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	log := s.logger.With("client_id", clientID, "remote", r.RemoteAddr)

	ch := s.bus.Subscribe(streamBuffer)
	defer s.bus.Unsubscribe(ch)
	log.Info("event stream client connected", "subscribers", s.bus.SubscriberCount())

	// Clients never send anything meaningful; reading only drives pong
	// handling and close detection.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case <-gone:
			log.Info("event stream client disconnected")
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				log.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				log.Debug("event stream ping failed", "error", err)
				return
			}
		}
	}
}
