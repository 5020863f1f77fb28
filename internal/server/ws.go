package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Event streams carry no secrets beyond the owner's own activity
	},
}

// handleWebSocket upgrades /ws/{userID} and attaches the connection to the
// hub. The read loop only answers keepalive probes; all broker events flow
// the other way through the session's write channel.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimPrefix(r.URL.Path, "/ws/")
	if ownerID == "" || strings.Contains(ownerID, "/") {
		s.jsonError(w, "user id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("owner", ownerID).Msg("websocket upgrade failed")
		return
	}

	session := s.hub.Register(ownerID, conn)
	if s.m != nil {
		s.m.LiveSessions.Inc()
	}
	defer func() {
		s.hub.Unregister(session)
		if s.m != nil {
			s.m.LiveSessions.Dec()
		}
	}()

	log.Info().Str("owner", ownerID).Msg("event session established")

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("owner", ownerID).Msg("event session read error")
			}
			return
		}

		// Application-level keepalive: clients send "ping", we answer
		// "pong". The reply goes through the session's writer goroutine
		// so it never races an event write.
		if string(data) == "ping" {
			session.Send([]byte("pong"))
		}
	}
}
