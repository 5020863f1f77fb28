// Package hub fans out broker events to connected websocket sessions,
// grouped by owner.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/filebroker/filebroker/pkg/api"
)

// Session is one owner's websocket connection. All writes go through a
// buffered channel so event publishers never block on a slow client.
type Session struct {
	ownerID   string
	conn      *websocket.Conn
	writeChan chan []byte
	closeChan chan struct{}
	closed    bool
	closeMu   sync.Mutex
}

// OwnerID returns the owner this session belongs to.
func (s *Session) OwnerID() string {
	return s.ownerID
}

// writeLoop drains queued writes and keeps the connection alive with
// periodic pings.
func (s *Session) writeLoop() {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.closeChan:
			return
		case <-pingTicker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				log.Debug().Err(err).Str("owner", s.ownerID).Msg("session ping failed")
				return
			}
		case data := <-s.writeChan:
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("owner", s.ownerID).Msg("session write failed")
				return
			}
		}
	}
}

// Close stops the writer goroutine and closes the connection. Safe to
// call more than once.
func (s *Session) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.closeChan)
	s.conn.Close()
}

// Send queues a raw text frame on the session. All frames share the one
// writer goroutine, so callers may use this concurrently with event fanout.
func (s *Session) Send(data []byte) {
	s.send(data)
}

// send queues a payload without blocking. A saturated session drops the
// event; clients reconcile via the list endpoint.
func (s *Session) send(data []byte) {
	select {
	case s.writeChan <- data:
	default:
		log.Debug().Str("owner", s.ownerID).Msg("session write channel full, dropping event")
	}
}

// Hub tracks live sessions per owner and fans events out to them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		sessions: make(map[string]map[*Session]struct{}),
	}
}

// Register attaches a websocket connection as a session for an owner and
// starts its writer goroutine. One owner may hold any number of sessions.
func (h *Hub) Register(ownerID string, conn *websocket.Conn) *Session {
	s := &Session{
		ownerID:   ownerID,
		conn:      conn,
		writeChan: make(chan []byte, 64),
		closeChan: make(chan struct{}),
	}

	h.mu.Lock()
	if h.sessions[ownerID] == nil {
		h.sessions[ownerID] = make(map[*Session]struct{})
	}
	h.sessions[ownerID][s] = struct{}{}
	h.mu.Unlock()

	go s.writeLoop()

	log.Debug().Str("owner", ownerID).Msg("session registered")
	return s
}

// Unregister detaches a session and closes it. Unregistering a session
// that is already gone is a no-op.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if set, ok := h.sessions[s.ownerID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, s.ownerID)
		}
	}
	h.mu.Unlock()

	s.Close()
	log.Debug().Str("owner", s.ownerID).Msg("session unregistered")
}

// SendToOwner delivers an event to every session of one owner. Owners
// with no sessions are skipped silently.
func (h *Hub) SendToOwner(ownerID, eventType string, data map[string]any) {
	payload, err := marshalEvent(eventType, data)
	if err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions[ownerID]))
	for s := range h.sessions[ownerID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.send(payload)
	}
}

// Broadcast delivers an event to every connected session.
func (h *Hub) Broadcast(eventType string, data map[string]any) {
	payload, err := marshalEvent(eventType, data)
	if err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	var targets []*Session
	for _, set := range h.sessions {
		for s := range set {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.send(payload)
	}
}

// SessionCount returns the total number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}

// OwnerSessionCount returns the number of live sessions for one owner.
func (h *Hub) OwnerSessionCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[ownerID])
}

// Shutdown closes every session and empties the registry.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var all []*Session
	for _, set := range h.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	h.sessions = make(map[string]map[*Session]struct{})
	h.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

func marshalEvent(eventType string, data map[string]any) ([]byte, error) {
	return json.Marshal(api.Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
