package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ech0r/blend/internal/domain"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a session may go without a liveness signal
	// before reads fail.
	pongWait = 10 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// sendBuffer is the per-session outbound queue. A full queue means the
	// client cannot keep up and the session is dropped.
	sendBuffer = 64

	maxMessageSize = 4096
)

// ErrSessionBacklogged is returned when a session's send queue is full.
var ErrSessionBacklogged = errors.New("ws: session send queue full")

// Session is one viewer connection. Outbound delivery goes through a
// buffered channel drained by writePump, so hub broadcasts never block on a
// slow client.
type Session struct {
	id       string
	username string
	conn     *websocket.Conn
	hub      *Hub
	log      *slog.Logger
	send     chan []byte

	mu     sync.Mutex
	last   time.Time
	closed bool
}

// NewSession wraps an upgraded connection for the given user.
func NewSession(id, username string, conn *websocket.Conn, hub *Hub, log *slog.Logger) *Session {
	return &Session{
		id:       id,
		username: username,
		conn:     conn,
		hub:      hub,
		log:      log.With("session_id", id),
		send:     make(chan []byte, sendBuffer),
		last:     time.Now().UTC(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Start launches the session's read and write pumps.
func (s *Session) Start() {
	go s.writePump()
	go s.readPump()
}

// Send enqueues a payload without blocking.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("ws: session closed")
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return ErrSessionBacklogged
	}
}

// Close tears the connection down. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	s.mu.Unlock()
	_ = s.conn.Close()
}

// LastActivity reports when the client last proved liveness.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Session) touch() {
	s.mu.Lock()
	s.last = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) readPump() {
	defer func() {
		s.hub.Unregister(s.id)
		s.hub.BroadcastEvent(domain.AppLog{
			Level:     "info",
			Message:   "client disconnected: " + s.id,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read failed", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			s.log.Warn("ignoring non-text frame")
			continue
		}
		s.touch()
		s.handleInbound(data)
	}
}

// handleInbound decodes one client frame. Only chat is accepted from
// viewers; the username and timestamp are stamped server-side.
func (s *Session) handleInbound(data []byte) {
	event, err := domain.UnmarshalEvent(data)
	if err != nil {
		s.log.Warn("invalid client frame", "error", err)
		s.sendEvent(domain.AppLog{
			Level:     "error",
			Message:   "invalid message: " + err.Error(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	switch msg := event.(type) {
	case domain.ChatMessage:
		stamped := domain.ChatMessage{
			Username:  s.username,
			Message:   msg.Message,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		payload, err := domain.MarshalEvent(stamped)
		if err != nil {
			s.log.Warn("failed to encode chat message", "error", err)
			return
		}
		// Echo to the sender, then fan out to everyone else.
		if err := s.Send(payload); err != nil {
			s.log.Warn("chat echo failed", "error", err)
		}
		s.hub.BroadcastExcept(s.id, payload)
	case domain.ReleaseUpdate:
		s.log.Warn("client attempted to send a release update")
	case domain.AppLog:
		s.log.Warn("client attempted to send an app log")
	}
}

func (s *Session) sendEvent(event domain.Event) {
	payload, err := domain.MarshalEvent(event)
	if err != nil {
		return
	}
	_ = s.Send(payload)
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Warn("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
