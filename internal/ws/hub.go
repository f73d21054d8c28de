package ws

import (
	"log/slog"
	"time"

	"github.com/ech0r/blend/internal/domain"
)

// Subscriber abstracts one live viewer connection.
type Subscriber interface {
	// Send must not block: delivery is fire-and-forget. A returned error
	// means the subscriber is dead and will be dropped from the registry.
	Send(payload []byte) error
	Close()
	LastActivity() time.Time
}

// Hub owns the registry of viewer sessions and fans broadcast events out to
// all of them. A single goroutine serializes registry access; broadcasts are
// best-effort per subscriber and never block the caller on a slow session.
type Hub struct {
	log        *slog.Logger
	sessions   map[string]Subscriber
	register   chan registration
	unregister chan string
	broadcast  chan envelope
	prune      chan pruneRequest
	done       chan struct{}
}

type registration struct {
	id  string
	sub Subscriber
}

type envelope struct {
	payload []byte
	except  string
}

type pruneRequest struct {
	maxIdle time.Duration
	reply   chan int
}

// NewHub creates a running Hub.
func NewHub(log *slog.Logger) *Hub {
	h := &Hub{
		log:        log,
		sessions:   make(map[string]Subscriber),
		register:   make(chan registration),
		unregister: make(chan string),
		broadcast:  make(chan envelope, 64),
		prune:      make(chan pruneRequest),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case reg := <-h.register:
			h.sessions[reg.id] = reg.sub
			h.log.Info("viewer session registered", "session_id", reg.id, "active", len(h.sessions))
		case id := <-h.unregister:
			if sub, ok := h.sessions[id]; ok {
				delete(h.sessions, id)
				sub.Close()
				h.log.Info("viewer session unregistered", "session_id", id, "active", len(h.sessions))
			}
		case msg := <-h.broadcast:
			for id, sub := range h.sessions {
				if id == msg.except {
					continue
				}
				if err := sub.Send(msg.payload); err != nil {
					delete(h.sessions, id)
					sub.Close()
					h.log.Warn("dropping unreachable viewer session", "session_id", id, "error", err)
				}
			}
		case req := <-h.prune:
			cutoff := time.Now().Add(-req.maxIdle)
			pruned := 0
			for id, sub := range h.sessions {
				if sub.LastActivity().Before(cutoff) {
					delete(h.sessions, id)
					sub.Close()
					pruned++
				}
			}
			req.reply <- pruned
		case <-h.done:
			for id, sub := range h.sessions {
				delete(h.sessions, id)
				sub.Close()
			}
			return
		}
	}
}

// Register adds a viewer session under the given id.
func (h *Hub) Register(id string, sub Subscriber) {
	h.register <- registration{id: id, sub: sub}
}

// Unregister removes and closes a viewer session.
func (h *Hub) Unregister(id string) {
	h.unregister <- id
}

// Broadcast delivers a raw payload to every registered session.
func (h *Hub) Broadcast(payload []byte) {
	h.broadcast <- envelope{payload: payload}
}

// BroadcastExcept delivers a payload to every session but one. Chat echoes
// to the sender are handled by the session itself.
func (h *Hub) BroadcastExcept(senderID string, payload []byte) {
	h.broadcast <- envelope{payload: payload, except: senderID}
}

// BroadcastEvent encodes and broadcasts a typed event.
func (h *Hub) BroadcastEvent(event domain.Event) {
	payload, err := domain.MarshalEvent(event)
	if err != nil {
		h.log.Warn("failed to encode broadcast event", "error", err)
		return
	}
	h.Broadcast(payload)
}

// PruneStale tears down sessions with no liveness signal within maxIdle and
// returns how many were removed.
func (h *Hub) PruneStale(maxIdle time.Duration) int {
	req := pruneRequest{maxIdle: maxIdle, reply: make(chan int, 1)}
	h.prune <- req
	return <-req.reply
}

// Close shuts the hub down, closing all sessions.
func (h *Hub) Close() {
	close(h.done)
}
