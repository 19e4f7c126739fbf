package server

import (
	"sync"

	"github.com/MeridianWorksLab/compass/backend/internal/message"
)

// Hub tracks live websocket sessions and their document room membership.
// Delivery is drop-on-full per session so one slow reader never stalls a
// broadcast.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*client
	rooms    map[string]map[string]*client
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*client),
		rooms:    make(map[string]map[string]*client),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.sessions[c.sessionID] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.sessions, c.sessionID)
	for documentID, room := range h.rooms {
		if _, ok := room[c.sessionID]; ok {
			delete(room, c.sessionID)
			if len(room) == 0 {
				delete(h.rooms, documentID)
			}
		}
	}
	h.mu.Unlock()
}

func (h *Hub) join(documentID string, c *client) {
	h.mu.Lock()
	room, ok := h.rooms[documentID]
	if !ok {
		room = make(map[string]*client)
		h.rooms[documentID] = room
	}
	room[c.sessionID] = c
	h.mu.Unlock()
}

func (h *Hub) leave(documentID string, c *client) {
	h.mu.Lock()
	if room, ok := h.rooms[documentID]; ok {
		delete(room, c.sessionID)
		if len(room) == 0 {
			delete(h.rooms, documentID)
		}
	}
	h.mu.Unlock()
}

// Broadcast delivers the envelope to every session in the document's room,
// optionally excluding one session (typically the sender).
func (h *Hub) Broadcast(documentID string, envelope message.Envelope, excludeSessionID string) {
	h.mu.RLock()
	room := h.rooms[documentID]
	targets := make([]*client, 0, len(room))
	for sessionID, c := range room {
		if sessionID == excludeSessionID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.deliver(envelope)
	}
}

// SendToSession delivers the envelope to one session. Reports whether the
// session was present.
func (h *Hub) SendToSession(sessionID string, envelope message.Envelope) bool {
	h.mu.RLock()
	c, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.deliver(envelope)
	return true
}
