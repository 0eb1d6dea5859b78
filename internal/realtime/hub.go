// Package realtime fans processing events out to websocket subscribers.
// Rooms are plain strings; connections join their organization and user
// rooms at handshake and may subscribe to individual videos afterwards.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// frame is the wire shape for server-to-client messages.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// unregister drops the client from every room. Safe to call repeatedly.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

// Join adds the client to a room, creating it on first use.
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Emit delivers one event to every member of the room. The payload is
// marshalled once; slow consumers lose their oldest queued message rather
// than stalling the sender.
func (h *Hub) Emit(room, event string, payload any) {
	msg, err := json.Marshal(frame{Event: event, Data: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("marshal event")
		return
	}

	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*Client, 0, len(members))
	for c := range members {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(msg)
	}
}

// ClientCount reports connected clients; the metrics sampler polls it.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) inRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

// Close disconnects every client. Called during shutdown after the HTTP
// listener stops accepting upgrades.
func (h *Hub) Close() {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.close()
	}
}
