// Package notify pushes queue events to connected agent frontends over
// websockets and tracks which agents currently have a live connection.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Event names pushed to clients.
const (
	EventTeamsCallQueueChanged  = "teams_call_queue_changed"
	EventCallAnswered           = "call_answered"
	EventMissedCall             = "missed_call"
	EventCommunicationCompleted = "communication_completed"
)

// Envelope is the wire format for one pushed event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Routing selects the clients that receive an event. Empty fields mean
// no filtering on that dimension.
type Routing struct {
	TeamIDs []uuid.UUID
	UserIDs []uuid.UUID
}

// Hub maintains the set of connected clients and routes events to them
// by team or user. It also answers presence queries for dequeue
// routing: only online agents get calls fired at them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	stop       chan struct{}

	logger *slog.Logger
}

// NewHub creates an empty hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		logger:     logger.With("component", "notify_hub"),
	}
}

// Run processes client registrations until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "user_id", client.userID, "total_clients", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "user_id", client.userID, "total_clients", total)

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop disconnects all clients and ends the Run loop.
func (h *Hub) Stop() {
	close(h.stop)
}

// Notify pushes one event to every client matching the routing.
func (h *Hub) Notify(event string, data any, routing Routing) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		h.logger.Error("failed to marshal event", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.matches(routing) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			h.logger.Warn("client send buffer full, dropping event",
				"user_id", client.userID, "event", event)
		}
	}
}

// IsUserOnline reports whether the user has at least one live
// connection.
func (h *Hub) IsUserOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.userID == userID {
			return true
		}
	}
	return false
}

// FilterOnline returns the subset of ids with a live connection,
// preserving order.
func (h *Hub) FilterOnline(userIDs []uuid.UUID) []uuid.UUID {
	h.mu.RLock()
	online := make(map[uuid.UUID]bool, len(h.clients))
	for client := range h.clients {
		online[client.userID] = true
	}
	h.mu.RUnlock()

	var out []uuid.UUID
	for _, id := range userIDs {
		if online[id] {
			out = append(out, id)
		}
	}
	return out
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
