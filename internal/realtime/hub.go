// Package realtime is the session room broadcaster: it keeps the live
// websocket connections of every session and fans committed events out to
// them.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"session-service/internal/session"
)

// ErrHubClosed is returned when publishing after Run has returned.
var ErrHubClosed = errors.New("hub is closed")

// envelope is one message addressed to a session room. Skip names a user
// whose connections must not receive it.
type envelope struct {
	SessionID string          `json:"sessionId"`
	Skip      string          `json:"skip,omitempty"`
	Data      json.RawMessage `json:"data"`
}

func newEnvelope(ev session.Event) (envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return envelope{}, err
	}
	env := envelope{SessionID: ev.SessionID, Data: data}
	if ev.SkipOrigin {
		env.Skip = ev.Origin
	}
	return env, nil
}

// Hub owns the rooms and delivers messages to the clients in them. It is
// synchronized independently from the session registry: connections come
// and go while commands are being applied.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]bool

	// Inbound messages to fan out to a room.
	broadcast chan envelope

	register   chan *Client
	unregister chan *Client

	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, room := range h.rooms {
				for client := range room {
					h.drop(room, client)
				}
			}
			h.rooms = map[string]map[*Client]bool{}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			room, ok := h.rooms[client.sessionID]
			if !ok {
				room = make(map[*Client]bool)
				h.rooms[client.sessionID] = room
			}
			room[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if room, ok := h.rooms[client.sessionID]; ok && room[client] {
				h.drop(room, client)
				if len(room) == 0 {
					delete(h.rooms, client.sessionID)
				}
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.Lock()
			room := h.rooms[env.SessionID]
			for client := range room {
				if env.Skip != "" && client.userID == env.Skip {
					continue
				}
				select {
				case client.send <- env.Data:
				default:
					// Slow client: it will resynchronize from a snapshot.
					h.drop(room, client)
				}
			}
			if room != nil && len(room) == 0 {
				delete(h.rooms, env.SessionID)
			}
			h.mu.Unlock()
		}
	}
}

// drop must be called with h.mu held.
func (h *Hub) drop(room map[*Client]bool, client *Client) {
	delete(room, client)
	close(client.send)
	_ = client.conn.Close()
}

// Publish implements session.Publisher for a single-instance deployment.
func (h *Hub) Publish(ctx context.Context, ev session.Event) error {
	env, err := newEnvelope(ev)
	if err != nil {
		return err
	}
	return h.deliver(ctx, env)
}

func (h *Hub) deliver(ctx context.Context, env envelope) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.broadcast <- env:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Count returns the number of live connections in a session room.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}
