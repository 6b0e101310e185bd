package ipc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Event represents a message sent to /ws/events clients.
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId,omitempty"`
	DocumentID string    `json:"documentId,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Hub fan-outs events to connected WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Broadcast sends an event to all clients, dropping slow consumers.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.enqueue(event) {
			go h.removeClient(c)
		}
	}
}

// sendTo queues event for one registered client. Removed clients are
// skipped, since their queue is closed.
func (h *Hub) sendTo(c *client, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok && !c.enqueue(event) {
		go h.removeClient(c)
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(conn wsConn, filter func(Event) bool) *client {
	c := &client{
		conn:   conn,
		send:   make(chan Event, eventOutboxSize),
		filter: filter,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(status websocket.StatusCode, reason string) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

type client struct {
	conn   wsConn
	send   chan Event
	filter func(Event) bool
}

func (c *client) enqueue(event Event) bool {
	if c.filter != nil && !c.filter(event) {
		return true
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// writeLoop drains the client's queue until it is closed or ctx ends.
func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *client) close(status websocket.StatusCode, reason string) {
	_ = c.conn.Close(status, reason)
}
