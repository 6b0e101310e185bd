package telemetry

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType identifies the kind of telemetry event.
type EventType string

const (
	EventSuggestScheduled  EventType = "suggest.scheduled"
	EventSuggestRequested  EventType = "suggest.requested"
	EventSuggestStreaming  EventType = "suggest.streaming"
	EventSuggestReady      EventType = "suggest.ready"
	EventSuggestAccepted   EventType = "suggest.accepted"
	EventSuggestDismissed  EventType = "suggest.dismissed"
	EventSuggestDiscarded  EventType = "suggest.discarded"
	EventSuggestFailed     EventType = "suggest.failed"
	EventSuggestSuppressed EventType = "suggest.suppressed"
	EventChunkMalformed    EventType = "suggest.chunk_malformed"

	EventModelStreamEnded   EventType = "model.stream_end"
	EventCircuitStateChange EventType = "circuit.state_change"

	EventSettingsChanged EventType = "settings.changed"
	EventDocumentSaved   EventType = "document.saved"
)

// Event describes suggestion activity that UIs and IPC clients can consume.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"sessionId,omitempty"`
	Generation uint64         `json:"generation,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Hub fan-outs telemetry events to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
	bufferSize  int

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// DefaultSubscriberBuffer is the per-subscriber channel size.
const DefaultSubscriberBuffer = 64

// NewHub constructs a telemetry hub.
func NewHub() *Hub {
	return NewHubWithBuffer(DefaultSubscriberBuffer)
}

// NewHubWithBuffer constructs a hub whose subscribers buffer size events.
func NewHubWithBuffer(size int) *Hub {
	if size <= 0 {
		size = DefaultSubscriberBuffer
	}
	return &Hub{
		subscribers: make(map[chan Event]struct{}),
		bufferSize:  size,
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
}

// Publish notifies all subscribers of an event. Non-blocking; drops if buffer full.
// A nil hub ignores events.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = h.newID(event.Timestamp)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *Hub) newID(ts time.Time) string {
	h.entropyMu.Lock()
	defer h.entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(ts), h.entropy)
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}

// Subscribe returns a channel that will receive future events and a cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, func() {}
	}
	ch := make(chan Event, h.bufferSize)
	h.subscribers[ch] = struct{}{}
	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// SubscriberCount reports the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}
