package ipc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// fakeConn records writes and blocks reads until closed.
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{})} }

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, context.Canceled
	}
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) events(t *testing.T) []Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, 0, len(c.writes))
	for _, data := range c.writes {
		var e Event
		require.NoError(t, json.Unmarshal(data, &e))
		out = append(out, e)
	}
	return out
}

func TestHub_FiltersByTypeAndDocument(t *testing.T) {
	hub := NewHub()
	all := hub.register(newFakeConn(), nil)
	docs := hub.register(newFakeConn(), eventFilter([]string{"document."}, ""))
	one := hub.register(newFakeConn(), eventFilter(nil, "doc-1"))
	require.Equal(t, 3, hub.Len())

	hub.Broadcast(Event{Type: "document.updated", DocumentID: "doc-1"})
	hub.Broadcast(Event{Type: "document.updated", DocumentID: "doc-2"})
	hub.Broadcast(Event{Type: "telemetry.suggestion.completed"})

	assert.Len(t, all.send, 3)
	assert.Len(t, docs.send, 2)
	assert.Len(t, one.send, 1)

	e := <-one.send
	assert.Equal(t, "doc-1", e.DocumentID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestHub_DropsSlowClients(t *testing.T) {
	hub := NewHub()
	slow := hub.register(newFakeConn(), nil)

	for i := 0; i < eventOutboxSize+1; i++ {
		hub.Broadcast(Event{Type: "document.updated"})
	}
	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)

	// Sending to a removed client must not touch its closed queue.
	hub.sendTo(slow, Event{Type: "server.pong"})

	drained := 0
	for range slow.send {
		drained++
	}
	assert.Equal(t, eventOutboxSize, drained)
}

func TestClientWriteLoop(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	c := hub.register(conn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.writeLoop(ctx) }()

	hub.sendTo(c, Event{Type: "server.hello", Payload: map[string]string{"version": "dev"}})
	hub.Broadcast(Event{Type: "settings.changed"})
	require.Eventually(t, func() bool { return len(conn.events(t)) == 2 }, time.Second, 5*time.Millisecond)

	events := conn.events(t)
	assert.Equal(t, "server.hello", events[0].Type)
	assert.Equal(t, "settings.changed", events[1].Type)

	hub.removeClient(c)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write loop did not stop after removal")
	}
}

type pingConn struct {
	err   error
	calls chan struct{}
}

func (c *pingConn) Ping(context.Context) error {
	select {
	case c.calls <- struct{}{}:
	default:
	}
	return c.err
}

func TestStartWSPing(t *testing.T) {
	interval := wsPingInterval
	wsPingInterval = 5 * time.Millisecond
	t.Cleanup(func() { wsPingInterval = interval })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthy := &pingConn{calls: make(chan struct{}, 16)}
	startWSPing(ctx, healthy, func() { t.Error("healthy peer reported dead") })
	for i := 0; i < 2; i++ {
		select {
		case <-healthy.calls:
		case <-time.After(time.Second):
			t.Fatal("no ping sent")
		}
	}

	dead := make(chan struct{})
	broken := &pingConn{err: assert.AnError, calls: make(chan struct{}, 16)}
	startWSPing(ctx, broken, func() { close(dead) })
	select {
	case <-dead:
	case <-time.After(time.Second):
		t.Fatal("failed ping did not report a dead peer")
	}
}
