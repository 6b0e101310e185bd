package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/scribe/pkg/logging"
)

// eventFilter keeps events whose type starts with one of prefixes and, when
// documentID is set, that concern that document.
func eventFilter(prefixes []string, documentID string) func(Event) bool {
	return func(event Event) bool {
		if documentID != "" && event.DocumentID != documentID {
			return false
		}
		if len(prefixes) == 0 {
			return true
		}
		for _, p := range prefixes {
			if strings.HasPrefix(event.Type, p) {
				return true
			}
		}
		return false
	}
}

func splitQueryList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// handleEventStream streams telemetry and document events. Query parameters
// types (comma-separated type prefixes) and document narrow the stream.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if !s.isWebSocketOriginAllowed(r) {
		respondError(w, http.StatusForbidden, errors.New("forbidden"))
		return
	}
	if !s.eventConnLimiter.Acquire() {
		respondError(w, http.StatusTooManyRequests, errors.New("too many connections"))
		return
	}
	defer s.eventConnLimiter.Release()

	query := r.URL.Query()
	filter := eventFilter(splitQueryList(query.Get("types")), strings.TrimSpace(query.Get("document")))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		_ = s.logger.Warn(logging.CategoryServer, "events.accept_failed", "event websocket accept failed", map[string]any{"error": err.Error()})
		return
	}
	conn.SetReadLimit(maxWSReadBytesEventStream)

	c := s.hub.register(conn, filter)
	metricEventClients.Inc()
	defer metricEventClients.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	startWSPing(ctx, conn, cancel)

	go func() {
		defer cancel()
		s.readEventClient(ctx, c)
	}()
	go func() {
		if err := c.writeLoop(ctx); err != nil && ctx.Err() == nil {
			_ = s.logger.Debug(logging.CategoryServer, "events.write_failed", "event websocket write failed", map[string]any{"error": err.Error()})
		}
		cancel()
	}()

	s.hub.sendTo(c, Event{Type: "server.hello", Payload: map[string]string{"version": s.cfg.Version}, Timestamp: time.Now()})

	<-ctx.Done()
	s.hub.removeClient(c)
	c.close(websocket.StatusNormalClosure, "shutdown")
}

// readEventClient answers pings; the stream is otherwise one-way.
func (s *Server) readEventClient(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			s.hub.sendTo(c, Event{Type: "server.pong", Timestamp: time.Now()})
		}
	}
}
