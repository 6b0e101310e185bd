package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"github.com/odvcencio/scribe/pkg/editor"
	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/storage"
	"github.com/odvcencio/scribe/pkg/suggest"
)

// Editor channel message types. Clients send the first group; the server
// sends the second.
const (
	msgEdit    = "edit"
	msgSelect  = "select"
	msgKey     = "key"
	msgAccept  = "accept"
	msgDismiss = "dismiss"
	msgUndo    = "undo"
	msgRedo    = "redo"
	msgPing    = "ping"

	msgDocument   = "document"
	msgGhostShow  = "ghost.show"
	msgGhostClear = "ghost.clear"
	msgCommit     = "commit"
	msgStatus     = "status"
	msgKeyResult  = "key.result"
	msgPong       = "pong"
	msgError      = "error"
)

var knownEditorMessages = map[string]bool{
	msgEdit: true, msgSelect: true, msgKey: true, msgAccept: true,
	msgDismiss: true, msgUndo: true, msgRedo: true, msgPing: true,
}

// editorInbound is a client message. Offsets count characters, not bytes.
type editorInbound struct {
	Type   string `json:"type"`
	Seq    int64  `json:"seq,omitempty"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Text   string `json:"text"`
	Anchor int    `json:"anchor"`
	Head   int    `json:"head"`
	Key    string `json:"key"`
}

type editorOutbound struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type documentPayload struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	Anchor    int    `json:"anchor"`
	Head      int    `json:"head"`
	SessionID string `json:"sessionId,omitempty"`
}

type commitPayload struct {
	Position int    `json:"position"`
	Text     string `json:"text"`
	Document string `json:"document"`
	Cursor   int    `json:"cursor"`
}

type keyResultPayload struct {
	Key      string `json:"key"`
	Consumed bool   `json:"consumed"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// editorConn binds one WebSocket to one buffer and suggestion session.
type editorConn struct {
	server *Server
	doc    *storage.Document
	buf    *editor.Buffer
	ghost  *editor.Ghost
	sess   *suggest.Session
	out    chan editorOutbound
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	unsubscribe func()
}

func (s *Server) newEditorConn(ctx context.Context, cancel context.CancelFunc, doc *storage.Document) *editorConn {
	c := &editorConn{
		server: s,
		doc:    doc,
		buf:    editor.NewBuffer(doc.Content),
		out:    make(chan editorOutbound, editorOutboxSize),
		ctx:    ctx,
		cancel: cancel,
	}
	c.ghost = editor.NewGhost(c.onGhost)
	c.ghost.Track(c.buf)
	c.unsubscribe = c.buf.OnContentChanged(func(suggest.ContentChange) {
		if s.autosaver == nil {
			return
		}
		if err := s.autosaver.Save(doc.ID, c.buf.Text()); err != nil {
			s.onAutosaveError(doc.ID, err)
		}
	})
	c.sess = s.controller.Mount(c.buf, c.ghost, c.onStatus)
	return c
}

func (c *editorConn) onGhost(st editor.GhostState) {
	if !st.Visible {
		c.send(editorOutbound{Type: msgGhostClear})
		return
	}
	c.send(editorOutbound{Type: msgGhostShow, Payload: st})
}

func (c *editorConn) onStatus(st suggest.Status) {
	c.send(editorOutbound{Type: msgStatus, Payload: st})
}

// send queues msg without blocking. Ghost and status callbacks run under the
// session lock, so a client that stops reading is disconnected instead.
func (c *editorConn) send(msg editorOutbound) {
	if c.ctx.Err() != nil {
		return
	}
	select {
	case c.out <- msg:
	default:
		_ = c.server.logger.Warn(logging.CategoryServer, "editor.slow_client", "dropping editor connection that stopped reading", map[string]any{
			"document_id": c.doc.ID,
		})
		c.cancel()
	}
}

func (c *editorConn) documentState(seq int64) editorOutbound {
	anchor, head := c.buf.Selection()
	return editorOutbound{Type: msgDocument, Seq: seq, Payload: documentPayload{
		ID:        c.doc.ID,
		Title:     c.doc.Title,
		Text:      c.buf.Text(),
		Anchor:    anchor,
		Head:      head,
		SessionID: c.sess.ID(),
	}}
}

func (c *editorConn) fail(seq int64, err error) {
	c.send(editorOutbound{Type: msgError, Seq: seq, Payload: errorPayload{
		Code:    string(scribeerrors.Classify(err)),
		Message: scribeerrors.UserMessageOf(err),
	}})
}

// handle applies one client message.
func (c *editorConn) handle(msg editorInbound) {
	label := msg.Type
	if !knownEditorMessages[label] {
		label = "unknown"
	}
	metricEditorMessages.WithLabelValues(label).Inc()

	switch msg.Type {
	case msgEdit:
		if err := c.buf.Replace(msg.Start, msg.End, msg.Text); err != nil {
			c.fail(msg.Seq, scribeerrors.Wrap(err, scribeerrors.ErrCodeInvalidInput, "invalid edit").
				WithUserMessage("The edit did not match the document; resyncing."))
			c.send(c.documentState(msg.Seq))
		}
	case msgSelect:
		c.buf.Select(msg.Anchor, msg.Head)
	case msgKey:
		consumed, err := c.commitWith(msg.Seq, func() (bool, error) { return c.sess.HandleKey(msg.Key) })
		if err != nil {
			c.fail(msg.Seq, err)
		}
		c.send(editorOutbound{Type: msgKeyResult, Seq: msg.Seq, Payload: keyResultPayload{Key: msg.Key, Consumed: consumed}})
	case msgAccept:
		if _, err := c.commitWith(msg.Seq, c.sess.Accept); err != nil {
			c.fail(msg.Seq, err)
		}
	case msgDismiss:
		c.sess.Dismiss()
	case msgUndo, msgRedo:
		op := c.buf.Undo
		if msg.Type == msgRedo {
			op = c.buf.Redo
		}
		if err := op(); err != nil && !errors.Is(err, editor.ErrNothingToUndo) {
			c.fail(msg.Seq, err)
			return
		}
		c.send(c.documentState(msg.Seq))
	case msgPing:
		c.send(editorOutbound{Type: msgPong, Seq: msg.Seq})
	default:
		c.fail(msg.Seq, scribeerrors.New(scribeerrors.ErrCodeInvalidInput, "unknown message type "+msg.Type).
			WithUserMessage("Unsupported editor message."))
	}
}

// commitWith runs an accepting action and reports the inserted text.
func (c *editorConn) commitWith(seq int64, accept func() (bool, error)) (bool, error) {
	_, before := c.buf.Selection()
	consumed, err := accept()
	if err != nil || !consumed {
		return consumed, err
	}
	_, after := c.buf.Selection()
	text := []rune(c.buf.Text())
	if after <= before || after > len(text) {
		return consumed, nil
	}
	c.send(editorOutbound{Type: msgCommit, Seq: seq, Payload: commitPayload{
		Position: before,
		Text:     string(text[before:after]),
		Document: string(text),
		Cursor:   after,
	}})
	return consumed, nil
}

func (c *editorConn) writeLoop(ctx context.Context, conn wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *editorConn) readLoop(ctx context.Context, conn wsConn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg editorInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.fail(0, scribeerrors.Wrap(err, scribeerrors.ErrCodeInvalidInput, "malformed editor message").
				WithUserMessage("Malformed editor message."))
			continue
		}
		c.handle(msg)
	}
}

// close unmounts the session and writes any unsaved content.
func (c *editorConn) close() {
	c.closeOnce.Do(func() {
		c.sess.Unmount()
		c.ghost.Untrack()
		c.unsubscribe()
		c.server.flushAutosave()
	})
}

func (s *Server) handleEditor(w http.ResponseWriter, r *http.Request) {
	if !s.isWebSocketOriginAllowed(r) {
		respondError(w, http.StatusForbidden, errors.New("forbidden"))
		return
	}
	doc, err := s.store.GetDocument(documentIDParam(r))
	if err != nil {
		respondFailure(w, err)
		return
	}
	if !s.editorConnLimiter.Acquire() {
		respondError(w, http.StatusTooManyRequests, errors.New("too many editor connections"))
		return
	}
	defer s.editorConnLimiter.Release()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin was checked above against server.allowed_origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		_ = s.logger.Warn(logging.CategoryServer, "editor.accept_failed", "editor websocket accept failed", map[string]any{"error": err.Error()})
		return
	}
	conn.SetReadLimit(maxWSReadBytesEditor)

	if err := s.store.MarkOpened(doc.ID); err != nil {
		_ = s.logger.Warn(logging.CategoryStorage, "document.mark_opened_failed", "could not record document open", map[string]any{
			"document_id": doc.ID,
			"error":       err.Error(),
		})
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ec := s.newEditorConn(ctx, cancel, doc)
	defer ec.close()
	metricEditorConnections.Inc()
	defer metricEditorConnections.Dec()
	_ = s.logger.Info(logging.CategoryServer, "editor.connected", "editor connected", map[string]any{
		"document_id": doc.ID,
		"session_id":  ec.sess.ID(),
	})

	startWSPing(ctx, conn, cancel)
	go ec.writeLoop(ctx, conn)
	ec.send(ec.documentState(0))

	go func() {
		defer cancel()
		ec.readLoop(ctx, conn)
	}()
	<-ctx.Done()
	_ = conn.Close(websocket.StatusNormalClosure, "editor closed")
}
