package suggest

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/prompt"
	"github.com/odvcencio/scribe/pkg/telemetry"
)

// Outcome labels for metrics and events.
const (
	outcomeAccepted   = "accepted"
	outcomeDismissed  = "dismissed"
	outcomeDiscarded  = "discarded"
	outcomeFailed     = "failed"
	outcomeCancelled  = "cancelled"
	outcomeSuppressed = "suppressed"
	outcomeEmpty      = "empty"
)

// Session is the suggestion state machine for one editing surface. All
// transitions happen under mu; stream goroutines check the generation before
// touching state so only the latest request can render.
type Session struct {
	id       string
	surface  Surface
	renderer Renderer
	opts     Options
	onStatus func(Status)

	mu         sync.Mutex
	mounted    bool
	state      State
	generation uint64
	armed      Snapshot
	timer      *time.Timer
	pending    *pendingRequest
	outbox     []notice
	unsubs     []func()
	onUnmount  func()

	inflight atomic.Int32
}

type pendingRequest struct {
	PendingSuggestion
	cancel     context.CancelFunc
	firstToken bool
}

type notice struct {
	status *Status
	event  *telemetry.Event
}

func newSession(id string, surface Surface, renderer Renderer, opts Options, onStatus func(Status)) *Session {
	s := &Session{
		id:       id,
		surface:  surface,
		renderer: renderer,
		opts:     opts,
		onStatus: onStatus,
		mounted:  true,
	}
	s.unsubs = append(s.unsubs,
		surface.OnContentChanged(s.handleContentChanged),
		surface.OnSelectionChanged(s.handleSelectionChanged),
	)
	telemetry.SessionMounted(1)
	s.log(logging.LevelDebug, "session.mounted", "suggestion session mounted", nil)
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns a copy of the pending suggestion, if any.
func (s *Session) Pending() (PendingSuggestion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return PendingSuggestion{}, false
	}
	return s.pending.PendingSuggestion, true
}

// InFlight reports how many request goroutines are running.
func (s *Session) InFlight() int {
	return int(s.inflight.Load())
}

// update runs fn under the lock and then delivers queued notices.
func (s *Session) update(fn func()) {
	s.mu.Lock()
	fn()
	out := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for _, n := range out {
		if n.event != nil {
			s.opts.Hub.Publish(*n.event)
		}
		if n.status != nil && s.onStatus != nil {
			s.onStatus(*n.status)
		}
	}
}

func (s *Session) handleContentChanged(change ContentChange) {
	if change.Origin == OriginSuggestion {
		return
	}
	s.update(func() {
		if !s.mounted {
			return
		}
		s.resetLocked(outcomeDiscarded)

		snap := s.snapshotLocked()
		if strings.TrimSpace(snap.Text) == "" {
			return
		}
		if reason := s.suppressedLocked(); reason != "" {
			s.emitLocked(telemetry.EventSuggestSuppressed, map[string]any{"reason": reason})
			telemetry.RecordSuggestOutcome(outcomeSuppressed)
			return
		}

		s.generation++
		gen := s.generation
		s.armed = snap
		s.state = StateDebouncing
		s.timer = time.AfterFunc(s.opts.Debounce, func() { s.fire(gen) })
		s.emitLocked(telemetry.EventSuggestScheduled, map[string]any{"debounce_ms": s.opts.Debounce.Milliseconds()})
	})
}

func (s *Session) handleSelectionChanged(change SelectionChange) {
	if change.Origin == OriginSuggestion {
		return
	}
	s.update(func() {
		if !s.mounted || s.state == StateIdle {
			return
		}
		ref := s.armed.Cursor
		if s.pending != nil {
			ref = s.pending.Source.Cursor
		}
		if change.Cursor.AtInsertionPoint && change.Cursor.Offset == ref {
			return
		}
		s.resetLocked(outcomeDismissed)
	})
}

// fire runs when the debounce window for gen elapses.
func (s *Session) fire(gen uint64) {
	s.update(func() {
		if !s.mounted || gen != s.generation || s.state != StateDebouncing {
			return
		}
		s.timer = nil
		snap := s.snapshotLocked()
		if snap != s.armed {
			s.state = StateIdle
			return
		}
		if reason := s.suppressedLocked(); reason != "" {
			s.state = StateIdle
			s.emitLocked(telemetry.EventSuggestSuppressed, map[string]any{"reason": reason})
			return
		}
		s.startLocked(snap)
	})
}

// Trigger requests a suggestion now, skipping the debounce window.
func (s *Session) Trigger() {
	s.update(func() {
		if !s.mounted {
			return
		}
		s.resetLocked(outcomeDiscarded)
		snap := s.snapshotLocked()
		if strings.TrimSpace(snap.Text) == "" || s.suppressedLocked() != "" {
			return
		}
		s.generation++
		s.armed = snap
		s.startLocked(snap)
	})
}

func (s *Session) startLocked(snap Snapshot) {
	req := s.opts.Builder.Build(snap.Text)

	ctx := context.Background()
	var cancel context.CancelFunc
	if s.opts.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	gen := s.generation
	s.pending = &pendingRequest{
		PendingSuggestion: PendingSuggestion{
			Generation: gen,
			Source:     snap,
			State:      SuggestionRequesting,
			StartedAt:  time.Now(),
		},
		cancel: cancel,
	}
	s.state = StateRequesting
	s.statusLocked(StatusLoading, nil)
	s.emitLocked(telemetry.EventSuggestRequested, map[string]any{"context_chars": len(req.Context)})
	telemetry.RecordSuggestRequest()

	s.inflight.Add(1)
	go s.run(ctx, gen, req)
}

// run streams one request. It never holds the lock while waiting on the network.
func (s *Session) run(ctx context.Context, gen uint64, req prompt.Request) {
	defer s.inflight.Add(-1)

	ctx, span := telemetry.StartSpan(ctx, "suggest.request")
	span.SetAttributes(telemetry.AttrSessionID.String(s.id), telemetry.AttrGeneration.Int64(int64(gen)))
	defer span.End()

	streamer, err := s.opts.Source.Streamer(ctx)
	if err != nil {
		s.finish(ctx, gen, err)
		return
	}

	chunks, errs := streamer.Stream(ctx, req.ChatRequest())
	for chunk := range chunks {
		if chunk.Malformed != nil {
			s.malformed(gen, chunk.Malformed)
			continue
		}
		if text := chunk.Text(); text != "" {
			s.token(ctx, gen, text)
		}
	}
	err = <-errs
	if err == nil {
		// A stream cut short by cancellation may end without an error.
		err = ctx.Err()
	}
	s.finish(ctx, gen, err)
}

func (s *Session) malformed(gen uint64, err error) {
	s.update(func() {
		if s.pending == nil || s.pending.Generation != gen {
			return
		}
		s.log(logging.LevelWarn, "chunk.malformed", "skipping malformed stream chunk", map[string]any{"error": err.Error()})
		s.emitLocked(telemetry.EventChunkMalformed, map[string]any{"error": err.Error()})
	})
}

func (s *Session) token(ctx context.Context, gen uint64, text string) {
	s.update(func() {
		p := s.pending
		if !s.mounted || p == nil || p.Generation != gen {
			return
		}
		if s.snapshotLocked() != p.Source {
			s.resetLocked(outcomeDiscarded)
			return
		}

		p.Raw += text
		if !p.firstToken {
			p.firstToken = true
			p.State = SuggestionStreaming
			s.state = StateStreaming
			telemetry.ObserveSuggestLatency(telemetry.StageFirstToken, time.Since(p.StartedAt))
			telemetry.AddEvent(ctx, "first_token")
			s.emitLocked(telemetry.EventSuggestStreaming, nil)
		}

		display := prompt.Clean(p.Raw, p.Source.Text, true)
		if display == p.Text {
			return
		}
		p.Text = display
		if display == "" {
			s.renderer.Clear()
			return
		}
		s.renderer.Show(p.Source.Cursor, display)
	})
}

func (s *Session) finish(ctx context.Context, gen uint64, err error) {
	span := trace.SpanFromContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		if _, ok := scribeerrors.As(err); !ok {
			err = scribeerrors.Wrap(err, scribeerrors.ErrCodeTransportFailure, "suggestion request timed out")
		}
	}
	s.update(func() {
		p := s.pending
		if p == nil || p.Generation != gen {
			return
		}

		if err != nil {
			code := scribeerrors.Classify(err)
			if code == scribeerrors.ErrCodeCancelled {
				s.clearPendingLocked(SuggestionCancelled, outcomeCancelled)
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, string(code))
			s.clearPendingLocked(SuggestionRejected, outcomeFailed)
			s.statusLocked(StatusError, err)
			s.log(logging.LevelWarn, "request.failed", "suggestion request failed", map[string]any{
				"code":  string(code),
				"error": err.Error(),
			})
			s.emitLocked(telemetry.EventSuggestFailed, map[string]any{"code": string(code)})
			return
		}

		if s.snapshotLocked() != p.Source {
			s.resetLocked(outcomeDiscarded)
			return
		}
		final := prompt.Clean(p.Raw, p.Source.Text, false)
		telemetry.ObserveSuggestLatency(telemetry.StageComplete, time.Since(p.StartedAt))
		if strings.TrimSpace(final) == "" {
			s.clearPendingLocked(SuggestionRejected, outcomeEmpty)
			return
		}

		p.Text = final
		p.State = SuggestionReady
		s.state = StateReady
		s.renderer.Show(p.Source.Cursor, final)
		span.SetAttributes(telemetry.AttrChars.Int(len(final)))
		s.statusLocked(StatusIdle, nil)
		s.emitLocked(telemetry.EventSuggestReady, map[string]any{"chars": len(final)})
	})
}

// Accept commits the shown suggestion at the caret. It reports whether
// anything was inserted; with nothing to accept it is a no-op.
func (s *Session) Accept() (bool, error) {
	var (
		accepted bool
		err      error
	)
	s.update(func() {
		p := s.pending
		if !s.mounted || p == nil || p.Text == "" ||
			(p.State != SuggestionReady && p.State != SuggestionStreaming) {
			return
		}
		if s.snapshotLocked() != p.Source {
			s.resetLocked(outcomeDiscarded)
			return
		}

		// Accepting mid-stream takes what has been shown so far.
		text := p.Text
		p.cancel()
		s.renderer.Clear()
		s.pending = nil
		s.generation++
		s.state = StateIdle

		err = s.surface.InsertAtCursor(text)
		if err != nil {
			s.statusLocked(StatusError, err)
			s.log(logging.LevelError, "accept.failed", "failed to commit suggestion", map[string]any{"error": err.Error()})
			return
		}
		accepted = true
		telemetry.RecordSuggestOutcome(outcomeAccepted)
		s.statusLocked(StatusIdle, nil)
		s.emitLocked(telemetry.EventSuggestAccepted, map[string]any{"chars": len(text)})
	})
	return accepted, err
}

// Dismiss cancels any in-flight request and clears ghost text. Dismissing
// with nothing pending does nothing.
func (s *Session) Dismiss() {
	s.update(func() {
		if !s.mounted || s.state == StateIdle {
			return
		}
		s.resetLocked(outcomeDismissed)
	})
}

// HandleKey maps configured accept and dismiss keys. It reports whether the
// key was consumed, so the editor can skip its default action.
func (s *Session) HandleKey(key string) (bool, error) {
	switch {
	case slices.Contains(s.opts.AcceptKeys, key):
		if _, ok := s.acceptable(); !ok {
			return false, nil
		}
		return s.Accept()
	case slices.Contains(s.opts.DismissKeys, key):
		if s.State() == StateIdle {
			return false, nil
		}
		s.Dismiss()
		return true, nil
	}
	return false, nil
}

func (s *Session) acceptable() (PendingSuggestion, bool) {
	p, ok := s.Pending()
	if !ok || p.Text == "" {
		return p, false
	}
	return p, p.State == SuggestionReady || p.State == SuggestionStreaming
}

// Unmount cancels in-flight work, stops timers and clears all state.
// Further events are ignored.
func (s *Session) Unmount() {
	var unsubs []func()
	var onUnmount func()
	s.update(func() {
		if !s.mounted {
			return
		}
		s.resetLocked(outcomeCancelled)
		s.generation++
		s.mounted = false
		unsubs, s.unsubs = s.unsubs, nil
		onUnmount, s.onUnmount = s.onUnmount, nil
		telemetry.SessionMounted(-1)
		s.log(logging.LevelDebug, "session.unmounted", "suggestion session unmounted", nil)
	})
	for _, u := range unsubs {
		if u != nil {
			u()
		}
	}
	if onUnmount != nil {
		onUnmount()
	}
}

// resetLocked stops the timer, cancels any request, clears ghost text and
// returns to Idle.
func (s *Session) resetLocked(outcome string) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.pending != nil {
		s.clearPendingLocked(SuggestionCancelled, outcome)
		return
	}
	s.renderer.Clear()
	s.state = StateIdle
}

func (s *Session) clearPendingLocked(final SuggestionState, outcome string) {
	p := s.pending
	s.pending = nil
	s.state = StateIdle
	s.renderer.Clear()
	if p == nil {
		return
	}
	p.State = final
	p.cancel()
	telemetry.RecordSuggestOutcome(outcome)
	switch outcome {
	case outcomeDismissed:
		s.emitLocked(telemetry.EventSuggestDismissed, nil)
	case outcomeDiscarded, outcomeEmpty:
		s.emitLocked(telemetry.EventSuggestDiscarded, map[string]any{"reason": outcome})
	}
	if final != SuggestionRejected || outcome == outcomeEmpty {
		s.statusLocked(StatusIdle, nil)
	}
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Text:   s.surface.ContextText(s.opts.ContextChars),
		Cursor: s.surface.CursorState().Offset,
	}
}

// suppressedLocked returns why suggestions are not offered at the caret.
func (s *Session) suppressedLocked() string {
	cur := s.surface.CursorState()
	switch {
	case !cur.AtInsertionPoint:
		return "range_selection"
	case cur.TrailingContentOnLine:
		return "mid_line"
	}
	return ""
}

func (s *Session) statusLocked(kind StatusKind, err error) {
	st := Status{
		Kind:       kind,
		State:      s.state.String(),
		Generation: s.generation,
		SessionID:  s.id,
	}
	if err != nil {
		st.Code = scribeerrors.Classify(err)
		st.Message = scribeerrors.UserMessageOf(err)
	}
	s.outbox = append(s.outbox, notice{status: &st})
}

func (s *Session) emitLocked(typ telemetry.EventType, data map[string]any) {
	s.outbox = append(s.outbox, notice{event: &telemetry.Event{
		Type:       typ,
		SessionID:  s.id,
		Generation: s.generation,
		Data:       data,
	}})
}

func (s *Session) log(level logging.Level, eventType, message string, details map[string]any) {
	_ = s.opts.Logger.Log(logging.Event{
		Level:     level,
		Category:  logging.CategorySuggest,
		EventType: eventType,
		SessionID: s.id,
		Message:   message,
		Details:   details,
	})
}
