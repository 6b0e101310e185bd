package suggest_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/scribe/pkg/editor"
	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
	"github.com/odvcencio/scribe/pkg/model"
	"github.com/odvcencio/scribe/pkg/suggest"
	"github.com/odvcencio/scribe/pkg/telemetry"
)

const (
	testDebounce = 10 * time.Millisecond
	waitFor      = 2 * time.Second
	tick         = 2 * time.Millisecond
)

func text(s string) model.StreamChunk {
	return model.StreamChunk{Choices: []model.StreamChoice{{Delta: model.MessageDelta{Content: s}}}}
}

// script drives one Stream call. call is 1-based.
type script func(ctx context.Context, call int, out chan<- model.StreamChunk) error

type scriptedStreamer struct {
	script script

	mu       sync.Mutex
	calls    int
	contexts []context.Context
	requests []model.ChatRequest
	overlap  bool
	done     sync.WaitGroup
}

func (s *scriptedStreamer) Stream(ctx context.Context, req model.ChatRequest) (<-chan model.StreamChunk, <-chan error) {
	s.mu.Lock()
	for _, prev := range s.contexts {
		if prev.Err() == nil {
			s.overlap = true
		}
	}
	s.contexts = append(s.contexts, ctx)
	s.requests = append(s.requests, req)
	s.calls++
	call := s.calls
	s.mu.Unlock()

	out := make(chan model.StreamChunk)
	errs := make(chan error, 1)
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		defer close(out)
		defer close(errs)
		if err := s.script(ctx, call, out); err != nil {
			errs <- err
		}
	}()
	return out, errs
}

func (s *scriptedStreamer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedStreamer) Request(i int) model.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *scriptedStreamer) Overlapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlap
}

func send(ctx context.Context, out chan<- model.StreamChunk, chunks ...model.StreamChunk) error {
	for _, c := range chunks {
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func replay(parts ...string) script {
	return func(ctx context.Context, _ int, out chan<- model.StreamChunk) error {
		for _, p := range parts {
			if err := send(ctx, out, text(p)); err != nil {
				return err
			}
		}
		return nil
	}
}

func blockUntilCancelled(ctx context.Context, _ int, _ chan<- model.StreamChunk) error {
	<-ctx.Done()
	return ctx.Err()
}

// recorder wraps the ghost overlay and remembers every Show.
type recorder struct {
	*editor.Ghost
	mu    sync.Mutex
	shown []string
}

func (r *recorder) Show(position int, text string) {
	r.mu.Lock()
	r.shown = append(r.shown, text)
	r.mu.Unlock()
	r.Ghost.Show(position, text)
}

func (r *recorder) Shown() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.shown...)
}

type harness struct {
	buf      *editor.Buffer
	ghost    *recorder
	streamer *scriptedStreamer
	session  *suggest.Session
	hub      *telemetry.Hub

	mu       sync.Mutex
	statuses []suggest.Status
}

func newHarness(t *testing.T, sc script, mutate ...func(*suggest.Options)) *harness {
	t.Helper()
	h := &harness{
		buf:      editor.NewBuffer(""),
		ghost:    &recorder{Ghost: editor.NewGhost(nil)},
		streamer: &scriptedStreamer{script: sc},
		hub:      telemetry.NewHub(),
	}
	h.ghost.Track(h.buf)

	opts := suggest.Options{
		Debounce: testDebounce,
		Source:   suggest.StaticSource(h.streamer),
		Hub:      h.hub,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c := suggest.NewController(opts)
	h.session = c.Mount(h.buf, h.ghost, func(st suggest.Status) {
		h.mu.Lock()
		h.statuses = append(h.statuses, st)
		h.mu.Unlock()
	})
	t.Cleanup(func() {
		c.Close()
		h.streamer.done.Wait()
		h.hub.Close()
	})
	return h
}

func (h *harness) lastStatus() suggest.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.statuses) == 0 {
		return suggest.Status{}
	}
	return h.statuses[len(h.statuses)-1]
}

func (h *harness) sawError() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.statuses {
		if st.Kind == suggest.StatusError {
			return true
		}
	}
	return false
}

func (h *harness) waitState(t *testing.T, want suggest.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.State() == want }, waitFor, tick,
		"state %s, want %s", h.session.State(), want)
}

func TestSession_CompletesAndAccepts(t *testing.T) {
	h := newHarness(t, replay("<output>", "<sp/>jumps", " over the lazy dog", "</output>"))

	h.buf.Type("The quick brown fox ")
	h.waitState(t, suggest.StateReady)

	ghost := h.ghost.State()
	assert.True(t, ghost.Visible)
	assert.Equal(t, "jumps over the lazy dog", ghost.Text)
	assert.Equal(t, 20, ghost.Position)
	assert.Equal(t, "The quick brown fox ", h.buf.Text(), "ghost text is not part of the document")

	p, ok := h.session.Pending()
	require.True(t, ok)
	assert.Equal(t, suggest.SuggestionReady, p.State)

	req := h.streamer.Request(0)
	assert.Equal(t, "<input>The quick brown fox<sp/></input>", req.Messages[1].Content)

	accepted, err := h.session.Accept()
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, "The quick brown fox jumps over the lazy dog", h.buf.Text())
	assert.False(t, h.ghost.State().Visible)
	assert.Equal(t, suggest.StateIdle, h.session.State())

	require.NoError(t, h.buf.Undo())
	assert.Equal(t, "The quick brown fox ", h.buf.Text(), "accepted suggestion is one undo unit")
}

func TestSession_DismissAfterAcceptIsNoop(t *testing.T) {
	h := newHarness(t, replay("<output>world</output>"))
	h.buf.Type("Hello ")
	h.waitState(t, suggest.StateReady)

	accepted, err := h.session.Accept()
	require.NoError(t, err)
	require.True(t, accepted)

	before := h.buf.Text()
	assert.NotPanics(t, h.session.Dismiss)
	assert.Equal(t, before, h.buf.Text())
	assert.Equal(t, suggest.StateIdle, h.session.State())
	assert.False(t, h.sawError())

	accepted, err = h.session.Accept()
	assert.NoError(t, err)
	assert.False(t, accepted, "nothing left to accept")
}

func TestSession_StripsOutputWrapper(t *testing.T) {
	h := newHarness(t, replay("<output>finish the word</output>"))
	h.buf.Type("Please ")
	h.waitState(t, suggest.StateReady)
	assert.Equal(t, "finish the word", h.ghost.State().Text)
}

func TestSession_PartialTagsNeverRender(t *testing.T) {
	h := newHarness(t, replay("<out", "put>", "<s", "p/>", "won", "der</out", "put>\n"))
	h.buf.Type("I")
	h.waitState(t, suggest.StateReady)

	for _, shown := range h.ghost.Shown() {
		assert.NotContains(t, shown, "<", "markup leaked into ghost text")
	}
	assert.Equal(t, " wonder", h.ghost.State().Text)
}

func TestSession_DropsChatterBeforeOutput(t *testing.T) {
	h := newHarness(t, replay("Sure! ", "<output>", "jumps</output>"))
	h.buf.Type("The quick brown fox ")
	h.waitState(t, suggest.StateReady)

	for _, shown := range h.ghost.Shown() {
		assert.NotContains(t, shown, "Sure!")
	}
	assert.Equal(t, "jumps", h.ghost.State().Text)
}

func TestSession_StaleSnapshotNeverShownOrCommitted(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, call int, out chan<- model.StreamChunk) error {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		return send(ctx, out, text("<output><sp/>world</output>"))
	})

	h.buf.Type("Hello")
	h.waitState(t, suggest.StateRequesting)

	// Edit without notifying, as a surface that reports late would.
	h.buf.Load("Goodbye")
	close(gate)

	h.waitState(t, suggest.StateIdle)
	assert.Empty(t, h.ghost.Shown())
	accepted, err := h.session.Accept()
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, "Goodbye", h.buf.Text())
}

func TestSession_EditDuringStreamDiscardsSuggestion(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, call int, out chan<- model.StreamChunk) error {
		if call > 1 {
			return blockUntilCancelled(ctx, call, out)
		}
		if err := send(ctx, out, text("<output>jum")); err != nil {
			return err
		}
		<-gate
		// Late chunk after the edit; must never render.
		_ = send(ctx, out, text("ps</output>"))
		return nil
	})

	h.buf.Type("The fox ")
	require.Eventually(t, func() bool { return h.ghost.State().Text == "jum" }, waitFor, tick)

	h.buf.Type("r")
	assert.False(t, h.ghost.State().Visible)
	close(gate)

	require.Eventually(t, func() bool { return h.streamer.Calls() == 2 }, waitFor, tick)
	for _, shown := range h.ghost.Shown() {
		assert.NotContains(t, shown, "jumps")
	}
	accepted, _ := h.session.Accept()
	assert.False(t, accepted)
	assert.Equal(t, "The fox r", h.buf.Text())
}

func TestSession_RapidTypingKeepsOneRequest(t *testing.T) {
	h := newHarness(t, blockUntilCancelled)

	for _, r := range "abcdefgh" {
		h.buf.Type(string(r))
		time.Sleep(3 * testDebounce)
	}
	require.Eventually(t, func() bool { return h.session.State() == suggest.StateRequesting }, waitFor, tick)

	assert.GreaterOrEqual(t, h.streamer.Calls(), 2)
	assert.False(t, h.streamer.Overlapped(), "a new request started before the previous was cancelled")
	require.Eventually(t, func() bool { return h.session.InFlight() <= 1 }, waitFor, tick)

	p, ok := h.session.Pending()
	require.True(t, ok)
	assert.Equal(t, "abcdefgh", p.Source.Text)
}

func TestSession_DebounceCollapsesBursts(t *testing.T) {
	h := newHarness(t, replay("<output>!</output>"), func(o *suggest.Options) {
		o.Debounce = 80 * time.Millisecond
	})
	for _, r := range "hello" {
		h.buf.Type(string(r))
	}
	assert.Equal(t, suggest.StateDebouncing, h.session.State())
	h.waitState(t, suggest.StateReady)
	assert.Equal(t, 1, h.streamer.Calls())
}

func TestSession_CancelBeforeFirstToken(t *testing.T) {
	cancelled := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _ int, out chan<- model.StreamChunk) error {
		<-ctx.Done()
		close(cancelled)
		// A provider that still flushes a buffered chunk after cancellation.
		select {
		case out <- text("<output>late</output>"):
		case <-time.After(50 * time.Millisecond):
		}
		return nil
	})

	h.buf.Type("Hello")
	h.waitState(t, suggest.StateRequesting)
	h.session.Dismiss()

	<-cancelled
	h.streamer.done.Wait()
	require.Eventually(t, func() bool { return h.session.InFlight() == 0 }, waitFor, tick)

	assert.Empty(t, h.ghost.Shown())
	assert.Equal(t, suggest.StateIdle, h.session.State())
	assert.False(t, h.sawError(), "cancellation is silent")
	assert.Equal(t, suggest.StatusIdle, h.lastStatus().Kind)
}

func TestSession_TransportFailureLeavesDocumentUnchanged(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ int, out chan<- model.StreamChunk) error {
		if err := send(ctx, out, text("<output>par")); err != nil {
			return err
		}
		return scribeerrors.New(scribeerrors.ErrCodeTransportFailure, "connection reset")
	})

	h.buf.Type("Hello ")
	before := h.buf.Text()
	require.Eventually(t, h.sawError, waitFor, tick)

	assert.Equal(t, suggest.StateIdle, h.session.State())
	assert.False(t, h.ghost.State().Visible)
	assert.Equal(t, before, h.buf.Text())
	st := h.lastStatus()
	assert.Equal(t, suggest.StatusError, st.Kind)
	assert.Equal(t, scribeerrors.ErrCodeTransportFailure, st.Code)
	assert.NotEmpty(t, st.Message)
	_, pending := h.session.Pending()
	assert.False(t, pending)
}

func TestSession_MalformedChunksSkipped(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ int, out chan<- model.StreamChunk) error {
		return send(ctx, out,
			text("<output>a"),
			model.StreamChunk{Malformed: errors.New("bad frame")},
			text("b</output>"),
		)
	})
	events, unsub := h.hub.Subscribe()
	defer unsub()

	h.buf.Type("x ")
	h.waitState(t, suggest.StateReady)
	assert.Equal(t, "ab", h.ghost.State().Text)

	sawMalformed := false
	for len(events) > 0 {
		if ev := <-events; ev.Type == telemetry.EventChunkMalformed {
			sawMalformed = true
		}
	}
	assert.True(t, sawMalformed)
	assert.False(t, h.sawError())
}

func TestSession_EmptyResultReturnsToIdle(t *testing.T) {
	h := newHarness(t, replay("<output>  \n</output>"))
	h.buf.Type("Hello")
	require.Eventually(t, func() bool { return h.streamer.Calls() == 1 }, waitFor, tick)
	h.streamer.done.Wait()
	h.waitState(t, suggest.StateIdle)
	assert.False(t, h.ghost.State().Visible)
	_, pending := h.session.Pending()
	assert.False(t, pending)
}

func TestSession_SuppressedMidLineAndWithSelection(t *testing.T) {
	h := newHarness(t, replay("<output>x</output>"))
	h.buf.Load("abc def")
	h.buf.Select(3, 3)
	h.buf.Type("x")

	time.Sleep(5 * testDebounce)
	assert.Zero(t, h.streamer.Calls(), "no suggestion with text after the caret")
	assert.Equal(t, suggest.StateIdle, h.session.State())

	h.buf.Load("abc")
	h.buf.Select(0, 2)
	h.session.Trigger()
	time.Sleep(5 * testDebounce)
	assert.Zero(t, h.streamer.Calls(), "no suggestion over a range selection")
}

func TestSession_CaretMoveDismisses(t *testing.T) {
	h := newHarness(t, replay("<output>world</output>"))
	h.buf.Type("Hello ")
	h.waitState(t, suggest.StateReady)

	h.buf.Select(0, 0)
	assert.Equal(t, suggest.StateIdle, h.session.State())
	assert.False(t, h.ghost.State().Visible)
	accepted, _ := h.session.Accept()
	assert.False(t, accepted)
}

func TestSession_EmptyTextStaysIdle(t *testing.T) {
	h := newHarness(t, replay("<output>x</output>"))
	h.buf.Type("   ")
	time.Sleep(5 * testDebounce)
	assert.Zero(t, h.streamer.Calls())
	assert.Equal(t, suggest.StateIdle, h.session.State())
}

func TestSession_HandleKey(t *testing.T) {
	h := newHarness(t, replay("<output>world</output>"))

	consumed, err := h.session.HandleKey("Tab")
	require.NoError(t, err)
	assert.False(t, consumed, "Tab falls through with nothing to accept")

	h.buf.Type("Hello ")
	h.waitState(t, suggest.StateReady)

	consumed, err = h.session.HandleKey("Escape")
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.Equal(t, "Hello ", h.buf.Text())

	h.buf.Type("big ")
	h.waitState(t, suggest.StateReady)
	consumed, err = h.session.HandleKey("ArrowRight")
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.Equal(t, "Hello big world", h.buf.Text())

	consumed, _ = h.session.HandleKey("a")
	assert.False(t, consumed)
}

func TestSession_UnmountCancelsAndIgnoresEvents(t *testing.T) {
	h := newHarness(t, blockUntilCancelled)
	h.buf.Type("Hello")
	h.waitState(t, suggest.StateRequesting)

	h.session.Unmount()
	h.streamer.done.Wait()
	assert.Equal(t, suggest.StateIdle, h.session.State())

	h.buf.Type(" there")
	time.Sleep(5 * testDebounce)
	assert.Equal(t, 1, h.streamer.Calls())
	assert.NotPanics(t, h.session.Unmount)
}

func TestSession_SourceErrorsSurfaceAsStatus(t *testing.T) {
	h := newHarness(t, replay(), func(o *suggest.Options) {
		o.Source = suggest.SourceFunc(func(context.Context) (suggest.Streamer, error) {
			return nil, scribeerrors.New(scribeerrors.ErrCodeMissingCredential, "no API key for OpenAI")
		})
	})
	h.buf.Type("Hello")
	require.Eventually(t, h.sawError, waitFor, tick)
	assert.Equal(t, scribeerrors.ErrCodeMissingCredential, h.lastStatus().Code)
	assert.Equal(t, suggest.StateIdle, h.session.State())
}

func TestSession_RequestTimeout(t *testing.T) {
	h := newHarness(t, blockUntilCancelled, func(o *suggest.Options) {
		o.RequestTimeout = 30 * time.Millisecond
	})
	h.buf.Type("Hello")
	require.Eventually(t, h.sawError, waitFor, tick)
	assert.Equal(t, scribeerrors.ErrCodeTransportFailure, h.lastStatus().Code)
}

func TestController_MountAndClose(t *testing.T) {
	c := suggest.NewController(suggest.Options{Debounce: testDebounce, Source: suggest.StaticSource(&scriptedStreamer{script: replay()})})
	a := c.Mount(editor.NewBuffer(""), editor.NewGhost(nil), nil)
	b := c.Mount(editor.NewBuffer(""), editor.NewGhost(nil), nil)
	assert.Equal(t, 2, c.Len())
	assert.NotEqual(t, a.ID(), b.ID())

	got, ok := c.Session(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)

	a.Unmount()
	assert.Equal(t, 1, c.Len())
	c.Close()
	assert.Zero(t, c.Len())

	late := c.Mount(editor.NewBuffer(""), editor.NewGhost(nil), nil)
	assert.Zero(t, c.Len())
	assert.Equal(t, suggest.StateIdle, late.State())
}

func TestSession_ThroughGateway(t *testing.T) {
	provider := &wireProvider{frames: []string{"<output>", "<sp/>world", "</output>"}}
	gw := model.NewGateway(model.GatewayOptions{Descriptors: []model.Descriptor{{
		ID:                 "fake",
		Name:               "Fake",
		RequiresCredential: true,
		Models:             []model.ModelInfo{{ID: "m"}},
		New:                func(model.Credential, model.ProviderOptions) model.Provider { return provider },
	}}})
	defer gw.Close()

	source := suggest.SourceFunc(func(ctx context.Context) (suggest.Streamer, error) {
		return gw.Resolve(ctx, model.Selection{Provider: "fake", Model: "m", Credential: model.Credential{APIKey: "k"}})
	})
	h := newHarness(t, replay(), func(o *suggest.Options) { o.Source = source })

	h.buf.Type("Hello")
	h.waitState(t, suggest.StateReady)
	accepted, err := h.session.Accept()
	require.NoError(t, err)
	require.True(t, accepted)
	assert.Equal(t, "Hello world", h.buf.Text())

	provider.fail = &model.APIError{Provider: "fake", StatusCode: 503, Message: "unavailable", Retryable: true}
	h.buf.Type(".")
	require.Eventually(t, h.sawError, waitFor, tick)
	assert.Equal(t, scribeerrors.ErrCodeTransportFailure, h.lastStatus().Code)
	assert.Equal(t, "Hello world.", h.buf.Text())
}

type wireProvider struct {
	frames []string
	fail   error
}

func (p *wireProvider) ID() string { return "fake" }

func (p *wireProvider) ChatCompletionStream(ctx context.Context, req model.ChatRequest) (<-chan model.StreamChunk, <-chan error) {
	out := make(chan model.StreamChunk)
	errs := make(chan error, 1)
	fail := p.fail
	go func() {
		defer close(out)
		defer close(errs)
		if fail != nil {
			errs <- fail
			return
		}
		if !strings.Contains(req.Messages[1].Content, "<input>") {
			errs <- errors.New("unexpected prompt")
			return
		}
		for _, f := range p.frames {
			if err := send(ctx, out, text(f)); err != nil {
				errs <- err
				return
			}
		}
	}()
	return out, errs
}
