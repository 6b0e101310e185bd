package suggest

import (
	"context"

	"github.com/odvcencio/scribe/pkg/model"
)

// Origin tells user edits apart from edits the engine made itself.
type Origin int

const (
	OriginUser Origin = iota
	OriginSuggestion
)

// CursorState describes the caret relative to the document.
type CursorState struct {
	// Offset is the caret position in characters.
	Offset int
	// AtInsertionPoint is false when a range is selected.
	AtInsertionPoint bool
	// TrailingContentOnLine is true when non-whitespace text follows the
	// caret on the same line or block.
	TrailingContentOnLine bool
}

// ContentChange is delivered after the document text changes.
type ContentChange struct {
	Origin Origin
}

// SelectionChange is delivered after the caret or selection moves.
type SelectionChange struct {
	Origin Origin
	Cursor CursorState
}

// Surface is the editable text a session suggests into.
//
// Callbacks may fire synchronously from InsertAtCursor; the session ignores
// suggestion-originated events before taking its lock.
type Surface interface {
	// ContextText returns up to maxChars characters before the caret.
	ContextText(maxChars int) string
	CursorState() CursorState
	// InsertAtCursor commits text as one undo unit, reporting OriginSuggestion.
	InsertAtCursor(text string) error
	OnContentChanged(cb func(ContentChange)) (unsubscribe func())
	OnSelectionChanged(cb func(SelectionChange)) (unsubscribe func())
}

// Renderer paints non-committal ghost text. Show and Clear are called with
// the session lock held and must not call back into the session.
type Renderer interface {
	Show(position int, text string)
	// Clear removes any ghost text. Clearing twice is harmless.
	Clear()
}

// Streamer starts a streaming completion. *model.Handle satisfies it.
type Streamer interface {
	Stream(ctx context.Context, req model.ChatRequest) (<-chan model.StreamChunk, <-chan error)
}

// Source resolves the streamer to use for the next request, so selection
// and credential changes apply without remounting sessions.
type Source interface {
	Streamer(ctx context.Context) (Streamer, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Streamer, error)

// Streamer implements Source.
func (f SourceFunc) Streamer(ctx context.Context) (Streamer, error) {
	return f(ctx)
}

// StaticSource always returns the same streamer.
func StaticSource(s Streamer) Source {
	return SourceFunc(func(context.Context) (Streamer, error) { return s, nil })
}
