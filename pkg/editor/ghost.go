package editor

import (
	"sync"

	"github.com/odvcencio/scribe/pkg/suggest"
)

// GhostState is the decoration currently painted, if any.
type GhostState struct {
	Visible  bool   `json:"visible"`
	Position int    `json:"position"`
	Text     string `json:"text"`
}

// Ghost is a decoration layer over a Buffer. It never edits the document;
// any content change invalidates what it shows.
type Ghost struct {
	mu       sync.Mutex
	state    GhostState
	onChange func(GhostState)
	untrack  func()
}

var _ suggest.Renderer = (*Ghost)(nil)

// NewGhost returns an empty overlay. onChange, when non-nil, is called
// outside the overlay lock after every visible change.
func NewGhost(onChange func(GhostState)) *Ghost {
	return &Ghost{onChange: onChange}
}

// Track invalidates the overlay whenever buf changes.
func (g *Ghost) Track(buf *Buffer) {
	untrack := buf.OnContentChanged(func(suggest.ContentChange) { g.Clear() })
	g.mu.Lock()
	prev := g.untrack
	g.untrack = untrack
	g.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Untrack stops following the buffer.
func (g *Ghost) Untrack() {
	g.mu.Lock()
	untrack := g.untrack
	g.untrack = nil
	g.mu.Unlock()
	if untrack != nil {
		untrack()
	}
}

// Show paints text at position, replacing any previous decoration.
func (g *Ghost) Show(position int, text string) {
	next := GhostState{Visible: true, Position: position, Text: text}
	g.mu.Lock()
	if g.state == next {
		g.mu.Unlock()
		return
	}
	g.state = next
	g.mu.Unlock()
	g.changed(next)
}

// Clear removes the decoration. Clearing an empty overlay does nothing.
func (g *Ghost) Clear() {
	g.mu.Lock()
	if !g.state.Visible {
		g.mu.Unlock()
		return
	}
	g.state = GhostState{}
	g.mu.Unlock()
	g.changed(GhostState{})
}

// State returns the current decoration.
func (g *Ghost) State() GhostState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Overlay renders text with the decoration spliced in at its position.
func (g *Ghost) Overlay(text string) string {
	st := g.State()
	if !st.Visible {
		return text
	}
	r := []rune(text)
	pos := clamp(st.Position, len(r))
	return string(r[:pos]) + st.Text + string(r[pos:])
}

func (g *Ghost) changed(st GhostState) {
	if g.onChange != nil {
		g.onChange(st)
	}
}
