// Package editor provides an in-memory edit surface and ghost-text overlay
// that suggestion sessions drive.
package editor

import (
	"errors"
	"sync"
	"time"
	"unicode"

	"github.com/odvcencio/scribe/pkg/suggest"
)

// ErrNothingToUndo is returned when the history is empty.
var ErrNothingToUndo = errors.New("nothing to undo")

// coalesceWindow groups adjacent typing into one undo unit.
const coalesceWindow = time.Second

type edit struct {
	start     int
	removed   []rune
	inserted  []rune
	selBefore [2]int
	selAfter  [2]int
	origin    suggest.Origin
	at        time.Time
}

// Buffer is a plain-text document with a caret, selection and undo history.
type Buffer struct {
	mu     sync.Mutex
	text   []rune
	anchor int
	head   int
	undo   []edit
	redo   []edit
	now    func() time.Time

	subMu      sync.Mutex
	nextSub    int
	contentCbs map[int]func(suggest.ContentChange)
	selCbs     map[int]func(suggest.SelectionChange)
}

// NewBuffer returns a buffer holding text with the caret at the end.
func NewBuffer(text string) *Buffer {
	r := []rune(text)
	return &Buffer{
		text:       r,
		anchor:     len(r),
		head:       len(r),
		now:        time.Now,
		contentCbs: make(map[int]func(suggest.ContentChange)),
		selCbs:     make(map[int]func(suggest.SelectionChange)),
	}
}

var _ suggest.Surface = (*Buffer)(nil)

// Text returns the whole document.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.text)
}

// Selection returns the anchor and head offsets.
func (b *Buffer) Selection() (anchor, head int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.anchor, b.head
}

// Load replaces the document without notifying listeners and resets history.
func (b *Buffer) Load(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = []rune(text)
	b.anchor, b.head = len(b.text), len(b.text)
	b.undo, b.redo = nil, nil
}

// ContextText returns up to maxChars characters before the caret.
func (b *Buffer) ContextText(maxChars int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if maxChars > 0 && b.head > maxChars {
		start = b.head - maxChars
	}
	return string(b.text[start:b.head])
}

// CursorState reports the caret for suggestion gating.
func (b *Buffer) CursorState() suggest.CursorState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursorLocked()
}

func (b *Buffer) cursorLocked() suggest.CursorState {
	trailing := false
	for _, r := range b.text[b.head:] {
		if r == '\n' {
			break
		}
		if !unicode.IsSpace(r) {
			trailing = true
			break
		}
	}
	return suggest.CursorState{
		Offset:                b.head,
		AtInsertionPoint:      b.anchor == b.head,
		TrailingContentOnLine: trailing,
	}
}

// Type inserts text at the caret as the user, replacing any selection.
func (b *Buffer) Type(text string) {
	b.replaceSelection(text, suggest.OriginUser)
}

// InsertAtCursor commits a suggestion as its own undo unit.
func (b *Buffer) InsertAtCursor(text string) error {
	if text == "" {
		return nil
	}
	b.replaceSelection(text, suggest.OriginSuggestion)
	return nil
}

// Backspace deletes the selection or the character before the caret.
func (b *Buffer) Backspace() {
	b.mu.Lock()
	start, end := b.selRangeLocked()
	if start == end {
		if start == 0 {
			b.mu.Unlock()
			return
		}
		start--
	}
	cur := b.applyLocked(start, end, nil, suggest.OriginUser)
	b.mu.Unlock()
	b.notify(suggest.OriginUser, cur)
}

// Replace swaps the runes in [start, end) for text and leaves the caret after it.
func (b *Buffer) Replace(start, end int, text string) error {
	b.mu.Lock()
	if start < 0 || end < start || end > len(b.text) {
		b.mu.Unlock()
		return errors.New("edit range out of bounds")
	}
	cur := b.applyLocked(start, end, []rune(text), suggest.OriginUser)
	b.mu.Unlock()
	b.notify(suggest.OriginUser, cur)
	return nil
}

// Select moves the caret or selection.
func (b *Buffer) Select(anchor, head int) {
	b.mu.Lock()
	anchor, head = clamp(anchor, len(b.text)), clamp(head, len(b.text))
	if anchor == b.anchor && head == b.head {
		b.mu.Unlock()
		return
	}
	b.anchor, b.head = anchor, head
	cur := b.cursorLocked()
	b.mu.Unlock()

	for _, cb := range b.selectionCallbacks() {
		cb(suggest.SelectionChange{Origin: suggest.OriginUser, Cursor: cur})
	}
}

// Undo reverts the last undo unit.
func (b *Buffer) Undo() error {
	b.mu.Lock()
	if len(b.undo) == 0 {
		b.mu.Unlock()
		return ErrNothingToUndo
	}
	e := b.undo[len(b.undo)-1]
	b.undo = b.undo[:len(b.undo)-1]
	b.spliceLocked(e.start, e.start+len(e.inserted), e.removed)
	b.anchor, b.head = e.selBefore[0], e.selBefore[1]
	b.redo = append(b.redo, e)
	cur := b.cursorLocked()
	b.mu.Unlock()
	b.notify(suggest.OriginUser, cur)
	return nil
}

// Redo reapplies the last undone unit.
func (b *Buffer) Redo() error {
	b.mu.Lock()
	if len(b.redo) == 0 {
		b.mu.Unlock()
		return ErrNothingToUndo
	}
	e := b.redo[len(b.redo)-1]
	b.redo = b.redo[:len(b.redo)-1]
	b.spliceLocked(e.start, e.start+len(e.removed), e.inserted)
	b.anchor, b.head = e.selAfter[0], e.selAfter[1]
	b.undo = append(b.undo, e)
	cur := b.cursorLocked()
	b.mu.Unlock()
	b.notify(suggest.OriginUser, cur)
	return nil
}

// UndoDepth reports the number of undo units.
func (b *Buffer) UndoDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.undo)
}

// OnContentChanged registers cb for text changes.
func (b *Buffer) OnContentChanged(cb func(suggest.ContentChange)) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.contentCbs[id] = cb
	return func() {
		b.subMu.Lock()
		delete(b.contentCbs, id)
		b.subMu.Unlock()
	}
}

// OnSelectionChanged registers cb for caret and selection moves.
func (b *Buffer) OnSelectionChanged(cb func(suggest.SelectionChange)) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.selCbs[id] = cb
	return func() {
		b.subMu.Lock()
		delete(b.selCbs, id)
		b.subMu.Unlock()
	}
}

func (b *Buffer) replaceSelection(text string, origin suggest.Origin) {
	b.mu.Lock()
	start, end := b.selRangeLocked()
	cur := b.applyLocked(start, end, []rune(text), origin)
	b.mu.Unlock()
	b.notify(origin, cur)
}

func (b *Buffer) selRangeLocked() (int, int) {
	if b.anchor <= b.head {
		return b.anchor, b.head
	}
	return b.head, b.anchor
}

// applyLocked records and applies one edit, coalescing adjacent user typing.
func (b *Buffer) applyLocked(start, end int, inserted []rune, origin suggest.Origin) suggest.CursorState {
	removed := append([]rune(nil), b.text[start:end]...)
	before := [2]int{b.anchor, b.head}
	b.spliceLocked(start, end, inserted)
	caret := start + len(inserted)
	b.anchor, b.head = caret, caret
	after := [2]int{caret, caret}
	now := b.now()

	b.redo = nil
	if n := len(b.undo); n > 0 && origin == suggest.OriginUser && len(removed) == 0 && len(inserted) > 0 {
		last := &b.undo[n-1]
		if last.origin == suggest.OriginUser && len(last.removed) == 0 &&
			last.start+len(last.inserted) == start && now.Sub(last.at) < coalesceWindow {
			last.inserted = append(last.inserted, inserted...)
			last.selAfter = after
			last.at = now
			return b.cursorLocked()
		}
	}
	b.undo = append(b.undo, edit{
		start:     start,
		removed:   removed,
		inserted:  append([]rune(nil), inserted...),
		selBefore: before,
		selAfter:  after,
		origin:    origin,
		at:        now,
	})
	return b.cursorLocked()
}

func (b *Buffer) spliceLocked(start, end int, inserted []rune) {
	next := make([]rune, 0, len(b.text)-(end-start)+len(inserted))
	next = append(next, b.text[:start]...)
	next = append(next, inserted...)
	next = append(next, b.text[end:]...)
	b.text = next
}

// notify delivers a content change then the resulting caret move.
func (b *Buffer) notify(origin suggest.Origin, cur suggest.CursorState) {
	for _, cb := range b.contentCallbacks() {
		cb(suggest.ContentChange{Origin: origin})
	}
	for _, cb := range b.selectionCallbacks() {
		cb(suggest.SelectionChange{Origin: origin, Cursor: cur})
	}
}

func (b *Buffer) contentCallbacks() []func(suggest.ContentChange) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	out := make([]func(suggest.ContentChange), 0, len(b.contentCbs))
	for _, cb := range b.contentCbs {
		out = append(out, cb)
	}
	return out
}

func (b *Buffer) selectionCallbacks() []func(suggest.SelectionChange) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	out := make([]func(suggest.SelectionChange), 0, len(b.selCbs))
	for _, cb := range b.selCbs {
		out = append(out, cb)
	}
	return out
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v > n {
		return n
	}
	return v
}
