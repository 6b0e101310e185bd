package editor

import (
	"context"

	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
	"github.com/odvcencio/scribe/pkg/suggest"
)

// Completion is one settled suggestion and the text it produces.
type Completion struct {
	Suggestion string
	Full       string
}

// Complete runs one suggestion for text with the caret at its end, skipping
// the debounce window. Suggestion is "" and Full is text when the caret
// position is suppressed or the model offered nothing.
func Complete(ctx context.Context, ctrl *suggest.Controller, text string) (Completion, error) {
	buf := NewBuffer(text)
	ghost := NewGhost(nil)
	ghost.Track(buf)
	defer ghost.Untrack()

	settled := make(chan suggest.Status, 1)
	sess := ctrl.Mount(buf, ghost, func(st suggest.Status) {
		if st.Kind == suggest.StatusLoading {
			return
		}
		select {
		case settled <- st:
		default:
		}
	})
	defer sess.Unmount()

	sess.Trigger()
	if sess.State() == suggest.StateIdle {
		if _, ok := sess.Pending(); !ok {
			select {
			case st := <-settled:
				return result(sess, ghost, text, st)
			default:
				return Completion{Full: text}, nil
			}
		}
	}

	select {
	case st := <-settled:
		return result(sess, ghost, text, st)
	case <-ctx.Done():
		return Completion{Full: text}, scribeerrors.Wrap(ctx.Err(), scribeerrors.ErrCodeCancelled, "completion cancelled")
	}
}

func result(sess *suggest.Session, ghost *Ghost, text string, st suggest.Status) (Completion, error) {
	if st.Kind == suggest.StatusError {
		return Completion{Full: text}, scribeerrors.New(st.Code, st.Message).WithUserMessage(st.Message)
	}
	p, ok := sess.Pending()
	if !ok || p.State != suggest.SuggestionReady {
		return Completion{Full: text}, nil
	}
	return Completion{Suggestion: p.Text, Full: ghost.Overlay(text)}, nil
}
