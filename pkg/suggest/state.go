package suggest

import (
	"time"

	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateDebouncing
	StateRequesting
	StateStreaming
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// SuggestionState is the lifecycle of one pending suggestion.
type SuggestionState int

const (
	SuggestionRequesting SuggestionState = iota
	SuggestionStreaming
	SuggestionReady
	SuggestionCancelled
	SuggestionRejected
)

func (s SuggestionState) String() string {
	switch s {
	case SuggestionRequesting:
		return "requesting"
	case SuggestionStreaming:
		return "streaming"
	case SuggestionReady:
		return "ready"
	case SuggestionCancelled:
		return "cancelled"
	case SuggestionRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Snapshot identifies the text a suggestion was requested for.
type Snapshot struct {
	Text   string
	Cursor int
}

// PendingSuggestion is a copy of the in-flight or ready suggestion.
type PendingSuggestion struct {
	Generation uint64
	Source     Snapshot
	// Raw is the accumulated model output.
	Raw string
	// Text is the cleaned text currently shown.
	Text      string
	State     SuggestionState
	StartedAt time.Time
}

// StatusKind is the coarse indicator shown to the user.
type StatusKind string

const (
	StatusIdle    StatusKind = "idle"
	StatusLoading StatusKind = "loading"
	StatusError   StatusKind = "error"
)

// Status is published whenever the indicator changes.
type Status struct {
	Kind       StatusKind             `json:"kind"`
	State      string                 `json:"state"`
	Code       scribeerrors.ErrorCode `json:"code,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Generation uint64                 `json:"generation,omitempty"`
	SessionID  string                 `json:"sessionId"`
}
