package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Model gateway errors
	ErrCodeMissingCredential ErrorCode = "MISSING_CREDENTIAL"
	ErrCodeUnknownProvider   ErrorCode = "UNKNOWN_PROVIDER"
	ErrCodeUnknownModel      ErrorCode = "UNKNOWN_MODEL"

	// Stream errors
	ErrCodeTransportFailure  ErrorCode = "TRANSPORT_FAILURE"
	ErrCodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	ErrCodeCancelled         ErrorCode = "CANCELLED"

	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigParse   ErrorCode = "CONFIG_PARSE"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Storage errors
	ErrCodeStorageRead     ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite    ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageNotFound ErrorCode = "STORAGE_NOT_FOUND"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error represents a structured scribe error
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	Stack       []Frame
	Retryable   bool
	UserMessage string
	Remediation []string
}

// Frame represents a stack frame
type Frame struct {
	Function string
	File     string
	Line     int
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
		Stack:      captureStack(2),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the short message shown in the editor status hint.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// WithRemediation replaces the remediation tips for the error.
func (e *Error) WithRemediation(tips ...string) *Error {
	if len(tips) == 0 {
		return e
	}
	e.Remediation = append([]string{}, tips...)
	return e
}

// Error implements the error interface. Context keys are sorted so the
// message is stable across runs.
func (e *Error) Error() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "[%s] %s", e.Code, e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s: %v", k, e.Context[k])
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		fmt.Fprintf(&sb, ": %v", e.Underlying)
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// StackTrace returns a formatted stack trace
func (e *Error) StackTrace() string {
	var sb strings.Builder

	sb.WriteString("Stack trace:\n")
	for i, frame := range e.Stack {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, frame.String())
		fmt.Fprintf(&sb, "     %s:%d\n", frame.File, frame.Line)
	}

	return sb.String()
}

// String formats a stack frame
func (f Frame) String() string {
	return f.Function
}

func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr

	n := runtime.Callers(skip+1, pcs[:])
	frames := make([]Frame, 0, n)

	for i := 0; i < n; i++ {
		fn := runtime.FuncForPC(pcs[i])
		if fn == nil {
			continue
		}
		file, line := fn.FileLine(pcs[i])
		frames = append(frames, Frame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var scribeErr *Error
	if stderrors.As(err, &scribeErr) {
		return scribeErr, true
	}
	return nil, false
}

// IsCode checks if an error (or anything it wraps) has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	for err != nil {
		var scribeErr *Error
		if !stderrors.As(err, &scribeErr) {
			return false
		}
		if scribeErr.Code == code {
			return true
		}
		err = scribeErr.Underlying
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if scribeErr, ok := As(err); ok {
		return scribeErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if scribeErr, ok := As(err); ok {
		return scribeErr.Retryable
	}
	return false
}

// Classify returns the code describing err. Context cancellation is reported
// as CANCELLED even when wrapped by a transport error.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if IsCode(err, ErrCodeCancelled) || stderrors.Is(err, context.Canceled) {
		return ErrCodeCancelled
	}
	return GetCode(err)
}

// UserMessageOf returns the user-facing message for err, falling back to a
// generic description per code.
func UserMessageOf(err error) string {
	if scribeErr, ok := As(err); ok && strings.TrimSpace(scribeErr.UserMessage) != "" {
		return scribeErr.UserMessage
	}
	switch Classify(err) {
	case ErrCodeMissingCredential:
		return "Add an API key for the selected provider"
	case ErrCodeUnknownProvider, ErrCodeUnknownModel:
		return "Selected model is not available"
	case ErrCodeTransportFailure:
		return "Suggestion service unreachable"
	case ErrCodeMalformedResponse:
		return "Suggestion service returned an unreadable response"
	default:
		return "Suggestion failed"
	}
}
