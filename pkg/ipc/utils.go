package ipc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
)

// rateLimiter admits one call per interval for each client key.
type rateLimiter struct {
	every rate.Limit
	mu    sync.Mutex
	byKey map[string]*rate.Limiter
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	every := rate.Inf
	if interval > 0 {
		every = rate.Every(interval)
	}
	return &rateLimiter{every: every, byKey: make(map[string]*rate.Limiter)}
}

func (r *rateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	lim, ok := r.byKey[key]
	if !ok {
		lim = rate.NewLimiter(r.every, 1)
		r.byKey[key] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

// parseIntDefault parses a positive integer with a default fallback.
func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}

func setNoStoreHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Referrer-Policy", "no-referrer")
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, payload any) {
	respondJSONStatus(w, http.StatusOK, payload)
}

func respondJSONStatus(w http.ResponseWriter, status int, payload any) {
	setNoStoreHeaders(w)
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// errorResponse is the body of every failed API call.
type errorResponse struct {
	Error       string   `json:"error"`
	Status      int      `json:"status"`
	Code        string   `json:"code,omitempty"`
	Message     string   `json:"message"`
	Details     string   `json:"details,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
	Retryable   bool     `json:"retryable,omitempty"`
	Timestamp   string   `json:"timestamp"`
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	setNoStoreHeaders(w)
	w.WriteHeader(status)

	response := errorResponse{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if scribeErr, ok := scribeerrors.As(err); ok {
		response.Code = string(scribeErr.Code)
		if scribeErr.UserMessage != "" {
			response.Message = scribeErr.UserMessage
		} else if scribeErr.Message != "" {
			response.Message = scribeErr.Message
		}
		if len(scribeErr.Remediation) > 0 {
			response.Remediation = append([]string{}, scribeErr.Remediation...)
		}
		response.Retryable = scribeErr.Retryable
		response.Details = scribeErr.Error()
	} else if err != nil {
		response.Message = err.Error()
		response.Details = fmt.Sprintf("%v", err)
	}

	if len(response.Remediation) == 0 {
		response.Remediation = defaultRemediation(response.Code, status)
	}

	response.Error = response.Message
	_ = json.NewEncoder(w).Encode(response)
}

// respondFailure maps err to a status code before responding.
func respondFailure(w http.ResponseWriter, err error) {
	respondError(w, statusForError(err), err)
}

// statusForError maps structured error codes to HTTP statuses.
func statusForError(err error) int {
	switch scribeerrors.GetCode(err) {
	case scribeerrors.ErrCodeInvalidInput, scribeerrors.ErrCodeUnknownProvider, scribeerrors.ErrCodeUnknownModel:
		return http.StatusBadRequest
	case scribeerrors.ErrCodeStorageNotFound:
		return http.StatusNotFound
	case scribeerrors.ErrCodeMissingCredential:
		return http.StatusPreconditionFailed
	case scribeerrors.ErrCodeTransportFailure, scribeerrors.ErrCodeMalformedResponse:
		return http.StatusBadGateway
	case scribeerrors.ErrCodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// defaultRemediation provides helpful remediation steps for common errors.
func defaultRemediation(code string, status int) []string {
	switch scribeerrors.ErrorCode(code) {
	case scribeerrors.ErrCodeMissingCredential:
		return []string{
			"Add an API key for the selected provider in settings.",
			"Or export the provider's key variable and restart scribe.",
		}
	case scribeerrors.ErrCodeUnknownProvider, scribeerrors.ErrCodeUnknownModel:
		return []string{
			"Run `scribe models` to list the available provider:model pairs.",
			"Pick one of them in settings.",
		}
	case scribeerrors.ErrCodeTransportFailure:
		return []string{
			"Check your internet connection or the provider's status page.",
			"Suggestions resume on the next keystroke once the provider is reachable.",
		}
	case scribeerrors.ErrCodeStorageRead, scribeerrors.ErrCodeStorageWrite:
		return []string{
			"Ensure the scribe data directory is writable and not full.",
			"Restart scribe if the SQLite database was locked.",
		}
	}

	switch status {
	case http.StatusUnauthorized:
		return []string{
			"Send the server token as an Authorization: Bearer header.",
		}
	case http.StatusForbidden:
		return []string{
			"Add this page's origin to server.allowed_origins.",
		}
	case http.StatusNotFound:
		return []string{
			"Verify the document ID in the request URL.",
		}
	case http.StatusTooManyRequests:
		return []string{
			"Close unused editor tabs or wait a moment and retry.",
		}
	default:
		return []string{
			"Run `scribe logs` to see recent errors.",
		}
	}
}

// extractBearerToken extracts a bearer token from the Authorization header
// or the token query parameter used by browser WebSocket clients.
func extractBearerToken(r *http.Request) (token string, fromQuery bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):]), false
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	return "", false
}
