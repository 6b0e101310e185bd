package model

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// ChatRequest represents a request to a streaming completion endpoint.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// StreamChunk represents a streaming response chunk. Adapters translate
// provider-specific payloads into this OpenAI-shaped form.
type StreamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"` // Only present in final chunk

	// Malformed is set when a stream line could not be decoded. Consumers
	// skip such chunks; the stream itself keeps going.
	Malformed error `json:"-"`
}

// StreamChoice represents a streaming choice
type StreamChoice struct {
	Index        int          `json:"index"`
	Delta        MessageDelta `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

// MessageDelta represents incremental content in a stream
type MessageDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Text returns the concatenated delta text of the chunk.
func (c StreamChunk) Text() string {
	if len(c.Choices) == 1 {
		return c.Choices[0].Delta.Content
	}
	var b strings.Builder
	for _, choice := range c.Choices {
		b.WriteString(choice.Delta.Content)
	}
	return b.String()
}

func textChunk(id, model, text string) StreamChunk {
	return StreamChunk{
		ID:    id,
		Model: model,
		Choices: []StreamChoice{
			{Delta: MessageDelta{Role: "assistant", Content: text}},
		},
	}
}

func malformedChunk(raw []byte, err error) StreamChunk {
	snippet := string(raw)
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	return StreamChunk{Malformed: fmt.Errorf("decoding chunk %q: %w", snippet, err)}
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelCatalog represents the list of available models
type ModelCatalog struct {
	Data []ModelInfo `json:"data"`
}

// ModelInfo describes a selectable model.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// APIError represents a structured API error with retry information
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
	Retryable  bool
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: HTTP %d: %s (type: %s)", e.Provider, e.StatusCode, e.Message, e.Type)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRateLimitError returns true if this is a rate limit error
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == 429
}

// IsAuthError reports a rejected credential.
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
