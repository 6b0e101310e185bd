package model

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
)

// AnthropicProvider streams from the Claude Messages API.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	version    string
}

var anthropicModels = []ModelInfo{
	{
		ID:            "claude-3-5-sonnet",
		Name:          "Claude 3.5 Sonnet",
		ContextLength: 200000,
	},
	{
		ID:            "claude-3-5-haiku",
		Name:          "Claude 3.5 Haiku",
		ContextLength: 200000,
	},
}

// anthropicModelAlias maps short catalog ids onto the API's rolling aliases.
func anthropicModelAlias(modelID string) string {
	switch modelID {
	case "claude-3-5-sonnet", "claude-3-5-haiku":
		return modelID + "-latest"
	default:
		return modelID
	}
}

// NewAnthropicProvider builds an Anthropic provider.
func NewAnthropicProvider(cred Credential, opts ProviderOptions) *AnthropicProvider {
	baseURL := strings.TrimRight(cred.BaseURL, "/")
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &AnthropicProvider{
		apiKey:     cred.APIKey,
		baseURL:    baseURL,
		httpClient: opts.client(),
		version:    anthropicVersion,
	}
}

// ID returns provider identifier.
func (p *AnthropicProvider) ID() string {
	return "anthropic"
}

// ChatCompletionStream streams content_block_delta events as chunks.
func (p *AnthropicProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error) {
	chunkChan := make(chan StreamChunk, 10)
	errChan := make(chan error, 1)

	go func() {
		defer close(chunkChan)
		defer close(errChan)
		if err := p.invokeStream(ctx, req, chunkChan); err != nil {
			errChan <- err
		}
	}()

	return chunkChan, errChan
}

func (p *AnthropicProvider) invokeStream(ctx context.Context, req ChatRequest, chunkChan chan<- StreamChunk) error {
	resp, err := postJSON(ctx, p.httpClient, p.ID(), p.baseURL+"/v1/messages", p.toAnthropicRequest(req), map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": p.version,
		"Accept":            "text/event-stream",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var messageID, modelName string
	return readSSE(ctx, resp.Body, func(data []byte) error {
		var event anthropicStreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return emit(ctx, chunkChan, malformedChunk(data, err))
		}

		switch event.Type {
		case "message_start":
			messageID = event.Message.ID
			modelName = event.Message.Model
		case "content_block_delta":
			if event.Delta.Type != "" && event.Delta.Type != "text_delta" {
				return nil
			}
			if event.Delta.Text == "" {
				return nil
			}
			return emit(ctx, chunkChan, textChunk(messageID, modelName, event.Delta.Text))
		case "message_delta":
			if event.Usage != nil {
				chunk := StreamChunk{ID: messageID, Model: modelName, Usage: &Usage{
					CompletionTokens: event.Usage.OutputTokens,
					TotalTokens:      event.Usage.OutputTokens,
				}}
				return emit(ctx, chunkChan, chunk)
			}
		case "error":
			return &APIError{Provider: p.ID(), StatusCode: http.StatusBadGateway, Message: event.Error.Message, Type: event.Error.Type, Retryable: true}
		}
		return nil
	})
}

func (p *AnthropicProvider) toAnthropicRequest(req ChatRequest) *anthropicRequest {
	anthReq := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	if anthReq.MaxTokens == 0 {
		anthReq.MaxTokens = 1024
	}

	var systemParts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)
		case "user", "assistant":
			anthReq.Messages = append(anthReq.Messages, anthropicMessage{
				Role:    msg.Role,
				Content: []anthropicContent{{Type: "text", Text: msg.Content}},
			})
		}
	}
	if len(systemParts) > 0 {
		anthReq.System = strings.Join(systemParts, "\n\n")
	}
	return anthReq
}

// anthropicRequest maps to the Messages API payload.
type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"message"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
