package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const ollamaBaseURL = "http://localhost:11434"

// OllamaProvider implements Provider for local Ollama instances.
type OllamaProvider struct {
	baseURL    string
	httpClient *http.Client
}

var ollamaSuggestedModels = []ModelInfo{
	{ID: "llama3.1:8b", Name: "Llama 3.1 8B", Description: "Runs locally through Ollama."},
	{ID: "llama3.2:1b", Name: "Llama 3.2 1B", Description: "Runs locally through Ollama."},
}

// NewOllamaProvider builds an Ollama provider. The credential's BaseURL
// points at the daemon; no key is needed.
func NewOllamaProvider(cred Credential, opts ProviderOptions) *OllamaProvider {
	baseURL := strings.TrimSpace(cred.BaseURL)
	if baseURL == "" {
		baseURL = ollamaBaseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &OllamaProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: opts.client(),
	}
}

// ID returns provider identifier.
func (p *OllamaProvider) ID() string {
	return "ollama"
}

// ListModels returns the models installed on the Ollama daemon.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama list models failed (%d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode ollama models: %w", err)
	}

	models := make([]ModelInfo, 0, len(result.Models))
	for _, m := range result.Models {
		models = append(models, ModelInfo{ID: m.Name, Name: m.Name})
	}
	return models, nil
}

// ChatCompletionStream streams NDJSON chat frames from /api/chat.
func (p *OllamaProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error) {
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

func (p *OllamaProvider) invokeStream(ctx context.Context, req ChatRequest, chunkChan chan<- StreamChunk) error {
	resp, err := postJSON(ctx, p.httpClient, p.ID(), p.baseURL+"/api/chat", buildOllamaRequest(req), map[string]string{
		"Accept": "application/x-ndjson",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return readNDJSON(ctx, resp.Body, func(line []byte) error {
		var frame ollamaChatResponse
		if err := json.Unmarshal(line, &frame); err != nil {
			return emit(ctx, chunkChan, malformedChunk(line, err))
		}
		if frame.Error != "" {
			return &APIError{Provider: p.ID(), StatusCode: http.StatusBadGateway, Message: frame.Error}
		}

		chunk := textChunk("", frame.Model, frame.Message.Content)
		if frame.Done {
			reason := finishReason(frame.DoneReason)
			chunk.Choices[0].FinishReason = &reason
			usage := usageFromOllama(frame.PromptEvalCount, frame.EvalCount)
			chunk.Usage = &usage
		} else if frame.Message.Content == "" {
			return nil
		}
		return emit(ctx, chunkChan, chunk)
	})
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

func buildOllamaRequest(req ChatRequest) *ollamaChatRequest {
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, ollamaMessage{Role: msg.Role, Content: msg.Content})
	}

	options := map[string]any{}
	if req.Temperature != 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) == 0 {
		options = nil
	}

	return &ollamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
		Options:  options,
	}
}

func usageFromOllama(promptTokens, completionTokens int) Usage {
	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

func finishReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "stop"
	}
	return reason
}
