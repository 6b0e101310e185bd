package model

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

const openAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider streams completions from OpenAI's chat completions API.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var openAIModels = []ModelInfo{
	{
		ID:            "gpt-4o",
		Name:          "GPT-4o",
		Description:   "The latest and most powerful OpenAI model",
		ContextLength: 128000,
	},
	{
		ID:            "gpt-4o-mini",
		Name:          "GPT-4o Mini",
		Description:   "The smaller and faster OpenAI model, costs less than gpt-4o",
		ContextLength: 128000,
	},
}

// NewOpenAIProvider builds a provider using the supplied credential.
func NewOpenAIProvider(cred Credential, opts ProviderOptions) *OpenAIProvider {
	baseURL := strings.TrimRight(cred.BaseURL, "/")
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	return &OpenAIProvider{
		apiKey:     cred.APIKey,
		baseURL:    baseURL,
		httpClient: opts.client(),
	}
}

// ID returns provider identifier.
func (p *OpenAIProvider) ID() string {
	return "openai"
}

// ChatCompletionStream streams responses from OpenAI.
func (p *OpenAIProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error) {
	req.Stream = true
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

func (p *OpenAIProvider) invokeStream(ctx context.Context, req ChatRequest, chunkChan chan<- StreamChunk) error {
	resp, err := postJSON(ctx, p.httpClient, p.ID(), p.baseURL+"/chat/completions", req, map[string]string{
		"Authorization": "Bearer " + p.apiKey,
		"Accept":        "text/event-stream",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return readSSE(ctx, resp.Body, func(data []byte) error {
		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return emit(ctx, chunkChan, malformedChunk(data, err))
		}
		return emit(ctx, chunkChan, chunk)
	})
}
