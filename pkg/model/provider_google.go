package model

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

const googleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GoogleProvider talks to the Gemini API.
type GoogleProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var googleModels = []ModelInfo{
	{
		ID:            "gemini-2.5-flash-preview-04-17",
		Name:          "Gemini 2.5 Flash Exp",
		Description:   "A really fast and cheap model.",
		ContextLength: 1000000,
	},
	{
		ID:            "gemini-2.0-flash-lite",
		Name:          "Gemini 2.0 Flash Lite",
		Description:   "A really fast and cheap model.",
		ContextLength: 1000000,
	},
}

// googleModelPath turns a catalog id into the "models/<id>" resource name.
func googleModelPath(modelID string) string {
	if strings.HasPrefix(modelID, "models/") {
		return modelID
	}
	return "models/" + modelID
}

// NewGoogleProvider builds a provider for Gemini.
func NewGoogleProvider(cred Credential, opts ProviderOptions) *GoogleProvider {
	baseURL := strings.TrimRight(cred.BaseURL, "/")
	if baseURL == "" {
		baseURL = googleBaseURL
	}
	return &GoogleProvider{
		apiKey:     cred.APIKey,
		baseURL:    baseURL,
		httpClient: opts.client(),
	}
}

// ID returns provider identifier.
func (p *GoogleProvider) ID() string {
	return "google"
}

// ChatCompletionStream streams streamGenerateContent SSE frames as chunks.
func (p *GoogleProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error) {
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

func (p *GoogleProvider) invokeStream(ctx context.Context, req ChatRequest, chunkChan chan<- StreamChunk) error {
	modelPath := googleModelPath(req.Model)
	endpoint := p.baseURL + "/" + modelPath + ":streamGenerateContent?alt=sse"
	resp, err := postJSON(ctx, p.httpClient, p.ID(), endpoint, toGenerateContentRequest(req), map[string]string{
		"x-goog-api-key": p.apiKey,
		"Accept":         "text/event-stream",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	modelName := strings.TrimPrefix(modelPath, "models/")
	return readSSE(ctx, resp.Body, func(data []byte) error {
		var frame googleResponse
		if err := json.Unmarshal(data, &frame); err != nil {
			return emit(ctx, chunkChan, malformedChunk(data, err))
		}
		if len(frame.Candidates) == 0 {
			return nil
		}

		var text strings.Builder
		for _, part := range frame.Candidates[0].Content.Parts {
			if part.Thought {
				continue
			}
			text.WriteString(part.Text)
		}
		chunk := textChunk(frame.ResponseID, modelName, text.String())
		if frame.Usage != nil && frame.Candidates[0].FinishReason != "" {
			chunk.Usage = &Usage{
				PromptTokens:     frame.Usage.PromptTokens,
				CompletionTokens: frame.Usage.CandidateTokens,
				TotalTokens:      frame.Usage.TotalTokens,
			}
		}
		return emit(ctx, chunkChan, chunk)
	})
}

func toGenerateContentRequest(req ChatRequest) *googleRequest {
	payload := &googleRequest{
		GenerationConfig: googleGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	// Thinking only adds latency to a short completion.
	if strings.Contains(req.Model, "2.5") {
		payload.GenerationConfig.ThinkingConfig = &googleThinkingConfig{ThinkingBudget: 0}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if payload.SystemInstruction == nil {
				payload.SystemInstruction = &googleContent{}
			}
			payload.SystemInstruction.Parts = append(payload.SystemInstruction.Parts, googlePart{Text: msg.Content})
		case "user":
			payload.Contents = append(payload.Contents, googleContent{Role: "user", Parts: []googlePart{{Text: msg.Content}}})
		case "assistant":
			payload.Contents = append(payload.Contents, googleContent{Role: "model", Parts: []googlePart{{Text: msg.Content}}})
		}
	}
	return payload
}

type googleRequest struct {
	Contents          []googleContent        `json:"contents"`
	SystemInstruction *googleContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  googleGenerationConfig `json:"generationConfig"`
}

type googleGenerationConfig struct {
	MaxOutputTokens int                   `json:"maxOutputTokens,omitempty"`
	Temperature     float64               `json:"temperature,omitempty"`
	ThinkingConfig  *googleThinkingConfig `json:"thinkingConfig,omitempty"`
}

type googleThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type googleResponse struct {
	ResponseID string `json:"responseId"`
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Usage *struct {
		PromptTokens    int `json:"promptTokenCount"`
		CandidateTokens int `json:"candidatesTokenCount"`
		TotalTokens     int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}
