package model

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

const hackClubBaseURL = "https://ai.hackclub.com"

// HackClubProvider streams from the free Hack Club AI proxy. The proxy needs
// no key and chooses the model itself.
type HackClubProvider struct {
	baseURL    string
	httpClient *http.Client
}

var hackClubModels = []ModelInfo{
	{ID: "default", Name: "Hack Club AI", Description: "Free proxy; the upstream model is chosen server side."},
}

// NewHackClubProvider builds the Hack Club provider.
func NewHackClubProvider(cred Credential, opts ProviderOptions) *HackClubProvider {
	baseURL := strings.TrimRight(cred.BaseURL, "/")
	if baseURL == "" {
		baseURL = hackClubBaseURL
	}
	return &HackClubProvider{baseURL: baseURL, httpClient: opts.client()}
}

// ID returns provider identifier.
func (p *HackClubProvider) ID() string {
	return "hackclub"
}

// ChatCompletionStream streams newline-delimited JSON frames.
func (p *HackClubProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error) {
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

func (p *HackClubProvider) invokeStream(ctx context.Context, req ChatRequest, chunkChan chan<- StreamChunk) error {
	body := hackClubRequest{Messages: req.Messages, Stream: true}
	resp, err := postJSON(ctx, p.httpClient, p.ID(), p.baseURL+"/chat/completions", body, map[string]string{
		"Accept": "application/x-ndjson",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return readNDJSON(ctx, resp.Body, func(line []byte) error {
		// Some deployments still frame lines as SSE.
		line = []byte(strings.TrimPrefix(string(line), "data: "))
		if string(line) == "[DONE]" {
			return nil
		}

		var frame hackClubFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			return emit(ctx, chunkChan, malformedChunk(line, err))
		}
		text := frame.text()
		if text == "" {
			return nil
		}
		return emit(ctx, chunkChan, textChunk(frame.ID, frame.Model, text))
	})
}

type hackClubRequest struct {
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// hackClubFrame accepts the several shapes the proxy has emitted.
type hackClubFrame struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content string `json:"content"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Content string `json:"content"`
	} `json:"choices"`
}

func (f hackClubFrame) text() string {
	if len(f.Choices) > 0 {
		c := f.Choices[0]
		switch {
		case c.Delta.Content != "":
			return c.Delta.Content
		case c.Message.Content != "":
			return c.Message.Content
		case c.Content != "":
			return c.Content
		}
	}
	return f.Content
}
