package model

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Provider defines the behavior required for a streaming completion backend.
//
//go:generate mockgen -package=model -destination=mock_provider_test.go github.com/odvcencio/scribe/pkg/model Provider
type Provider interface {
	ID() string
	ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error)
}

// Credential is the secret material a provider is built with.
type Credential struct {
	APIKey  string
	BaseURL string
}

// ProviderOptions are shared construction options.
type ProviderOptions struct {
	NetworkLogs bool
	// Timeout bounds a whole HTTP exchange. Zero leaves it unbounded.
	Timeout time.Duration
	// HTTPClient overrides the client built from NetworkLogs/Timeout.
	HTTPClient *http.Client
}

func (o ProviderOptions) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{
		Timeout:   o.Timeout,
		Transport: NewLoggingTransport(nil, o.NetworkLogs),
	}
}

// Descriptor describes a provider the gateway can build.
type Descriptor struct {
	ID                 string
	Name               string
	RequiresCredential bool
	// CredentialEnv names the environment variable users set the key in.
	CredentialEnv string
	// OpenModels accepts any model id, for backends with user-installed models.
	OpenModels bool
	Models     []ModelInfo
	// NormalizeModelID maps a selected id to the id sent upstream.
	NormalizeModelID func(string) string
	New              func(cred Credential, opts ProviderOptions) Provider
}

// HasModel reports whether modelID is selectable for this provider.
func (d Descriptor) HasModel(modelID string) bool {
	if d.OpenModels {
		return strings.TrimSpace(modelID) != ""
	}
	for _, m := range d.Models {
		if m.ID == modelID {
			return true
		}
	}
	return false
}

func (d Descriptor) upstreamModel(modelID string) string {
	if d.NormalizeModelID == nil {
		return modelID
	}
	return d.NormalizeModelID(modelID)
}

// Builtin returns the providers scribe ships with.
func Builtin() []Descriptor {
	return []Descriptor{
		{
			ID:                 "openai",
			Name:               "OpenAI",
			RequiresCredential: true,
			CredentialEnv:      "OPENAI_API_KEY",
			Models:             openAIModels,
			New: func(cred Credential, opts ProviderOptions) Provider {
				return NewOpenAIProvider(cred, opts)
			},
		},
		{
			ID:                 "anthropic",
			Name:               "Anthropic",
			RequiresCredential: true,
			CredentialEnv:      "ANTHROPIC_API_KEY",
			Models:             anthropicModels,
			NormalizeModelID:   anthropicModelAlias,
			New: func(cred Credential, opts ProviderOptions) Provider {
				return NewAnthropicProvider(cred, opts)
			},
		},
		{
			ID:                 "google",
			Name:               "Google",
			RequiresCredential: true,
			CredentialEnv:      "GOOGLE_API_KEY",
			Models:             googleModels,
			NormalizeModelID:   googleModelPath,
			New: func(cred Credential, opts ProviderOptions) Provider {
				return NewGoogleProvider(cred, opts)
			},
		},
		{
			ID:         "ollama",
			Name:       "Ollama",
			OpenModels: true,
			Models:     ollamaSuggestedModels,
			New: func(cred Credential, opts ProviderOptions) Provider {
				return NewOllamaProvider(cred, opts)
			},
		},
		{
			ID:     "hackclub",
			Name:   "Hack Club AI",
			Models: hackClubModels,
			New: func(cred Credential, opts ProviderOptions) Provider {
				return NewHackClubProvider(cred, opts)
			},
		},
	}
}

// Catalog returns the selectable models keyed by provider id.
func Catalog(descriptors []Descriptor) map[string][]ModelInfo {
	out := make(map[string][]ModelInfo, len(descriptors))
	for _, d := range descriptors {
		models := append([]ModelInfo(nil), d.Models...)
		sort.SliceStable(models, func(i, j int) bool { return models[i].ID < models[j].ID })
		out[d.ID] = models
	}
	return out
}
