package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Booleans and explicit zero values
// only apply when the key is present in raw.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Model.Selected != "" {
		base.Model.Selected = override.Model.Selected
	}
	if boolFieldSet(raw, "model", "handle_ttl") {
		base.Model.HandleTTL = override.Model.HandleTTL
	}
	if boolFieldSet(raw, "model", "requests_per_second") {
		base.Model.RequestsPerSecond = override.Model.RequestsPerSecond
	}
	if override.Model.Burst != 0 {
		base.Model.Burst = override.Model.Burst
	}

	mergeProvider(&base.Providers.OpenAI, override.Providers.OpenAI, raw, "openai")
	mergeProvider(&base.Providers.Anthropic, override.Providers.Anthropic, raw, "anthropic")
	mergeProvider(&base.Providers.Google, override.Providers.Google, raw, "google")
	mergeProvider(&base.Providers.Ollama, override.Providers.Ollama, raw, "ollama")
	mergeProvider(&base.Providers.HackClub, override.Providers.HackClub, raw, "hackclub")

	if boolFieldSet(raw, "suggest", "debounce") {
		base.Suggest.Debounce = override.Suggest.Debounce
	}
	if override.Suggest.ContextChars != 0 {
		base.Suggest.ContextChars = override.Suggest.ContextChars
	}
	if override.Suggest.MaxTokens != 0 {
		base.Suggest.MaxTokens = override.Suggest.MaxTokens
	}
	if boolFieldSet(raw, "suggest", "temperature") {
		base.Suggest.Temperature = override.Suggest.Temperature
	}
	if boolFieldSet(raw, "suggest", "request_timeout") {
		base.Suggest.RequestTimeout = override.Suggest.RequestTimeout
	}
	if boolFieldSet(raw, "suggest", "accept_keys") {
		base.Suggest.AcceptKeys = append([]string{}, override.Suggest.AcceptKeys...)
	}
	if boolFieldSet(raw, "suggest", "dismiss_keys") {
		base.Suggest.DismissKeys = append([]string{}, override.Suggest.DismissKeys...)
	}

	if override.Server.Bind != "" {
		base.Server.Bind = override.Server.Bind
	}
	if boolFieldSet(raw, "server", "allowed_origins") {
		base.Server.AllowedOrigins = append([]string{}, override.Server.AllowedOrigins...)
	}
	if boolFieldSet(raw, "server", "public_metrics") {
		base.Server.PublicMetrics = override.Server.PublicMetrics
	}

	if override.Storage.Path != "" {
		base.Storage.Path = override.Storage.Path
	}

	if boolFieldSet(raw, "diagnostics", "network_logs") {
		base.Diagnostics.NetworkLogs = override.Diagnostics.NetworkLogs
	}
	if override.Diagnostics.LogLevel != "" {
		base.Diagnostics.LogLevel = override.Diagnostics.LogLevel
	}
	if boolFieldSet(raw, "diagnostics", "tracing") {
		base.Diagnostics.Tracing = override.Diagnostics.Tracing
	}

	if override.Bus.NATSURL != "" {
		base.Bus.NATSURL = override.Bus.NATSURL
	}
	if override.Bus.SubjectPrefix != "" {
		base.Bus.SubjectPrefix = override.Bus.SubjectPrefix
	}
}

func mergeProvider(base *ProviderSettings, override ProviderSettings, raw map[string]any, name string) {
	if boolFieldSet(raw, "providers", name, "enabled") {
		base.Enabled = override.Enabled
	}
	if override.APIKey != "" {
		base.APIKey = override.APIKey
	}
	if override.BaseURL != "" {
		base.BaseURL = override.BaseURL
	}
}

// boolFieldSet reports whether the nested key path exists in raw YAML.
func boolFieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}
