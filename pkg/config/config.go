package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/scribe/pkg/paths"
)

const (
	// DefaultSelection is the provider:model pair used when nothing is configured.
	DefaultSelection = "openai:gpt-4o-mini"

	defaultDebounce      = 1500 * time.Millisecond
	defaultContextChars  = 4000
	defaultMaxTokens     = 50
	defaultBind          = "127.0.0.1:4590"
	defaultHandleTTL     = 30 * time.Minute
	defaultAutosaveDelay = 500 * time.Millisecond
	maxDebounce          = 10 * time.Second
)

// Config holds all configuration for scribe.
type Config struct {
	Model       ModelConfig       `yaml:"model"`
	Providers   ProviderConfig    `yaml:"providers"`
	Suggest     SuggestConfig     `yaml:"suggest"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Bus         BusConfig         `yaml:"bus"`
}

// ModelConfig selects the completion model and tunes handle reuse.
type ModelConfig struct {
	Selected          string        `yaml:"selected"` // provider:model
	HandleTTL         time.Duration `yaml:"handle_ttl"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// ProviderConfig contains per-provider settings.
type ProviderConfig struct {
	OpenAI    ProviderSettings `yaml:"openai"`
	Anthropic ProviderSettings `yaml:"anthropic"`
	Google    ProviderSettings `yaml:"google"`
	Ollama    ProviderSettings `yaml:"ollama"`
	HackClub  ProviderSettings `yaml:"hackclub"`
}

// ProviderSettings contains settings for a specific provider
type ProviderSettings struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`  // Can be set here or via env var
	BaseURL string `yaml:"base_url"` // Optional custom base URL
}

// SuggestConfig tunes the suggestion controller.
type SuggestConfig struct {
	Debounce       time.Duration `yaml:"debounce"`
	ContextChars   int           `yaml:"context_chars"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float64       `yaml:"temperature"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // 0 means unbounded
	AcceptKeys     []string      `yaml:"accept_keys"`
	DismissKeys    []string      `yaml:"dismiss_keys"`
}

// ServerConfig configures the HTTP/WebSocket server.
type ServerConfig struct {
	Bind           string   `yaml:"bind"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	PublicMetrics  bool     `yaml:"public_metrics"`
	// AuthToken, when set, is required as a bearer token on API calls.
	AuthToken string `yaml:"auth_token"`
}

// StorageConfig points at the document database.
type StorageConfig struct {
	Path string `yaml:"path"`
	// AutosaveDelay bounds how long editor changes wait before being written.
	AutosaveDelay time.Duration `yaml:"autosave_delay"`
}

// DiagnosticsConfig controls logging and tracing.
type DiagnosticsConfig struct {
	NetworkLogs bool   `yaml:"network_logs"`
	LogLevel    string `yaml:"log_level"`
	Tracing     bool   `yaml:"tracing"`
}

// BusConfig selects the message bus backend. Empty NATSURL keeps the bus in-process.
type BusConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Selected:          DefaultSelection,
			HandleTTL:         defaultHandleTTL,
			RequestsPerSecond: 4,
			Burst:             4,
		},
		Providers: ProviderConfig{
			OpenAI:    ProviderSettings{Enabled: true},
			Anthropic: ProviderSettings{Enabled: true},
			Google:    ProviderSettings{Enabled: true},
			Ollama:    ProviderSettings{Enabled: false},
			HackClub:  ProviderSettings{Enabled: true},
		},
		Suggest: SuggestConfig{
			Debounce:     defaultDebounce,
			ContextChars: defaultContextChars,
			MaxTokens:    defaultMaxTokens,
			AcceptKeys:   []string{"Tab", "ArrowRight", "swipe-right"},
			DismissKeys:  []string{"Escape"},
		},
		Server: ServerConfig{
			Bind:           defaultBind,
			AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
		},
		Storage: StorageConfig{
			Path:          filepath.Join(paths.DataDir(), "scribe.db"),
			AutosaveDelay: defaultAutosaveDelay,
		},
		Diagnostics: DiagnosticsConfig{
			LogLevel: "info",
		},
		Bus: BusConfig{
			SubjectPrefix: "scribe",
		},
	}
}

// Paths returns the config files consulted by Load, lowest precedence first.
func Paths() []string {
	var out []string
	if dir := paths.UserConfigDir(); dir != "" {
		out = append(out, filepath.Join(dir, "config.yaml"))
	}
	return append(out, filepath.Join(".", ".scribe", "config.yaml"))
}

// Load loads configuration from default locations with proper precedence:
// defaults, user config, project config, ~/.scribe/config.env, environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range Paths() {
		if err := loadAndMerge(cfg, path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg, loadConfigEnvVars())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg, loadConfigEnvVars())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. configEnv holds
// values parsed from ~/.scribe/config.env and is consulted after the process env.
func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	lookup := func(keys ...string) string {
		for _, key := range keys {
			if v := strings.TrimSpace(os.Getenv(key)); v != "" {
				return v
			}
		}
		for _, key := range keys {
			if v := strings.TrimSpace(configEnv[key]); v != "" {
				return v
			}
		}
		return ""
	}

	if v := lookup("SCRIBE_MODEL"); v != "" {
		cfg.Model.Selected = v
	}

	if v := lookup("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := lookup("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := lookup("GOOGLE_API_KEY", "GEMINI_API_KEY"); v != "" {
		cfg.Providers.Google.APIKey = v
	}
	if v := lookup("OPENAI_BASE_URL"); v != "" {
		cfg.Providers.OpenAI.BaseURL = v
	}
	if v := lookup("OLLAMA_HOST"); v != "" {
		cfg.Providers.Ollama.BaseURL = v
	}
	if val, ok := envBool("SCRIBE_OLLAMA_ENABLED"); ok {
		cfg.Providers.Ollama.Enabled = val
	}
	if val, ok := envBool("SCRIBE_HACKCLUB_ENABLED"); ok {
		cfg.Providers.HackClub.Enabled = val
	}

	if v := lookup("SCRIBE_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Suggest.Debounce = time.Duration(n) * time.Millisecond
		}
	}
	if v := lookup("SCRIBE_CONTEXT_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Suggest.ContextChars = n
		}
	}
	if v := lookup("SCRIBE_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Suggest.MaxTokens = n
		}
	}
	if v := lookup("SCRIBE_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Suggest.RequestTimeout = d
		}
	}
	if v := lookup("SCRIBE_ACCEPT_KEYS"); v != "" {
		cfg.Suggest.AcceptKeys = splitCommaList(v)
	}

	if v := lookup("SCRIBE_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := lookup("SCRIBE_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitCommaList(v)
	}
	if val, ok := envBool("SCRIBE_PUBLIC_METRICS"); ok {
		cfg.Server.PublicMetrics = val
	}
	if v := lookup("SCRIBE_SERVER_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := lookup("SCRIBE_DB_PATH"); v != "" {
		cfg.Storage.Path = paths.ExpandHome(v)
	}

	if val, ok := envBool("SCRIBE_NETWORK_LOGS"); ok {
		cfg.Diagnostics.NetworkLogs = val
	}
	if v := lookup("SCRIBE_LOG_LEVEL"); v != "" {
		cfg.Diagnostics.LogLevel = v
	}
	if val, ok := envBool("SCRIBE_TRACING"); ok {
		cfg.Diagnostics.Tracing = val
	}
	if v := lookup("SCRIBE_NATS_URL", "NATS_URL"); v != "" {
		cfg.Bus.NATSURL = v
	}
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// SplitSelection splits "provider:model". Only the first colon separates the
// two, so model ids such as "llama3:8b" survive.
func SplitSelection(selection string) (providerID, modelID string, err error) {
	selection = strings.TrimSpace(selection)
	providerID, modelID, ok := strings.Cut(selection, ":")
	providerID = strings.TrimSpace(providerID)
	modelID = strings.TrimSpace(modelID)
	if !ok || providerID == "" || modelID == "" {
		return "", "", fmt.Errorf("model selection %q must look like provider:model", selection)
	}
	return providerID, modelID, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if _, _, err := SplitSelection(c.Model.Selected); err != nil {
		return err
	}
	if c.Model.RequestsPerSecond < 0 {
		return fmt.Errorf("model.requests_per_second must be >= 0")
	}
	if c.Model.HandleTTL < 0 {
		return fmt.Errorf("model.handle_ttl must be >= 0")
	}
	if c.Suggest.Debounce < 0 || c.Suggest.Debounce > maxDebounce {
		return fmt.Errorf("suggest.debounce must be between 0 and %s", maxDebounce)
	}
	if c.Suggest.ContextChars <= 0 {
		return fmt.Errorf("suggest.context_chars must be > 0")
	}
	if c.Suggest.MaxTokens <= 0 {
		return fmt.Errorf("suggest.max_tokens must be > 0")
	}
	if c.Suggest.Temperature < 0 || c.Suggest.Temperature > 2 {
		return fmt.Errorf("suggest.temperature must be between 0 and 2")
	}
	if c.Suggest.RequestTimeout < 0 {
		return fmt.Errorf("suggest.request_timeout must be >= 0")
	}
	if len(c.Suggest.AcceptKeys) == 0 {
		return fmt.Errorf("suggest.accept_keys must name at least one key")
	}
	if c.Storage.AutosaveDelay < 0 {
		return fmt.Errorf("storage.autosave_delay must be >= 0")
	}
	if strings.TrimSpace(c.Server.Bind) == "" {
		return fmt.Errorf("server.bind is required")
	}
	return nil
}

// ValidationWarnings returns non-fatal issues worth surfacing at startup.
func (c *Config) ValidationWarnings() []string {
	var warnings []string

	if c.Providers.OpenAI.APIKey != "" && os.Getenv("OPENAI_API_KEY") == "" {
		warnings = append(warnings, "SECURITY: OpenAI API key is stored in a config file. Consider using the OPENAI_API_KEY environment variable instead.")
	}
	if c.Providers.Anthropic.APIKey != "" && os.Getenv("ANTHROPIC_API_KEY") == "" {
		warnings = append(warnings, "SECURITY: Anthropic API key is stored in a config file. Consider using the ANTHROPIC_API_KEY environment variable instead.")
	}
	if c.Providers.Google.APIKey != "" && os.Getenv("GOOGLE_API_KEY") == "" && os.Getenv("GEMINI_API_KEY") == "" {
		warnings = append(warnings, "SECURITY: Google API key is stored in a config file. Consider using the GOOGLE_API_KEY environment variable instead.")
	}
	if c.Diagnostics.NetworkLogs {
		warnings = append(warnings, "SECURITY: Network request/response logging is enabled. Document text sent for completion will be written to network.jsonl under SCRIBE_LOG_DIR.")
	}
	if providerID, _, err := SplitSelection(c.Model.Selected); err == nil && !c.Providers.enabled(providerID) {
		warnings = append(warnings, fmt.Sprintf("Selected provider %q is disabled; suggestions will fail until it is enabled.", providerID))
	}
	return warnings
}

// Settings returns the settings block for providerID.
func (p *ProviderConfig) Settings(providerID string) (ProviderSettings, bool) {
	switch providerID {
	case "openai":
		return p.OpenAI, true
	case "anthropic":
		return p.Anthropic, true
	case "google":
		return p.Google, true
	case "ollama":
		return p.Ollama, true
	case "hackclub":
		return p.HackClub, true
	default:
		return ProviderSettings{}, false
	}
}

// ReadyProviders returns identifiers for providers that are enabled and, where
// a key is required, have one.
func (p *ProviderConfig) ReadyProviders() []string {
	var providers []string
	for _, providerID := range []string{"openai", "anthropic", "google", "ollama", "hackclub"} {
		settings, _ := p.Settings(providerID)
		if !settings.Enabled {
			continue
		}
		switch providerID {
		case "ollama", "hackclub":
			providers = append(providers, providerID)
		default:
			if settings.APIKey != "" {
				providers = append(providers, providerID)
			}
		}
	}
	return providers
}

func (p *ProviderConfig) enabled(providerID string) bool {
	settings, ok := p.Settings(providerID)
	return ok && settings.Enabled
}

func loadConfigEnvVars() map[string]string {
	dir := paths.UserConfigDir()
	if dir == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.env"))
	if err != nil {
		return nil
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		vars[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	return vars
}
