package prompt

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/scribe/pkg/paths"
)

const (
	// EnvPreamble overrides the instruction preamble inline.
	EnvPreamble = "SCRIBE_PROMPT_AUTOCOMPLETE"
	// EnvPreambleFile names a file holding the preamble override.
	EnvPreambleFile = EnvPreamble + "_FILE"

	defaultPlaceholder = "{{DEFAULT_PROMPT}}"
)

// PreambleInfo describes the default and effective instruction preamble.
type PreambleInfo struct {
	Default    string `json:"default"`
	Override   string `json:"override"`
	Effective  string `json:"effective"`
	Overridden bool   `json:"overridden"`
}

// DefaultPreamble returns the built-in instructions.
func DefaultPreamble() string {
	return instructions
}

// ResolvePreamble returns the effective preamble: the environment, then
// ~/.scribe/prompts/autocomplete.md, then the default. An override may embed
// {{DEFAULT_PROMPT}}.
func ResolvePreamble() string {
	override := resolveOverride()
	if override == "" {
		return instructions
	}
	return strings.ReplaceAll(override, defaultPlaceholder, instructions)
}

// Preamble reports the override state for API consumers.
func Preamble() PreambleInfo {
	override := resolveOverride()
	return PreambleInfo{
		Default:    instructions,
		Override:   override,
		Effective:  ResolvePreamble(),
		Overridden: override != "",
	}
}

func resolveOverride() string {
	if override := strings.TrimSpace(os.Getenv(EnvPreamble)); override != "" {
		return override
	}
	if path := strings.TrimSpace(os.Getenv(EnvPreambleFile)); path != "" {
		if data, err := os.ReadFile(paths.ExpandHome(path)); err == nil && strings.TrimSpace(string(data)) != "" {
			return strings.TrimSpace(string(data))
		}
	}
	path := overridePath()
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SaveOverride persists a preamble override.
func SaveOverride(content string) error {
	path := overridePath()
	if path == "" {
		return os.ErrNotExist
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// DeleteOverride removes a stored override.
func DeleteOverride() error {
	path := overridePath()
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func overridePath() string {
	dir := paths.UserConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "prompts", "autocomplete.md")
}
