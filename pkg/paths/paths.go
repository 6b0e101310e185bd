package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvScribeLogDir  = "SCRIBE_LOG_DIR"
	EnvScribeDataDir = "SCRIBE_DATA_DIR"
)

// LogsDir returns the directory for JSONL session and network logs.
func LogsDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvScribeLogDir)); dir != "" {
		return filepath.Clean(ExpandHome(dir))
	}
	return filepath.Join(".scribe", "logs")
}

// DataDir returns the directory holding the document database.
func DataDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvScribeDataDir)); dir != "" {
		return filepath.Clean(ExpandHome(dir))
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".scribe"
	}
	return filepath.Join(home, ".scribe")
}

// UserConfigDir returns ~/.scribe, or "" when no home directory is known.
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		home = os.Getenv("HOME")
	}
	if strings.TrimSpace(home) == "" {
		return ""
	}
	return filepath.Join(home, ".scribe")
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return path
}
