package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/scribe/pkg/config"
	"github.com/odvcencio/scribe/pkg/paths"
	"github.com/odvcencio/scribe/pkg/prompt"
)

var (
	configStdout io.Writer = os.Stdout
	configStdin  io.Reader = os.Stdin
)

func runConfigCommand(args []string) error {
	sub := "check"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "check":
		return runConfigCheck()
	case "show":
		return runConfigShow()
	case "path":
		return runConfigPath()
	case "prompt":
		return runConfigPrompt(args[1:])
	default:
		return withExitCode(fmt.Errorf("unknown config subcommand %q (check, show, path, prompt)", sub), exitUsage)
	}
}

func runConfigCheck() error {
	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}
	fmt.Fprintf(configStdout, "model: %s\n", cfg.Model.Selected)
	ready := cfg.Providers.ReadyProviders()
	if len(ready) == 0 {
		fmt.Fprintln(configStdout, "providers: none ready (set an API key or enable ollama)")
	} else {
		fmt.Fprintf(configStdout, "providers: %s\n", strings.Join(ready, ", "))
	}
	fmt.Fprintf(configStdout, "database: %s\n", paths.ExpandHome(cfg.Storage.Path))
	for _, warning := range cfg.ValidationWarnings() {
		fmt.Fprintf(configStdout, "warning: %s\n", warning)
	}
	fmt.Fprintln(configStdout, "config OK")
	return nil
}

func runConfigShow() error {
	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}
	redacted := *cfg
	for _, p := range []*config.ProviderSettings{
		&redacted.Providers.OpenAI,
		&redacted.Providers.Anthropic,
		&redacted.Providers.Google,
		&redacted.Providers.Ollama,
		&redacted.Providers.HackClub,
	} {
		p.APIKey = redact(p.APIKey)
	}
	redacted.Server.AuthToken = redact(cfg.Server.AuthToken)

	enc := yaml.NewEncoder(configStdout)
	enc.SetIndent(2)
	if err := enc.Encode(&redacted); err != nil {
		return err
	}
	return enc.Close()
}

func runConfigPath() error {
	for _, p := range config.Paths() {
		state := "missing"
		if _, err := os.Stat(p); err == nil {
			state = "found"
		}
		fmt.Fprintf(configStdout, "%s (%s)\n", p, state)
	}
	return nil
}

// runConfigPrompt shows or edits the instruction preamble override.
// "set" reads the new preamble from stdin.
func runConfigPrompt(args []string) error {
	sub := "show"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "show":
		info := prompt.Preamble()
		if info.Overridden {
			fmt.Fprintln(configStdout, "# overridden")
		} else {
			fmt.Fprintln(configStdout, "# default")
		}
		fmt.Fprintln(configStdout, info.Effective)
		return nil
	case "set":
		data, err := io.ReadAll(io.LimitReader(configStdin, 64<<10))
		if err != nil {
			return err
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			return withExitCode(fmt.Errorf("prompt override is empty; pipe the new preamble on stdin"), exitUsage)
		}
		if err := prompt.SaveOverride(content + "\n"); err != nil {
			return fmt.Errorf("save prompt override: %w", err)
		}
		fmt.Fprintln(configStdout, "prompt override saved")
		return nil
	case "reset":
		if err := prompt.DeleteOverride(); err != nil {
			return fmt.Errorf("remove prompt override: %w", err)
		}
		fmt.Fprintln(configStdout, "prompt override removed")
		return nil
	default:
		return withExitCode(fmt.Errorf("unknown config prompt subcommand %q (show, set, reset)", sub), exitUsage)
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
