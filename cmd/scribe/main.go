package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	quietMode  bool
	configPath string
)

type startupOptions struct {
	args       []string
	quiet      bool
	configPath string
}

func main() {
	opts, err := parseStartupOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitUsage)
	}
	quietMode = opts.quiet
	configPath = opts.configPath

	os.Exit(dispatchSubcommand(opts.args))
}

func dispatchSubcommand(args []string) int {
	if len(args) == 0 {
		if !isInteractiveTerminal() {
			// `echo text | scribe` completes stdin.
			return runCommand(runCompleteCommand, nil)
		}
		printHelp()
		return 0
	}
	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return 0
	case "--help", "-h", "help":
		printHelp()
		return 0
	case "serve":
		return runCommand(runServeCommand, args[1:])
	case "complete":
		return runCommand(runCompleteCommand, args[1:])
	case "models":
		return runCommand(runModelsCommand, args[1:])
	case "docs":
		return runCommand(runDocsCommand, args[1:])
	case "logs":
		return runCommand(runLogsCommand, args[1:])
	case "config":
		return runCommand(runConfigCommand, args[1:])
	default:
		if strings.HasPrefix(args[0], "-") {
			fmt.Fprintf(os.Stderr, "Error: unknown flag: %s\n", args[0])
		} else {
			fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n", args[0])
		}
		fmt.Fprintln(os.Stderr, "Run 'scribe --help' for usage.")
		return exitUsage
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", formatError(err))
		return exitCodeForError(err)
	}
	return 0
}

func parseStartupOptions(raw []string) (*startupOptions, error) {
	opts := &startupOptions{}
	if val, ok := parseBoolEnv("SCRIBE_QUIET"); ok {
		opts.quiet = val
	}

	filtered := make([]string, 0, len(raw))
	var nextConfig bool
	for _, arg := range raw {
		if nextConfig {
			opts.configPath = arg
			nextConfig = false
			continue
		}
		switch arg {
		case "--quiet", "-q":
			opts.quiet = true
		case "--config", "-c":
			nextConfig = true
		default:
			if strings.HasPrefix(arg, "--config=") {
				opts.configPath = strings.TrimPrefix(arg, "--config=")
			} else {
				filtered = append(filtered, arg)
			}
		}
	}
	if nextConfig {
		return nil, fmt.Errorf("--config requires a path argument")
	}

	opts.args = filtered
	return opts, nil
}

func parseBoolEnv(key string) (bool, bool) {
	val := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if val == "" {
		return false, false
	}
	switch val {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func isInteractiveTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) &&
		term.IsTerminal(int(os.Stdout.Fd()))
}

func printVersion() {
	fmt.Printf("scribe %s (commit %s, built %s)\n", version, commit, buildDate)
}

func printHelp() {
	fmt.Print(`scribe - inline AI writing suggestions

Usage:
  scribe [global flags] <command> [args]
  echo "The quick brown fox" | scribe

Commands:
  serve                 Run the editor server (HTTP API + WebSockets)
  complete [text]       Print a continuation for text (or stdin)
  models                List providers and models
  models use <p:m>      Select the completion model
  models key <p> [key]  Store an API key (prompted when omitted)
  models forget <p>     Remove a stored API key
  docs                  List documents
  docs show <id>        Print a document
  docs new [title]      Create a document (content from stdin)
  docs rm <id>          Delete a document
  docs continue <id>    Append a suggestion to a document
  logs [-n N] [--errors]  Show recent log events
  config check|show|path
  config prompt show|set|reset
  version               Show version information
  help                  Show this help

Global flags:
  -c, --config <path>   Use a specific config file
  -q, --quiet           Suppress non-essential output

Environment:
  OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY   Provider keys
  SCRIBE_MODEL          provider:model selection
  SCRIBE_DATA_DIR       Where scribe.db lives (default ~/.scribe)
  SCRIBE_LOG_DIR        Where logs are written (default .scribe/logs)
  SCRIBE_SERVER_TOKEN   Bearer token required by the server
  SCRIBE_NATS_URL       Share settings and events over NATS
`)
}
