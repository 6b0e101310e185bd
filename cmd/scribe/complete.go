package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/odvcencio/scribe/pkg/config"
	"github.com/odvcencio/scribe/pkg/editor"
	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
)

const maxStdinBytes = 4 << 20

// stdinIsTerminal is swapped in tests.
var stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

var (
	completeStdin  io.Reader = os.Stdin
	completeStdout io.Writer = os.Stdout
)

func runCompleteCommand(args []string) error {
	fs := flag.NewFlagSet("complete", flag.ContinueOnError)
	modelFlag := fs.String("model", "", "provider:model to use instead of the selected model")
	timeout := fs.Duration("timeout", 30*time.Second, "give up after this long (0 waits forever)")
	asJSON := fs.Bool("json", false, "print {\"text\",\"suggestion\"} as JSON")
	full := fs.Bool("full", false, "print the input followed by the suggestion")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	text, err := completionInput(fs.Args())
	if err != nil {
		return err
	}
	if *modelFlag != "" {
		if _, _, err := config.SplitSelection(*modelFlag); err != nil {
			return withExitCode(err, exitUsage)
		}
	}

	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg, runtimeOptions{logOutput: verboseLogOutput(), selection: *modelFlag})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, *timeout)
		defer cancelTimeout()
	}

	completion, err := editor.Complete(ctx, rt.controller, text)
	if err != nil {
		if scribeerrors.IsCode(err, scribeerrors.ErrCodeCancelled) && ctx.Err() == context.DeadlineExceeded {
			return withExitCode(fmt.Errorf("no suggestion within %s", *timeout), exitProvider)
		}
		return err
	}

	switch {
	case *asJSON:
		return writeJSON(completeStdout, map[string]string{"text": text, "suggestion": completion.Suggestion})
	case *full:
		_, err = fmt.Fprintln(completeStdout, completion.Full)
	default:
		_, err = fmt.Fprintln(completeStdout, completion.Suggestion)
	}
	return err
}

// completionInput takes text from arguments, or from stdin when it is piped.
// A single trailing newline from stdin is dropped so "echo foo |" completes "foo".
func completionInput(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if stdinIsTerminal() {
		return "", withExitCode(fmt.Errorf("usage: scribe complete <text> (or pipe text on stdin)"), exitUsage)
	}
	data, err := io.ReadAll(io.LimitReader(completeStdin, maxStdinBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	if len(data) > maxStdinBytes {
		return "", withExitCode(fmt.Errorf("stdin exceeds %d bytes", maxStdinBytes), exitUsage)
	}
	text := strings.TrimSuffix(string(data), "\n")
	text = strings.TrimSuffix(text, "\r")
	if strings.TrimSpace(text) == "" {
		return "", withExitCode(fmt.Errorf("nothing to complete"), exitUsage)
	}
	return text, nil
}

// verboseLogOutput mirrors logs to stderr only when SCRIBE_LOG_LEVEL asks for them.
func verboseLogOutput() io.Writer {
	if _, ok := os.LookupEnv("SCRIBE_LOG_LEVEL"); !ok {
		return nil
	}
	return stderrLogOutput()
}
