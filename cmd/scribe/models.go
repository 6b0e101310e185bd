package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/odvcencio/scribe/pkg/model"
)

var (
	modelsStdout io.Writer = os.Stdout
	// readSecret prompts for an API key without echoing it when stdin is a terminal.
	readSecret = func(prompt string) (string, error) {
		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			fmt.Fprint(os.Stderr, prompt)
			data, err := term.ReadPassword(fd)
			fmt.Fprintln(os.Stderr)
			return strings.TrimSpace(string(data)), err
		}
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
)

func runModelsCommand(args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg, runtimeOptions{bus: true, logOutput: verboseLogOutput()})
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := context.Background()

	switch sub {
	case "list", "ls":
		return listModels(ctx, rt)
	case "use":
		if len(args) != 1 {
			return withExitCode(fmt.Errorf("usage: scribe models use <provider:model>"), exitUsage)
		}
		if err := rt.settings.SetSelection(ctx, args[0]); err != nil {
			return err
		}
		if !quietMode {
			fmt.Fprintf(modelsStdout, "Suggestions now use %s\n", args[0])
		}
		return nil
	case "key":
		if len(args) < 1 || len(args) > 2 {
			return withExitCode(fmt.Errorf("usage: scribe models key <provider> [api-key]"), exitUsage)
		}
		key := ""
		if len(args) == 2 {
			key = args[1]
		} else {
			key, err = readSecret(fmt.Sprintf("API key for %s: ", args[0]))
			if err != nil {
				return err
			}
		}
		if strings.TrimSpace(key) == "" {
			return withExitCode(fmt.Errorf("empty API key; use `scribe models forget %s` to remove one", args[0]), exitUsage)
		}
		if err := rt.settings.SetCredential(ctx, args[0], key); err != nil {
			return err
		}
		if !quietMode {
			fmt.Fprintf(modelsStdout, "Stored API key for %s\n", args[0])
		}
		return nil
	case "forget":
		if len(args) != 1 {
			return withExitCode(fmt.Errorf("usage: scribe models forget <provider>"), exitUsage)
		}
		if err := rt.settings.SetCredential(ctx, args[0], ""); err != nil {
			return err
		}
		if !quietMode {
			fmt.Fprintf(modelsStdout, "Removed stored API key for %s\n", args[0])
		}
		return nil
	default:
		return withExitCode(fmt.Errorf("unknown models subcommand %q (list, use, key, forget)", sub), exitUsage)
	}
}

func listModels(ctx context.Context, rt *appRuntime) error {
	view, err := rt.settings.View(ctx)
	if err != nil {
		return err
	}
	catalog := model.Catalog(rt.gateway.Descriptors())

	tw := tabwriter.NewWriter(modelsStdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tPROVIDER\tKEY\t")
	for _, p := range view.Providers {
		keyState := "not needed"
		switch {
		case p.RequiresCredential && p.HasCredential:
			keyState = p.CredentialSource
		case p.RequiresCredential && p.CredentialEnv != "":
			keyState = "missing (" + p.CredentialEnv + ")"
		case p.RequiresCredential:
			keyState = "missing"
		}
		if !p.Enabled {
			keyState = "disabled"
		}
		for _, m := range catalog[p.ID] {
			selection := p.ID + ":" + m.ID
			marker := ""
			if selection == view.Selected {
				marker = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", selection, p.Name, keyState, marker)
		}
	}
	return tw.Flush()
}
