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
	"text/tabwriter"
	"time"

	"github.com/odvcencio/scribe/pkg/editor"
	"github.com/odvcencio/scribe/pkg/storage"
)

var docsStdout io.Writer = os.Stdout

func runDocsCommand(args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}
	if sub == "continue" {
		return runDocsContinue(args)
	}

	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	switch sub {
	case "list", "ls":
		return listDocuments(store, args)
	case "show", "cat":
		if len(args) != 1 {
			return withExitCode(fmt.Errorf("usage: scribe docs show <id>"), exitUsage)
		}
		doc, err := store.GetDocument(args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(docsStdout, doc.Content)
		return err
	case "new", "create":
		title := strings.Join(args, " ")
		content := ""
		if !stdinIsTerminal() {
			data, err := io.ReadAll(io.LimitReader(completeStdin, maxStdinBytes))
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			content = string(data)
		}
		doc, err := store.CreateDocument(title, content)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(docsStdout, doc.ID)
		return err
	case "rm", "delete":
		if len(args) != 1 {
			return withExitCode(fmt.Errorf("usage: scribe docs rm <id>"), exitUsage)
		}
		return store.DeleteDocument(args[0])
	default:
		return withExitCode(fmt.Errorf("unknown docs subcommand %q (list, show, new, rm, continue)", sub), exitUsage)
	}
}

func listDocuments(store *storage.Store, args []string) error {
	fs := flag.NewFlagSet("docs list", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	docs, err := store.ListDocuments()
	if err != nil {
		return err
	}
	if *asJSON {
		if docs == nil {
			docs = []storage.DocumentSummary{}
		}
		return writeJSON(docsStdout, docs)
	}
	if len(docs) == 0 {
		if !quietMode {
			fmt.Fprintln(docsStdout, "No documents yet. Create one with `scribe docs new <title>`.")
		}
		return nil
	}
	tw := tabwriter.NewWriter(docsStdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tUPDATED\tPREVIEW")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Title, d.UpdatedAt.Local().Format(time.DateTime), d.Preview)
	}
	return tw.Flush()
}

// runDocsContinue appends one suggestion to the end of a stored document.
func runDocsContinue(args []string) error {
	if len(args) != 1 {
		return withExitCode(fmt.Errorf("usage: scribe docs continue <id>"), exitUsage)
	}
	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg, runtimeOptions{logOutput: verboseLogOutput()})
	if err != nil {
		return err
	}
	defer rt.Close()

	doc, err := rt.store.GetDocument(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, 30*time.Second)
	defer cancelTimeout()

	completion, err := editor.Complete(ctx, rt.controller, doc.Content)
	if err != nil {
		return err
	}
	if completion.Suggestion == "" {
		if !quietMode {
			fmt.Fprintln(os.Stderr, "No suggestion for this document.")
		}
		return nil
	}
	if err := rt.store.SaveContent(doc.ID, completion.Full); err != nil {
		return err
	}
	_, err = fmt.Fprintln(docsStdout, completion.Suggestion)
	return err
}
