package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/paths"
)

var logsStdout io.Writer = os.Stdout

func runLogsCommand(args []string) error {
	flags := flag.NewFlagSet("logs", flag.ContinueOnError)
	count := flags.Int("n", 50, "number of events to show")
	errorsOnly := flags.Bool("errors", false, "show errors from every run")
	category := flags.String("category", "", "only show this category (suggest, model, server, storage, config)")
	asJSON := flags.Bool("json", false, "print raw JSON lines")
	if err := flags.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	logPath, err := selectLogFile(paths.LogsDir(), *errorsOnly)
	if err != nil {
		return err
	}
	events, err := logging.ReadRecentEvents(logPath, *count)
	if err != nil {
		return err
	}
	if *category != "" {
		filtered := events[:0]
		for _, e := range events {
			if string(e.Category) == *category {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	for _, e := range events {
		if *asJSON {
			if err := writeJSON(logsStdout, e); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(logsStdout, formatLogEvent(e))
	}
	return nil
}

// selectLogFile returns errors.jsonl, or the newest run log.
func selectLogFile(dir string, errorsOnly bool) (string, error) {
	if errorsOnly {
		return filepath.Join(dir, "errors.jsonl"), nil
	}
	entries, err := os.ReadDir(filepath.Join(dir, "sessions"))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("no logs under %s yet; run `scribe serve` first", dir)
	}
	if err != nil {
		return "", err
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	var runs []candidate
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		runs = append(runs, candidate{path: filepath.Join(dir, "sessions", entry.Name()), mod: info.ModTime()})
	}
	if len(runs) == 0 {
		return "", fmt.Errorf("no run logs under %s", dir)
	}
	// Run IDs are ULIDs, so names sort by start time; mtime breaks ties.
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].mod.Equal(runs[j].mod) {
			return runs[i].mod.After(runs[j].mod)
		}
		return runs[i].path > runs[j].path
	})
	return runs[0].path, nil
}

func formatLogEvent(e logging.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %-8s %s", e.Timestamp.Local().Format("15:04:05.000"), strings.ToUpper(string(e.Level)), e.Category, e.EventType)
	if e.Message != "" {
		fmt.Fprintf(&b, "  %s", e.Message)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Details[k])
		}
	}
	return b.String()
}
