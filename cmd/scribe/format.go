package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
)

// formatError renders structured errors as message, code and remediation tips.
func formatError(err error) string {
	scribeErr, ok := scribeerrors.As(err)
	if !ok {
		return err.Error()
	}
	message := strings.TrimSpace(scribeErr.UserMessage)
	if message == "" {
		message = scribeErr.Message
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", message, scribeErr.Code)
	if scribeErr.Underlying != nil && !quietMode {
		fmt.Fprintf(&b, "\n  cause: %v", scribeErr.Underlying)
	}
	for _, tip := range scribeErr.Remediation {
		fmt.Fprintf(&b, "\n  - %s", tip)
	}
	return b.String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
