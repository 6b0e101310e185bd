package model

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/scribe/pkg/paths"
)

const maxLoggedBody = 10000

// NetworkLogEntry is one HTTP exchange in network.jsonl.
type NetworkLogEntry struct {
	Timestamp       time.Time         `json:"timestamp"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	RequestBody     string            `json:"request_body,omitempty"`
	ResponseStatus  int               `json:"response_status,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	DurationMs      int64             `json:"duration_ms"`
	Error           string            `json:"error,omitempty"`
}

// networkLog appends entries to one file. Transports built for the same
// directory share it.
type networkLog struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

var (
	networkLogsMu sync.Mutex
	networkLogs   = map[string]*networkLog{}
)

func openNetworkLog(dir string) *networkLog {
	networkLogsMu.Lock()
	defer networkLogsMu.Unlock()
	if l, ok := networkLogs[dir]; ok {
		return l
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, "network.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil
	}
	l := &networkLog{f: f, enc: json.NewEncoder(f)}
	networkLogs[dir] = l
	return l
}

func (l *networkLog) write(entry NetworkLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		_ = l.enc.Encode(entry)
	}
}

func (l *networkLog) close() error {
	networkLogsMu.Lock()
	for dir, shared := range networkLogs {
		if shared == l {
			delete(networkLogs, dir)
		}
	}
	networkLogsMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// LoggingTransport records provider traffic with secrets redacted.
// Streamed response bodies are passed through untouched.
type LoggingTransport struct {
	base http.RoundTripper
	log  *networkLog
}

// NewLoggingTransport writes to network.jsonl under the scribe log
// directory when enabled; otherwise it only forwards.
func NewLoggingTransport(base http.RoundTripper, enabled bool) *LoggingTransport {
	return newLoggingTransportInDir(base, enabled, paths.LogsDir())
}

func newLoggingTransportInDir(base http.RoundTripper, enabled bool, dir string) *LoggingTransport {
	if base == nil {
		base = defaultHTTPTransport()
	}
	t := &LoggingTransport{base: base}
	if enabled {
		t.log = openNetworkLog(dir)
	}
	return t
}

func defaultHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	if t.log == nil {
		return t.base.RoundTrip(req)
	}

	entry := NetworkLogEntry{
		Timestamp:      time.Now().UTC(),
		Method:         req.Method,
		URL:            redactURL(req.URL),
		RequestHeaders: sanitizeHeaders(req.Header),
	}
	if req.Body != nil && req.Body != http.NoBody {
		entry.RequestBody, req.Body = captureBody(req.Body)
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	entry.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		entry.Error = err.Error()
		t.log.write(entry)
		return nil, err
	}

	entry.ResponseStatus = resp.StatusCode
	entry.ResponseHeaders = sanitizeHeaders(resp.Header)
	switch {
	case isStreamingResponse(resp):
		entry.ResponseBody = "[stream]"
	case resp.Body != nil:
		entry.ResponseBody, resp.Body = captureBody(resp.Body)
	}
	t.log.write(entry)
	return resp, nil
}

// Close stops network logging for every transport sharing the file.
func (t *LoggingTransport) Close() error {
	if t == nil || t.log == nil {
		return nil
	}
	return t.log.close()
}

// captureBody reads at most maxLoggedBody bytes for the log and returns a
// body that still yields the full content.
func captureBody(body io.ReadCloser) (string, io.ReadCloser) {
	head, err := io.ReadAll(io.LimitReader(body, maxLoggedBody+1))
	restored := struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), body), body}
	if err != nil {
		return "", restored
	}
	if len(head) > maxLoggedBody {
		return string(head[:maxLoggedBody]) + "\n...[truncated]", restored
	}
	return string(head), restored
}

func isStreamingResponse(resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return mediaType == "text/event-stream" || mediaType == "application/x-ndjson"
}

func sanitizeHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for key, values := range headers {
		switch strings.ToLower(key) {
		case "authorization", "x-api-key", "x-goog-api-key":
			out[key] = "[REDACTED]"
		default:
			out[key] = strings.Join(values, ", ")
		}
	}
	return out
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clone := *u
	if q := clone.Query(); q.Has("key") {
		q.Set("key", "[REDACTED]")
		clone.RawQuery = q.Encode()
	}
	return clone.String()
}
