package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(raw string) Level {
	level := Level(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := levelRank[level]; ok {
		return level
	}
	return LevelInfo
}

// Category represents the subsystem generating the log
type Category string

const (
	CategorySuggest Category = "suggest"
	CategoryModel   Category = "model"
	CategoryNetwork Category = "network"
	CategoryServer  Category = "server"
	CategoryStorage Category = "storage"
	CategoryConfig  Category = "config"
	CategorySession Category = "session"
)

// Event represents a structured log event
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	EventType string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Logger appends structured events to the run log, duplicating errors into
// errors.jsonl. A nil *Logger discards everything.
type Logger struct {
	runID     string
	baseDir   string
	runFile   io.WriteCloser
	errorFile io.WriteCloser
	mirror    io.Writer
	mu        sync.Mutex
	minLevel  Level
}

// NewLogger creates a logger writing under baseDir/sessions/<runID>.jsonl.
func NewLogger(baseDir, runID string) (*Logger, error) {
	sessionsDir := filepath.Join(baseDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if strings.TrimSpace(runID) == "" {
		runID = "run"
	}

	runFile, err := os.OpenFile(
		filepath.Join(sessionsDir, runID+".jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		runFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	return &Logger{
		runID:     runID,
		baseDir:   baseDir,
		runFile:   runFile,
		errorFile: errorFile,
		minLevel:  LevelInfo,
	}, nil
}

// NewWriterLogger logs every event to w only. Used by one-shot commands.
func NewWriterLogger(w io.Writer, runID string) *Logger {
	return &Logger{runID: runID, mirror: w, minLevel: LevelInfo}
}

// RunPath returns the path of the run log, or "" for writer loggers.
func (l *Logger) RunPath() string {
	if l == nil || l.baseDir == "" {
		return ""
	}
	return filepath.Join(l.baseDir, "sessions", l.runID+".jsonl")
}

// SetMinLevel sets the minimum log level
func (l *Logger) SetMinLevel(level Level) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// SetMirror copies every written event to w as well.
func (l *Logger) SetMirror(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = w
}

// Log writes an event to the appropriate destinations.
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelRank[event.Level] < levelRank[l.minLevel] {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.RunID == "" {
		event.RunID = l.runID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if l.runFile != nil {
		if _, err := l.runFile.Write(data); err != nil {
			return fmt.Errorf("failed to write run log: %w", err)
		}
	}
	if event.Level == LevelError && l.errorFile != nil {
		if _, err := l.errorFile.Write(data); err != nil {
			return fmt.Errorf("failed to write error log: %w", err)
		}
	}
	if l.mirror != nil {
		_, _ = l.mirror.Write(data)
	}
	return nil
}

// Debug logs a debug event
func (l *Logger) Debug(category Category, eventType, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelDebug, Category: category, EventType: eventType, Message: message, Details: details})
}

// Info logs an info event
func (l *Logger) Info(category Category, eventType, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelInfo, Category: category, EventType: eventType, Message: message, Details: details})
}

// Warn logs a warning event
func (l *Logger) Warn(category Category, eventType, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelWarn, Category: category, EventType: eventType, Message: message, Details: details})
}

// Error logs an error event
func (l *Logger) Error(category Category, eventType, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelError, Category: category, EventType: eventType, Message: message, Details: details})
}

// Close closes all log files
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.runFile != nil {
		if err := l.runFile.Close(); err != nil {
			errs = append(errs, err)
		}
		l.runFile = nil
	}
	if l.errorFile != nil {
		if err := l.errorFile.Close(); err != nil {
			errs = append(errs, err)
		}
		l.errorFile = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}

// ReadRecentEvents returns the last count events from a JSONL log, skipping
// lines that do not decode.
func ReadRecentEvents(logPath string, count int) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	if count <= 0 {
		return nil, nil
	}

	ring := make([]Event, 0, count)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if len(ring) == count {
			copy(ring, ring[1:])
			ring = ring[:count-1]
		}
		ring = append(ring, event)
	}
	if err := scanner.Err(); err != nil {
		return ring, fmt.Errorf("failed to read log: %w", err)
	}
	return ring, nil
}
