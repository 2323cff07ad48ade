// Package eventlog records every envelope crossing the controller channel to
// daily rotated JSONL files, for after-the-fact protocol debugging. Writing
// is best effort; a trace that cannot be written never affects dispatch.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Direction of a traced envelope.
const (
	DirIn  = "in"
	DirOut = "out"
)

// Entry is one traced envelope.
type Entry struct {
	Timestamp   string          `json:"timestamp"`
	Direction   string          `json:"direction"`
	TypeRequest string          `json:"typeRequest,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// Writer appends entries to daily rotated JSONL files.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates an event log writer rooted at logDir.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log file: %w", err)
	}
	return w, nil
}

// Write appends one envelope. Non-JSON payloads are wrapped as JSON strings
// so the trace file stays line-parseable.
func (w *Writer) Write(direction, typeRequest string, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log: %w", err)
	}

	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return fmt.Errorf("failed to quote payload: %w", err)
		}
		raw = quoted
	}

	entry := Entry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Direction:   direction,
		TypeRequest: typeRequest,
		Payload:     raw,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize event log entry: %w", err)
	}

	if _, err := w.currentFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event log entry: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	date := time.Now().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}

	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log file %s: %w", path, err)
	}

	w.currentFile = f
	w.currentDate = date
	return nil
}

// CurrentLogFile returns the path of the active trace file.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", w.currentDate))
}

// Close closes the active trace file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close event log file: %w", err)
	}
	return nil
}

// ReadEntries parses a trace file back into entries.
func ReadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log file: %w", err)
	}

	var entries []Entry
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				var entry Entry
				if err := json.Unmarshal(data[start:i], &entry); err != nil {
					return nil, fmt.Errorf("failed to parse event log entry: %w", err)
				}
				entries = append(entries, entry)
			}
			start = i + 1
		}
	}
	return entries, nil
}
