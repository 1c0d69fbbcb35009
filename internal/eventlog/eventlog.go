// Package eventlog persists the daemon's audit trail, one JSON
// document per line in db/events.jsonl.
package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event type constants.
const (
	EventDaemonStarted    = "daemon_started"
	EventSessionCreated   = "session_created"
	EventTransition       = "transition"
	EventChildStarted     = "child_started"
	EventChildExited      = "child_exited"
	EventChildRecovered   = "child_recovered"
	EventToolCall         = "tool_call"
	EventApprovalCreated  = "approval_created"
	EventApprovalResolved = "approval_resolved"
	EventQuestionCreated  = "question_created"
	EventQuestionAnswered = "question_answered"
	EventTurnComplete     = "turn_complete"
)

// Event is one entry in the audit trail. Only the fields relevant to
// the event type are set; the rest marshal away under omitempty.
type Event struct {
	Time       time.Time      `json:"time"`
	Event      string         `json:"event"`
	SessionID  int            `json:"session,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Action     string         `json:"action,omitempty"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to,omitempty"`
	RecordID   int            `json:"recordId,omitempty"`
	Status     string         `json:"status,omitempty"`
	PID        int            `json:"pid,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Log holds the event file open for the life of the process and
// serializes writers through one encoder.
type Log struct {
	path string
	now  func() time.Time

	mu  sync.Mutex
	enc *json.Encoder
	out *os.File
}

// New opens (or creates) db/events.jsonl under root for appending.
// An existing log keeps its history.
func New(root string) (*Log, error) {
	path := filepath.Join(root, "db", "events.jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("event log: %w", err)
	}
	return &Log{
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
		enc:  json.NewEncoder(f),
		out:  f,
	}, nil
}

// Append records one event. Events carry their own timestamp; one is
// assigned at write time when the caller left it unset.
func (l *Log) Append(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if event.Time.IsZero() {
		event.Time = l.now()
	}
	if err := l.enc.Encode(event); err != nil {
		return fmt.Errorf("event log append: %w", err)
	}
	return nil
}

// Close releases the underlying file. Append after Close fails.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

// ReadAll decodes the whole log in order. A log that was never
// written reads as empty; a malformed entry is an error, since the
// daemon is the file's only writer.
func (l *Log) ReadAll() ([]Event, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("event log: %w", err)
	}

	var events []Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var event Event
		switch err := dec.Decode(&event); {
		case err == nil:
			events = append(events, event)
		case errors.Is(err, io.EOF):
			return events, nil
		default:
			return nil, fmt.Errorf("event log entry %d: %w", len(events)+1, err)
		}
	}
}
