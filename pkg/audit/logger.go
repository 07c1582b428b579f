// Package audit emits the tamper-relevant event stream of the trust
// boundary: policy decisions, signing events, verification outcomes, and
// system lifecycle events. The stream is line-oriented JSON so it can be
// shipped to any log collector unmodified; pkg/audit also builds offline
// evidence packs from the verifier's store.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an audit event.
type EventType string

const (
	EventPolicy EventType = "POLICY"
	EventSign   EventType = "SIGN"
	EventVerify EventType = "VERIFY"
	EventSystem EventType = "SYSTEM"
)

// Event is one audit record. Events are immutable once written.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger writes audit events as prefixed JSON lines. Safe for concurrent
// use; writes are serialized so lines never interleave.
type Logger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewLogger writes events to stdout.
func NewLogger() *Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter writes events to w.
func NewLoggerWithWriter(w io.Writer) *Logger {
	return &Logger{w: w, now: time.Now}
}

// Record writes one event and returns it. The returned event carries the
// assigned id and timestamp.
func (l *Logger) Record(eventType EventType, action, resource string, metadata map[string]any) (*Event, error) {
	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.now().UTC(),
		Metadata:  metadata,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal event failed: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintf(l.w, "AUDIT: %s\n", line); err != nil {
		return nil, fmt.Errorf("audit: write event failed: %w", err)
	}
	return event, nil
}
