package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Paintersrp/warden/internal/supervisor"
)

// EventRecord represents a supervision event ready for JSON encoding.
type EventRecord struct {
	Timestamp time.Time `json:"ts"`
	Process   string    `json:"process"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Check     string    `json:"check,omitempty"`
	Pid       int       `json:"pid,omitempty"`
	Attempt   int       `json:"attempt"`
	Message   string    `json:"msg"`
}

// NewEventRecord converts a supervisor event into a structured record.
func NewEventRecord(event supervisor.Event) EventRecord {
	return EventRecord{
		Timestamp: event.Timestamp,
		Process:   event.Service,
		Type:      string(event.Type),
		Level:     EventLevel(event.Type),
		Check:     event.Check,
		Pid:       event.Pid,
		Attempt:   event.Attempt,
		Message:   RedactSecrets(event.Message),
	}
}

// EventLevel maps an event type to the severity shown to users.
func EventLevel(t supervisor.EventType) string {
	switch t {
	case supervisor.EventTypeTestError, supervisor.EventTypeRestart:
		return "warn"
	case supervisor.EventTypeNoRestart:
		return "error"
	default:
		return "info"
	}
}

// EncodeEvent encodes an event to JSON, reporting errors to stderr if needed.
func EncodeEvent(enc *json.Encoder, stderr io.Writer, event supervisor.Event) {
	if enc == nil {
		return
	}
	record := NewEventRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode event: %v\n", err)
	}
}

// FormatEvent renders an event as a single human readable line.
func FormatEvent(event supervisor.Event) string {
	var b strings.Builder
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&b, "%s %-5s %s", ts.Format(time.RFC3339), strings.ToUpper(EventLevel(event.Type)), event.Service)
	if event.Attempt > 0 {
		fmt.Fprintf(&b, "#%d", event.Attempt)
	}
	fmt.Fprintf(&b, ": %s", RedactSecrets(event.Message))
	if event.Check != "" {
		fmt.Fprintf(&b, " check=%s", event.Check)
	}
	if event.Pid > 0 {
		fmt.Fprintf(&b, " pid=%d", event.Pid)
	}
	return b.String()
}

// RedactArgs returns a copy of args with secrets masked, for logging command
// lines.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = RedactSecrets(arg)
	}
	return out
}
