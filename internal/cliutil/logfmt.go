package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/procbridge/internal/harness"
)

// LogRecord represents a transcript entry ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	Child     string    `json:"child,omitempty"`
	Scenario  string    `json:"scenario,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
	Event     string    `json:"event"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Source    string    `json:"source"`
	Status    string    `json:"status,omitempty"`
}

// NewLogRecord converts a harness event into a transcript record. Lines read
// from the child keep their text; system messages are redacted.
func NewLogRecord(event harness.Event) LogRecord {
	source := event.Source
	if source == "" {
		source = harness.SourceSystem
	}
	message := event.Message
	if source == harness.SourceSystem {
		message = RedactSecrets(message)
	}
	level := event.Level
	if level == "" {
		switch {
		case event.Err != nil:
			level = "error"
		case source == harness.SourceStderr:
			if inferred := inferLogLevel(message); inferred != "" {
				level = inferred
			} else {
				level = "info"
			}
		default:
			level = "info"
		}
	}
	record := LogRecord{
		Timestamp: event.Timestamp,
		Child:     event.ChildID,
		Scenario:  event.Scenario,
		Iteration: event.Iteration,
		Event:     string(event.Type),
		Level:     level,
		Message:   message,
		Source:    source,
	}
	if event.Type == harness.EventTypeExited || event.Type == harness.EventTypeFailed {
		record.Status = event.Status.String()
	}
	return record
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	return strings.ToLower(matches[1])
}

// EncodeLogEvent encodes an event to JSON, reporting errors to stderr if needed.
func EncodeLogEvent(enc *json.Encoder, stderr io.Writer, event harness.Event) {
	if enc == nil {
		return
	}
	record := NewLogRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode transcript: %v\n", err)
	}
}

// FormatEvent renders an event as a single human readable line.
func FormatEvent(event harness.Event) string {
	record := NewLogRecord(event)
	var b strings.Builder
	b.WriteString(record.Scenario)
	if record.Iteration > 0 {
		fmt.Fprintf(&b, "[%d]", record.Iteration)
	}
	switch event.Type {
	case harness.EventTypeSent:
		fmt.Fprintf(&b, " > %s", record.Message)
	case harness.EventTypeReceived:
		arrow := "<"
		if record.Source == harness.SourceStderr {
			arrow = "<!"
		}
		fmt.Fprintf(&b, " %s %s", arrow, record.Message)
	default:
		fmt.Fprintf(&b, " %s: %s", record.Event, record.Message)
	}
	return strings.TrimLeft(b.String(), " ")
}
