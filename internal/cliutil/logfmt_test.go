package cliutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/procbridge/internal/bridge"
	"github.com/Paintersrp/procbridge/internal/harness"
)

func TestEncodeLogEventInfersStderrLevel(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		message  string
		expected string
	}{
		{name: "errorToken", source: harness.SourceStderr, message: "[ERROR] failed to start", expected: "error"},
		{name: "warnToken", source: harness.SourceStderr, message: "WARN disk almost full", expected: "warn"},
		{name: "noTokenDefaults", source: harness.SourceStderr, message: "c2", expected: "info"},
		{name: "stdoutNotInferred", source: harness.SourceStdout, message: "error: not really", expected: "info"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			var errBuf bytes.Buffer

			event := harness.Event{
				Timestamp: time.Unix(0, 0),
				Type:      harness.EventTypeReceived,
				Source:    tc.source,
				Message:   tc.message,
			}

			EncodeLogEvent(json.NewEncoder(&out), &errBuf, event)

			if errBuf.Len() != 0 {
				t.Fatalf("unexpected stderr output: %s", errBuf.String())
			}

			var record LogRecord
			if err := json.Unmarshal(out.Bytes(), &record); err != nil {
				t.Fatalf("failed to unmarshal log record: %v", err)
			}

			if record.Level != tc.expected {
				t.Fatalf("expected level %q, got %q", tc.expected, record.Level)
			}
		})
	}
}

func TestEncodeLogEventFields(t *testing.T) {
	var out bytes.Buffer

	event := harness.Event{
		Timestamp: time.Unix(0, 0).UTC(),
		Scenario:  "wait-after-transcript",
		ChildID:   "4242",
		Type:      harness.EventTypeExited,
		Level:     "info",
		Message:   "exited with code 12 (completed)",
		Status:    bridge.StatusCompleted,
	}
	EncodeLogEvent(json.NewEncoder(&out), &bytes.Buffer{}, event)

	var fields map[string]any
	if err := json.Unmarshal(out.Bytes(), &fields); err != nil {
		t.Fatalf("failed to unmarshal log record: %v", err)
	}
	expect := map[string]any{
		"child":    "4242",
		"scenario": "wait-after-transcript",
		"event":    "exited",
		"level":    "info",
		"source":   "system",
		"status":   "completed",
	}
	for key, want := range expect {
		if fields[key] != want {
			t.Fatalf("field %s: expected %v, got %v", key, want, fields[key])
		}
	}
	if _, ok := fields["iteration"]; ok {
		t.Fatalf("expected zero iteration to be omitted")
	}
	if fields["ts"] != "1970-01-01T00:00:00Z" {
		t.Fatalf("unexpected timestamp %v", fields["ts"])
	}
}

func TestEncodeLogEventStampsMissingTimestamp(t *testing.T) {
	var out bytes.Buffer
	before := time.Now()

	EncodeLogEvent(json.NewEncoder(&out), &bytes.Buffer{}, harness.Event{Message: "x"})

	var record LogRecord
	if err := json.Unmarshal(out.Bytes(), &record); err != nil {
		t.Fatalf("failed to unmarshal log record: %v", err)
	}
	if record.Timestamp.Before(before.Add(-time.Second)) {
		t.Fatalf("expected a current timestamp, got %v", record.Timestamp)
	}
}

func TestNewLogRecordErrorLevel(t *testing.T) {
	record := NewLogRecord(harness.Event{Type: harness.EventTypeFailed, Err: errors.New("boom"), Message: "boom"})
	if record.Level != "error" {
		t.Fatalf("expected error level, got %q", record.Level)
	}
	if record.Status != "ok" {
		t.Fatalf("expected status on failed record, got %q", record.Status)
	}
}

func TestNewLogRecordRedactsSystemMessages(t *testing.T) {
	event := harness.Event{
		Timestamp: time.Unix(0, 0),
		Type:      harness.EventTypeStarting,
		Message:   `env AWS_SECRET_ACCESS_KEY="super-secret" client --token abc123 --user bob`,
	}

	record := NewLogRecord(event)

	if strings.Contains(record.Message, "super-secret") || strings.Contains(record.Message, "abc123") {
		t.Fatalf("expected secret values to be redacted, got %q", record.Message)
	}
	if !strings.Contains(record.Message, `AWS_SECRET_ACCESS_KEY="[redacted]"`) {
		t.Fatalf("expected known secret key redacted, got %q", record.Message)
	}
	if !strings.Contains(record.Message, "--token [redacted]") || !strings.Contains(record.Message, "--user bob") {
		t.Fatalf("unexpected flag redaction %q", record.Message)
	}
}

func TestNewLogRecordKeepsChildOutput(t *testing.T) {
	msg := "DB_PASSWORD=hunter2"
	record := NewLogRecord(harness.Event{Type: harness.EventTypeReceived, Source: harness.SourceStdout, Message: msg})
	if record.Message != msg {
		t.Fatalf("expected child output verbatim, got %q", record.Message)
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		event harness.Event
		want  string
	}{
		{harness.Event{Scenario: "s", Type: harness.EventTypeSent, Source: harness.SourceStdin, Message: "p1"}, "s > p1"},
		{harness.Event{Scenario: "s", Type: harness.EventTypeReceived, Source: harness.SourceStdout, Message: "c2"}, "s < c2"},
		{harness.Event{Scenario: "s", Iteration: 3, Type: harness.EventTypeReceived, Source: harness.SourceStderr, Message: "c2"}, "s[3] <! c2"},
		{harness.Event{Type: harness.EventTypePassed, Message: "passed in 1ms"}, "passed: passed in 1ms"},
	}
	for _, tc := range tests {
		if got := FormatEvent(tc.event); got != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, got)
		}
	}
}
