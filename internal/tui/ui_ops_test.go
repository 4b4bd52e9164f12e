package tui

import (
	"context"
	"strings"
	"testing"

	"github.com/Paintersrp/procbridge/internal/bridge"
	"github.com/Paintersrp/procbridge/internal/harness"
)

// runNext executes the next queued operation the way the worker does.
func runNext(t *testing.T, ui *UI) harness.Event {
	t.Helper()
	select {
	case op := <-ui.ops:
		ev := op.run(context.Background())
		ui.snapshotStatus()
		ui.mu.Lock()
		ui.applyEventLocked(ev)
		ui.mu.Unlock()
		return ev
	default:
		t.Fatalf("no operation queued")
		return harness.Event{}
	}
}

func TestSendAndReceiveOperations(t *testing.T) {
	ui, stdout, _ := newTestUI(t, "hello\nabcdefgh\n", WithMailbox(5))

	ui.queueSend("p1")
	ev := runNext(t, ui)
	if ev.Type != harness.EventTypeSent || ev.Source != harness.SourceStdin || ev.Message != "p1" {
		t.Fatalf("unexpected send event %+v", ev)
	}
	if stdout.String() != "p1\n" {
		t.Fatalf("unexpected output %q", stdout.String())
	}

	ui.queueReceive(false)
	ev = runNext(t, ui)
	if ev.Type != harness.EventTypeReceived || ev.Message != "hello" || ev.Source != harness.SourceStdout {
		t.Fatalf("unexpected receive event %+v", ev)
	}

	ui.queueReceive(false)
	ev = runNext(t, ui)
	if ev.Message != "abcde …" {
		t.Fatalf("expected truncation marker, got %q", ev.Message)
	}

	ui.queueReceive(false)
	if ev = runNext(t, ui); ev.Message != "fgh" {
		t.Fatalf("expected remainder, got %q", ev.Message)
	}

	ui.queueReceive(false)
	ev = runNext(t, ui)
	if ev.Type != harness.EventTypeFailed || ev.Status != bridge.StatusGenericError {
		t.Fatalf("expected end of stream failure, got %+v", ev)
	}
	if !strings.Contains(ui.statusLine, "end of stream") {
		t.Fatalf("expected status line to carry the error, got %q", ui.statusLine)
	}
	if len(ui.Events()) != 5 {
		t.Fatalf("expected 5 recorded events, got %d", len(ui.Events()))
	}
}

func TestOperationsOnUnspawnedChild(t *testing.T) {
	proc, err := bridge.New(bridge.RoleChild)
	if err != nil {
		t.Fatalf("new process: %v", err)
	}
	ui := New(proc)

	for _, queue := range []func() bool{
		func() bool { return ui.queueSend("x") },
		func() bool { return ui.queueReceive(true) },
		ui.queueWait,
	} {
		queue()
		ev := runNext(t, ui)
		if ev.Type != harness.EventTypeFailed || ev.Status != bridge.StatusNotSpawned {
			t.Fatalf("expected not spawned failure, got %+v", ev)
		}
	}
	if !strings.Contains(ui.statusLine, "status not_spawned") {
		t.Fatalf("unexpected status line %q", ui.statusLine)
	}
}

func TestRecordRetentionAndRendering(t *testing.T) {
	ui, _, _ := newTestUI(t, "", WithMaxRecords(2))

	ui.mu.Lock()
	for _, msg := range []string{"one", "two", "three"} {
		ui.applyEventLocked(harness.Event{Scenario: consoleScenario, Type: harness.EventTypeReceived, Source: harness.SourceStdout, Message: msg})
	}
	ui.renderTranscriptLocked()
	text := ui.transcript.GetText(true)
	ui.mu.Unlock()

	if len(ui.records) != 2 || len(ui.history) != 2 {
		t.Fatalf("expected 2 retained records, got %d/%d", len(ui.records), len(ui.history))
	}
	if strings.Contains(text, "one") || !strings.Contains(text, "console < three") {
		t.Fatalf("unexpected transcript %q", text)
	}

	ui.toggleJSON()
	ui.mu.RLock()
	text = ui.transcript.GetText(true)
	ui.mu.RUnlock()
	if !strings.Contains(text, `"msg":"three"`) || !strings.Contains(text, `"event":"received"`) {
		t.Fatalf("expected JSON records, got %q", text)
	}
}
