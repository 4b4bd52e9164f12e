package tui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gdamore/tcell/v2"

	"github.com/Paintersrp/procbridge/internal/bridge"
	"github.com/Paintersrp/procbridge/internal/bridge/lineproto"
)

func newTestUI(t *testing.T, input string, opts ...Option) (*UI, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	proc, err := bridge.New(bridge.RoleParent,
		bridge.WithStdio(strings.NewReader(input), &stdout, &stderr),
		bridge.WithNewline(lineproto.LF),
	)
	if err != nil {
		t.Fatalf("new process: %v", err)
	}
	t.Cleanup(proc.Destroy)
	return New(proc, opts...), &stdout, &stderr
}

func TestHandleKeyQueuesOperations(t *testing.T) {
	ui, _, _ := newTestUI(t, "")

	keys := []struct {
		key  tcell.Key
		name string
	}{
		{tcell.KeyF5, "receive"},
		{tcell.KeyF6, "receive_err"},
		{tcell.KeyCtrlW, "wait"},
		{tcell.KeyCtrlK, "despawn"},
	}
	for _, k := range keys {
		ev := tcell.NewEventKey(k.key, 0, tcell.ModNone)
		if res := ui.handleKey(ev); res != nil {
			t.Fatalf("expected %s key to be consumed", k.name)
		}
		select {
		case op := <-ui.ops:
			if op.name != k.name {
				t.Fatalf("expected %s operation, got %s", k.name, op.name)
			}
		default:
			t.Fatalf("expected %s operation to be queued", k.name)
		}
	}

	runeEvent := tcell.NewEventKey(tcell.KeyRune, 'x', tcell.ModNone)
	if res := ui.handleKey(runeEvent); res != runeEvent {
		t.Fatalf("expected runes to reach the input field")
	}
	if len(ui.ops) != 0 {
		t.Fatalf("expected no operation for a rune")
	}
}

func TestHandleKeyTogglesFocus(t *testing.T) {
	ui, _, _ := newTestUI(t, "")
	ui.app.SetFocus(ui.input)

	tab := tcell.NewEventKey(tcell.KeyTab, 0, tcell.ModNone)
	if res := ui.handleKey(tab); res != nil {
		t.Fatalf("expected tab to be consumed")
	}
	if ui.app.GetFocus() != ui.transcript || ui.inputFocused {
		t.Fatalf("expected transcript to have focus, got %T", ui.app.GetFocus())
	}
	ui.handleKey(tab)
	if ui.app.GetFocus() != ui.input || !ui.inputFocused {
		t.Fatalf("expected input to have focus again, got %T", ui.app.GetFocus())
	}
}

func TestHandleKeyBypassedByHelp(t *testing.T) {
	ui, _, _ := newTestUI(t, "")

	if res := ui.handleKey(tcell.NewEventKey(tcell.KeyF1, 0, tcell.ModNone)); res != nil {
		t.Fatalf("expected help shortcut to be consumed")
	}
	if !ui.pages.HasPage(helpPageName) {
		t.Fatalf("expected help page to be shown")
	}

	f5 := tcell.NewEventKey(tcell.KeyF5, 0, tcell.ModNone)
	if res := ui.handleKey(f5); res != f5 {
		t.Fatalf("expected keys to reach the modal while help is shown")
	}
	if len(ui.ops) != 0 {
		t.Fatalf("expected no operation while help is shown")
	}
}

func TestEnqueueReportsBusyConsole(t *testing.T) {
	ui, _, _ := newTestUI(t, "")
	for i := 0; i < operationQueueSize; i++ {
		if !ui.queueSend("x") {
			t.Fatalf("expected operation %d to be queued", i)
		}
	}
	if ui.queueSend("overflow") {
		t.Fatalf("expected full queue to reject the operation")
	}
	events := ui.Events()
	if len(events) != 1 || !strings.Contains(events[0].Message, "send dropped") {
		t.Fatalf("expected dropped notice, got %+v", events)
	}
}
