package harness

import (
	"time"

	"github.com/Paintersrp/procbridge/internal/bridge"
)

// EventType captures the notifications emitted while scenarios run.
type EventType string

const (
	EventTypeStarting EventType = "starting"
	EventTypeSpawned  EventType = "spawned"
	EventTypeSent     EventType = "sent"
	EventTypeReceived EventType = "received"
	EventTypeExited   EventType = "exited"
	EventTypePassed   EventType = "passed"
	EventTypeFailed   EventType = "failed"
)

// Sources of an event's message.
const (
	SourceSystem = "system"
	SourceStdin  = "stdin"
	SourceStdout = "stdout"
	SourceStderr = "stderr"
)

// Event represents a single harness notification.
type Event struct {
	Timestamp time.Time
	Scenario  string
	Iteration int
	Step      int
	Type      EventType
	Message   string
	Level     string
	Source    string
	ChildID   string
	Status    bridge.Status
	Err       error
}

func (r *Runner) emit(ev Event) {
	if r.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Level == "" {
		ev.Level = "info"
		if ev.Err != nil || ev.Type == EventTypeFailed {
			ev.Level = "error"
		}
	}
	if ev.Source == "" {
		ev.Source = SourceSystem
	}
	r.events <- ev
}
