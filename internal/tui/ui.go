package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/procbridge/internal/bridge"
	"github.com/Paintersrp/procbridge/internal/bridge/lineproto"
	"github.com/Paintersrp/procbridge/internal/cliutil"
	"github.com/Paintersrp/procbridge/internal/harness"
)

const (
	transcriptTitle         = "Transcript"
	statusTitle             = "Child"
	helpPageName            = "help"
	consoleScenario         = "console"
	defaultRecordRetention  = 1000
	defaultReceiveTimeout   = 2 * time.Second
	operationQueueSize      = 16
	helpText                = "Enter send  F5 receive stdout  F6 receive stderr  Ctrl-W wait  Ctrl-K despawn  F2 json  Tab focus  Esc quit"
	transcriptColorSent     = "[yellow]"
	transcriptColorStderr   = "[red]"
	transcriptColorSystem   = "[grey]"
	transcriptColorReceived = "[white]"
)

// Option configures console behaviour.
type Option func(*UI)

// WithMaxRecords sets the number of transcript records retained.
func WithMaxRecords(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxRecords = n
		}
	}
}

// WithReceiveTimeout bounds each receive triggered from the keyboard. A
// zero timeout blocks until a line arrives.
func WithReceiveTimeout(d time.Duration) Option {
	return func(u *UI) {
		if d >= 0 {
			u.receiveTimeout = d
		}
	}
}

// WithMailbox sets the capacity of the mailbox lines are received into.
func WithMailbox(capacity int) Option {
	return func(u *UI) {
		u.mailbox = lineproto.NewMailbox(capacity)
	}
}

// UI is an interactive console driving one spawned child. Bridge calls are
// serialized on a single worker goroutine; the tview loop only queues them.
type UI struct {
	app        *tview.Application
	pages      *tview.Pages
	status     *tview.TextView
	transcript *tview.TextView
	input      *tview.InputField

	proc           *bridge.Process
	mailbox        *lineproto.Mailbox
	receiveTimeout time.Duration
	ops            chan operation
	events         chan harness.Event

	records         []cliutil.LogRecord
	history         []harness.Event
	jsonView        bool
	inputFocused    bool
	maxRecords      int
	statusLine      string
	transcriptDirty bool

	mu sync.RWMutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

type operation struct {
	name string
	run  func(ctx context.Context) harness.Event
}

// New constructs a console for proc, which should already hold a spawned
// child.
func New(proc *bridge.Process, opts ...Option) *UI {
	app := tview.NewApplication()

	status := tview.NewTextView().SetDynamicColors(true)
	status.SetBorder(true).SetTitle(statusTitle)

	transcript := tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	transcript.SetBorder(true).SetTitle(transcriptTitle)
	transcript.SetChangedFunc(func() {
		app.Draw()
	})

	input := tview.NewInputField().SetLabel("> ")
	input.SetBorder(true).SetTitle(helpText)

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(status, 3, 0, false).
		AddItem(transcript, 0, 1, false).
		AddItem(input, 3, 0, true)

	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := &UI{
		app:            app,
		pages:          pages,
		status:         status,
		transcript:     transcript,
		input:          input,
		proc:           proc,
		mailbox:        lineproto.NewMailbox(lineproto.DefaultCapacity),
		receiveTimeout: defaultReceiveTimeout,
		ops:            make(chan operation, operationQueueSize),
		events:         make(chan harness.Event, 256),
		maxRecords:     defaultRecordRetention,
		inputFocused:   true,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ui)
	}

	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := input.GetText()
		input.SetText("")
		ui.queueSend(text)
	})

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.statusLine = ui.describeChild()
	ui.renderStatusLocked()
	ui.mu.Unlock()

	return ui
}

// Done returns a channel that is closed when the console stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Events returns a snapshot of every event recorded so far.
func (u *UI) Events() []harness.Event {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]harness.Event(nil), u.history...)
}

// Run starts the tview application and processes queued operations until
// Stop is invoked or ctx is cancelled. Operations still queued when the
// console stops are discarded; the caller owns releasing the child.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(2)
	go func() {
		defer u.wg.Done()
		u.processOperations(ctx)
	}()
	go func() {
		defer u.wg.Done()
		u.consumeEvents(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	cancel()
	u.wg.Wait()
	u.Stop()

	return err
}

// Stop terminates the application loop.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) processOperations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-u.ops:
			ev := op.run(ctx)
			u.snapshotStatus()
			select {
			case u.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (u *UI) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-u.events:
			u.mu.Lock()
			u.applyEventLocked(ev)
			u.mu.Unlock()
			u.queueRefresh()
		}
	}
}

// snapshotStatus runs on the worker goroutine, the only goroutine touching
// the process once the console is running.
func (u *UI) snapshotStatus() {
	line := u.describeChild()
	u.mu.Lock()
	u.statusLine = line
	u.mu.Unlock()
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.pages.HasPage(helpPageName) {
		return event
	}
	switch event.Key() {
	case tcell.KeyEscape:
		go u.Stop()
		return nil
	case tcell.KeyTab:
		u.toggleFocus()
		return nil
	case tcell.KeyF1:
		u.showHelp()
		return nil
	case tcell.KeyF2:
		u.toggleJSON()
		return nil
	case tcell.KeyF5:
		u.queueReceive(false)
		return nil
	case tcell.KeyF6:
		u.queueReceive(true)
		return nil
	case tcell.KeyCtrlW:
		u.queueWait()
		return nil
	case tcell.KeyCtrlK:
		u.queueDespawn()
		return nil
	}
	return event
}

func (u *UI) toggleFocus() {
	if u.inputFocused {
		u.app.SetFocus(u.transcript)
	} else {
		u.app.SetFocus(u.input)
	}
	u.inputFocused = !u.inputFocused
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.jsonView = !u.jsonView
	u.renderTranscriptLocked()
}

func (u *UI) showHelp() {
	modal := tview.NewModal().
		SetText(helpText).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(int, string) {
			u.pages.RemovePage(helpPageName)
			u.app.SetFocus(u.input)
			u.inputFocused = true
		})
	u.pages.AddPage(helpPageName, modal, true, true)
}

// enqueue hands op to the worker without blocking the UI loop. It reports
// false when the queue is full.
func (u *UI) enqueue(op operation) bool {
	select {
	case u.ops <- op:
		return true
	default:
		u.mu.Lock()
		u.applyEventLocked(u.newEvent(harness.EventTypeFailed, fmt.Sprintf("%s dropped: console busy", op.name)))
		u.mu.Unlock()
		return false
	}
}

func (u *UI) queueSend(text string) bool {
	return u.enqueue(operation{name: "send", run: func(context.Context) harness.Event {
		if err := u.proc.Send(text); err != nil {
			return u.failure(err)
		}
		ev := u.newEvent(harness.EventTypeSent, text)
		ev.Source = harness.SourceStdin
		return ev
	}})
}

func (u *UI) queueReceive(fromErr bool) bool {
	name, source := "receive", harness.SourceStdout
	if fromErr {
		name, source = "receive_err", harness.SourceStderr
	}
	return u.enqueue(operation{name: name, run: func(ctx context.Context) harness.Event {
		if u.receiveTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, u.receiveTimeout)
			defer cancel()
		}
		var err error
		if fromErr {
			err = u.proc.ReceiveErrContext(ctx, u.mailbox)
		} else {
			err = u.proc.ReceiveContext(ctx, u.mailbox)
		}
		if err != nil {
			return u.failure(err)
		}
		msg := u.mailbox.String()
		if u.mailbox.Truncated {
			msg += " …"
		}
		ev := u.newEvent(harness.EventTypeReceived, msg)
		ev.Source = source
		return ev
	}})
}

func (u *UI) queueWait() bool {
	return u.enqueue(operation{name: "wait", run: func(ctx context.Context) harness.Event {
		if err := u.proc.WaitContext(ctx); err != nil {
			return u.failure(err)
		}
		return u.newEvent(harness.EventTypeExited, fmt.Sprintf("exited with code %d", u.proc.ExitCode()))
	}})
}

func (u *UI) queueDespawn() bool {
	return u.enqueue(operation{name: "despawn", run: func(context.Context) harness.Event {
		if err := u.proc.Despawn(); err != nil {
			return u.failure(err)
		}
		return u.newEvent(harness.EventTypeExited, "despawned")
	}})
}

func (u *UI) newEvent(typ harness.EventType, msg string) harness.Event {
	return harness.Event{
		Timestamp: time.Now(),
		Scenario:  consoleScenario,
		Type:      typ,
		Message:   msg,
		ChildID:   u.proc.ChildID(),
		Status:    u.proc.Status(),
	}
}

func (u *UI) failure(err error) harness.Event {
	ev := u.newEvent(harness.EventTypeFailed, err.Error())
	ev.Err = err
	ev.Status = bridge.StatusOf(err)
	return ev
}

func (u *UI) applyEventLocked(ev harness.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	u.history = append(u.history, ev)
	u.records = append(u.records, cliutil.NewLogRecord(ev))
	if len(u.records) > u.maxRecords {
		trim := len(u.records) - u.maxRecords
		u.records = append([]cliutil.LogRecord(nil), u.records[trim:]...)
		u.history = append([]harness.Event(nil), u.history[trim:]...)
	}
	u.transcriptDirty = true
}

func (u *UI) queueRefresh() {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.renderStatusLocked()
		if u.transcriptDirty {
			u.renderTranscriptLocked()
		}
	})
}

func (u *UI) describeChild() string {
	id := u.proc.ChildID()
	if id == "" {
		id = "-"
	}
	line := fmt.Sprintf("id %s  status %s", id, u.proc.Status())
	if !u.proc.Running() && u.proc.Status() == bridge.StatusCompleted {
		line += fmt.Sprintf("  exit %d", u.proc.ExitCode())
	}
	if msg := u.proc.ErrorMessage(); msg != "" {
		line += "  " + tview.Escape(msg)
	}
	return line
}

func (u *UI) renderStatusLocked() {
	u.status.Clear()
	fmt.Fprint(u.status, u.statusLine)
}

func (u *UI) renderTranscriptLocked() {
	u.transcript.Clear()
	u.transcriptDirty = false
	for i, record := range u.records {
		if u.jsonView {
			data, err := json.Marshal(record)
			if err != nil {
				fmt.Fprintf(u.transcript, "{\"error\":%q}\n", err.Error())
				continue
			}
			fmt.Fprintf(u.transcript, "%s\n", tview.Escape(string(data)))
			continue
		}
		fmt.Fprintf(u.transcript, "%s%s[-]\n", transcriptColor(record), tview.Escape(cliutil.FormatEvent(u.history[i])))
	}
	u.transcript.ScrollToEnd()
}

func transcriptColor(record cliutil.LogRecord) string {
	switch {
	case record.Event == string(harness.EventTypeSent):
		return transcriptColorSent
	case record.Source == harness.SourceStderr || record.Level == "error":
		return transcriptColorStderr
	case record.Source == harness.SourceSystem:
		return transcriptColorSystem
	default:
		return transcriptColorReceived
	}
}
