// Package harness drives children through scripted scenarios: spawn, a
// sequence of sends and expected lines, and a final wait or despawn whose
// outcome is checked.
package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Paintersrp/procbridge/internal/bridge"
	"github.com/Paintersrp/procbridge/internal/bridge/container"
	"github.com/Paintersrp/procbridge/internal/bridge/lineproto"
	"github.com/Paintersrp/procbridge/internal/config"
	"github.com/Paintersrp/procbridge/internal/metrics"
)

// BackendFactory returns the backend a scenario's child is spawned with.
type BackendFactory func(sc *config.Scenario) (bridge.Backend, error)

// Option configures a Runner.
type Option func(*Runner)

// WithEvents streams progress to events. Sends block, so the channel must be
// drained while Run executes.
func WithEvents(events chan<- Event) Option {
	return func(r *Runner) {
		r.events = events
	}
}

// WithBackendFactory replaces the backend selection derived from the
// document.
func WithBackendFactory(f BackendFactory) Option {
	return func(r *Runner) {
		if f != nil {
			r.backends = f
		}
	}
}

// Runner executes the scenarios of one document, one child at a time.
type Runner struct {
	doc      *config.Document
	events   chan<- Event
	backends BackendFactory

	dockerOnce sync.Once
	docker     *container.Backend
	dockerErr  error

	mu       sync.Mutex
	progress Report
	planned  int
}

// NewRunner returns a runner for doc, which must have been loaded through
// the config package so defaults are applied.
func NewRunner(doc *config.Document, opts ...Option) *Runner {
	r := &Runner{doc: doc}
	r.backends = r.documentBackend
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result is the outcome of one scenario iteration.
type Result struct {
	Scenario  string
	Iteration int
	Passed    bool
	Err       error
	ChildID   string
	Status    bridge.Status
	ExitCode  int
	Duration  time.Duration
}

// Report aggregates every scenario iteration of a run.
type Report struct {
	Results []Result
	Passed  int
	Failed  int
}

// OK reports whether every iteration passed.
func (r *Report) OK() bool {
	return r.Failed == 0
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
	if res.Passed {
		r.Passed++
	} else {
		r.Failed++
	}
}

// Failures returns the failed iterations.
func (r *Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// Run executes the selected scenarios, or all of them when names is empty.
// Scenario failures are recorded in the report; the returned error is only
// set for an unknown scenario name or a cancelled context.
func (r *Runner) Run(ctx context.Context, names ...string) (*Report, error) {
	defer r.closeBackends()

	scenarios := r.doc.Scenarios
	if len(names) > 0 {
		scenarios = scenarios[:0:0]
		for _, name := range names {
			sc, ok := r.doc.Scenario(name)
			if !ok {
				return nil, fmt.Errorf("unknown scenario %q", name)
			}
			scenarios = append(scenarios, sc)
		}
	}

	planned := 0
	for _, sc := range scenarios {
		planned += sc.Repeat
	}
	r.mu.Lock()
	r.progress = Report{}
	r.planned = planned
	r.mu.Unlock()

	report := &Report{}
	for _, sc := range scenarios {
		for i := 0; i < sc.Repeat; i++ {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			res := r.RunScenario(ctx, sc, i)
			report.add(res)
			r.mu.Lock()
			r.progress.add(res)
			r.mu.Unlock()
		}
	}
	return report, nil
}

// Snapshot returns the results recorded so far by the current or last Run
// and the number of iterations it planned.
func (r *Runner) Snapshot() (Report, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.progress
	snap.Results = append([]Result(nil), r.progress.Results...)
	return snap, r.planned
}

// RunScenario executes one iteration of sc.
func (r *Runner) RunScenario(ctx context.Context, sc *config.Scenario, iteration int) Result {
	start := time.Now()
	res := Result{Scenario: sc.Name, Iteration: iteration, ExitCode: bridge.ExitCodeAbnormal}
	r.emit(Event{Scenario: sc.Name, Iteration: iteration, Type: EventTypeStarting, Message: sc.Command})

	err := r.execute(ctx, sc, iteration, &res)
	res.Duration = time.Since(start)
	res.Err = err
	res.Passed = err == nil

	result := "passed"
	if err != nil {
		result = "failed"
		r.emit(Event{Scenario: sc.Name, Iteration: iteration, Type: EventTypeFailed, Message: err.Error(), ChildID: res.ChildID, Status: res.Status, Err: err})
	} else {
		r.emit(Event{Scenario: sc.Name, Iteration: iteration, Type: EventTypePassed, Message: fmt.Sprintf("passed in %s", res.Duration.Round(time.Millisecond)), ChildID: res.ChildID, Status: res.Status})
	}
	metrics.ObserveScenario(result, res.Duration)
	return res
}

func (r *Runner) execute(ctx context.Context, sc *config.Scenario, iteration int, res *Result) (err error) {
	backend, err := r.backends(sc)
	if err != nil {
		return fmt.Errorf("select backend: %w", err)
	}
	nl, err := lineproto.ParseNewline(sc.Newline)
	if err != nil {
		return err
	}

	p, err := bridge.New(bridge.RoleChild, bridge.WithBackend(backend), bridge.WithNewline(nl))
	if err != nil {
		return err
	}
	defer p.Destroy()

	if err := p.SpawnContext(ctx, sc.Command); err != nil {
		return fmt.Errorf("spawn: %w", err)
	}
	res.ChildID = p.ChildID()
	defer func() {
		// Release the child when a step failed before the terminal step.
		if p.Running() {
			_ = p.Despawn()
		}
		res.Status = p.Status()
		res.ExitCode = p.ExitCode()
	}()
	r.emit(Event{Scenario: sc.Name, Iteration: iteration, Type: EventTypeSpawned, ChildID: res.ChildID, Message: fmt.Sprintf("spawned with %s backend", backend.Name())})

	mb := lineproto.NewMailbox(sc.Mailbox)
	for i, step := range sc.Steps {
		if err := r.runStep(ctx, sc, iteration, i, step, p, mb); err != nil {
			return fmt.Errorf("steps[%d] %s: %w", i, step.Kind(), err)
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, sc *config.Scenario, iteration, index int, step *config.Step, p *bridge.Process, mb *lineproto.Mailbox) error {
	base := Event{Scenario: sc.Name, Iteration: iteration, Step: index, ChildID: p.ChildID()}

	switch step.Kind() {
	case config.StepSend:
		if err := p.Send(*step.Send); err != nil {
			return err
		}
		ev := base
		ev.Type, ev.Source, ev.Message = EventTypeSent, SourceStdin, *step.Send
		r.emit(ev)

	case config.StepExpect, config.StepExpectErr:
		want, fromErr, source := step.Expect, false, SourceStdout
		if step.ExpectErr != nil {
			want, fromErr, source = step.ExpectErr, true, SourceStderr
		}
		got, err := r.receiveLine(ctx, p, mb, fromErr)
		if err != nil {
			return err
		}
		ev := base
		ev.Type, ev.Source, ev.Message = EventTypeReceived, source, got
		r.emit(ev)
		if got != *want {
			return fmt.Errorf("expected %q on %s, got %q", *want, source, got)
		}

	case config.StepWait:
		waitCtx, cancel := withTimeout(ctx, r.doc.Defaults.WaitTimeout.Duration)
		defer cancel()
		if err := p.WaitContext(waitCtx); err != nil {
			return err
		}
		ev := base
		ev.Type, ev.Status = EventTypeExited, p.Status()
		ev.Message = fmt.Sprintf("exited with code %d (%s)", p.ExitCode(), p.Status())
		r.emit(ev)
		return checkExit(step.Wait, p)

	case config.StepDespawn:
		if err := p.Despawn(); err != nil {
			return err
		}
		ev := base
		ev.Type, ev.Status, ev.Message = EventTypeExited, p.Status(), "despawned"
		r.emit(ev)

	case config.StepSleep:
		timer := time.NewTimer(step.Sleep.Duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

	default:
		return errors.New("step defines no action")
	}
	return nil
}

// receiveLine reads one full line, joining the pieces of a line longer than
// the mailbox.
func (r *Runner) receiveLine(ctx context.Context, p *bridge.Process, mb *lineproto.Mailbox, fromErr bool) (string, error) {
	recvCtx, cancel := withTimeout(ctx, r.doc.Defaults.ReceiveTimeout.Duration)
	defer cancel()

	var line strings.Builder
	for {
		var err error
		if fromErr {
			err = p.ReceiveErrContext(recvCtx, mb)
		} else {
			err = p.ReceiveContext(recvCtx, mb)
		}
		if err != nil {
			return "", err
		}
		line.Write(mb.Bytes())
		if !mb.Truncated {
			return line.String(), nil
		}
	}
}

func checkExit(want *config.WaitSpec, p *bridge.Process) error {
	if want == nil {
		return nil
	}
	if want.Abnormal && p.Status() != bridge.StatusTerminated {
		return fmt.Errorf("expected abnormal termination, child exited with code %d", p.ExitCode())
	}
	if !want.Abnormal && p.Status() == bridge.StatusTerminated {
		return errors.New("child terminated abnormally")
	}
	if want.ExitCode != nil && p.ExitCode() != *want.ExitCode {
		return fmt.Errorf("expected exit code %d, got %d", *want.ExitCode, p.ExitCode())
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (r *Runner) documentBackend(sc *config.Scenario) (bridge.Backend, error) {
	if sc.Backend != config.BackendDocker {
		return bridge.LocalBackend(), nil
	}
	r.dockerOnce.Do(func() {
		spec := r.doc.Container
		if spec == nil {
			r.dockerErr = errors.New("docker backend requires a container section")
			return
		}
		r.docker, r.dockerErr = container.New(container.Options{
			Image:  spec.Image,
			Host:   spec.Host,
			Pull:   spec.Pull,
			Limits: container.Limits{CPUs: spec.CPUs, Memory: spec.Memory},
		})
	})
	if r.dockerErr != nil {
		return nil, r.dockerErr
	}
	return r.docker, nil
}

func (r *Runner) closeBackends() {
	if r.docker != nil {
		_ = r.docker.Close()
	}
}
