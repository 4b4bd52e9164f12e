package bridge

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Paintersrp/procbridge/internal/bridge/lineproto"
	"github.com/Paintersrp/procbridge/internal/metrics"
)

// Role selects which streams an instance operates on.
type Role int

const (
	// RoleParent talks to the process that spawned the current one, over
	// the current process' own standard streams.
	RoleParent Role = iota
	// RoleChild spawns and talks to a subordinate process.
	RoleChild
)

func (r Role) String() string {
	switch r {
	case RoleParent:
		return "parent"
	case RoleChild:
		return "child"
	default:
		return "invalid"
	}
}

// DefaultDrainTimeout bounds how long Wait keeps reading a child's output
// after the child was reaped, in case a grandchild still holds the pipes.
const DefaultDrainTimeout = 2 * time.Second

type phase int

const (
	phaseIdle phase = iota
	phaseRunning
	phaseWaited
	phaseDespawned
)

// Option configures a Process.
type Option func(*options)

type options struct {
	backend      Backend
	newline      lineproto.Newline
	stdin        io.Reader
	stdout       io.Writer
	stderr       io.Writer
	drainTimeout time.Duration
}

// WithBackend selects the backend used by Spawn. The default is LocalBackend.
func WithBackend(b Backend) Option {
	return func(o *options) {
		if b != nil {
			o.backend = b
		}
	}
}

// WithNewline sets the terminator appended to outgoing messages.
func WithNewline(nl lineproto.Newline) Option {
	return func(o *options) {
		if nl.Valid() {
			o.newline = nl
		}
	}
}

// WithStdio replaces the host streams used by a parent-role instance. Nil
// values keep the process' own streams.
func WithStdio(in io.Reader, out, errOut io.Writer) Option {
	return func(o *options) {
		if in != nil {
			o.stdin = in
		}
		if out != nil {
			o.stdout = out
		}
		if errOut != nil {
			o.stderr = errOut
		}
	}
}

// WithDrainTimeout overrides DefaultDrainTimeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

// Process is one end of a parent/child relationship. A parent-role Process
// exchanges lines over the host's standard streams; a child-role Process
// spawns one child and owns the parent-facing ends of its pipes.
//
// A Process is not safe for concurrent use. Status and ErrorMessage may be
// read from another goroutine.
type Process struct {
	id   string
	role Role
	opts options

	mu        sync.Mutex
	status    Status
	message   string
	destroyed bool

	phase    phase
	child    Child
	host     *endpointReader
	stdin    io.WriteCloser
	stdout   *endpointReader
	stderr   *endpointReader
	exitCode int
}

// New creates an instance for role.
func New(role Role, opts ...Option) (*Process, error) {
	if role != RoleParent && role != RoleChild {
		return nil, usageError("create", "unsupported process role")
	}

	o := options{
		newline:      lineproto.Native(),
		stdin:        os.Stdin,
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		drainTimeout: DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Process{
		id:       uuid.NewString(),
		role:     role,
		opts:     o,
		exitCode: ExitCodeAbnormal,
	}
	switch role {
	case RoleChild:
		if p.opts.backend == nil {
			p.opts.backend = LocalBackend()
		}
		p.status = StatusNotSpawned
		p.message = notSpawnedMessage
	case RoleParent:
		// os.Stdout and os.Stderr are unbuffered; reads go through an
		// unbuffered line reader so nothing past a line is consumed.
		p.host = newEndpointReader("stdin", p.opts.stdin)
		p.status = StatusOK
	}
	return p, nil
}

// ID returns the unique identifier of the instance.
func (p *Process) ID() string {
	if p == nil {
		return ""
	}
	return p.id
}

// Role returns the role fixed at creation.
func (p *Process) Role() Role {
	return p.role
}

// Status returns the outcome of the last operation that recorded one.
func (p *Process) Status() Status {
	if p == nil {
		return StatusUsageError
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// ErrorMessage returns the bounded message of the last failed operation, or
// "" when the last recorded operation succeeded.
func (p *Process) ErrorMessage() string {
	if p == nil {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.message
}

// ExitCode returns the child's exit status. It is only meaningful after Wait
// returned nil; ExitCodeAbnormal marks a child that was killed.
func (p *Process) ExitCode() int {
	if p == nil {
		return ExitCodeAbnormal
	}
	return p.exitCode
}

// ChildID returns the backend's identifier of the spawned child, or "".
func (p *Process) ChildID() string {
	if p == nil || p.child == nil {
		return ""
	}
	return p.child.ID()
}

// Running reports whether the instance holds a live child.
func (p *Process) Running() bool {
	return p != nil && p.phase == phaseRunning
}

// Newline returns the terminator used for outgoing messages.
func (p *Process) Newline() lineproto.Newline {
	return p.opts.newline
}

// ClearError resets the status to OK and the message to "". Resources are
// left untouched.
func (p *Process) ClearError() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusOK
	p.message = ""
}

// Destroy marks the instance unusable. It does not release OS resources:
// call Despawn, or Wait until it succeeds, before destroying a child
// instance.
func (p *Process) Destroy() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
}

// check validates the receiver for op. The returned error is a usage error
// and must not be recorded.
func (p *Process) check(op string) *Error {
	if p == nil {
		return usageError(op, "process is nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return usageError(op, "process has been destroyed")
	}
	return nil
}

func (p *Process) succeed(status Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
	p.message = ""
}

// fail records err as the outcome of the current operation and returns it.
func (p *Process) fail(err *Error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = err.Status
	p.message = boundMessage(err.Message())
	return err
}

func observe(op string, start time.Time, err error) {
	metrics.ObserveOperation(op, StatusOf(err).String(), time.Since(start))
}
