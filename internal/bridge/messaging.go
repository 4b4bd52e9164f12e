package bridge

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/Paintersrp/procbridge/internal/bridge/lineproto"
	"github.com/Paintersrp/procbridge/internal/metrics"
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// endpointReader reads lines from one inbound stream.
type endpointReader struct {
	name  string
	src   io.Reader
	lines *lineproto.Reader
}

func newEndpointReader(name string, src io.Reader) *endpointReader {
	return &endpointReader{name: name, src: src, lines: lineproto.NewReader(src)}
}

// arm interrupts a blocked read on the underlying stream once ctx is done,
// when the stream supports read deadlines. The returned func restores
// blocking reads.
func (e *endpointReader) arm(ctx context.Context) func() {
	d, ok := e.src.(readDeadliner)
	if !ok || ctx.Done() == nil {
		return func() {}
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = d.SetReadDeadline(time.Now())
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
		}
		_ = d.SetReadDeadline(time.Time{})
	}
}

// Send writes text and the configured terminator to the peer. For a parent
// role the line goes to the host's standard output; for a child role it goes
// to the child's stdin.
func (p *Process) Send(text string) error {
	return p.send("send", text, false)
}

// SendErr is Send targeting the host's standard error for a parent role. A
// child has a single inbound stream, so for a child role it behaves as Send.
func (p *Process) SendErr(text string) error {
	return p.send("send_err", text, true)
}

func (p *Process) send(op, text string, toErr bool) (err error) {
	if uerr := p.check(op); uerr != nil {
		return uerr
	}
	if verr := lineproto.ValidateText(text); verr != nil {
		return &Error{Status: StatusUsageError, Op: op, Msg: "invalid message", Err: verr}
	}

	var w io.Writer
	switch p.role {
	case RoleParent:
		w = p.opts.stdout
		if toErr {
			w = p.opts.stderr
		}
	case RoleChild:
		if rerr := p.requireRunning(op); rerr != nil {
			return rerr
		}
		w = p.stdin
	}
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	n, werr := lineproto.WriteLine(w, text, p.opts.newline)
	metrics.AddMessageBytes("sent", n)
	if werr != nil {
		return p.fail(genericError(op, "write to "+p.peerInbound(toErr), werr))
	}
	p.succeed(StatusOK)
	return nil
}

// Receive reads one line into mb. See ReceiveContext.
func (p *Process) Receive(mb *lineproto.Mailbox) error {
	return p.ReceiveContext(context.Background(), mb)
}

// ReceiveErr reads one line from the child's stderr into mb. See
// ReceiveErrContext.
func (p *Process) ReceiveErr(mb *lineproto.Mailbox) error {
	return p.ReceiveErrContext(context.Background(), mb)
}

// ReceiveContext reads one line into mb, with the terminator removed. A
// parent role reads the host's standard input; a child role reads the
// child's stdout. A line longer than the mailbox is delivered in pieces with
// mb.Truncated set on all but the last.
//
// ctx interrupts a blocked read when the stream supports read deadlines;
// bytes of a partially read line are kept for the next call.
func (p *Process) ReceiveContext(ctx context.Context, mb *lineproto.Mailbox) error {
	return p.receive(ctx, "receive", mb, false)
}

// ReceiveErrContext is ReceiveContext reading the child's stderr. For a
// parent role it reads the host's standard input like ReceiveContext.
func (p *Process) ReceiveErrContext(ctx context.Context, mb *lineproto.Mailbox) error {
	return p.receive(ctx, "receive_err", mb, true)
}

func (p *Process) receive(ctx context.Context, op string, mb *lineproto.Mailbox, fromErr bool) (err error) {
	if uerr := p.check(op); uerr != nil {
		return uerr
	}
	if mb == nil || mb.Capacity() == 0 {
		return usageError(op, "mailbox is nil or has no capacity")
	}

	var src *endpointReader
	switch p.role {
	case RoleParent:
		src = p.host
	case RoleChild:
		switch p.phase {
		case phaseIdle:
			return p.fail(notSpawnedError(op))
		case phaseDespawned:
			defer func(start time.Time) { observe(op, start, err) }(time.Now())
			return p.fail(genericError(op, "child has been despawned", nil))
		}
		src = p.stdout
		if fromErr {
			src = p.stderr
		}
	}
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	disarm := src.arm(ctx)
	rerr := src.lines.ReadLine(mb)
	disarm()

	metrics.AddMessageBytes("received", mb.Len())
	if mb.Truncated {
		metrics.IncTruncatedLines()
	}

	switch {
	case rerr == nil:
		p.succeed(StatusOK)
		return nil
	case errors.Is(rerr, io.EOF):
		return p.fail(genericError(op, "end of stream on "+p.inboundName(src), nil))
	case errors.Is(rerr, os.ErrDeadlineExceeded) && ctx.Err() != nil:
		return p.fail(genericError(op, "read from "+p.inboundName(src), ctx.Err()))
	default:
		return p.fail(genericError(op, "read from "+p.inboundName(src), rerr))
	}
}

func (p *Process) requireRunning(op string) error {
	switch p.phase {
	case phaseIdle:
		return p.fail(notSpawnedError(op))
	case phaseRunning:
		return nil
	case phaseWaited:
		return p.fail(genericError(op, "child has exited", nil))
	default:
		return p.fail(genericError(op, "child has been despawned", nil))
	}
}

func (p *Process) peerInbound(toErr bool) string {
	if p.role == RoleChild {
		return "child's stdin"
	}
	if toErr {
		return "stderr"
	}
	return "stdout"
}

func (p *Process) inboundName(src *endpointReader) string {
	if p.role == RoleChild {
		return "child's " + src.name
	}
	return src.name
}
