package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Paintersrp/procbridge/internal/metrics"
)

// Spawn starts the child described by commandLine. See SpawnContext.
func (p *Process) Spawn(commandLine string) error {
	return p.SpawnContext(context.Background(), commandLine)
}

// SpawnContext starts the child described by commandLine: a program followed
// by space separated arguments, where a double-quoted token may contain
// spaces. It is valid once, on a child-role instance that has not spawned.
func (p *Process) SpawnContext(ctx context.Context, commandLine string) (err error) {
	const op = "spawn"
	if uerr := p.check(op); uerr != nil {
		return uerr
	}
	if p.role != RoleChild {
		return usageError(op, "spawn requires a child-role process")
	}
	if p.phase != phaseIdle {
		return usageError(op, "child already spawned")
	}
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	child, startErr := p.opts.backend.Start(ctx, commandLine)
	if startErr != nil {
		return p.fail(genericError(op, "start child", startErr))
	}

	ends := child.Endpoints()
	p.child = child
	p.stdin = ends.Stdin
	p.stdout = newEndpointReader("stdout", ends.Stdout)
	p.stderr = newEndpointReader("stderr", ends.Stderr)
	p.exitCode = ExitCodeAbnormal
	p.phase = phaseRunning
	metrics.ChildStarted(p.opts.backend.Name())

	p.succeed(StatusOK)
	return nil
}

// Despawn forcibly terminates the child, reaps it and releases every
// endpoint and handle the instance owns. A failed kill is reported but the
// remaining cleanup still runs. Calling Despawn on a child that was already
// despawned or waited for is a no-op.
func (p *Process) Despawn() (err error) {
	const op = "despawn"
	if uerr := p.check(op); uerr != nil {
		return uerr
	}
	if p.role != RoleChild {
		return usageError(op, "despawn requires a child-role process")
	}
	switch p.phase {
	case phaseIdle:
		return p.fail(notSpawnedError(op))
	case phaseWaited, phaseDespawned:
		return nil
	}
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	killErr := p.child.Kill()
	_, waitErr := p.child.Wait()
	releaseErr := p.child.Release()
	p.finish(phaseDespawned)
	p.exitCode = ExitCodeAbnormal

	switch {
	case killErr != nil:
		return p.fail(genericError(op, "terminate child", killErr))
	case waitErr != nil:
		return p.fail(genericError(op, "reap child", waitErr))
	case releaseErr != nil:
		return p.fail(genericError(op, "release child resources", releaseErr))
	}
	p.succeed(StatusTerminated)
	return nil
}

// Wait blocks until the child exits. See WaitContext.
func (p *Process) Wait() error {
	return p.WaitContext(context.Background())
}

// WaitContext closes the child's stdin so a child blocked reading sees end of
// file, then blocks until the child exits. Output the child wrote but the
// caller has not received yet is kept and remains available to Receive and
// ReceiveErr; every OS resource is released before WaitContext returns.
//
// A normal exit records StatusCompleted and the exit code; a killed child
// records StatusTerminated and ExitCodeAbnormal. Both return nil. When ctx
// ends first the child is killed and reaped and the context error is
// returned. Calling WaitContext again after it succeeded, or after Despawn,
// is a no-op.
func (p *Process) WaitContext(ctx context.Context) (err error) {
	const op = "wait"
	if uerr := p.check(op); uerr != nil {
		return uerr
	}
	if p.role != RoleChild {
		return usageError(op, "wait requires a child-role process")
	}
	switch p.phase {
	case phaseIdle:
		return p.fail(notSpawnedError(op))
	case phaseWaited, phaseDespawned:
		return nil
	}
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	_ = closeQuietly(p.stdin)

	ends := p.child.Endpoints()
	var stdoutBuf, stderrBuf bytes.Buffer
	var drains errgroup.Group
	drains.Go(func() error { return drain(&stdoutBuf, ends.Stdout) })
	drains.Go(func() error { return drain(&stderrBuf, ends.Stderr) })

	type reaped struct {
		status ExitStatus
		err    error
	}
	done := make(chan reaped, 1)
	go func() {
		status, waitErr := p.child.Wait()
		done <- reaped{status: status, err: waitErr}
	}()

	var result reaped
	var ctxErr error
	select {
	case result = <-done:
	case <-ctx.Done():
		ctxErr = ctx.Err()
		_ = p.child.Kill()
		result = <-done
	}

	// The child is gone; bound how long a grandchild holding the pipes can
	// keep the drain alive.
	drainErr := waitDrained(&drains, p.opts.drainTimeout, ends.Stdout, ends.Stderr)

	stdoutTail := append(p.stdout.lines.Pending(), stdoutBuf.Bytes()...)
	stderrTail := append(p.stderr.lines.Pending(), stderrBuf.Bytes()...)
	releaseErr := p.child.Release()
	p.finish(phaseWaited)
	p.stdout = newEndpointReader("stdout", bytes.NewReader(stdoutTail))
	p.stderr = newEndpointReader("stderr", bytes.NewReader(stderrTail))

	switch {
	case ctxErr != nil:
		p.exitCode = ExitCodeAbnormal
		return p.fail(genericError(op, "child did not exit in time", ctxErr))
	case result.err != nil:
		return p.fail(genericError(op, "reap child", result.err))
	case drainErr != nil:
		return p.fail(genericError(op, "drain child output", drainErr))
	case releaseErr != nil:
		return p.fail(genericError(op, "release child resources", releaseErr))
	}

	p.exitCode = result.status.Code
	if result.status.Abnormal {
		p.exitCode = ExitCodeAbnormal
		p.succeed(StatusTerminated)
		return nil
	}
	p.succeed(StatusCompleted)
	return nil
}

// finish moves the instance out of the running phase and drops every
// reference to the child's resources.
func (p *Process) finish(next phase) {
	if p.phase == phaseRunning {
		metrics.ChildReleased(p.opts.backend.Name())
	}
	p.phase = next
	p.child = nil
	p.stdin = nil
	p.stdout = nil
	p.stderr = nil
}

// waitDrained waits for drains to finish within timeout. Endpoints that take
// a read deadline stop on their own; the others (Windows anonymous pipes,
// attach streams) are closed when the timeout elapses.
func waitDrained(drains *errgroup.Group, timeout time.Duration, ends ...io.ReadCloser) error {
	deadline := time.Now().Add(timeout)
	var undeadlined []io.ReadCloser
	for _, r := range ends {
		if r == nil {
			continue
		}
		if d, ok := r.(readDeadliner); ok && d.SetReadDeadline(deadline) == nil {
			continue
		}
		undeadlined = append(undeadlined, r)
	}

	done := make(chan error, 1)
	go func() { done <- drains.Wait() }()
	if len(undeadlined) == 0 {
		return <-done
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		for _, r := range undeadlined {
			_ = closeQuietly(r)
		}
		return <-done
	}
}

// drain copies r to w until end of stream. A read deadline or a close after
// the child was reaped also ends the drain.
func drain(w *bytes.Buffer, r io.Reader) error {
	if r == nil {
		return nil
	}
	_, err := io.Copy(w, r)
	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
