package bridge

import (
	"context"
	"errors"
	"io"
	"os"
)

// ExitCodeAbnormal is reported by ExitCode when the child did not exit on
// its own (killed by a signal or forcibly terminated).
const ExitCodeAbnormal = -1

// Endpoints are the parent-facing ends of the three pipes connecting a
// parent to its child. The child owns the opposite ends.
type Endpoints struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// ExitStatus describes how a reaped child finished.
type ExitStatus struct {
	// Code is the raw exit status on normal exit.
	Code int
	// Abnormal is set when the child was killed or terminated.
	Abnormal bool
	// Reason describes an abnormal termination ("signal: killed").
	Reason string
}

// Child is a live process created by a Backend.
type Child interface {
	// ID returns the opaque process identifier (pid, container id).
	ID() string
	// Endpoints returns the parent-facing pipe ends.
	Endpoints() Endpoints
	// Kill forcibly terminates the child. Killing a child that already
	// exited is not an error.
	Kill() error
	// Wait blocks until the child exits and reaps it. It must be called
	// exactly once.
	Wait() (ExitStatus, error)
	// Release closes every endpoint and OS handle still held. It is safe to
	// call after endpoints were closed individually.
	Release() error
}

// Backend creates children. LocalBackend returns the variant native to the
// build platform; other backends may run the child elsewhere.
type Backend interface {
	Name() string
	Start(ctx context.Context, commandLine string) (Child, error)
}

// LocalBackend returns the process backend for the build platform.
func LocalBackend() Backend {
	return newLocalBackend()
}

// closeQuietly closes c and drops errors caused by an earlier close.
func closeQuietly(c io.Closer) error {
	if c == nil {
		return nil
	}
	if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

// releaseEndpoints closes all three endpoints and returns the first failure.
func releaseEndpoints(ends Endpoints) error {
	var first error
	for _, c := range []io.Closer{ends.Stdin, ends.Stdout, ends.Stderr} {
		if c == nil {
			continue
		}
		if err := closeQuietly(c); err != nil && first == nil {
			first = err
		}
	}
	return first
}
