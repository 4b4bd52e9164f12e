//go:build windows

package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	// terminateExitCode is the exit code given to a forcibly terminated child.
	terminateExitCode = 99
	stillActive       = 259
)

type windowsBackend struct{}

func newLocalBackend() Backend {
	return windowsBackend{}
}

func (windowsBackend) Name() string {
	return "windows"
}

// Start hands commandLine unparsed to CreateProcess with the child's standard
// handles pointed at freshly created pipes.
func (windowsBackend) Start(ctx context.Context, commandLine string) (Child, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(commandLine) == "" {
		return nil, errors.New("command line is empty")
	}
	cmdPtr, err := windows.UTF16PtrFromString(commandLine)
	if err != nil {
		return nil, fmt.Errorf("encode command line: %w", err)
	}

	// Inheritable handles created here must not leak into a process spawned
	// concurrently by the os/exec package.
	syscall.ForkLock.Lock()
	defer syscall.ForkLock.Unlock()

	pipes, err := createHandlePipes()
	if err != nil {
		return nil, err
	}

	si := &windows.StartupInfo{
		Flags:     windows.STARTF_USESTDHANDLES,
		StdInput:  pipes.stdin.r,
		StdOutput: pipes.stdout.w,
		StdErr:    pipes.stderr.w,
	}
	si.Cb = uint32(unsafe.Sizeof(*si))
	var pi windows.ProcessInformation

	err = windows.CreateProcess(nil, cmdPtr, nil, nil, true, 0, nil, nil, si, &pi)
	pipes.closeChildEnds()
	if err != nil {
		pipes.closeParentEnds()
		return nil, fmt.Errorf("create process: %w", err)
	}
	_ = windows.CloseHandle(pi.Thread)

	return &windowsChild{
		process: pi.Process,
		pid:     pi.ProcessId,
		ends: Endpoints{
			Stdin:  os.NewFile(uintptr(pipes.stdin.w), "|0"),
			Stdout: newPipeReader(pipes.stdout.r, "|1"),
			Stderr: newPipeReader(pipes.stderr.r, "|2"),
		},
	}, nil
}

// pipeReader is a parent-side read end. Anonymous pipes take no read
// deadline, so Close cancels a pending synchronous read first.
type pipeReader struct {
	*os.File
	handle windows.Handle
}

func newPipeReader(h windows.Handle, name string) pipeReader {
	return pipeReader{File: os.NewFile(uintptr(h), name), handle: h}
}

func (r pipeReader) Close() error {
	_ = windows.CancelIoEx(r.handle, nil)
	return r.File.Close()
}

type handlePipe struct {
	r, w windows.Handle
}

func (p handlePipe) close() {
	if p.r != 0 {
		_ = windows.CloseHandle(p.r)
	}
	if p.w != 0 {
		_ = windows.CloseHandle(p.w)
	}
}

type handlePipeSet struct {
	stdin, stdout, stderr handlePipe
}

// newHandlePipe creates an inheritable pipe and strips inheritance from the
// end the parent keeps.
func newHandlePipe(childReads bool) (handlePipe, error) {
	sa := windows.SecurityAttributes{InheritHandle: 1}
	sa.Length = uint32(unsafe.Sizeof(sa))

	var p handlePipe
	if err := windows.CreatePipe(&p.r, &p.w, &sa, 0); err != nil {
		return handlePipe{}, err
	}
	parentEnd := p.r
	if childReads {
		parentEnd = p.w
	}
	if err := windows.SetHandleInformation(parentEnd, windows.HANDLE_FLAG_INHERIT, 0); err != nil {
		p.close()
		return handlePipe{}, err
	}
	return p, nil
}

func createHandlePipes() (*handlePipeSet, error) {
	set := &handlePipeSet{}
	names := []string{"stdin", "stdout", "stderr"}
	slots := []*handlePipe{&set.stdin, &set.stdout, &set.stderr}
	for i, slot := range slots {
		p, err := newHandlePipe(i == 0)
		if err != nil {
			for _, created := range slots[:i] {
				created.close()
			}
			return nil, fmt.Errorf("create child's %s pipe: %w", names[i], err)
		}
		*slot = p
	}
	return set, nil
}

func (s *handlePipeSet) closeChildEnds() {
	_ = windows.CloseHandle(s.stdin.r)
	_ = windows.CloseHandle(s.stdout.w)
	_ = windows.CloseHandle(s.stderr.w)
}

func (s *handlePipeSet) closeParentEnds() {
	_ = windows.CloseHandle(s.stdin.w)
	_ = windows.CloseHandle(s.stdout.r)
	_ = windows.CloseHandle(s.stderr.r)
}

type windowsChild struct {
	process windows.Handle
	pid     uint32
	ends    Endpoints

	mu       sync.Mutex
	killed   bool
	released bool
}

func (c *windowsChild) ID() string {
	return strconv.FormatUint(uint64(c.pid), 10)
}

func (c *windowsChild) Endpoints() Endpoints {
	return c.ends
}

func (c *windowsChild) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := windows.TerminateProcess(c.process, terminateExitCode); err != nil {
		var code uint32
		if exitErr := windows.GetExitCodeProcess(c.process, &code); exitErr == nil && code != stillActive {
			return nil
		}
		return fmt.Errorf("terminate process %d: %w", c.pid, err)
	}
	c.killed = true
	return nil
}

func (c *windowsChild) Wait() (ExitStatus, error) {
	event, err := windows.WaitForSingleObject(c.process, windows.INFINITE)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("wait for process %d: %w", c.pid, err)
	}
	if event != windows.WAIT_OBJECT_0 {
		return ExitStatus{}, fmt.Errorf("wait for process %d: unexpected wait result %#x", c.pid, event)
	}
	var code uint32
	if err := windows.GetExitCodeProcess(c.process, &code); err != nil {
		return ExitStatus{}, fmt.Errorf("get exit code of process %d: %w", c.pid, err)
	}

	c.mu.Lock()
	killed := c.killed
	c.mu.Unlock()
	if killed {
		return ExitStatus{Code: ExitCodeAbnormal, Abnormal: true, Reason: "terminated"}, nil
	}
	return ExitStatus{Code: int(code)}, nil
}

func (c *windowsChild) Release() error {
	err := releaseEndpoints(c.ends)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.released {
		c.released = true
		if closeErr := windows.CloseHandle(c.process); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
