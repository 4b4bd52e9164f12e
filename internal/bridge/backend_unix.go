//go:build !windows

package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/Paintersrp/procbridge/internal/bridge/cmdline"
)

type posixBackend struct{}

func newLocalBackend() Backend {
	return posixBackend{}
}

func (posixBackend) Name() string {
	return "posix"
}

// Start parses commandLine into program and argv, wires three pipes to the
// child's fd 0, 1 and 2 and starts it in its own process group.
func (posixBackend) Start(ctx context.Context, commandLine string) (Child, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	program, err := cmdline.ExtractProgram(commandLine)
	if err != nil {
		return nil, fmt.Errorf("extract program from command line: %w", err)
	}
	argv, err := cmdline.ExtractArgv(commandLine)
	if err != nil {
		return nil, fmt.Errorf("extract arguments from command line: %w", err)
	}
	path, err := resolveProgram(program)
	if err != nil {
		return nil, err
	}

	pipes, err := createPipes()
	if err != nil {
		return nil, err
	}

	proc, err := os.StartProcess(path, argv, &os.ProcAttr{
		Files: pipes.childFiles(),
		Sys:   &syscall.SysProcAttr{Setpgid: true},
	})
	pipes.closeChildEnds()
	if err != nil {
		pipes.closeParentEnds()
		return nil, fmt.Errorf("start process %s: %w", path, err)
	}

	return &posixChild{proc: proc, ends: pipes.parentEnds()}, nil
}

// resolveProgram looks bare program names up in PATH. Names containing a
// path separator are used as given.
func resolveProgram(program string) (string, error) {
	if strings.ContainsRune(program, os.PathSeparator) {
		return program, nil
	}
	path, err := exec.LookPath(program)
	if err != nil {
		return "", fmt.Errorf("resolve program %s: %w", program, err)
	}
	return path, nil
}

type posixChild struct {
	proc *os.Process
	ends Endpoints
}

func (c *posixChild) ID() string {
	return strconv.Itoa(c.proc.Pid)
}

func (c *posixChild) Endpoints() Endpoints {
	return c.ends
}

// Kill sends SIGKILL to the child's process group so helpers started by a
// shell wrapper go down with it.
func (c *posixChild) Kill() error {
	if err := syscall.Kill(-c.proc.Pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		if err := c.proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill process %d: %w", c.proc.Pid, err)
		}
	}
	return nil
}

func (c *posixChild) Wait() (ExitStatus, error) {
	state, err := c.proc.Wait()
	if err != nil {
		return ExitStatus{}, fmt.Errorf("wait for process %d: %w", c.proc.Pid, err)
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		switch {
		case ws.Exited():
			return ExitStatus{Code: ws.ExitStatus()}, nil
		case ws.Signaled():
			return ExitStatus{Code: ExitCodeAbnormal, Abnormal: true, Reason: "signal: " + ws.Signal().String()}, nil
		}
	}
	if state.Exited() {
		return ExitStatus{Code: state.ExitCode()}, nil
	}
	return ExitStatus{Code: ExitCodeAbnormal, Abnormal: true, Reason: state.String()}, nil
}

func (c *posixChild) Release() error {
	err := releaseEndpoints(c.ends)
	if relErr := c.proc.Release(); relErr != nil && err == nil {
		err = relErr
	}
	return err
}
