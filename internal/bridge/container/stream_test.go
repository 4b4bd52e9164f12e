package container

import (
	"bufio"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/Paintersrp/procbridge/internal/bridge/lineproto"
)

func TestUnreadStderrDoesNotStallStdout(t *testing.T) {
	attachR, attachW := io.Pipe()
	defer attachW.Close()
	child := newContainerChild(nil, "0123456789abcdef", types.HijackedResponse{Reader: bufio.NewReader(attachR)})

	go func() {
		stdout := stdcopy.NewStdWriter(attachW, stdcopy.Stdout)
		stderr := stdcopy.NewStdWriter(attachW, stdcopy.Stderr)
		_, _ = stdout.Write([]byte("a\n"))
		_, _ = stderr.Write([]byte("e\n"))
		_, _ = stdout.Write([]byte("b\n"))
	}()

	ends := child.Endpoints()
	lines := lineproto.NewReader(ends.Stdout)
	mb := lineproto.NewMailbox(16)
	for _, want := range []string{"a", "b"} {
		done := make(chan error, 1)
		go func() { done <- lines.ReadLine(mb) }()
		select {
		case err := <-done:
			if err != nil || mb.String() != want {
				t.Fatalf("expected %q on stdout, got %q (%v)", want, mb.String(), err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("stdout line %q blocked behind unread stderr", want)
		}
	}

	errLines := lineproto.NewReader(ends.Stderr)
	if err := errLines.ReadLine(mb); err != nil || mb.String() != "e" {
		t.Fatalf("expected buffered stderr line, got %q (%v)", mb.String(), err)
	}
}

func TestStreamBufferEndsAfterBufferedBytes(t *testing.T) {
	s := newStreamBuffer()
	if _, err := s.Write([]byte("tail")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.CloseWithError(nil)

	got, err := io.ReadAll(s)
	if err != nil || string(got) != "tail" {
		t.Fatalf("expected buffered bytes before EOF, got %q (%v)", got, err)
	}
	if _, err := s.Write([]byte("late")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected closed pipe after writer finished, got %v", err)
	}
}

func TestStreamBufferCloseWakesReader(t *testing.T) {
	s := newStreamBuffer()
	done := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 8))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = s.Close()

	select {
	case err := <-done:
		if !errors.Is(err, io.ErrClosedPipe) {
			t.Fatalf("expected closed pipe, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not wake the blocked reader")
	}
	if n, err := s.Write([]byte("dropped")); n != 7 || err != nil {
		t.Fatalf("writes after Close should be discarded, got %d %v", n, err)
	}
}
