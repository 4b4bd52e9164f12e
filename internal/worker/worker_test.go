package worker

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/Paintersrp/procbridge/internal/bridge"
	"github.com/Paintersrp/procbridge/internal/bridge/lineproto"
)

func newParent(t *testing.T, input string) (*bridge.Process, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	p, err := bridge.New(bridge.RoleParent,
		bridge.WithStdio(strings.NewReader(input), &stdout, &stderr),
		bridge.WithNewline(lineproto.LF),
	)
	if err != nil {
		t.Fatalf("new parent: %v", err)
	}
	t.Cleanup(p.Destroy)
	return p, &stdout, &stderr
}

func TestRunAnswersOnBothStreams(t *testing.T) {
	p, stdout, stderr := newParent(t, "p1\np2\np3\n")

	code, err := Run(context.Background(), p, Options{Lines: 3, ExitCode: 12})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 12 {
		t.Fatalf("expected exit code 12, got %d", code)
	}
	want := "c1 p1 p2 p3\nc2\nc3\n"
	if stdout.String() != want {
		t.Fatalf("unexpected stdout %q", stdout.String())
	}
	if stderr.String() != want {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestRunWithoutLines(t *testing.T) {
	p, stdout, _ := newParent(t, "")

	code, err := Run(context.Background(), p, Options{ExitCode: 255})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 255 {
		t.Fatalf("expected exit code 255, got %d", code)
	}
	if !strings.HasPrefix(stdout.String(), "c1\n") {
		t.Fatalf("expected bare c1 first, got %q", stdout.String())
	}
}

func TestRunReportsEarlyEOF(t *testing.T) {
	p, stdout, _ := newParent(t, "p1\n")

	code, err := Run(context.Background(), p, DefaultOptions())
	if err == nil {
		t.Fatalf("expected error when the parent closes early")
	}
	if bridge.StatusOf(err) != bridge.StatusGenericError {
		t.Fatalf("expected generic status, got %v", bridge.StatusOf(err))
	}
	if code != ExitCodeExchangeFailed {
		t.Fatalf("expected exchange failure exit code, got %d", code)
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected nothing written, got %q", stdout.String())
	}
}

func TestRunLingerHonoursContext(t *testing.T) {
	p, _, _ := newParent(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := DefaultOptions()
	opts.Lines = 0
	opts.Linger = 1 << 40
	if _, err := Run(ctx, p, opts); err != nil {
		t.Fatalf("run: %v", err)
	}
}
