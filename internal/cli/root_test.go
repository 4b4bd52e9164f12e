package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Paintersrp/procbridge/internal/bridge"
	"github.com/Paintersrp/procbridge/internal/bridge/lineproto"
	"github.com/Paintersrp/procbridge/internal/cliutil"
	"github.com/Paintersrp/procbridge/internal/worker"
)

// TestMain lets the test binary stand in for procbridge when a command
// spawns "<binary> worker ...".
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

func runCLI(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = execute(context.Background(), args, &out, &errOut)
	return out.String(), errOut.String(), code
}

func testExecutable(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("resolve test executable: %v", err)
	}
	return exe
}

func decodeRecords(t *testing.T, output string) []cliutil.LogRecord {
	t.Helper()
	var records []cliutil.LogRecord
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		var record cliutil.LogRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("decode record %q: %v", scanner.Text(), err)
		}
		records = append(records, record)
	}
	return records
}

func TestRootRegistersCommands(t *testing.T) {
	root := NewRootCmd()
	for _, name := range []string{"run", "worker", "harness", "console", "config", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("expected %s command, got %v (%v)", name, cmd, err)
		}
	}
}

func TestJoinCommandLine(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{`sh -c "exit 3"`}, `sh -c "exit 3"`},
		{[]string{"/bin/echo", "a", "b"}, "/bin/echo a b"},
		{[]string{"/opt/my tools/child", "--name", "two words"}, `"/opt/my tools/child" --name "two words"`},
		{[]string{"prog", ""}, `prog ""`},
	}
	for _, tc := range tests {
		if got := joinCommandLine(tc.args); got != tc.want {
			t.Fatalf("joinCommandLine(%q) = %q, want %q", tc.args, got, tc.want)
		}
	}
}

func TestRunCommandTranscript(t *testing.T) {
	stdout, stderr, code := runCLI(t, "run",
		"--send", "p1", "--send", "p2", "--send", "p3",
		"--expect", "3", "--expect-err", "1",
		"--", testExecutable(t), "worker", "--linger", "0s",
	)
	if code != 0 {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}

	records := decodeRecords(t, stdout)
	var received, errReceived []string
	for _, r := range records {
		if r.Event != "received" {
			continue
		}
		if r.Source == "stderr" {
			errReceived = append(errReceived, r.Message)
		} else {
			received = append(received, r.Message)
		}
		if r.Child == "" {
			t.Fatalf("expected child id on %+v", r)
		}
	}
	if strings.Join(received, "|") != "c1 p1 p2 p3|c2|c3" {
		t.Fatalf("unexpected stdout lines %q", received)
	}
	if strings.Join(errReceived, "|") != "c1 p1 p2 p3" {
		t.Fatalf("unexpected stderr lines %q", errReceived)
	}
	last := records[len(records)-1]
	if last.Event != "exited" || last.Message != "exited with code 12" || last.Status != "completed" {
		t.Fatalf("unexpected final record %+v", last)
	}
}

func TestRunCommandDespawn(t *testing.T) {
	stdout, stderr, code := runCLI(t, "run", "--despawn", "--text",
		"--", testExecutable(t), "worker", "--linger", "1m",
	)
	if code != 0 {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "run exited: despawned") {
		t.Fatalf("unexpected transcript %q", stdout)
	}
}

func TestRunCommandSpawnFailure(t *testing.T) {
	stdout, stderr, code := runCLI(t, "run", "--", "/nonexistent/procbridge-child")
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr, "spawn:") {
		t.Fatalf("expected spawn error, got %q", stderr)
	}
	records := decodeRecords(t, stdout)
	if last := records[len(records)-1]; last.Event != "failed" || last.Level != "error" || last.Status != "generic_error" {
		t.Fatalf("unexpected failure record %+v", last)
	}
}

func TestHarnessBuiltinScenarios(t *testing.T) {
	stdout, stderr, code := runCLI(t, "harness", "--scenario", "wait-after-transcript,exit-codes")
	if code != 0 {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "2 passed, 0 failed (2 iterations)") {
		t.Fatalf("unexpected summary in %q", stdout)
	}
	if !strings.Contains(stdout, "wait-after-transcript < c1 p1 p2 p3") {
		t.Fatalf("expected received line in transcript, got %q", stdout)
	}
}

func TestHarnessJSONWithMetrics(t *testing.T) {
	stdout, stderr, code := runCLI(t, "harness", "--json", "--scenario", "exit-codes", "--metrics-addr", "127.0.0.1:0")
	if code != 0 {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	if !strings.Contains(stderr, "Metrics listening on") {
		t.Fatalf("expected metrics banner, got %q", stderr)
	}
	records := decodeRecords(t, stdout)
	if len(records) == 0 || records[len(records)-1].Event != "passed" {
		t.Fatalf("expected passed record last, got %+v", records)
	}
}

func TestHarnessFailingScenarioExitsNonZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	content := `scenarios:
  - name: wrong-code
    command: ${PROCBRIDGE_SELF} worker --lines 0 --exit-code 3 --linger 0s
    steps:
      - wait:
          exitCode: 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write scenarios: %v", err)
	}

	stdout, stderr, code := runCLI(t, "harness", "-f", path)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stdout, "0 passed, 1 failed") {
		t.Fatalf("unexpected summary %q", stdout)
	}
	if !strings.Contains(stderr, "FAIL wrong-code[0]: steps[0] wait: expected exit code 4, got 3") {
		t.Fatalf("unexpected failure report %q", stderr)
	}
	if !strings.Contains(stderr, "harness: 1 of 1 scenario iterations failed") {
		t.Fatalf("expected summary error, got %q", stderr)
	}
}

func TestHarnessUnknownScenario(t *testing.T) {
	_, stderr, code := runCLI(t, "harness", "--scenario", "missing")
	if code != 1 || !strings.Contains(stderr, `unknown scenario "missing"`) {
		t.Fatalf("unexpected result %d %q", code, stderr)
	}
}

func TestConsoleRequiresTerminal(t *testing.T) {
	original := isTerminal
	isTerminal = func(*os.File) bool { return false }
	defer func() { isTerminal = original }()

	_, stderr, code := runCLI(t, "console", "--", "sh")
	if code != 1 || !strings.Contains(stderr, "interactive terminal") {
		t.Fatalf("unexpected result %d %q", code, stderr)
	}
}

func TestVersionCommand(t *testing.T) {
	stdout, _, code := runCLI(t, "version")
	if code != 0 || !strings.HasPrefix(stdout, "procbridge ") {
		t.Fatalf("unexpected version output %d %q", code, stdout)
	}
}

func TestWorkerReportsBrokenExchange(t *testing.T) {
	p, err := bridge.New(bridge.RoleChild)
	if err != nil {
		t.Fatalf("new process: %v", err)
	}
	defer p.Destroy()
	if err := p.Spawn(joinCommandLine([]string{testExecutable(t), "worker", "--lines", "2", "--linger", "0s"})); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := p.Send("p1"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if p.ExitCode() != worker.ExitCodeExchangeFailed {
		t.Fatalf("expected exit code %d, got %d", worker.ExitCodeExchangeFailed, p.ExitCode())
	}

	mb := lineproto.NewMailbox(0)
	if err := p.ReceiveErr(mb); err != nil {
		t.Fatalf("receive stderr: %v", err)
	}
	if !strings.HasPrefix(mb.String(), "worker: receive") {
		t.Fatalf("expected the exchange error on stderr, got %q", mb.String())
	}
}
