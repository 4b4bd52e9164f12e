package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigLintSuccess(t *testing.T) {
	manifest := scenarioManifest(
		`version: "1"`,
		"scenarios:",
		"  - name: echo",
		"    command: /bin/cat",
		"    steps:",
		"      - send: hi",
		"      - expect: hi",
		"      - despawn: true",
	)
	stdout, stderr, path, code := runConfigLint(t, manifest)
	if code != 0 {
		t.Fatalf("lint failed with %d: %s", code, stderr)
	}

	want := fmt.Sprintf("%s: OK (1 scenarios)\n", path)
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
	if stderr != "" {
		t.Fatalf("unexpected stderr output: %q", stderr)
	}
}

func TestConfigLintSchemaViolation(t *testing.T) {
	manifest := scenarioManifest(
		`version: "1"`,
		"scenarios: []",
	)
	stdout, stderr, _, code := runConfigLint(t, manifest)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if stdout != "" {
		t.Fatalf("expected empty stdout, got %q", stdout)
	}
	if !strings.Contains(stderr, "schema validation failed") {
		t.Fatalf("stderr does not mention schema failure: %q", stderr)
	}
	if !strings.Contains(stderr, "scenarios") {
		t.Fatalf("stderr does not mention scenarios path: %q", stderr)
	}
}

func TestConfigLintMissingTerminalStep(t *testing.T) {
	manifest := scenarioManifest(
		"scenarios:",
		"  - name: dangling",
		"    command: /bin/cat",
		"    steps:",
		"      - send: hi",
	)
	_, stderr, path, code := runConfigLint(t, manifest)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr, filepath.Base(path)) {
		t.Fatalf("stderr does not mention the file: %q", stderr)
	}
	if !strings.Contains(stderr, "scenarios[0].steps: must end the child with a wait or despawn step") {
		t.Fatalf("stderr does not mention the missing step: %q", stderr)
	}
}

func TestConfigLintDockerRequiresContainer(t *testing.T) {
	manifest := scenarioManifest(
		"scenarios:",
		"  - name: boxed",
		"    command: /bin/cat",
		"    backend: docker",
		"    steps:",
		"      - despawn: true",
	)
	_, stderr, _, code := runConfigLint(t, manifest)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr, "scenarios[0].backend") {
		t.Fatalf("stderr does not mention the backend field: %q", stderr)
	}
}

func runConfigLint(t *testing.T, manifest string) (stdout, stderr, path string, code int) {
	t.Helper()
	dir := t.TempDir()
	path = filepath.Join(dir, "scenarios.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatalf("write scenarios: %v", err)
	}
	stdout, stderr, code = runCLI(t, "config", "lint", "--file", path)
	return stdout, stderr, path, code
}

func scenarioManifest(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}
