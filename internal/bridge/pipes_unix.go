//go:build !windows

package bridge

import (
	"fmt"
	"os"
)

type pipe struct {
	r, w *os.File
}

func (p pipe) close() {
	if p.r != nil {
		_ = p.r.Close()
	}
	if p.w != nil {
		_ = p.w.Close()
	}
}

// pipeSet holds the three pipes of one spawn. The child reads stdin.r and
// writes stdout.w and stderr.w; the parent keeps the other ends.
type pipeSet struct {
	stdin, stdout, stderr pipe
}

// createPipes creates the stdin, stdout and stderr pipes in that order. When
// one fails every pipe created before it is closed.
func createPipes() (*pipeSet, error) {
	set := &pipeSet{}
	names := []string{"stdin", "stdout", "stderr"}
	slots := []*pipe{&set.stdin, &set.stdout, &set.stderr}
	for i, slot := range slots {
		r, w, err := os.Pipe()
		if err != nil {
			for _, created := range slots[:i] {
				created.close()
			}
			return nil, fmt.Errorf("create child's %s pipe: %w", names[i], err)
		}
		*slot = pipe{r: r, w: w}
	}
	return set, nil
}

// childFiles returns the ends installed as the child's fd 0, 1 and 2.
func (s *pipeSet) childFiles() []*os.File {
	return []*os.File{s.stdin.r, s.stdout.w, s.stderr.w}
}

// closeChildEnds closes the ends the parent does not own. Called once the
// child holds its own duplicates, or when process creation failed.
func (s *pipeSet) closeChildEnds() {
	_ = s.stdin.r.Close()
	_ = s.stdout.w.Close()
	_ = s.stderr.w.Close()
}

func (s *pipeSet) closeParentEnds() {
	_ = s.stdin.w.Close()
	_ = s.stdout.r.Close()
	_ = s.stderr.r.Close()
}

func (s *pipeSet) parentEnds() Endpoints {
	return Endpoints{Stdin: s.stdin.w, Stdout: s.stdout.r, Stderr: s.stderr.r}
}
