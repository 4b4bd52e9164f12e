package api

import (
	"errors"
	"time"

	"github.com/Paintersrp/procbridge/internal/harness"
)

// ErrNoRun is returned when progress is requested before any run started.
var ErrNoRun = errors.New("no harness run in progress")

// ProgressSource exposes the results of a harness run while it executes.
type ProgressSource interface {
	Snapshot() (harness.Report, int)
}

// ResultReport describes one scenario iteration for API consumers.
type ResultReport struct {
	Scenario   string `json:"scenario"`
	Iteration  int    `json:"iteration"`
	Passed     bool   `json:"passed"`
	Error      string `json:"error,omitempty"`
	Child      string `json:"child,omitempty"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exitCode"`
	DurationMS int64  `json:"durationMs"`
}

// ProgressReport summarises a harness run.
type ProgressReport struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Planned     int            `json:"planned"`
	Completed   int            `json:"completed"`
	Passed      int            `json:"passed"`
	Failed      int            `json:"failed"`
	Results     []ResultReport `json:"results"`
}

// NewProgressReport converts a harness snapshot into its API form.
func NewProgressReport(report harness.Report, planned int) *ProgressReport {
	out := &ProgressReport{
		GeneratedAt: time.Now().UTC(),
		Planned:     planned,
		Completed:   len(report.Results),
		Passed:      report.Passed,
		Failed:      report.Failed,
		Results:     make([]ResultReport, 0, len(report.Results)),
	}
	for _, res := range report.Results {
		entry := ResultReport{
			Scenario:   res.Scenario,
			Iteration:  res.Iteration,
			Passed:     res.Passed,
			Child:      res.ChildID,
			Status:     res.Status.String(),
			ExitCode:   res.ExitCode,
			DurationMS: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
		out.Results = append(out.Results, entry)
	}
	return out
}
