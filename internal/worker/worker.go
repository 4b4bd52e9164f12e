// Package worker implements the cooperative example child: it reads a fixed
// number of lines from its parent, answers on both output streams, lingers
// and exits with a chosen code.
package worker

import (
	"context"
	"strings"
	"time"

	"github.com/Paintersrp/procbridge/internal/bridge"
	"github.com/Paintersrp/procbridge/internal/bridge/lineproto"
)

// Defaults reproduce the classic three-message exchange.
const (
	DefaultLines    = 3
	DefaultExitCode = 12
	DefaultLinger   = time.Second

	// ReceiveCapacity bounds each line read from the parent.
	ReceiveCapacity = 50

	// ExitCodeExchangeFailed replaces the chosen exit code when the exchange
	// with the parent breaks (EX_IOERR).
	ExitCodeExchangeFailed = 74
)

// Options configures a worker run.
type Options struct {
	Lines    int
	ExitCode int
	Linger   time.Duration
}

// DefaultOptions returns the options of the classic exchange.
func DefaultOptions() Options {
	return Options{Lines: DefaultLines, ExitCode: DefaultExitCode, Linger: DefaultLinger}
}

// Run performs the exchange through parent and returns the exit code the
// worker process should terminate with: opts.ExitCode, or
// ExitCodeExchangeFailed along with the error when a receive or send fails.
// The linger is cut short when ctx is cancelled.
func Run(ctx context.Context, parent *bridge.Process, opts Options) (int, error) {
	mb := lineproto.NewMailbox(ReceiveCapacity)

	parts := []string{"c1"}
	for i := 0; i < opts.Lines; i++ {
		if err := parent.ReceiveContext(ctx, mb); err != nil {
			return ExitCodeExchangeFailed, err
		}
		parts = append(parts, mb.String())
	}

	for _, msg := range []string{strings.Join(parts, " "), "c2", "c3"} {
		if err := parent.Send(msg); err != nil {
			return ExitCodeExchangeFailed, err
		}
		if err := parent.SendErr(msg); err != nil {
			return ExitCodeExchangeFailed, err
		}
	}

	if opts.Linger > 0 {
		timer := time.NewTimer(opts.Linger)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return opts.ExitCode, nil
}
