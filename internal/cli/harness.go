package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/Paintersrp/procbridge/internal/api/http"
	"github.com/Paintersrp/procbridge/internal/cliutil"
	"github.com/Paintersrp/procbridge/internal/config"
	"github.com/Paintersrp/procbridge/internal/harness"
)

var newMetricsServer = httpapi.NewServer

func newHarnessCmd() *cobra.Command {
	var (
		file        string
		scenarios   []string
		metricsAddr string
		jsonOut     bool
	)
	cmd := &cobra.Command{
		Use:   "harness",
		Short: "Run scripted conversations against child processes",
		Long: `harness runs the scenarios of a scenario file, or the built-in scenarios
exercising "procbridge worker" when no file is given, and exits with status 1
when any scenario iteration fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureSelfEnv(); err != nil {
				return err
			}
			doc, err := loadDocument(file)
			if err != nil {
				return err
			}
			return runHarness(cmd, doc, scenarios, metricsAddr, jsonOut)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to a scenario file (defaults to the built-in scenarios)")
	cmd.Flags().StringSliceVarP(&scenarios, "scenario", "s", nil, "Run only the named scenarios")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics and progress on this address while running")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the transcript as JSON records")
	return cmd
}

// ensureSelfEnv points PROCBRIDGE_SELF at the running binary unless the
// caller already set it.
func ensureSelfEnv() error {
	if _, ok := os.LookupEnv(config.SelfEnv); ok {
		return nil
	}
	self, err := selfCommand()
	if err != nil {
		return err
	}
	return os.Setenv(config.SelfEnv, self)
}

func loadDocument(path string) (*config.Document, error) {
	if path == "" {
		return config.Builtin()
	}
	return config.Load(path)
}

func runHarness(cmd *cobra.Command, doc *config.Document, names []string, metricsAddr string, jsonOut bool) error {
	out := cmd.OutOrStdout()
	events := make(chan harness.Event, 64)
	runner := harness.NewRunner(doc, harness.WithEvents(events))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		server, err := newMetricsServer(httpapi.Config{Addr: metricsAddr, Source: runner})
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := server.Run(gctx); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		fmt.Fprintf(cmd.ErrOrStderr(), "Metrics listening on %s\n", server.Addr())
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		var enc *json.Encoder
		if jsonOut {
			enc = json.NewEncoder(out)
		}
		for ev := range events {
			if enc != nil {
				cliutil.EncodeLogEvent(enc, cmd.ErrOrStderr(), ev)
				continue
			}
			fmt.Fprintln(out, cliutil.FormatEvent(ev))
		}
	}()

	var report *harness.Report
	g.Go(func() error {
		// Stop the metrics server once the scenarios are done.
		defer cancel()
		defer close(events)
		var err error
		report, err = runner.Run(gctx, names...)
		return err
	})

	err := g.Wait()
	<-printed
	if err != nil {
		return err
	}

	total := len(report.Results)
	if !jsonOut {
		fmt.Fprintf(out, "%d passed, %d failed (%d iterations)\n", report.Passed, report.Failed, total)
	}
	if !report.OK() {
		for _, res := range report.Failures() {
			fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %s[%d]: %v (%s)\n", res.Scenario, res.Iteration, res.Err, res.Duration.Round(time.Millisecond))
		}
		return fmt.Errorf("harness: %d of %d scenario iterations failed", report.Failed, total)
	}
	return nil
}
