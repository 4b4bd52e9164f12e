package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procbridge/internal/bridge"
	"github.com/Paintersrp/procbridge/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	opts := worker.DefaultOptions()
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Act as the example child: read lines, answer on stdout and stderr, exit",
		Long: `worker reads --lines messages from stdin, writes "c1" followed by the
messages joined with spaces to stdout and stderr, then "c2" and "c3" to both,
lingers and exits with --exit-code.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent, err := bridge.New(bridge.RoleParent)
			if err != nil {
				return err
			}
			defer parent.Destroy()

			code, err := worker.Run(cmd.Context(), parent, opts)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "worker: %v\n", err)
			}
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Lines, "lines", opts.Lines, "Number of lines to read before answering")
	cmd.Flags().IntVar(&opts.ExitCode, "exit-code", opts.ExitCode, "Exit status")
	cmd.Flags().DurationVar(&opts.Linger, "linger", opts.Linger, "Time to wait after answering")
	return cmd
}
