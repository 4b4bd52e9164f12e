package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procbridge/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with scenario files",
	}
	cmd.AddCommand(newConfigLintCmd())
	return cmd
}

func newConfigLintCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Validate a scenario file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.Load(file)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return &exitError{code: 1}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d scenarios)\n", file, len(doc.Scenarios))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "scenarios.yaml", "Path to the scenario file")
	return cmd
}
