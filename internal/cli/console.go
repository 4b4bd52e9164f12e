package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Paintersrp/procbridge/internal/tui"
)

var isTerminal = func(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func newConsoleCmd() *cobra.Command {
	var bf bridgeFlags
	cmd := &cobra.Command{
		Use:   "console [flags] -- COMMAND LINE",
		Short: "Drive a child interactively, one line at a time",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
				return errors.New("console requires an interactive terminal")
			}

			p, cleanup, err := bf.newProcess()
			if err != nil {
				return err
			}
			defer cleanup()
			defer p.Destroy()

			if err := p.SpawnContext(cmd.Context(), joinCommandLine(args)); err != nil {
				return fmt.Errorf("spawn: %w", err)
			}
			defer func() {
				if p.Running() {
					_ = p.Despawn()
				}
			}()

			ui := tui.New(p,
				tui.WithMailbox(bf.mailbox),
				tui.WithReceiveTimeout(bf.receiveTimeout),
			)
			if err := ui.Run(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "child %s: %s\n", p.ChildID(), p.Status())
			return nil
		},
	}
	bf.register(cmd)
	return cmd
}
