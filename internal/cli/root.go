package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procbridge/internal/bridge"
	"github.com/Paintersrp/procbridge/internal/bridge/container"
	"github.com/Paintersrp/procbridge/internal/bridge/lineproto"
	"github.com/Paintersrp/procbridge/internal/config"
)

// NewRootCmd returns the procbridge command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "procbridge",
		Short: "Spawn child processes and exchange line messages with them",
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newHarnessCmd())
	root.AddCommand(newConsoleCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the command tree with args and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintln(stderr, err)
	return 1
}

// exitError ends the process with a specific status and no message.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return "exit status " + strconv.Itoa(e.code)
}

// bridgeFlags are shared by the commands that spawn a single child.
type bridgeFlags struct {
	newline        string
	mailbox        int
	receiveTimeout time.Duration
	image          string
	dockerHost     string
	pull           bool
}

func (f *bridgeFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.newline, "newline", envOr(config.EnvNewline, "native"), "Line terminator for sent messages (native, lf, crlf)")
	flags.IntVar(&f.mailbox, "mailbox", lineproto.DefaultCapacity, "Maximum bytes received per line")
	flags.DurationVar(&f.receiveTimeout, "timeout", config.DefaultReceiveTimeout, "Receive timeout (0 blocks)")
	flags.StringVar(&f.image, "image", "", "Run the child in a container created from this image")
	flags.StringVar(&f.dockerHost, "docker-host", os.Getenv(config.EnvDockerHost), "Docker daemon address for --image")
	flags.BoolVar(&f.pull, "pull", false, "Pull --image before creating the container")
}

// newProcess creates a child-role instance from the flags. The returned
// cleanup releases the container backend, if any.
func (f *bridgeFlags) newProcess() (*bridge.Process, func(), error) {
	nl, err := lineproto.ParseNewline(f.newline)
	if err != nil {
		return nil, nil, err
	}
	opts := []bridge.Option{bridge.WithNewline(nl)}
	cleanup := func() {}
	if f.image != "" {
		backend, err := container.New(container.Options{Image: f.image, Host: f.dockerHost, Pull: f.pull})
		if err != nil {
			return nil, nil, fmt.Errorf("container backend: %w", err)
		}
		opts = append(opts, bridge.WithBackend(backend))
		cleanup = func() { _ = backend.Close() }
	}
	p, err := bridge.New(bridge.RoleChild, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return p, cleanup, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// joinCommandLine rebuilds a single command line from shell-split args.
// A lone argument is taken verbatim; otherwise arguments containing spaces
// are double-quoted.
func joinCommandLine(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	parts := make([]string, len(args))
	for i, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t") {
			arg = `"` + arg + `"`
		}
		parts[i] = arg
	}
	return strings.Join(parts, " ")
}

// selfCommand returns the quoted path of the running binary for use in
// command lines.
func selfCommand() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return `"` + exe + `"`, nil
}
