// Package container runs bridge children inside containers through the Docker
// Engine API. Podman is supported through its Docker-compatible socket.
//
// The child's standard streams are reached through a hijacked attach
// connection: stdin writes go to the connection, and the multiplexed
// stdout/stderr stream is split into two independently buffered readers.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/Paintersrp/procbridge/internal/bridge"
	"github.com/Paintersrp/procbridge/internal/bridge/cmdline"
)

const (
	// BackendName labels metrics and transcripts of containerised children.
	BackendName = "docker"

	managedLabel = "io.procbridge.managed"

	defaultPingAttempts = 3
	removeTimeout       = 30 * time.Second
)

// Options configures the container backend.
type Options struct {
	// Image the child runs in. Required.
	Image string
	// Host is the daemon address; empty uses DOCKER_HOST and friends.
	Host string
	// Pull fetches the image when it is missing locally.
	Pull bool
	// Limits caps the child's resources.
	Limits Limits
	// PingAttempts bounds how often the daemon is pinged before Start gives
	// up. Zero selects a small default.
	PingAttempts int
}

// Backend starts one container per spawned child.
type Backend struct {
	opts      Options
	resources dockercontainer.Resources

	clientOnce sync.Once
	client     client.APIClient
	clientErr  error
}

// New validates opts and returns a backend. The daemon is contacted lazily on
// the first Start.
func New(opts Options) (*Backend, error) {
	if strings.TrimSpace(opts.Image) == "" {
		return nil, errors.New("container image is required")
	}
	res, err := opts.Limits.Resources()
	if err != nil {
		return nil, err
	}
	if opts.PingAttempts <= 0 {
		opts.PingAttempts = defaultPingAttempts
	}
	return &Backend{opts: opts, resources: res}, nil
}

// Name implements bridge.Backend.
func (b *Backend) Name() string {
	return BackendName
}

// Close releases the daemon connection.
func (b *Backend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *Backend) getClient() (client.APIClient, error) {
	b.clientOnce.Do(func() {
		opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if b.opts.Host != "" {
			opts = append(opts, client.WithHost(b.opts.Host))
		}
		cli, err := client.NewClientWithOpts(opts...)
		if err != nil {
			b.clientErr = err
			return
		}
		b.client = cli
	})
	return b.client, b.clientErr
}

// Start creates a container running commandLine, attaches to its standard
// streams and starts it.
func (b *Backend) Start(ctx context.Context, commandLine string) (bridge.Child, error) {
	argv, err := cmdline.ExtractArgv(commandLine)
	if err != nil {
		return nil, fmt.Errorf("extract arguments from command line: %w", err)
	}
	if len(argv) == 0 {
		return nil, cmdline.ErrEmptyCommand
	}

	cli, err := b.getClient()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if err := pingDaemon(ctx, cli, b.opts.PingAttempts); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	if b.opts.Pull {
		if err := ensureImage(ctx, cli, b.opts.Image); err != nil {
			return nil, err
		}
	}

	cfg, hostCfg := buildConfigs(b.opts.Image, argv, b.resources)
	name := "procbridge-" + uuid.NewString()
	created, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}
	id := created.ID

	hijack, err := cli.ContainerAttach(ctx, id, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		removeContainer(cli, id)
		return nil, fmt.Errorf("container attach: %w", err)
	}

	// Registered before start so a child exiting immediately is not missed.
	waitCtx, waitCancel := context.WithCancel(context.Background())
	statusCh, errCh := cli.ContainerWait(waitCtx, id, dockercontainer.WaitConditionNextExit)

	if err := cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		waitCancel()
		hijack.Close()
		removeContainer(cli, id)
		return nil, fmt.Errorf("container start: %w", err)
	}

	child := newContainerChild(cli, id, hijack)
	child.statusCh = statusCh
	child.errCh = errCh
	child.waitCancel = waitCancel
	return child, nil
}

func buildConfigs(image string, argv []string, res dockercontainer.Resources) (*dockercontainer.Config, *dockercontainer.HostConfig) {
	cfg := &dockercontainer.Config{
		Image:        image,
		Cmd:          strslice.StrSlice(append([]string(nil), argv...)),
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		StdinOnce:    true,
		Tty:          false,
		Labels:       map[string]string{managedLabel: "true"},
	}
	host := &dockercontainer.HostConfig{Resources: res}
	return cfg, host
}

func pingDaemon(ctx context.Context, cli client.APIClient, attempts int) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		_, err := cli.Ping(pingCtx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func ensureImage(ctx context.Context, cli client.APIClient, imageName string) error {
	_, _, err := cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}
	reader, err := cli.ImagePull(ctx, imageName, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func removeContainer(cli client.APIClient, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	err := cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

type containerChild struct {
	cli    client.APIClient
	id     string
	hijack types.HijackedResponse
	ends   bridge.Endpoints

	statusCh   <-chan dockercontainer.WaitResponse
	errCh      <-chan error
	waitCancel context.CancelFunc

	copyDone chan struct{}

	mu     sync.Mutex
	killed bool

	releaseOnce sync.Once
	releaseErr  error
}

func newContainerChild(cli client.APIClient, id string, hijack types.HijackedResponse) *containerChild {
	stdout := newStreamBuffer()
	stderr := newStreamBuffer()
	c := &containerChild{
		cli:      cli,
		id:       id,
		hijack:   hijack,
		copyDone: make(chan struct{}),
		ends: bridge.Endpoints{
			Stdin:  &attachedStdin{hijack: hijack},
			Stdout: stdout,
			Stderr: stderr,
		},
	}
	go func() {
		defer close(c.copyDone)
		_, err := stdcopy.StdCopy(stdout, stderr, hijack.Reader)
		stdout.CloseWithError(err)
		stderr.CloseWithError(err)
	}()
	return c
}

func (c *containerChild) ID() string {
	if len(c.id) > 12 {
		return c.id[:12]
	}
	return c.id
}

func (c *containerChild) Endpoints() bridge.Endpoints {
	return c.ends
}

func (c *containerChild) Kill() error {
	err := c.cli.ContainerKill(context.Background(), c.id, "KILL")
	if err != nil && !client.IsErrNotFound(err) && !errdefs.IsConflict(err) {
		return fmt.Errorf("container kill: %w", err)
	}
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	return nil
}

func (c *containerChild) Wait() (bridge.ExitStatus, error) {
	select {
	case err := <-c.errCh:
		return bridge.ExitStatus{}, fmt.Errorf("container wait: %w", err)
	case resp := <-c.statusCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return bridge.ExitStatus{}, fmt.Errorf("container wait: %s", resp.Error.Message)
		}
		c.mu.Lock()
		killed := c.killed
		c.mu.Unlock()
		if killed {
			return bridge.ExitStatus{Code: bridge.ExitCodeAbnormal, Abnormal: true, Reason: "container killed"}, nil
		}
		return bridge.ExitStatus{Code: int(resp.StatusCode)}, nil
	}
}

// Release detaches from the container, stops the demultiplexer and removes
// the container.
func (c *containerChild) Release() error {
	c.releaseOnce.Do(func() {
		c.hijack.Close()
		<-c.copyDone
		_ = c.ends.Stdout.Close()
		_ = c.ends.Stderr.Close()
		c.waitCancel()
		c.releaseErr = removeContainer(c.cli, c.id)
	})
	return c.releaseErr
}

// attachedStdin writes to the attach connection; Close half-closes it so the
// child sees end of file.
type attachedStdin struct {
	hijack types.HijackedResponse

	once sync.Once
	err  error
}

func (s *attachedStdin) Write(p []byte) (int, error) {
	return s.hijack.Conn.Write(p)
}

func (s *attachedStdin) Close() error {
	s.once.Do(func() {
		s.err = s.hijack.CloseWrite()
	})
	return s.err
}
