package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/tOgg1/scanfleet/internal/config"
	"github.com/tOgg1/scanfleet/internal/logging"
	"github.com/tOgg1/scanfleet/internal/models"
	"github.com/tOgg1/scanfleet/internal/ssh"
)

// Launcher errors.
var (
	ErrLocalNode  = errors.New("local nodes are launched through the container runtime")
	ErrRemoteNode = errors.New("remote nodes are launched over ssh")
)

// Launcher starts a job container on a node and returns its container id.
// Launches are fire-and-forget: the container runs detached.
type Launcher interface {
	Launch(ctx context.Context, node *models.Node, spec RunSpec) (string, error)
}

// DockerLauncher starts containers on the controller's own docker daemon.
type DockerLauncher struct {
	client client.APIClient
	logger zerolog.Logger
}

// NewDockerLauncher connects to the docker daemon from the environment.
func NewDockerLauncher() (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewDockerLauncherWithClient(cli), nil
}

// NewDockerLauncherWithClient wraps an existing docker client.
func NewDockerLauncherWithClient(cli client.APIClient) *DockerLauncher {
	return &DockerLauncher{client: cli, logger: logging.Component("launcher.docker")}
}

// Launch pulls the image, then creates and starts an auto-removed container.
func (l *DockerLauncher) Launch(ctx context.Context, node *models.Node, spec RunSpec) (string, error) {
	if !node.IsLocal {
		return "", ErrRemoteNode
	}

	reader, err := l.client.ImagePull(ctx, spec.Image, types.ImagePullOptions{})
	if err != nil {
		return "", fmt.Errorf("pull %s: %w", spec.Image, err)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	hostConfig := &container.HostConfig{
		AutoRemove: true,
		Binds:      spec.Binds,
	}
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := l.client.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Env:   spec.Env(),
		Cmd:   []string{"sh", "-c", spec.Entrypoint()},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", shortID(resp.ID), err)
	}

	l.logger.Info().Str("container", shortID(resp.ID)).Str("module", spec.Module).Msg("container started")
	return resp.ID, nil
}

// Close releases the docker client.
func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

// ExecutorFactory opens a shell executor for a remote node.
type ExecutorFactory func(node *models.Node) (ssh.Executor, error)

// SSHExecutorFactory builds executors from node credentials and defaults.
func SSHExecutorFactory(defaults config.NodeConfig) ExecutorFactory {
	return func(node *models.Node) (ssh.Executor, error) {
		return ssh.NewExecutor(defaults.SSHBackend, ssh.OptionsForNode(node, defaults))
	}
}

// SSHLauncher runs `docker run -d` on a remote node over one SSH connection.
type SSHLauncher struct {
	connect ExecutorFactory
	logger  zerolog.Logger
}

// NewSSHLauncher creates an SSHLauncher.
func NewSSHLauncher(connect ExecutorFactory) *SSHLauncher {
	return &SSHLauncher{connect: connect, logger: logging.Component("launcher.ssh")}
}

// Launch connects, starts the container and disconnects.
func (l *SSHLauncher) Launch(ctx context.Context, node *models.Node, spec RunSpec) (string, error) {
	if node.IsLocal {
		return "", ErrLocalNode
	}

	exec, err := l.connect(node)
	if err != nil {
		return "", err
	}
	defer exec.Close()

	cmd := spec.DockerRunCommand()
	l.logger.Debug().
		Int64("node_id", node.ID).
		Str("cmd", logging.RedactCommand(cmd)).
		Msg("running remote docker command")

	stdout, stderr, err := exec.Exec(ctx, cmd)
	if err != nil {
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			return "", fmt.Errorf("docker run on %s: %s: %w", node.Name, msg, err)
		}
		return "", fmt.Errorf("docker run on %s: %w", node.Name, err)
	}

	containerID := strings.TrimSpace(string(stdout))
	if i := strings.LastIndexByte(containerID, '\n'); i >= 0 {
		// --pull=always may print progress before the id.
		containerID = strings.TrimSpace(containerID[i+1:])
	}
	return containerID, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
