package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/tOgg1/scanfleet/internal/logging"
)

// DockerAPI is the part of the Docker client the updater uses.
type DockerAPI interface {
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRename(ctx context.Context, containerID, newName string) error
	ContainerUpdate(ctx context.Context, containerID string, updateConfig container.UpdateConfig) (container.ContainerUpdateOKBody, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	Close() error
}

// DockerUpdater replaces the agent's own container with one running a new
// image tag. The old container is renamed and left stopped once the process
// exits; Cleanup removes it on the next start.
type DockerUpdater struct {
	docker    DockerAPI
	image     string
	container string
	logger    zerolog.Logger
}

// NewDockerUpdater connects to the local Docker daemon. image is the agent
// image without tag; containerName identifies this agent's container and
// defaults to the hostname, which Docker sets to the container id.
func NewDockerUpdater(image, containerName string) (*DockerUpdater, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewDockerUpdaterWithClient(cli, image, containerName), nil
}

// NewDockerUpdaterWithClient uses an existing Docker client.
func NewDockerUpdaterWithClient(docker DockerAPI, image, containerName string) *DockerUpdater {
	if containerName == "" {
		containerName, _ = os.Hostname()
	}
	return &DockerUpdater{
		docker:    docker,
		image:     image,
		container: containerName,
		logger:    logging.Component("agent.updater"),
	}
}

// Close releases the Docker client.
func (u *DockerUpdater) Close() error {
	return u.docker.Close()
}

func (u *DockerUpdater) retiredName(name string) string {
	return name + "-old"
}

// Update pulls image:version and starts a replacement container with this
// container's configuration. The replacement is pinned to id so it does not
// register again under a new name. On success the caller must exit.
func (u *DockerUpdater) Update(ctx context.Context, version string, id Identity) error {
	ref := u.image + ":" + version

	reader, err := u.docker.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	self, err := u.docker.ContainerInspect(ctx, u.container)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", u.container, err)
	}
	if self.ContainerJSONBase == nil || self.Config == nil {
		return fmt.Errorf("inspect %s: incomplete container description", u.container)
	}

	name := strings.TrimPrefix(self.Name, "/")
	retired := u.retiredName(name)

	_ = u.docker.ContainerRemove(ctx, retired, types.ContainerRemoveOptions{Force: true})
	if err := u.docker.ContainerRename(ctx, self.ID, retired); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}

	cfg := *self.Config
	cfg.Image = ref
	cfg.Hostname = ""
	cfg.Env = replaceEnv(cfg.Env, "IMAGE_TAG", version)
	if id.NodeID > 0 {
		cfg.Env = replaceEnv(cfg.Env, "FLEET_AGENT_NODE_ID", strconv.FormatInt(id.NodeID, 10))
	}
	if id.Name != "" {
		cfg.Env = replaceEnv(cfg.Env, "FLEET_AGENT_NAME", id.Name)
	}

	created, err := u.docker.ContainerCreate(ctx, &cfg, self.HostConfig, nil, nil, name)
	if err != nil {
		u.rollback(ctx, self.ID, name)
		return fmt.Errorf("create replacement: %w", err)
	}

	restartPolicy := container.RestartPolicy{}
	if self.HostConfig != nil {
		restartPolicy = self.HostConfig.RestartPolicy
	}
	if _, err := u.docker.ContainerUpdate(ctx, self.ID, container.UpdateConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}); err != nil {
		u.logger.Warn().Err(err).Msg("could not disable restart policy on retiring container")
	}

	if err := u.docker.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		_ = u.docker.ContainerRemove(ctx, created.ID, types.ContainerRemoveOptions{Force: true})
		_, _ = u.docker.ContainerUpdate(ctx, self.ID, container.UpdateConfig{RestartPolicy: restartPolicy})
		u.rollback(ctx, self.ID, name)
		return fmt.Errorf("start replacement: %w", err)
	}

	u.logger.Info().
		Str("image", ref).
		Str("container", shortContainerID(created.ID)).
		Msg("replacement agent started")
	return nil
}

// Cleanup removes a container retired by a previous update.
func (u *DockerUpdater) Cleanup(ctx context.Context) error {
	self, err := u.docker.ContainerInspect(ctx, u.container)
	if err != nil || self.ContainerJSONBase == nil {
		return nil
	}
	retired := u.retiredName(strings.TrimPrefix(self.Name, "/"))
	if err := u.docker.ContainerRemove(ctx, retired, types.ContainerRemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove %s: %w", retired, err)
	}
	u.logger.Info().Str("container", retired).Msg("removed retired agent container")
	return nil
}

func (u *DockerUpdater) rollback(ctx context.Context, id, name string) {
	if err := u.docker.ContainerRename(ctx, id, name); err != nil {
		u.logger.Error().Err(err).Str("container", name).Msg("could not restore container name")
	}
}

func replaceEnv(env []string, key, value string) []string {
	out := make([]string, 0, len(env)+1)
	prefix := key + "="
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return append(out, prefix+value)
}

func shortContainerID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
