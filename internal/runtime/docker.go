// Package runtime lets a workspace run the vendor agent CLI inside a
// container instead of as a bare local process, selected by
// config.RuntimeConfig.Mode == "container". Trimmed to the subset the
// bridge's one-process-per-session model actually needs (no
// ListContainers/WaitContainer/GetContainerLogs — those would serve a
// fleet of long-running containers, not a single attached session
// process).
package runtime

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/common/config"
	"github.com/kandev/agentbridge/internal/common/logger"
)

// ContainerSpec describes the container one session's vendor process
// runs in.
type ContainerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Mounts     []BindMount
	Labels     map[string]string
}

// BindMount is one host-path-to-container-path bind mount (the
// workspace's cwd, typically read-write).
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerInfo is a snapshot of a container's lifecycle state, as
// returned by DockerRuntime.Info.
type ContainerInfo struct {
	ID       string
	State    string
	ExitCode int
}

// DockerRuntime wraps the Docker SDK client bound to config.DockerConfig.
type DockerRuntime struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewDockerRuntime dials the configured Docker daemon. It does not Ping;
// callers should call Ping before relying on the connection (the doctor
// command does this explicitly).
func NewDockerRuntime(cfg config.DockerConfig, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "container-runtime")),
	}, nil
}

func (r *DockerRuntime) Close() error { return r.cli.Close() }

func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// PullImage ensures spec.Image is present locally before Create is
// attempted, so a missing image surfaces as a named error instead of a
// cryptic create failure.
func (r *DockerRuntime) PullImage(ctx context.Context, img string) error {
	reader, err := r.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Create builds a container with stdin/stdout/stderr attached and no
// TTY, so the vendor's line-framed JSON protocol is not corrupted by
// terminal translation, whether the process is local or containerized.
func (r *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{Mounts: mounts, AutoRemove: true}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (r *DockerRuntime) Start(ctx context.Context, containerID string) error {
	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// Attach returns the multiplexed I/O streams for a running container.
// Stdout is a combined stdout+stderr stream (Tty is disabled); callers
// demultiplex it with github.com/docker/docker/pkg/stdcopy.
type AttachedStreams struct {
	Stdin  io.WriteCloser
	Reader io.Reader // multiplexed stdcopy stream
	Conn   net.Conn
}

func (r *DockerRuntime) Attach(ctx context.Context, containerID string) (*AttachedStreams, error) {
	resp, err := r.cli.ContainerAttach(ctx, containerID, container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container %s: %w", containerID, err)
	}

	stdinReader, stdinWriter := io.Pipe()
	go func() { io.Copy(resp.Conn, stdinReader) }()

	return &AttachedStreams{Stdin: stdinWriter, Reader: resp.Reader, Conn: resp.Conn}, nil
}

func (r *DockerRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	timeoutSeconds := int(grace.Seconds())
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

func (r *DockerRuntime) Remove(ctx context.Context, containerID string, force bool) error {
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// Info reports a container's current lifecycle state. The doctor
// diagnostic does not call it; it only pings the daemon.
func (r *DockerRuntime) Info(ctx context.Context, containerID string) (ContainerInfo, error) {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return ContainerInfo{ID: inspect.ID, State: inspect.State.Status, ExitCode: inspect.State.ExitCode}, nil
}
