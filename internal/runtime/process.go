package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/bridgeerrors"
	"github.com/kandev/agentbridge/internal/common/config"
	"github.com/kandev/agentbridge/internal/common/logger"
	"github.com/kandev/agentbridge/internal/process"
)

// ContainerProcess runs the vendor CLI inside a Docker container and
// satisfies process.AgentProcess identically to process.LocalProcess, so
// internal/session.Manager never knows which runtime backs a session,
// through the ProcFactory seam.
type ContainerProcess struct {
	rt     *DockerRuntime
	spec   ContainerSpec
	grace  time.Duration
	logger *logger.Logger

	containerID string
	streams     *AttachedStreams

	lines chan process.InboundLine
	errs  chan string

	mu     sync.Mutex
	closed bool
}

// NewContainerProcess builds a process supervisor that runs cfg.Command
// (with cfg.Args) as the container's command (Cmd) inside image img, bind
// mounting cwd read-write so the vendor CLI can edit the workspace.
func NewContainerProcess(rt *DockerRuntime, cfg config.ProcessConfig, img, cwd, name string, grace time.Duration, log *logger.Logger) *ContainerProcess {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	return &ContainerProcess{
		rt: rt,
		spec: ContainerSpec{
			Name:       name,
			Image:      img,
			Cmd:        append([]string{cfg.Command}, cfg.Args...),
			Env:        env,
			WorkingDir: cwd,
			Mounts:     []BindMount{{Source: cwd, Target: cwd, ReadOnly: false}},
			Labels:     map[string]string{"agentbridge.session": name},
		},
		grace:  grace,
		logger: log.WithFields(zap.String("component", "container-process"), zap.String("container", name)),
		lines:  make(chan process.InboundLine, 64),
		errs:   make(chan string, 64),
	}
}

var _ process.AgentProcess = (*ContainerProcess)(nil)

func (p *ContainerProcess) Start(ctx context.Context) error {
	if err := p.rt.PullImage(ctx, p.spec.Image); err != nil {
		p.logger.Warn("image pull failed, attempting create with local image", zap.Error(err))
	}

	id, err := p.rt.Create(ctx, p.spec)
	if err != nil {
		return bridgeerrors.SpawnFailed(p.spec.Image, err)
	}
	p.containerID = id

	if err := p.rt.Start(ctx, id); err != nil {
		return bridgeerrors.SpawnFailed(p.spec.Image, err)
	}

	streams, err := p.rt.Attach(ctx, id)
	if err != nil {
		return bridgeerrors.SpawnFailed(p.spec.Image, err)
	}
	p.streams = streams

	go p.demux()

	p.logger.Info("vendor container started", zap.String("container_id", id))
	return nil
}

// demux splits the multiplexed attach stream into stdout lines and
// stderr lines, mirroring process.LocalProcess's readLoop/errLoop split
// over Docker's single combined connection.
func (p *ContainerProcess) demux() {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		defer stdoutW.Close()
		defer stderrW.Close()
		if _, err := stdcopy.StdCopy(stdoutW, stderrW, p.streams.Reader); err != nil {
			p.logger.Debug("stdcopy demux ended", zap.Error(err))
		}
	}()

	go func() {
		defer close(p.errs)
		scanner := bufio.NewScanner(stderrR)
		for scanner.Scan() {
			p.errs <- scanner.Text()
		}
	}()

	defer close(p.lines)
	scanner := bufio.NewScanner(stdoutR)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		if !json.Valid(cp) {
			p.lines <- process.InboundLine{Err: bridgeerrors.ParseError("malformed line from vendor container", fmt.Errorf("invalid json"))}
			continue
		}
		p.lines <- process.InboundLine{Data: cp}
	}
}

func (p *ContainerProcess) Send(v interface{}) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || p.streams == nil {
		return bridgeerrors.Disconnected()
	}

	data, err := json.Marshal(v)
	if err != nil {
		return bridgeerrors.SerializationError(err)
	}
	data = append(data, '\n')

	if _, err := p.streams.Stdin.Write(data); err != nil {
		return bridgeerrors.Disconnected()
	}
	return nil
}

func (p *ContainerProcess) Stream() <-chan process.InboundLine { return p.lines }
func (p *ContainerProcess) Stderr() <-chan string              { return p.errs }

func (p *ContainerProcess) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.streams != nil && p.streams.Stdin != nil {
		_ = p.streams.Stdin.Close()
	}
	if p.containerID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()

	if err := p.rt.Stop(ctx, p.containerID, grace); err != nil {
		p.logger.Warn("container stop failed, forcing remove", zap.Error(err))
		_ = p.rt.Remove(ctx, p.containerID, true)
	}
	return nil
}
