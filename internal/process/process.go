// Package process supervises the vendor agent SDK child process: one
// instance per session, speaking line-framed JSON on stdin/stdout with
// stderr demultiplexed to a side channel. The writer and scanner run
// independently, and the contract covers the full start/send/stream/
// stderr/shutdown lifecycle rather than a single request/response call.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/bridgeerrors"
	"github.com/kandev/agentbridge/internal/common/config"
	"github.com/kandev/agentbridge/internal/common/logger"
)

// InboundLine is one line read from the child's stdout. A malformed line
// (Err set) is surfaced without closing the stream — only EOF/exit does.
type InboundLine struct {
	Data []byte
	Err  error
}

// AgentProcess is the contract one supervised child process satisfies.
// LocalProcess and (in internal/runtime) ContainerProcess both implement
// it.
type AgentProcess interface {
	Start(ctx context.Context) error
	Send(v interface{}) error
	Stream() <-chan InboundLine
	Stderr() <-chan string
	Shutdown(grace time.Duration) error
}

// LocalProcess runs the vendor CLI as a bare child process via os/exec.
type LocalProcess struct {
	cfg    config.ProcessConfig
	dir    string
	logger *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writeM sync.Mutex

	lines  chan InboundLine
	errs   chan string
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// NewLocalProcess creates a process supervisor bound to cfg, running the
// vendor CLI with dir as its working directory (the session's workspace
// cwd) so relative file operations resolve where the UI expects. Start
// must be called before Send/Stream/Stderr produce anything.
func NewLocalProcess(cfg config.ProcessConfig, dir string, log *logger.Logger) *LocalProcess {
	return &LocalProcess{
		cfg:    cfg,
		dir:    dir,
		logger: log.WithFields(zap.String("component", "agent-process")),
		lines:  make(chan InboundLine, 64),
		errs:   make(chan string, 64),
		done:   make(chan struct{}),
	}
}

// Start spawns the child, wiring stdin/stdout/stderr. Fails with
// bridgeerrors.SpawnFailed if the binary is missing or not executable.
func (p *LocalProcess) Start(ctx context.Context) error {
	args := append([]string{}, p.cfg.Args...)
	cmd := exec.CommandContext(ctx, p.cfg.Command, args...)
	cmd.Dir = p.dir
	// The child inherits the bridge's environment; cfg.Env entries are
	// appended after it, so they win for any key set in both.
	cmd.Env = os.Environ()
	for k, v := range p.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return bridgeerrors.SpawnFailed(p.cfg.Command, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return bridgeerrors.SpawnFailed(p.cfg.Command, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return bridgeerrors.SpawnFailed(p.cfg.Command, err)
	}

	if err := cmd.Start(); err != nil {
		return bridgeerrors.SpawnFailed(p.cfg.Command, err)
	}

	p.cmd = cmd
	p.stdin = stdin

	go p.readLoop(stdout)
	go p.errLoop(stderr)

	p.logger.Info("vendor process started",
		zap.String("command", p.cfg.Command),
		zap.Int("pid", cmd.Process.Pid))

	return nil
}

// Send serializes v as one JSON object followed by a newline. Writes are
// serialized by writeM so no two commands ever interleave on the wire.
func (p *LocalProcess) Send(v interface{}) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || p.stdin == nil {
		return bridgeerrors.Disconnected()
	}

	data, err := json.Marshal(v)
	if err != nil {
		return bridgeerrors.SerializationError(err)
	}
	data = append(data, '\n')

	p.writeM.Lock()
	defer p.writeM.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return bridgeerrors.Disconnected()
	}
	return nil
}

func (p *LocalProcess) Stream() <-chan InboundLine { return p.lines }
func (p *LocalProcess) Stderr() <-chan string       { return p.errs }

func (p *LocalProcess) readLoop(stdout io.Reader) {
	defer close(p.lines)

	scanner := bufio.NewScanner(stdout)
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
			p.lines <- InboundLine{Err: bridgeerrors.ParseError("malformed line from vendor process", fmt.Errorf("invalid json"))}
			continue
		}
		p.lines <- InboundLine{Data: cp}
	}

	if err := scanner.Err(); err != nil {
		p.logger.Error("stdout read loop error", zap.Error(err))
	}
	p.logger.Info("vendor process stdout closed")
}

func (p *LocalProcess) errLoop(stderr io.Reader) {
	defer close(p.errs)

	scanner := bufio.NewScanner(stderr)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		p.errs <- scanner.Text()
	}
}

// Shutdown closes stdin, waits up to grace for a clean exit, then kills
// the process. Idempotent: a second call is a no-op.
func (p *LocalProcess) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- p.cmd.Wait() }()

	select {
	case <-waitCh:
		return nil
	case <-time.After(grace):
		p.logger.Warn("vendor process did not exit within grace period, killing",
			zap.Duration("grace", grace))
		_ = p.cmd.Process.Kill()
		<-waitCh
		return nil
	}
}
