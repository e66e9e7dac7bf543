// Command bridge is the desktop host's session-bridge process: it reads
// line-framed commands on stdin, speaks the vendor agent CLI's own
// line-framed protocol over a child process (local or containerized),
// and writes line-framed events to stdout. The command and event
// protocols run entirely over the three standard streams; the only
// listener is the optional localhost diagnostic HTTP server
// (server.enabled).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/agent/credentials"
	"github.com/kandev/agentbridge/internal/common/config"
	"github.com/kandev/agentbridge/internal/common/logger"
	"github.com/kandev/agentbridge/internal/dispatch"
	"github.com/kandev/agentbridge/internal/events/bus"
	"github.com/kandev/agentbridge/internal/mcpconfig"
	"github.com/kandev/agentbridge/internal/permission"
	"github.com/kandev/agentbridge/internal/process"
	"github.com/kandev/agentbridge/internal/protocol"
	"github.com/kandev/agentbridge/internal/registry"
	"github.com/kandev/agentbridge/internal/runtime"
	"github.com/kandev/agentbridge/internal/session"
	"github.com/kandev/agentbridge/internal/streamrouter"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger. Stdout is reserved for the event protocol, so
	// logs always go to stderr; logging.outputPath is not consulted.
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agent bridge")

	// 3. Root context, canceled on shutdown signal.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. stdout writer: every Response and Event this process emits goes
	// through one mutex-guarded line writer so they never interleave
	// mid-line.
	out := newLineWriter(os.Stdout)

	// 5. Event bus (memory by default; NATS when configured).
	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 6. Session registry: the persisted workspace -> sessions index.
	reg, err := registry.New(cfg.Registry.Path, log)
	if err != nil {
		log.Fatal("failed to initialize session registry", zap.Error(err))
	}

	watcher, err := registry.NewTranscriptWatcher(cfg.Registry.TranscriptsDir, time.Duration(cfg.Registry.DebounceMs)*time.Millisecond, func() {
		log.Debug("transcript directory changed")
	}, log)
	if err != nil {
		log.Warn("transcript watcher unavailable, continuing without it", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	// 7. Credentials: inherit the vendor CLI's API keys from the
	// environment.
	credsMgr := credentials.NewManager(log)
	credsMgr.AddProvider(credentials.NewEnvProvider(cfg.Credentials.EnvPrefix))
	if cfg.Credentials.File != "" {
		credsMgr.AddProvider(credentials.NewFileProvider(cfg.Credentials.File))
	}

	// 8. Permission handler: single process-wide table, emits
	// permission/request directly onto the stdout writer.
	permissions := permission.NewHandler(cfg.Permission.Timeout(), func(ev protocol.Event) { writeEvent(out, ev) }, log)

	// 9. Stream router: reconciliation state plus event-bus fan-out.
	router := streamrouter.NewRouter(eventBus, log)

	// 10. Runtime: local child process or containerized, per
	// runtime.mode.
	procFactory, dockerRt, err := newProcFactory(cfg, credsMgr, log)
	if err != nil {
		log.Fatal("failed to initialize runtime", zap.Error(err))
	}
	if dockerRt != nil {
		defer dockerRt.Close()
	}

	// 11. Session manager: the authoritative per-conversation table.
	sessions := session.NewManager(cfg.Process, procFactory, permissions, router, reg, log, func(ev protocol.Event) { writeEvent(out, ev) })

	// 12. MCP prober, shared across every session's mcpconfig.Manager.
	prober := mcpconfig.NewProber(time.Duration(cfg.MCP.ProbeTimeoutMs)*time.Millisecond, log)

	// 13. Dispatcher: the command protocol's sole entry point.
	disp := dispatch.New(sessions, permissions, prober, cfg, log)

	// 14. Optional diagnostic HTTP server (healthz/doctor) for the
	// desktop host to probe without going through the stdio protocol.
	var srv *diagnosticServer
	if cfg.Server.Enabled {
		srv, err = newDiagnosticServer(cfg, dockerRt, eventBus, log)
		if err != nil {
			log.Fatal("failed to initialize diagnostic server", zap.Error(err))
		}
		go srv.Run()
		defer srv.Shutdown(30 * time.Second)
	}

	writeEvent(out, protocol.NewEvent(protocol.EventBridgeConnected, "", "", protocol.BridgeConnectedPayload{
		Capabilities: []string{"streaming", "permissions", "rewind", "mcp"},
	}))

	// 15. Command loop: stdin is read on its own goroutine, but every
	// decoded Command is handed to a single command-worker goroutine that
	// calls Dispatcher.Handle sequentially and non-reentrantly, per the
	// one-task-serving-UI-originating-commands scheduling model. This is
	// also what makes Dispatcher.initialized safe to read/write without
	// its own lock: only this one goroutine ever touches it.
	var wg sync.WaitGroup
	stdinDone := make(chan struct{})
	cmds := make(chan protocol.Command, 64)

	wg.Add(1)
	go func() {
		defer wg.Done()
		runCommandWorker(ctx, disp, out, cmds, log)
	}()
	go readStdinLoop(os.Stdin, cmds, stdinDone, log)

	// 16. Wait for shutdown signal or stdin closing (the desktop host
	// exited).
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("shutdown signal received")
	case <-stdinDone:
		log.Info("stdin closed, shutting down")
	}

	// 17. Graceful shutdown: cancel all pending permissions, close every
	// session, then let deferred cleanup (registry flush is synchronous
	// per-call already, event bus, docker client) run out.
	cancel()
	permissions.CancelAll()
	sessions.CloseAll("bridge shutdown")
	wg.Wait()

	log.Info("agent bridge stopped")
}

func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.Events.Backend == "nats" {
		return bus.NewNATSEventBus(cfg.Events.NATSURL, log)
	}
	return bus.NewMemoryEventBus(log), nil
}

// newProcFactory returns the session.ProcFactory matching runtime.mode.
// Container mode additionally returns the DockerRuntime so main can Ping
// it at startup and Close it at shutdown; local mode returns a nil
// runtime.
func newProcFactory(cfg *config.Config, credsMgr *credentials.Manager, log *logger.Logger) (session.ProcFactory, *runtime.DockerRuntime, error) {
	processCfg := cfg.Process
	processCfg.Env = mergeCredentialEnv(processCfg.Env, credsMgr)

	if cfg.Runtime.Mode == "container" {
		dockerRt, err := runtime.NewDockerRuntime(cfg.Runtime.Docker, log)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dockerRt.Ping(pingCtx); err != nil {
			return nil, nil, fmt.Errorf("docker daemon unreachable: %w", err)
		}

		factory := func(ctx context.Context, cwd string) (process.AgentProcess, error) {
			name := fmt.Sprintf("agentbridge-%s", uuid.NewString())
			cp := runtime.NewContainerProcess(dockerRt, processCfg, cfg.Runtime.Image, cwd, name, processCfg.GraceDuration(), log)
			if err := cp.Start(ctx); err != nil {
				return nil, err
			}
			return cp, nil
		}
		return factory, dockerRt, nil
	}

	factory := func(ctx context.Context, cwd string) (process.AgentProcess, error) {
		return process.StartWithBackoff(ctx, applyCwd(processCfg, cwd), cwd, log)
	}
	return factory, nil, nil
}

// applyCwd is a no-op placeholder for config-level overrides that may
// depend on the workspace path (none currently do); kept so adding one
// later doesn't require touching every call site.
func applyCwd(cfg config.ProcessConfig, _ string) config.ProcessConfig { return cfg }

func mergeCredentialEnv(base map[string]string, credsMgr *credentials.Manager) map[string]string {
	env := make(map[string]string, len(base))
	for k, v := range base {
		env[k] = v
	}
	ctx := context.Background()
	for _, key := range credsMgr.ListAvailable(ctx) {
		if _, set := env[key]; set {
			continue
		}
		if cred, err := credsMgr.GetCredential(ctx, key); err == nil {
			env[key] = cred.Value
		}
	}
	return env
}

// readStdinLoop decodes one Command per line and hands it to cmds. It
// owns no dispatch state; it closes cmds and done once stdin reaches EOF
// or errors, regardless of ctx, since nothing short of the process
// exiting unblocks a pending stdin read.
func readStdinLoop(stdin *os.File, cmds chan<- protocol.Command, done chan struct{}, log *logger.Logger) {
	defer close(done)
	defer close(cmds)

	scanner := bufio.NewScanner(stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)

		var cmd protocol.Command
		if err := json.Unmarshal(cp, &cmd); err != nil {
			log.Warn("malformed command line, ignoring", zap.Error(err))
			continue
		}
		cmds <- cmd
	}

	if err := scanner.Err(); err != nil {
		log.Error("stdin read error", zap.Error(err))
	}
}

// runCommandWorker is the single task serving UI-originating commands:
// it calls Dispatcher.Handle sequentially and non-reentrantly, one
// Command at a time, in arrival order. Exits on ctx cancellation or once
// cmds is drained and closed, whichever comes first.
func runCommandWorker(ctx context.Context, disp *dispatch.Dispatcher, out *lineWriter, cmds <-chan protocol.Command, log *logger.Logger) {
	for {
		select {
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			resp := disp.Handle(ctx, cmd)
			if err := out.writeJSON(resp); err != nil {
				log.Warn("failed to write command response", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(out *lineWriter, ev protocol.Event) {
	if err := out.writeJSON(ev); err != nil {
		logger.Default().Warn("failed to write event", zap.Error(err), zap.String("type", ev.Type))
	}
}

// lineWriter serializes concurrent writers onto stdout, one JSON object
// per line, matching the framing internal/process.LocalProcess expects
// from the vendor on the other side of this same protocol shape.
type lineWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newLineWriter(f *os.File) *lineWriter {
	return &lineWriter{w: bufio.NewWriter(f)}
}

func (l *lineWriter) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(data); err != nil {
		return err
	}
	return l.w.Flush()
}
