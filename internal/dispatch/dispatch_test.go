package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbridge/internal/common/config"
	"github.com/kandev/agentbridge/internal/common/logger"
	"github.com/kandev/agentbridge/internal/events/bus"
	"github.com/kandev/agentbridge/internal/mcpconfig"
	"github.com/kandev/agentbridge/internal/permission"
	"github.com/kandev/agentbridge/internal/process"
	"github.com/kandev/agentbridge/internal/protocol"
	"github.com/kandev/agentbridge/internal/registry"
	"github.com/kandev/agentbridge/internal/session"
	"github.com/kandev/agentbridge/internal/streamrouter"
)

// stubProcess is a no-op process.AgentProcess: enough for the
// dispatcher's own contract (params decode, method routing, error
// shaping) without exercising the session state machine itself, which
// internal/session/manager_test.go already covers.
type stubProcess struct {
	lines chan process.InboundLine
	errs  chan string
}

func newStubProcess() *stubProcess {
	return &stubProcess{lines: make(chan process.InboundLine), errs: make(chan string)}
}

func (s *stubProcess) Start(ctx context.Context) error      { return nil }
func (s *stubProcess) Send(v interface{}) error              { return nil }
func (s *stubProcess) Stream() <-chan process.InboundLine    { return s.lines }
func (s *stubProcess) Stderr() <-chan string                 { return s.errs }
func (s *stubProcess) Shutdown(grace time.Duration) error    { close(s.lines); return nil }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	router := streamrouter.NewRouter(eventBus, log)
	perms := permission.NewHandler(100*time.Millisecond, func(protocol.Event) {}, log)

	regPath := t.TempDir() + "/registry.json"
	reg, err := registry.New(regPath, log)
	require.NoError(t, err)

	factory := func(ctx context.Context, cwd string) (process.AgentProcess, error) { return newStubProcess(), nil }
	sessions := session.NewManager(config.ProcessConfig{GraceSeconds: 1}, factory, perms, router, reg, log, func(protocol.Event) {})

	prober := mcpconfig.NewProber(time.Second, log)
	cfg := &config.Config{}

	return New(sessions, perms, prober, cfg, log)
}

func cmd(id uint32, method string, params interface{}) protocol.Command {
	raw, _ := json.Marshal(params)
	return protocol.Command{ID: id, Method: method, Params: raw}
}

func TestDispatchRejectsMethodsBeforeInitialize(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), cmd(1, "session/start", map[string]string{"workspaceId": "w1", "cwd": "/tmp"}))
	assert.NotEmpty(t, resp.Error)
	assert.Nil(t, resp.Result)
}

func TestDispatchInitializeThenSessionStart(t *testing.T) {
	d := newTestDispatcher(t)

	initResp := d.Handle(context.Background(), cmd(1, "initialize", protocol.InitializeParams{
		ProtocolVersion: "1",
		ClientInfo:      protocol.ClientInfo{Name: "test", Version: "0.0.1"},
	}))
	require.Empty(t, initResp.Error)

	startResp := d.Handle(context.Background(), cmd(2, "session/start", map[string]string{"workspaceId": "w1", "cwd": "/tmp"}))
	require.Empty(t, startResp.Error)
	result, ok := startResp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, result["sessionId"], "pending-")
}

func TestDispatchSessionStartRequiresWorkspaceAndCwd(t *testing.T) {
	d := newTestDispatcher(t)
	d.initialized = true

	resp := d.Handle(context.Background(), cmd(1, "session/start", map[string]string{"workspaceId": "w1"}))
	assert.NotEmpty(t, resp.Error)
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := newTestDispatcher(t)
	d.initialized = true

	resp := d.Handle(context.Background(), cmd(1, "session/teleport", nil))
	assert.Contains(t, resp.Error, "method not found")
}

func TestDispatchModelAndCommandList(t *testing.T) {
	d := newTestDispatcher(t)
	d.initialized = true

	modelResp := d.Handle(context.Background(), cmd(1, "model/list", nil))
	require.Empty(t, modelResp.Error)
	models, ok := modelResp.Result.(map[string]interface{})["models"].([]protocol.ModelInfo)
	require.True(t, ok)
	assert.NotEmpty(t, models)

	cmdResp := d.Handle(context.Background(), cmd(2, "command/list", nil))
	require.Empty(t, cmdResp.Error)
	commands, ok := cmdResp.Result.(map[string]interface{})["commands"].([]protocol.SlashCommand)
	require.True(t, ok)
	assert.NotEmpty(t, commands)
}

func TestDispatchMalformedParamsReturnsError(t *testing.T) {
	d := newTestDispatcher(t)
	d.initialized = true

	resp := d.Handle(context.Background(), protocol.Command{ID: 1, Method: "session/start", Params: json.RawMessage(`{"workspaceId":`)})
	assert.NotEmpty(t, resp.Error)
}

func TestDispatchMessageSendEmptyIsNoOp(t *testing.T) {
	d := newTestDispatcher(t)
	d.initialized = true

	// sessionId refers to nothing live; if the empty-message guard didn't
	// short-circuit before reaching session.Manager.SendMessage, this
	// would come back as SessionNotFound instead of success.
	resp := d.Handle(context.Background(), cmd(1, "message/send", map[string]interface{}{
		"sessionId": "does-not-exist",
		"message":   "",
		"images":    []string{},
	}))
	require.Empty(t, resp.Error)
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, result["success"])
}

func TestDispatchMCPStatusUnknownSession(t *testing.T) {
	d := newTestDispatcher(t)
	d.initialized = true

	resp := d.Handle(context.Background(), cmd(1, "mcp/status", map[string]string{"sessionId": "does-not-exist"}))
	assert.NotEmpty(t, resp.Error)
}
