package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbridge/internal/bridgeerrors"
	"github.com/kandev/agentbridge/internal/common/config"
	"github.com/kandev/agentbridge/internal/common/logger"
	"github.com/kandev/agentbridge/internal/events/bus"
	"github.com/kandev/agentbridge/internal/permission"
	"github.com/kandev/agentbridge/internal/process"
	"github.com/kandev/agentbridge/internal/protocol"
	"github.com/kandev/agentbridge/internal/registry"
	"github.com/kandev/agentbridge/internal/streamrouter"
)

// fakeProcess is a minimal process.AgentProcess double: Send records
// every outbound value, Stream/Stderr are driven directly by the test
// pushing onto the channels it exposes.
type fakeProcess struct {
	sent      []interface{}
	lines     chan process.InboundLine
	errs      chan string
	shutdowns int
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		lines: make(chan process.InboundLine, 16),
		errs:  make(chan string, 4),
	}
}

func (f *fakeProcess) Start(ctx context.Context) error { return nil }
func (f *fakeProcess) Send(v interface{}) error {
	f.sent = append(f.sent, v)
	return nil
}
func (f *fakeProcess) Stream() <-chan process.InboundLine { return f.lines }
func (f *fakeProcess) Stderr() <-chan string               { return f.errs }
func (f *fakeProcess) Shutdown(grace time.Duration) error {
	f.shutdowns++
	close(f.lines)
	return nil
}

func (f *fakeProcess) pushInit(sessionID string) {
	data, _ := json.Marshal(protocol.SystemInitData{SessionID: sessionID, Model: "claude-sonnet-4-20250514"})
	update, _ := json.Marshal(protocol.SessionUpdate{Type: "system", Subtype: "init", Data: data})
	f.lines <- process.InboundLine{Data: update}
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestManager(t *testing.T, factory ProcFactory) (*Manager, func(protocol.Event) []protocol.Event) {
	t.Helper()
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	router := streamrouter.NewRouter(eventBus, log)
	perms := permission.NewHandler(100*time.Millisecond, func(protocol.Event) {}, log)

	regPath := t.TempDir() + "/registry.json"
	reg, err := registry.New(regPath, log)
	require.NoError(t, err)

	var emitted []protocol.Event
	mgr := NewManager(config.ProcessConfig{GraceSeconds: 1}, factory, perms, router, reg, log, func(ev protocol.Event) {
		emitted = append(emitted, ev)
	})
	return mgr, func(protocol.Event) []protocol.Event { return emitted }
}

func TestAtMostOneActiveSessionPerWorkspace(t *testing.T) {
	proc := newFakeProcess()
	factory := func(ctx context.Context, cwd string) (process.AgentProcess, error) { return proc, nil }
	mgr, _ := newTestManager(t, factory)

	_, err := mgr.Start(context.Background(), "w1", "/tmp/p", StartOptions{})
	require.NoError(t, err)

	_, err = mgr.Start(context.Background(), "w1", "/tmp/p", StartOptions{})
	require.Error(t, err)
	assert.True(t, bridgeerrors.Is(err, bridgeerrors.CodeWorkspaceBusy))
}

func TestIDPromotionMonotonicity(t *testing.T) {
	proc := newFakeProcess()
	factory := func(ctx context.Context, cwd string) (process.AgentProcess, error) { return proc, nil }
	mgr, _ := newTestManager(t, factory)

	pendingID, err := mgr.Start(context.Background(), "w1", "/tmp/p", StartOptions{})
	require.NoError(t, err)
	assert.Contains(t, pendingID, "pending-")

	proc.pushInit("real-session-1")

	require.Eventually(t, func() bool {
		_, ok := mgr.lookup("real-session-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	_, stillPending := mgr.lookup(pendingID)
	assert.False(t, stillPending, "routing must not use the stale pending key after promotion")

	err = mgr.SendMessage(pendingID, "m1", "hello", nil)
	assert.Error(t, err, "sending against the pre-promotion ID must fail once promoted")

	err = mgr.SendMessage("real-session-1", "m2", "hello", nil)
	assert.NoError(t, err)
}

func TestSendMessageEmptyIsNoOp(t *testing.T) {
	proc := newFakeProcess()
	factory := func(ctx context.Context, cwd string) (process.AgentProcess, error) { return proc, nil }
	mgr, _ := newTestManager(t, factory)

	// No session was ever started: if the empty-message-and-no-images
	// guard didn't short-circuit before the session lookup, this would
	// come back as SessionNotFound instead of succeeding as a no-op.
	err := mgr.SendMessage("does-not-exist", "m1", "", nil)
	assert.NoError(t, err)
}

func TestSendMessageToClosedSessionFails(t *testing.T) {
	proc := newFakeProcess()
	factory := func(ctx context.Context, cwd string) (process.AgentProcess, error) { return proc, nil }
	mgr, _ := newTestManager(t, factory)

	pendingID, err := mgr.Start(context.Background(), "w1", "/tmp/p", StartOptions{})
	require.NoError(t, err)

	require.NoError(t, mgr.Close(pendingID, "user"))
	assert.NoError(t, mgr.Close(pendingID, "user"), "Close must be idempotent")

	err = mgr.SendMessage(pendingID, "m1", "hello", nil)
	require.Error(t, err)
	assert.True(t, bridgeerrors.Is(err, bridgeerrors.CodeSessionNotFound))
}

func TestWorkspaceFreedAfterClose(t *testing.T) {
	factory := func(ctx context.Context, cwd string) (process.AgentProcess, error) { return newFakeProcess(), nil }
	mgr, _ := newTestManager(t, factory)

	id, err := mgr.Start(context.Background(), "w1", "/tmp/p", StartOptions{})
	require.NoError(t, err)
	require.NoError(t, mgr.Close(id, "user"))

	_, err = mgr.Start(context.Background(), "w1", "/tmp/p", StartOptions{})
	assert.NoError(t, err, "a workspace must accept a new session once the prior one closed")
}
