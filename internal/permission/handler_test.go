package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbridge/internal/common/logger"
	"github.com/kandev/agentbridge/internal/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestHandlerRespondAllow(t *testing.T) {
	var emitted []protocol.Event
	h := NewHandler(time.Minute, func(ev protocol.Event) { emitted = append(emitted, ev) }, testLogger(t))

	resultCh := make(chan protocol.PermissionDecision, 1)
	go func() {
		d, err := h.Request(context.Background(), "s1", "w1", protocol.PermissionRequest{ToolUseID: "t1", ToolName: "bash"})
		require.NoError(t, err)
		resultCh <- d
	}()

	require.Eventually(t, func() bool { return h.Pending() == 1 }, time.Second, time.Millisecond)

	ok := h.Respond("t1", "allow", "", map[string]string{"bash": "always"})
	assert.True(t, ok)

	select {
	case d := <-resultCh:
		assert.Equal(t, "allow", d.Behavior)
		assert.Equal(t, "t1", d.ToolUseID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decision")
	}

	require.Len(t, emitted, 1)
	assert.Equal(t, protocol.EventPermissionRequest, emitted[0].Type)
}

func TestHandlerRespondUnknownIDReturnsFalse(t *testing.T) {
	h := NewHandler(time.Minute, nil, testLogger(t))
	assert.False(t, h.Respond("nope", "allow", "", nil))
}

func TestHandlerRespondTwiceSecondFails(t *testing.T) {
	h := NewHandler(time.Minute, nil, testLogger(t))

	go func() { _, _ = h.Request(context.Background(), "s1", "w1", protocol.PermissionRequest{ToolUseID: "t2"}) }()
	require.Eventually(t, func() bool { return h.Pending() == 1 }, time.Second, time.Millisecond)

	assert.True(t, h.Respond("t2", "deny", "no", nil))
	assert.False(t, h.Respond("t2", "deny", "no", nil))
}

func TestHandlerTimeout(t *testing.T) {
	h := NewHandler(20*time.Millisecond, nil, testLogger(t))

	d, err := h.Request(context.Background(), "s1", "w1", protocol.PermissionRequest{ToolUseID: "t3"})
	require.NoError(t, err)
	assert.Equal(t, "deny", d.Behavior)
	assert.Equal(t, "Permission request timed out", d.Message)
	assert.Equal(t, 0, h.Pending())
}

func TestHandlerCancelForSession(t *testing.T) {
	h := NewHandler(time.Minute, nil, testLogger(t))

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Request(context.Background(), "s1", "w1", protocol.PermissionRequest{ToolUseID: "t4"})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return h.Pending() == 1 }, time.Second, time.Millisecond)

	h.CancelForSession("s1")

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rejection")
	}
	assert.Equal(t, 0, h.Pending())
}

func TestHandlerDuplicateRegistrationPanics(t *testing.T) {
	h := NewHandler(time.Minute, nil, testLogger(t))

	go func() { _, _ = h.Request(context.Background(), "s1", "w1", protocol.PermissionRequest{ToolUseID: "t5"}) }()
	require.Eventually(t, func() bool { return h.Pending() == 1 }, time.Second, time.Millisecond)

	assert.Panics(t, func() {
		_, _ = h.Request(context.Background(), "s1", "w1", protocol.PermissionRequest{ToolUseID: "t5"})
	})

	h.Respond("t5", "deny", "", nil)
}
