package process

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
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestLocalProcessEchoRoundTrip(t *testing.T) {
	cfg := config.ProcessConfig{
		Command:      "cat",
		GraceSeconds: 2,
	}
	p := NewLocalProcess(cfg, ".", testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Start(ctx))

	require.NoError(t, p.Send(map[string]string{"hello": "world"}))

	select {
	case line := <-p.Stream():
		require.NoError(t, line.Err)
		var got map[string]string
		require.NoError(t, json.Unmarshal(line.Data, &got))
		assert.Equal(t, "world", got["hello"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed line")
	}

	require.NoError(t, p.Shutdown(time.Second))
}

func TestLocalProcessShutdownIdempotent(t *testing.T) {
	cfg := config.ProcessConfig{Command: "cat"}
	p := NewLocalProcess(cfg, ".", testLogger(t))
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Shutdown(time.Second))
	require.NoError(t, p.Shutdown(time.Second))
}

func TestLocalProcessSendAfterShutdownFails(t *testing.T) {
	cfg := config.ProcessConfig{Command: "cat"}
	p := NewLocalProcess(cfg, ".", testLogger(t))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Shutdown(time.Second))

	err := p.Send(map[string]string{"a": "b"})
	require.Error(t, err)
	assert.True(t, bridgeerrors.Is(err, bridgeerrors.CodeDisconnected))
}

func TestLocalProcessSpawnFailedForMissingBinary(t *testing.T) {
	cfg := config.ProcessConfig{Command: "definitely-not-a-real-binary-xyz"}
	p := NewLocalProcess(cfg, ".", testLogger(t))

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.True(t, bridgeerrors.Is(err, bridgeerrors.CodeSpawnFailed))
}
