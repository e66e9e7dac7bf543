package mcpconfig

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

// missingCommandDef deliberately fails fast in Prober.dial without
// spawning anything, so these tests exercise Manager's add/remove/diff
// bookkeeping without needing a real MCP server on PATH.
func missingCommandDef() ServerDef {
	return ServerDef{Type: ServerTypeStdio}
}

func TestManagerSetDiffsAddedAndRemoved(t *testing.T) {
	prober := NewProber(time.Second, testLogger(t))
	mgr := NewManager(map[string]ServerDef{"keep": missingCommandDef(), "drop": missingCommandDef()}, prober)

	added, removed, errs := mgr.Set(context.Background(), map[string]ServerDef{
		"keep": missingCommandDef(),
		"new":  missingCommandDef(),
	})

	assert.Equal(t, []string{"new"}, added)
	assert.Equal(t, []string{"drop"}, removed)
	assert.Contains(t, errs, "new", "a server missing its command must surface a probe error")
}

func TestManagerStatusReportsDisconnectedOnBadConfig(t *testing.T) {
	prober := NewProber(time.Second, testLogger(t))
	mgr := NewManager(map[string]ServerDef{"broken": missingCommandDef()}, prober)

	statuses := mgr.Status(context.Background())
	require.Len(t, statuses, 1)
	assert.Equal(t, "broken", statuses[0].Name)
	assert.False(t, statuses[0].Connected)
	assert.NotEmpty(t, statuses[0].Error)
}

func TestFromProtocolConvertsServerConfigs(t *testing.T) {
	in := map[string]protocol.McpServerConfig{
		"local": {Type: "stdio", Command: "some-mcp-server", Args: []string{"--flag"}, Env: map[string]string{"K": "V"}},
		"remote": {Type: "sse", URL: "https://example.invalid/mcp"},
	}

	out := FromProtocol(in)

	require.Contains(t, out, "local")
	assert.Equal(t, ServerTypeStdio, out["local"].Type)
	assert.Equal(t, "some-mcp-server", out["local"].Command)
	assert.Equal(t, []string{"--flag"}, out["local"].Args)
	assert.Equal(t, "V", out["local"].Env["K"])

	require.Contains(t, out, "remote")
	assert.Equal(t, ServerTypeSSE, out["remote"].Type)
	assert.Equal(t, "https://example.invalid/mcp", out["remote"].URL)
}
