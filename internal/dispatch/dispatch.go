// Package dispatch implements the bridge's command protocol: one
// Dispatcher decodes each line read from stdin into a typed params
// struct, calls the owning subsystem (session.Manager, the permission
// Handler, or an mcpconfig.Manager), and returns the protocol.Command
// Response the stdin loop writes back. The decode-params/call-domain/
// marshal-result shape runs over stdio lines rather than HTTP routes;
// cmd/bridge's optional diagnostic HTTP server serves no commands.
package dispatch

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/bridgeerrors"
	"github.com/kandev/agentbridge/internal/common/config"
	"github.com/kandev/agentbridge/internal/common/logger"
	"github.com/kandev/agentbridge/internal/mcpconfig"
	"github.com/kandev/agentbridge/internal/permission"
	"github.com/kandev/agentbridge/internal/protocol"
	"github.com/kandev/agentbridge/internal/session"
)

// Dispatcher owns every command. One instance per bridge process. Handle
// is called only from the bridge's single command-worker goroutine
// (cmd/bridge's runCommandWorker), never concurrently with itself, so
// initialized needs no lock of its own.
type Dispatcher struct {
	sessions    *session.Manager
	permissions *permission.Handler
	prober      *mcpconfig.Prober
	models      []protocol.ModelInfo
	commands    []protocol.SlashCommand
	cfg         *config.Config
	logger      *logger.Logger

	initialized bool
}

// New wires a Dispatcher. models/commands are the bridge's static
// catalogs: model/list and command/list have no vendor RPC counterpart
// to query live, so the bridge answers from the built-in tables in
// defaultModels and defaultCommands; config is not consulted.
func New(sessions *session.Manager, permissions *permission.Handler, prober *mcpconfig.Prober, cfg *config.Config, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		sessions:    sessions,
		permissions: permissions,
		prober:      prober,
		models:      defaultModels(),
		commands:    defaultCommands(),
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "dispatcher")),
	}
}

// defaultModels lists the known model identifiers (e.g.
// "claude-sonnet-4-20250514") the bridge answers model/list with absent
// a live vendor catalog to query.
func defaultModels() []protocol.ModelInfo {
	return []protocol.ModelInfo{
		{ID: "claude-opus-4-1-20250805", DisplayName: "Claude Opus 4.1"},
		{ID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4"},
		{ID: "claude-3-5-haiku-20241022", DisplayName: "Claude Haiku 3.5"},
	}
}

func defaultCommands() []protocol.SlashCommand {
	return []protocol.SlashCommand{
		{Name: "/compact", Description: "Summarize and compact the conversation history"},
		{Name: "/clear", Description: "Clear the conversation and start fresh"},
		{Name: "/review", Description: "Review the working tree's pending changes"},
	}
}

// Handle decodes one inbound Command and returns its Response. It never
// panics on a malformed or unknown method — InvalidCommand and
// MethodNotFound both map onto CommandResponse.Error.
func (d *Dispatcher) Handle(ctx context.Context, cmd protocol.Command) protocol.CommandResponse {
	if !d.initialized && cmd.Method != "initialize" && cmd.Method != "session/close" {
		return protocol.NewErrorResponse(cmd.ID, "initialize must precede all non-close methods")
	}

	switch cmd.Method {
	case "initialize":
		return d.handleInitialize(cmd)
	case "session/start":
		return d.handleSessionStart(ctx, cmd)
	case "session/resume":
		return d.handleSessionResume(ctx, cmd)
	case "session/close":
		return d.handleSessionClose(cmd)
	case "session/rewind":
		return d.handleSessionRewind(cmd)
	case "message/send":
		return d.handleMessageSend(cmd)
	case "message/interrupt":
		return d.handleMessageInterrupt(cmd)
	case "permission/respond":
		return d.handlePermissionRespond(cmd)
	case "model/list":
		return d.handleModelList(cmd)
	case "model/set":
		return d.handleModelSet(cmd)
	case "command/list":
		return d.handleCommandList(cmd)
	case "mcp/status":
		return d.handleMCPStatus(ctx, cmd)
	case "mcp/set":
		return d.handleMCPSet(ctx, cmd)
	default:
		return protocol.NewErrorResponse(cmd.ID, "method not found: "+cmd.Method)
	}
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func errResponse(id uint32, err error) protocol.CommandResponse {
	return protocol.NewErrorResponse(id, err.Error())
}

func (d *Dispatcher) handleInitialize(cmd protocol.Command) protocol.CommandResponse {
	var params protocol.InitializeParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("malformed initialize params: "+err.Error()))
	}
	d.initialized = true
	d.logger.Info("bridge initialized", zap.String("client", params.ClientInfo.Name), zap.String("client_version", params.ClientInfo.Version))
	return protocol.NewResult(cmd.ID, map[string]interface{}{
		"capabilities": []string{"streaming", "permissions", "rewind", "mcp"},
	})
}
