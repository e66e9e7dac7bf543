package dispatch

import (
	"context"

	"github.com/google/uuid"

	"github.com/kandev/agentbridge/internal/bridgeerrors"
	"github.com/kandev/agentbridge/internal/mcpconfig"
	"github.com/kandev/agentbridge/internal/protocol"
	"github.com/kandev/agentbridge/internal/session"
)

type sessionStartParams struct {
	WorkspaceID             string            `json:"workspaceId"`
	Cwd                     string            `json:"cwd"`
	Model                   string            `json:"model,omitempty"`
	PermissionMode          string            `json:"permissionMode,omitempty"`
	ClaudeCodeBin           string            `json:"claudeCodeBin,omitempty"`
	EnableFileCheckpointing bool              `json:"enableFileCheckpointing,omitempty"`
	MCPServers              map[string]string `json:"mcpServers,omitempty"`
	Plugins                 []string          `json:"plugins,omitempty"`
	Agents                  []string          `json:"agents,omitempty"`
}

func (d *Dispatcher) handleSessionStart(ctx context.Context, cmd protocol.Command) protocol.CommandResponse {
	var p sessionStartParams
	if err := decodeParams(cmd.Params, &p); err != nil {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("malformed session/start params: "+err.Error()))
	}
	if p.WorkspaceID == "" || p.Cwd == "" {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("session/start requires workspaceId and cwd"))
	}

	sessionID, err := d.sessions.Start(ctx, p.WorkspaceID, p.Cwd, session.StartOptions{
		Model:                   p.Model,
		PermissionMode:          p.PermissionMode,
		ClaudeCodeBin:           p.ClaudeCodeBin,
		EnableFileCheckpointing: p.EnableFileCheckpointing,
		MCPServers:              p.MCPServers,
		Plugins:                 p.Plugins,
		Agents:                  p.Agents,
	})
	if err != nil {
		return errResponse(cmd.ID, err)
	}

	d.sessions.InitMCP(sessionID, stdioServerDefs(p.MCPServers), d.prober)

	return protocol.NewResult(cmd.ID, map[string]interface{}{"sessionId": sessionID})
}

// stdioServerDefs converts session/start's mcpServers (name -> launch
// command, mirroring protocol.SessionNewParams.MCPServers) into
// mcpconfig.ServerDef values the Prober can dial. Richer configs
// (sse/http, env, args) are introduced later via mcp/set.
func stdioServerDefs(servers map[string]string) map[string]mcpconfig.ServerDef {
	out := make(map[string]mcpconfig.ServerDef, len(servers))
	for name, command := range servers {
		out[name] = mcpconfig.ServerDef{Type: mcpconfig.ServerTypeStdio, Command: command}
	}
	return out
}

type sessionResumeParams struct {
	WorkspaceID   string `json:"workspaceId"`
	SessionID     string `json:"sessionId"`
	Cwd           string `json:"cwd"`
	ClaudeCodeBin string `json:"claudeCodeBin,omitempty"`
}

func (d *Dispatcher) handleSessionResume(ctx context.Context, cmd protocol.Command) protocol.CommandResponse {
	var p sessionResumeParams
	if err := decodeParams(cmd.Params, &p); err != nil {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("malformed session/resume params: "+err.Error()))
	}
	if p.WorkspaceID == "" || p.SessionID == "" || p.Cwd == "" {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("session/resume requires workspaceId, sessionId, and cwd"))
	}

	if err := d.sessions.Resume(ctx, p.WorkspaceID, p.SessionID, p.Cwd); err != nil {
		return errResponse(cmd.ID, err)
	}
	d.sessions.InitMCP(p.SessionID, nil, d.prober)
	return protocol.NewResult(cmd.ID, map[string]interface{}{"success": true})
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

func (d *Dispatcher) handleSessionClose(cmd protocol.Command) protocol.CommandResponse {
	var p sessionIDParams
	if err := decodeParams(cmd.Params, &p); err != nil {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("malformed session/close params: "+err.Error()))
	}
	if err := d.sessions.Close(p.SessionID, "user"); err != nil {
		return errResponse(cmd.ID, err)
	}
	return protocol.NewResult(cmd.ID, map[string]interface{}{"success": true})
}

type sessionRewindParams struct {
	SessionID     string `json:"sessionId"`
	UserMessageID string `json:"userMessageId"`
	DryRun        bool   `json:"dryRun,omitempty"`
}

func (d *Dispatcher) handleSessionRewind(cmd protocol.Command) protocol.CommandResponse {
	var p sessionRewindParams
	if err := decodeParams(cmd.Params, &p); err != nil {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("malformed session/rewind params: "+err.Error()))
	}
	if p.SessionID == "" || p.UserMessageID == "" {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("session/rewind requires sessionId and userMessageId"))
	}

	result, err := d.sessions.Rewind(p.SessionID, p.UserMessageID)
	if err != nil {
		return errResponse(cmd.ID, err)
	}

	resp := map[string]interface{}{"canRewind": result.CanRewind}
	if result.Error != "" {
		resp["error"] = result.Error
	}
	if result.CanRewind {
		resp["filesChanged"] = result.FilesChanged
		resp["insertions"] = result.Insertions
		resp["deletions"] = result.Deletions
	}
	return protocol.NewResult(cmd.ID, resp)
}

type messageSendParams struct {
	SessionID   string   `json:"sessionId"`
	WorkspaceID string   `json:"workspaceId"`
	Message     string   `json:"message"`
	Images      []string `json:"images,omitempty"`
	MessageID   string   `json:"messageId,omitempty"`
}

func (d *Dispatcher) handleMessageSend(cmd protocol.Command) protocol.CommandResponse {
	var p messageSendParams
	if err := decodeParams(cmd.Params, &p); err != nil {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("malformed message/send params: "+err.Error()))
	}
	if p.SessionID == "" {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("message/send requires sessionId"))
	}
	if p.Message == "" && len(p.Images) == 0 {
		return protocol.NewResult(cmd.ID, map[string]interface{}{"success": true})
	}

	messageID := p.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	var attachments []session.Attachment
	for _, img := range p.Images {
		attachments = append(attachments, session.Attachment{Data: img})
	}

	if err := d.sessions.SendMessage(p.SessionID, messageID, p.Message, attachments); err != nil {
		return errResponse(cmd.ID, err)
	}
	return protocol.NewResult(cmd.ID, map[string]interface{}{"success": true})
}

func (d *Dispatcher) handleMessageInterrupt(cmd protocol.Command) protocol.CommandResponse {
	var p sessionIDParams
	if err := decodeParams(cmd.Params, &p); err != nil {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("malformed message/interrupt params: "+err.Error()))
	}
	if err := d.sessions.Interrupt(p.SessionID, "user"); err != nil {
		return errResponse(cmd.ID, err)
	}
	return protocol.NewResult(cmd.ID, map[string]interface{}{"success": true})
}

type permissionRespondParams struct {
	SessionID          string            `json:"sessionId"`
	ToolUseID          string            `json:"toolUseId"`
	Decision           string            `json:"decision"`
	Message            string            `json:"message,omitempty"`
	UpdatedPermissions map[string]string `json:"updatedPermissions,omitempty"`
}

func (d *Dispatcher) handlePermissionRespond(cmd protocol.Command) protocol.CommandResponse {
	var p permissionRespondParams
	if err := decodeParams(cmd.Params, &p); err != nil {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("malformed permission/respond params: "+err.Error()))
	}
	ok := d.permissions.Respond(p.ToolUseID, p.Decision, p.Message, p.UpdatedPermissions)
	return protocol.NewResult(cmd.ID, map[string]interface{}{"success": ok})
}

func (d *Dispatcher) handleModelList(cmd protocol.Command) protocol.CommandResponse {
	return protocol.NewResult(cmd.ID, map[string]interface{}{"models": d.models})
}

type modelSetParams struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

// handleModelSet forwards the new model choice to the vendor process as
// an ad hoc stdin message, the same pattern internal/session.Manager
// already uses to deliver permission_response — there is no JSON-RPC
// method for this in the vendor's request/response half, only its own
// session/update stream, so the bridge pushes it the same way it pushes
// permission decisions.
func (d *Dispatcher) handleModelSet(cmd protocol.Command) protocol.CommandResponse {
	var p modelSetParams
	if err := decodeParams(cmd.Params, &p); err != nil {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("malformed model/set params: "+err.Error()))
	}
	if p.SessionID == "" || p.Model == "" {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("model/set requires sessionId and model"))
	}
	if err := d.sessions.SendRaw(p.SessionID, map[string]interface{}{"type": "model_set", "model": p.Model}); err != nil {
		return errResponse(cmd.ID, err)
	}
	return protocol.NewResult(cmd.ID, map[string]interface{}{"success": true})
}

func (d *Dispatcher) handleCommandList(cmd protocol.Command) protocol.CommandResponse {
	return protocol.NewResult(cmd.ID, map[string]interface{}{"commands": d.commands})
}

func (d *Dispatcher) handleMCPStatus(ctx context.Context, cmd protocol.Command) protocol.CommandResponse {
	var p sessionIDParams
	if err := decodeParams(cmd.Params, &p); err != nil {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("malformed mcp/status params: "+err.Error()))
	}
	mgr, ok := d.sessions.MCP(p.SessionID)
	if !ok {
		return errResponse(cmd.ID, bridgeerrors.SessionNotFound(p.SessionID))
	}
	return protocol.NewResult(cmd.ID, map[string]interface{}{"servers": mgr.Status(ctx)})
}

type mcpSetParams struct {
	SessionID string                            `json:"sessionId"`
	Servers   map[string]protocol.McpServerConfig `json:"servers"`
}

func (d *Dispatcher) handleMCPSet(ctx context.Context, cmd protocol.Command) protocol.CommandResponse {
	var p mcpSetParams
	if err := decodeParams(cmd.Params, &p); err != nil {
		return errResponse(cmd.ID, bridgeerrors.InvalidCommand("malformed mcp/set params: "+err.Error()))
	}
	mgr, ok := d.sessions.MCP(p.SessionID)
	if !ok {
		return errResponse(cmd.ID, bridgeerrors.SessionNotFound(p.SessionID))
	}

	added, removed, errs := mgr.Set(ctx, mcpconfig.FromProtocol(p.Servers))
	return protocol.NewResult(cmd.ID, map[string]interface{}{
		"added":   added,
		"removed": removed,
		"errors":  errs,
	})
}
