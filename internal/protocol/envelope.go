package protocol

import (
	"encoding/json"
	"time"
)

// Command is one inbound line on the bridge's stdin.
type Command struct {
	ID     uint32          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// CommandResponse answers a Command with the same ID. Exactly one of
// Result/Error is populated.
type CommandResponse struct {
	ID     uint32      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// NewResult builds a successful CommandResponse.
func NewResult(id uint32, result interface{}) CommandResponse {
	return CommandResponse{ID: id, Result: result}
}

// NewErrorResponse builds a failed CommandResponse.
func NewErrorResponse(id uint32, message string) CommandResponse {
	return CommandResponse{ID: id, Error: message}
}

// Event is one outbound line on the bridge's stdout. Payload's shape
// depends on Type; see the *Payload structs below.
type Event struct {
	Type        string      `json:"type"`
	SessionID   string      `json:"sessionId,omitempty"`
	WorkspaceID string      `json:"workspaceId,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Payload     interface{} `json:"payload"`
}

// Event type discriminants.
const (
	EventSessionStarted     = "session/started"
	EventSessionClosed      = "session/closed"
	EventMessageDelta       = "message/delta"
	EventMessageComplete    = "message/complete"
	EventToolStarted        = "tool/started"
	EventToolProgress       = "tool/progress"
	EventToolCompleted      = "tool/completed"
	EventPermissionRequest  = "permission/request"
	EventResult             = "result"
	EventError              = "error"
	EventBridgeStderr       = "bridge/stderr"
	EventBridgeConnected    = "bridge/connected"
)

func NewEvent(eventType, sessionID, workspaceID string, payload interface{}) Event {
	return Event{
		Type:        eventType,
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}

// SessionStartedPayload answers the system/init promotion.
type SessionStartedPayload struct {
	SessionID      string   `json:"sessionId"`
	Model          string   `json:"model"`
	Tools          []string `json:"tools"`
	Cwd            string   `json:"cwd"`
	Version        string   `json:"version"`
	PermissionMode string   `json:"permissionMode"`
	MCPServers     []string `json:"mcpServers,omitempty"`
}

// SessionClosedPayload gives the UI the reason a session left the table.
type SessionClosedPayload struct {
	Reason string `json:"reason"` // user, completed, error
}

// MessageDeltaPayload is one reconciled streaming fragment.
type MessageDeltaPayload struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"` // reconciled full text so far, not just the fragment
}

// MessageCompletePayload finalizes an assistant message.
type MessageCompletePayload struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

// ToolPayload covers tool/started, tool/progress, tool/completed.
type ToolPayload struct {
	ToolUseID      string      `json:"toolUseId"`
	ToolName       string      `json:"toolName"`
	Status         string      `json:"status"` // running, completed, failed
	Input          interface{} `json:"input,omitempty"`
	Output         interface{} `json:"output,omitempty"`
	ElapsedSeconds float64     `json:"elapsedSeconds,omitempty"`
}

// PermissionRequestPayload mirrors the vendor's callback arguments to the
// UI so it can render an approval prompt.
type PermissionRequestPayload struct {
	ToolUseID      string      `json:"toolUseId"`
	ToolName       string      `json:"toolName"`
	Input          interface{} `json:"input"`
	Suggestions    []string    `json:"suggestions,omitempty"`
	BlockedPath    string      `json:"blockedPath,omitempty"`
	DecisionReason string      `json:"decisionReason,omitempty"`
}

// ResultPayload is the terminal event of one turn.
type ResultPayload struct {
	Success      bool      `json:"success"`
	Subtype      string    `json:"subtype"`
	DurationMs   int64     `json:"durationMs"`
	NumTurns     int       `json:"numTurns"`
	TotalCostUSD float64   `json:"totalCostUsd"`
	Usage        UsageData `json:"usage"`
	Errors       []string  `json:"errors,omitempty"`
}

// ErrorPayload matches the taxonomy in bridgeerrors.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// BridgeStderrPayload forwards one line from the vendor's stderr.
type BridgeStderrPayload struct {
	Line string `json:"line"`
}

// BridgeConnectedPayload is the payload of the bridge/connected event,
// which cmd/bridge emits once at startup, before any command is read and
// before any vendor process is spawned.
type BridgeConnectedPayload struct {
	Capabilities []string `json:"capabilities"`
}

// ModelInfo is one entry of model/list's response.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// SlashCommand is one entry of command/list's response.
type SlashCommand struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// McpServerStatus is one entry of mcp/status's response.
type McpServerStatus struct {
	Name      string `json:"name"`
	Type      string `json:"type"` // stdio, http, sse, streamable_http
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// McpServerConfig is one value of mcp/set's servers map.
type McpServerConfig struct {
	Type    string            `json:"type"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// DoctorResult is a wire shape for the "doctor" diagnostic's result.
// cmd/bridge's GET /doctor does not use it: it answers with its own
// doctorReport, which carries claudePath and dockerOk instead of path.
type DoctorResult struct {
	OK            bool   `json:"ok"`
	ClaudeOK      bool   `json:"claudeOk"`
	ClaudeVersion string `json:"claudeVersion,omitempty"`
	NodeOK        bool   `json:"nodeOk"`
	NodeVersion   string `json:"nodeVersion,omitempty"`
	Details       string `json:"details,omitempty"`
	Path          string `json:"path,omitempty"`
}
