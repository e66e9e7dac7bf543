// Package protocol defines the wire-level types shared across the bridge:
// the line-framed JSON-RPC envelope spoken to the vendor child process, the
// vendor's tagged-union message stream, and the UI-facing command/event
// envelopes. It separates domain-neutral wire types from behavior:
// everything here is data, no I/O.
package protocol

import "encoding/json"

// JSON-RPC 2.0 envelope, used for the subset of vendor interactions that
// are request/response (initialize, session/new, session/load,
// session/prompt) rather than the fire-and-forget message stream.

// Request is an outbound JSON-RPC request awaiting a Response with the
// same ID.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. Exactly one of Result/Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification carries no ID and expects no Response.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is the JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes, used when the vendor sends a request
// this bridge does not implement.
const (
	ParseErrorCode     = -32700
	InvalidRequestCode = -32600
	MethodNotFound     = -32601
	InvalidParamsCode  = -32602
	InternalErrorCode  = -32603
)

// Methods exchanged on the request/response half of the vendor protocol.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionLoad   = "session/load"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
	MethodSessionRewind = "session/rewind"
	MethodPermissionAsk = "session/request_permission"
)

// NotificationSessionUpdate is the vendor's unsolicited per-turn update,
// carrying one of the discriminants handled in internal/session's
// consumer loop (system/init, stream_event, assistant, tool_progress,
// result, permission_request, user, auth_status).
const NotificationSessionUpdate = "session/update"

// InitializeParams is sent once per process, before any session method.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"capabilities"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ClientCapabilities struct {
	Streaming bool `json:"streaming"`
}

// SessionNewParams launches a fresh vendor session. Options mirror the
// session/start command params, minus the fields the bridge itself
// resolves (workspaceId, cwd are bridge-side routing, not vendor options).
type SessionNewParams struct {
	Model                   string            `json:"model,omitempty"`
	PermissionMode          string            `json:"permissionMode,omitempty"`
	IncludePartialMessages  bool              `json:"includePartialMessages"`
	PersistSession          bool              `json:"persistSession"`
	EnableFileCheckpointing bool              `json:"enableFileCheckpointing,omitempty"`
	MCPServers              map[string]string `json:"mcpServers,omitempty"`
	Plugins                 []string          `json:"plugins,omitempty"`
	Agents                  []string          `json:"agents,omitempty"`
	Cwd                     string            `json:"cwd"`
}

type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

type SessionLoadParams struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
}

// SessionPromptParams pushes one user turn. Content is either plain text
// or a mixed array under the image-attachment rule; callers that attach
// images populate Blocks instead of Text.
type SessionPromptParams struct {
	MessageID string         `json:"messageId,omitempty"`
	Text      string         `json:"text,omitempty"`
	Blocks    []ContentBlock `json:"blocks,omitempty"`
}

// ContentBlock is one element of a mixed-content message. Outbound
// (SessionPromptParams.Blocks) uses only Type/Text/Source; inbound
// (AssistantMessageData.Content) additionally carries the tool_use and
// tool_result shapes the vendor embeds in a finalized assistant turn.
type ContentBlock struct {
	Type   string       `json:"type"` // "text", "image", "tool_use", or "tool_result"
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ToolUseID string          `json:"id,omitempty"`
	ToolName  string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolResultID string      `json:"tool_use_id,omitempty"`
	Output       interface{} `json:"content,omitempty"`
	IsError      bool        `json:"is_error,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type SessionCancelParams struct {
	Reason string `json:"reason,omitempty"`
}

// SessionUpdate is one line of the vendor's stdout stream: internal/session's
// consumer loop decodes each line directly into it, with no JSON-RPC
// envelope around it. Type is the discriminant the loop routes on; Data
// carries the type-specific payload for downstream unmarshaling.
type SessionUpdate struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Data    json.RawMessage `json:"data"`
}
