package protocol

import "encoding/json"

// Payload shapes carried inside SessionUpdate.Data, one per discriminant
// handled by internal/session's consumer loop. An "unknown" variant is
// deliberately absent here: callers that don't recognize Type/Subtype
// keep the raw json.RawMessage and log it, they never fail to unmarshal
// a struct that doesn't exist.

// SystemInitData arrives once, promoting the session's pending ID to the
// vendor-assigned real ID.
type SystemInitData struct {
	SessionID      string   `json:"sessionId"`
	Model          string   `json:"model"`
	Tools          []string `json:"tools"`
	Cwd            string   `json:"cwd"`
	Version        string   `json:"version"`
	PermissionMode string   `json:"permissionMode"`
	MCPServers     []string `json:"mcpServers,omitempty"`
}

// StreamEventData carries one streaming delta fragment consumed by the
// overlap-merge reconciler.
type StreamEventData struct {
	EventType string          `json:"eventType"` // message_start, content_block_start, content_block_delta, ...
	BlockType string          `json:"blockType,omitempty"`
	Delta     *TextDelta      `json:"delta,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

type TextDelta struct {
	Type string `json:"type"` // text_delta
	Text string `json:"text"`
}

// AssistantMessageData is the full, finalized assistant turn.
type AssistantMessageData struct {
	MessageID string         `json:"messageId"`
	Text      string         `json:"text"`
	Content   []ContentBlock `json:"content,omitempty"`
}

// ToolProgressData reports elapsed time on a still-running tool call.
type ToolProgressData struct {
	ToolName       string  `json:"toolName"`
	ToolUseID      string  `json:"toolUseId"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

// ResultData is the terminal event of one turn.
type ResultData struct {
	Success      bool      `json:"success"`
	Subtype      string    `json:"subtype"`
	DurationMs   int64     `json:"durationMs"`
	NumTurns     int       `json:"numTurns"`
	TotalCostUSD float64   `json:"totalCostUsd"`
	Usage        UsageData `json:"usage"`
	Errors       []string  `json:"errors,omitempty"`
}

type UsageData struct {
	Input        int `json:"input"`
	Output       int `json:"output"`
	CacheRead    int `json:"cacheRead"`
	CacheCreation int `json:"cacheCreation"`
}

// AuthStatusData signals a vendor-side credential failure; a non-nil
// Error is always non-recoverable and closes the session.
type AuthStatusData struct {
	Authenticated bool   `json:"authenticated"`
	Error         string `json:"error,omitempty"`
}

// PermissionRequest is what the vendor sends to invoke the canUseTool
// callback. It arrives as the data of a "permission_request" line on the
// vendor's message stream, and internal/session answers it by writing a
// {"type":"permission_response","toolUseId","decision"} message back.
type PermissionRequest struct {
	ToolName       string          `json:"toolName"`
	Input          json.RawMessage `json:"input"`
	ToolUseID      string          `json:"toolUseId"`
	Suggestions    []string        `json:"suggestions,omitempty"`
	BlockedPath    string          `json:"blockedPath,omitempty"`
	DecisionReason string          `json:"decisionReason,omitempty"`
	AgentID        string          `json:"agentId,omitempty"`
}

// PermissionDecision is the decision field of the permission_response
// message that answers a PermissionRequest.
type PermissionDecision struct {
	Behavior           string            `json:"behavior"` // allow, deny
	Message            string            `json:"message,omitempty"`
	UpdatedPermissions map[string]string `json:"updatedPermissions,omitempty"`
	ToolUseID          string            `json:"toolUseID"`
}
