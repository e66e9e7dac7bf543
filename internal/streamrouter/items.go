// Package streamrouter classifies inbound vendor messages and reconciles
// streaming assistant deltas into stable text for the UI. Deltas are
// reconciled via overlap-merge, rather than appended unconditionally, so
// duplicate or retransmitted deltas are idempotent.
package streamrouter

// ItemKind discriminates ConversationItem variants.
type ItemKind string

const (
	KindMessage   ItemKind = "message"
	KindReasoning ItemKind = "reasoning"
	KindTool      ItemKind = "tool"
	KindReview    ItemKind = "review"
	KindDiff      ItemKind = "diff"
)

// ToolStatus is the lifecycle of one tool invocation.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// ConversationItem is one entry of a session's ordered item list. Only
// the fields relevant to Kind are populated; re-observing an item ID
// merges into the existing entry rather than appending a duplicate.
type ConversationItem struct {
	ID   string   `json:"id"`
	Kind ItemKind `json:"kind"`

	// Message
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// Reasoning
	Summary string `json:"summary,omitempty"`
	Content string `json:"content,omitempty"`

	// Tool
	ToolName string      `json:"toolName,omitempty"`
	Input    interface{} `json:"input,omitempty"`
	Status   ToolStatus  `json:"status,omitempty"`
	Output   interface{} `json:"output,omitempty"`
	Elapsed  float64     `json:"elapsed,omitempty"`

	// Review
	ReviewState string `json:"reviewState,omitempty"`

	// Diff
	Path  string `json:"path,omitempty"`
	Patch string `json:"patch,omitempty"`
}

// ToolItemID builds the stable key for a tool-use conversation item.
func ToolItemID(toolUseID string) string {
	return "tool-" + toolUseID
}
