package streamrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/common/logger"
	"github.com/kandev/agentbridge/internal/events/bus"
	"github.com/kandev/agentbridge/internal/protocol"
)

// sessionState holds the one active StreamingCursor and the item table
// for a single session. Cleared on message completion or on result.
type sessionState struct {
	mu         sync.Mutex
	cursorID   string // empty when no active streaming message
	items      map[string]*ConversationItem
	order      []string
}

func newSessionState() *sessionState {
	return &sessionState{items: make(map[string]*ConversationItem)}
}

// Router classifies inbound vendor updates into outbound protocol.Event
// values and applies the per-session reconciliation state. It is the UI
// side of the bridge, loaded by internal/session one layer down from the
// raw vendor message stream.
type Router struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	bus      bus.EventBus
	logger   *logger.Logger
}

func NewRouter(eventBus bus.EventBus, log *logger.Logger) *Router {
	return &Router{
		sessions: make(map[string]*sessionState),
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "stream-router")),
	}
}

func (r *Router) state(sessionID string) *sessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		s = newSessionState()
		r.sessions[sessionID] = s
	}
	return s
}

// DropSession discards reconciliation state for a closed session.
func (r *Router) DropSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// HandleStreamEvent processes one stream_event discriminant and returns
// the message/delta event to emit, if any.
func (r *Router) HandleStreamEvent(sessionID, workspaceID string, data protocol.StreamEventData) *protocol.Event {
	s := r.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch data.EventType {
	case "message_start":
		if s.cursorID == "" {
			s.cursorID = r.openMessageItem(s, sessionID)
		}
		return nil

	case "content_block_start":
		if data.BlockType == "text" && s.cursorID == "" {
			s.cursorID = r.openMessageItem(s, sessionID)
		}
		return nil

	case "content_block_delta":
		if data.Delta == nil || data.Delta.Type != "text_delta" {
			return nil
		}
		if s.cursorID == "" {
			s.cursorID = r.openMessageItem(s, sessionID)
		}
		item := s.items[s.cursorID]
		merged := OverlapMerge(item.Text, NormalizeText(data.Delta.Text))
		item.Text = merged

		ev := protocol.NewEvent(protocol.EventMessageDelta, sessionID, workspaceID, protocol.MessageDeltaPayload{
			MessageID: s.cursorID,
			Text:      merged,
		})
		return &ev

	default:
		return nil
	}
}

func (r *Router) openMessageItem(s *sessionState, sessionID string) string {
	id := fmt.Sprintf("msg-%s-%s", sessionID, uuid.NewString())
	s.items[id] = &ConversationItem{ID: id, Kind: KindMessage, Role: "assistant", Text: ""}
	s.order = append(s.order, id)
	return id
}

// HandleMessageComplete finalizes the active streaming item (or opens a
// fresh one, if the vendor sent no deltas) and upserts tool items for any
// tool_use/tool_result content blocks. Clears the cursor.
func (r *Router) HandleMessageComplete(sessionID, workspaceID string, data protocol.AssistantMessageData) []protocol.Event {
	s := r.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	msgID := s.cursorID
	if msgID == "" {
		msgID = data.MessageID
		if msgID == "" {
			msgID = fmt.Sprintf("msg-%s-%s", sessionID, uuid.NewString())
		}
	}

	item, ok := s.items[msgID]
	if !ok {
		item = &ConversationItem{ID: msgID, Kind: KindMessage, Role: "assistant"}
		s.items[msgID] = item
		s.order = append(s.order, msgID)
	}
	if data.Text != "" {
		item.Text = data.Text
	}
	s.cursorID = ""

	events := []protocol.Event{
		protocol.NewEvent(protocol.EventMessageComplete, sessionID, workspaceID, protocol.MessageCompletePayload{
			MessageID: msgID,
			Text:      item.Text,
		}),
	}

	// tool_use/tool_result blocks embedded in the assistant message open
	// or upsert the same tool-<toolUseId> items HandleToolProgress
	// updates, so a tool reported only inline at completion (no
	// out-of-band tool_progress message) still produces a conversation
	// item.
	for _, block := range data.Content {
		switch block.Type {
		case "tool_use":
			events = append(events, r.upsertToolUse(s, sessionID, workspaceID, block))
		case "tool_result":
			events = append(events, r.upsertToolResult(s, sessionID, workspaceID, block))
		}
	}

	return events
}

func (r *Router) upsertToolUse(s *sessionState, sessionID, workspaceID string, block protocol.ContentBlock) protocol.Event {
	id := ToolItemID(block.ToolUseID)
	item, ok := s.items[id]
	if !ok {
		item = &ConversationItem{ID: id, Kind: KindTool}
		s.items[id] = item
		s.order = append(s.order, id)
	}
	item.ToolName = block.ToolName
	item.Input = block.Input
	item.Status = ToolRunning

	return protocol.NewEvent(protocol.EventToolStarted, sessionID, workspaceID, protocol.ToolPayload{
		ToolUseID: block.ToolUseID,
		ToolName:  block.ToolName,
		Status:    string(ToolRunning),
		Input:     block.Input,
	})
}

func (r *Router) upsertToolResult(s *sessionState, sessionID, workspaceID string, block protocol.ContentBlock) protocol.Event {
	id := ToolItemID(block.ToolResultID)
	toolName := ""
	if item, ok := s.items[id]; ok {
		toolName = item.ToolName
	}
	return completeToolLocked(s, sessionID, workspaceID, block.ToolResultID, toolName, !block.IsError, block.Output)
}

// HandleToolProgress updates a running tool item's elapsed time.
func (r *Router) HandleToolProgress(sessionID, workspaceID string, data protocol.ToolProgressData) protocol.Event {
	s := r.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ToolItemID(data.ToolUseID)
	item, ok := s.items[id]
	if !ok {
		item = &ConversationItem{ID: id, Kind: KindTool, ToolName: data.ToolName, Status: ToolRunning}
		s.items[id] = item
		s.order = append(s.order, id)
	}
	item.Elapsed = data.ElapsedSeconds

	return protocol.NewEvent(protocol.EventToolProgress, sessionID, workspaceID, protocol.ToolPayload{
		ToolUseID:      data.ToolUseID,
		ToolName:       data.ToolName,
		Status:         string(ToolRunning),
		ElapsedSeconds: data.ElapsedSeconds,
	})
}

// HandleToolCompleted marks a tool item completed or failed with output,
// for a vendor message that reports tool completion out-of-band (no
// tool_result content block to drive it instead).
func (r *Router) HandleToolCompleted(sessionID, workspaceID, toolUseID, toolName string, success bool, output interface{}) protocol.Event {
	s := r.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return completeToolLocked(s, sessionID, workspaceID, toolUseID, toolName, success, output)
}

// completeToolLocked upserts a tool item to completed/failed. Callers
// must already hold s.mu.
func completeToolLocked(s *sessionState, sessionID, workspaceID, toolUseID, toolName string, success bool, output interface{}) protocol.Event {
	id := ToolItemID(toolUseID)
	status := ToolCompleted
	if !success {
		status = ToolFailed
	}
	item, ok := s.items[id]
	if !ok {
		item = &ConversationItem{ID: id, Kind: KindTool, ToolName: toolName}
		s.items[id] = item
		s.order = append(s.order, id)
	}
	if toolName != "" {
		item.ToolName = toolName
	}
	item.Status = status
	item.Output = output

	return protocol.NewEvent(protocol.EventToolCompleted, sessionID, workspaceID, protocol.ToolPayload{
		ToolUseID: toolUseID,
		ToolName:  item.ToolName,
		Status:    string(status),
		Output:    output,
	})
}

// HandleResult forces any still-running tools to completed and clears
// the streaming cursor.
func (r *Router) HandleResult(sessionID, workspaceID string, data protocol.ResultData) []protocol.Event {
	s := r.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []protocol.Event
	for _, id := range s.order {
		item := s.items[id]
		if item.Kind == KindTool && item.Status == ToolRunning {
			item.Status = ToolCompleted
			events = append(events, protocol.NewEvent(protocol.EventToolCompleted, sessionID, workspaceID, protocol.ToolPayload{
				ToolUseID: item.ID,
				ToolName:  item.ToolName,
				Status:    string(ToolCompleted),
			}))
		}
	}
	s.cursorID = ""

	events = append(events, protocol.NewEvent(protocol.EventResult, sessionID, workspaceID, protocol.ResultPayload{
		Success:      data.Success,
		Subtype:      data.Subtype,
		DurationMs:   data.DurationMs,
		NumTurns:     data.NumTurns,
		TotalCostUSD: data.TotalCostUSD,
		Usage:        data.Usage,
		Errors:       data.Errors,
	}))

	return events
}

// Items returns a snapshot of a session's conversation items in stored
// order, for diagnostics and tests.
func (r *Router) Items(sessionID string) []ConversationItem {
	s := r.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ConversationItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.items[id])
	}
	return out
}

// Publish fans an event out on the bus under the session's subject, for
// any subscriber (in cmd/bridge, the optional websocket dev tap). Stdout
// does not read from the bus; session.Manager writes each event there
// directly through its emit callback.
func (r *Router) Publish(ev protocol.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	busEvent := bus.NewEvent(ev.Type, "stream-router", map[string]interface{}{
		"sessionId":   ev.SessionID,
		"workspaceId": ev.WorkspaceID,
		"payload":     json.RawMessage(data),
	})
	return r.bus.Publish(context.Background(), bus.SessionEventSubject(ev.SessionID, ev.Type), busEvent)
}
