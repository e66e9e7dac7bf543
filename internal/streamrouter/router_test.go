package streamrouter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbridge/internal/common/logger"
	"github.com/kandev/agentbridge/internal/events/bus"
	"github.com/kandev/agentbridge/internal/protocol"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewRouter(bus.NewMemoryEventBus(log), log)
}

func TestRouterStreamEventOpensCursorAndMerges(t *testing.T) {
	r := testRouter(t)

	ev := r.HandleStreamEvent("s1", "w1", protocol.StreamEventData{EventType: "message_start"})
	assert.Nil(t, ev)

	ev = r.HandleStreamEvent("s1", "w1", protocol.StreamEventData{
		EventType: "content_block_delta",
		Delta:     &protocol.TextDelta{Type: "text_delta", Text: "hello "},
	})
	require.NotNil(t, ev)
	payload := ev.Payload.(protocol.MessageDeltaPayload)
	assert.Equal(t, "hello ", payload.Text)

	ev = r.HandleStreamEvent("s1", "w1", protocol.StreamEventData{
		EventType: "content_block_delta",
		Delta:     &protocol.TextDelta{Type: "text_delta", Text: "hello world"},
	})
	require.NotNil(t, ev)
	payload = ev.Payload.(protocol.MessageDeltaPayload)
	assert.Equal(t, "hello world", payload.Text)
}

func TestRouterMessageCompleteClearsCursor(t *testing.T) {
	r := testRouter(t)

	r.HandleStreamEvent("s1", "w1", protocol.StreamEventData{
		EventType: "content_block_delta",
		Delta:     &protocol.TextDelta{Type: "text_delta", Text: "partial"},
	})

	events := r.HandleMessageComplete("s1", "w1", protocol.AssistantMessageData{Text: "final text"})
	require.Len(t, events, 1)
	payload := events[0].Payload.(protocol.MessageCompletePayload)
	assert.Equal(t, "final text", payload.Text)

	items := r.Items("s1")
	require.Len(t, items, 1)
	assert.Equal(t, "final text", items[0].Text)
}

func TestRouterMessageCompleteDrivesToolItemsFromContentBlocks(t *testing.T) {
	r := testRouter(t)

	events := r.HandleMessageComplete("s1", "w1", protocol.AssistantMessageData{
		Text: "ran a command",
		Content: []protocol.ContentBlock{
			{Type: "tool_use", ToolUseID: "t1", ToolName: "Bash", Input: []byte(`{"command":"ls"}`)},
			{Type: "tool_result", ToolResultID: "t1", Output: "file1\nfile2"},
		},
	})

	// message/complete, tool/started, tool/completed.
	require.Len(t, events, 3)
	assert.Equal(t, protocol.EventMessageComplete, events[0].Type)
	assert.Equal(t, protocol.EventToolStarted, events[1].Type)
	startedPayload := events[1].Payload.(protocol.ToolPayload)
	assert.Equal(t, "t1", startedPayload.ToolUseID)
	assert.Equal(t, "Bash", startedPayload.ToolName)
	assert.Equal(t, "running", startedPayload.Status)

	assert.Equal(t, protocol.EventToolCompleted, events[2].Type)
	completedPayload := events[2].Payload.(protocol.ToolPayload)
	assert.Equal(t, "t1", completedPayload.ToolUseID)
	assert.Equal(t, "Bash", completedPayload.ToolName, "tool name comes from the matching tool_use block")
	assert.Equal(t, "completed", completedPayload.Status)
	assert.Equal(t, "file1\nfile2", completedPayload.Output)

	items := r.Items("s1")
	var toolItem *ConversationItem
	for i := range items {
		if items[i].Kind == KindTool {
			toolItem = &items[i]
		}
	}
	require.NotNil(t, toolItem)
	assert.Equal(t, ToolCompleted, toolItem.Status)
}

func TestRouterMessageCompleteToolResultErrorMarksFailed(t *testing.T) {
	r := testRouter(t)

	events := r.HandleMessageComplete("s1", "w1", protocol.AssistantMessageData{
		Content: []protocol.ContentBlock{
			{Type: "tool_use", ToolUseID: "t2", ToolName: "Bash"},
			{Type: "tool_result", ToolResultID: "t2", Output: "not found", IsError: true},
		},
	})

	completedPayload := events[2].Payload.(protocol.ToolPayload)
	assert.Equal(t, "failed", completedPayload.Status)
}

func TestRouterResultForcesRunningToolsCompleted(t *testing.T) {
	r := testRouter(t)

	r.HandleToolProgress("s1", "w1", protocol.ToolProgressData{ToolName: "bash", ToolUseID: "t1", ElapsedSeconds: 2})

	events := r.HandleResult("s1", "w1", protocol.ResultData{Success: true, Subtype: "success"})

	var sawCompleted, sawResult bool
	for _, ev := range events {
		switch ev.Type {
		case protocol.EventToolCompleted:
			sawCompleted = true
			p := ev.Payload.(protocol.ToolPayload)
			assert.Equal(t, "completed", p.Status)
		case protocol.EventResult:
			sawResult = true
		}
	}
	assert.True(t, sawCompleted)
	assert.True(t, sawResult)

	items := r.Items("s1")
	for _, item := range items {
		if item.Kind == KindTool {
			assert.Equal(t, ToolCompleted, item.Status)
		}
	}
}
