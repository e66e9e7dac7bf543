// Package permission serves as the bound canUseTool callback for every
// live session: a single table of pending tool-use approvals keyed by
// ToolUseId, each with a timeout and a cancellation path. Every entry
// pairs a resolve/reject continuation with an attached timer and an
// abort-aware context.
package permission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/bridgeerrors"
	"github.com/kandev/agentbridge/internal/common/logger"
	"github.com/kandev/agentbridge/internal/protocol"
)

type pendingEntry struct {
	sessionID string
	resultCh  chan protocol.PermissionDecision
	errCh     chan error
	timer     *time.Timer
	once      sync.Once
}

// EmitFunc publishes an event to the UI; Handler uses it to send
// permission/request without owning a transport dependency directly.
type EmitFunc func(protocol.Event)

// Handler is the process-wide permission handler: a single global
// instance whose lifecycle brackets the bridge process.
type Handler struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	timeout time.Duration
	emit    EmitFunc
	logger  *logger.Logger
}

func NewHandler(timeout time.Duration, emit EmitFunc, log *logger.Logger) *Handler {
	return &Handler{
		pending: make(map[string]*pendingEntry),
		timeout: timeout,
		emit:    emit,
		logger:  log.WithFields(zap.String("component", "permission-handler")),
	}
}

// Request is the canUseTool callback bound to every session. It blocks
// until the continuation resolves (respond), times out, is rejected by
// CancelForSession/CancelAll (the session-close path), or ctx is done. A
// second registration under the same
// ToolUseId is a programmer error (panics): ToolUseId must be globally
// unique within the table.
func (h *Handler) Request(ctx context.Context, sessionID, workspaceID string, req protocol.PermissionRequest) (protocol.PermissionDecision, error) {
	h.mu.Lock()
	if _, exists := h.pending[req.ToolUseID]; exists {
		h.mu.Unlock()
		panic(fmt.Sprintf("permission: duplicate registration for toolUseId %q", req.ToolUseID))
	}

	entry := &pendingEntry{
		sessionID: sessionID,
		resultCh:  make(chan protocol.PermissionDecision, 1),
		errCh:     make(chan error, 1),
	}
	entry.timer = time.AfterFunc(h.timeout, func() { h.timeoutEntry(req.ToolUseID) })
	h.pending[req.ToolUseID] = entry
	h.mu.Unlock()

	if h.emit != nil {
		h.emit(protocol.NewEvent(protocol.EventPermissionRequest, sessionID, workspaceID, protocol.PermissionRequestPayload{
			ToolUseID:      req.ToolUseID,
			ToolName:       req.ToolName,
			Input:          req.Input,
			Suggestions:    req.Suggestions,
			BlockedPath:    req.BlockedPath,
			DecisionReason: req.DecisionReason,
		}))
	}

	select {
	case decision := <-entry.resultCh:
		return decision, nil
	case err := <-entry.errCh:
		return protocol.PermissionDecision{}, err
	case <-ctx.Done():
		h.reject(req.ToolUseID, bridgeerrors.Aborted())
		return protocol.PermissionDecision{}, bridgeerrors.Aborted()
	}
}

// Respond resolves a pending entry per the UI's decision. Returns false
// (and logs, never panics) if toolUseId is unknown.
func (h *Handler) Respond(toolUseID, decision, message string, updatedPermissions map[string]string) bool {
	h.mu.Lock()
	entry, exists := h.pending[toolUseID]
	if exists {
		delete(h.pending, toolUseID)
	}
	h.mu.Unlock()

	if !exists {
		h.logger.Error("respond against unknown toolUseId", zap.String("tool_use_id", toolUseID))
		return false
	}

	entry.timer.Stop()

	var result protocol.PermissionDecision
	switch decision {
	case "allow":
		result = protocol.PermissionDecision{Behavior: "allow", UpdatedPermissions: updatedPermissions, ToolUseID: toolUseID}
	case "deny":
		msg := message
		if msg == "" {
			msg = "Permission denied by user"
		}
		result = protocol.PermissionDecision{Behavior: "deny", Message: msg, ToolUseID: toolUseID}
	default:
		h.logger.Error("unknown permission decision", zap.String("decision", decision))
		return false
	}

	entry.once.Do(func() { entry.resultCh <- result })
	return true
}

func (h *Handler) timeoutEntry(toolUseID string) {
	h.mu.Lock()
	entry, exists := h.pending[toolUseID]
	if exists {
		delete(h.pending, toolUseID)
	}
	h.mu.Unlock()

	if !exists {
		return
	}

	h.logger.Info("permission request timed out", zap.String("tool_use_id", toolUseID))
	entry.once.Do(func() {
		entry.resultCh <- protocol.PermissionDecision{
			Behavior: "deny",
			Message:  "Permission request timed out",
			ToolUseID: toolUseID,
		}
	})
}

func (h *Handler) reject(toolUseID string, err error) {
	h.mu.Lock()
	entry, exists := h.pending[toolUseID]
	if exists {
		delete(h.pending, toolUseID)
	}
	h.mu.Unlock()

	if !exists {
		return
	}
	entry.timer.Stop()
	entry.once.Do(func() { entry.errCh <- err })
}

// CancelForSession rejects every pending entry owned by sessionID with
// SessionClosed, the session-cancellation path.
func (h *Handler) CancelForSession(sessionID string) {
	h.mu.Lock()
	var toReject []string
	for id, entry := range h.pending {
		if entry.sessionID == sessionID {
			toReject = append(toReject, id)
		}
	}
	h.mu.Unlock()

	for _, id := range toReject {
		h.reject(id, bridgeerrors.SessionClosed(sessionID))
	}
}

// CancelAll rejects every pending entry across all sessions, for global
// shutdown.
func (h *Handler) CancelAll() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.pending))
	for id := range h.pending {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.reject(id, bridgeerrors.Aborted())
	}
}

// Pending reports how many approvals are outstanding, for diagnostics.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
