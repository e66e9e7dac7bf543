package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/bridgeerrors"
	"github.com/kandev/agentbridge/internal/common/config"
	"github.com/kandev/agentbridge/internal/common/logger"
	"github.com/kandev/agentbridge/internal/mcpconfig"
	"github.com/kandev/agentbridge/internal/permission"
	"github.com/kandev/agentbridge/internal/process"
	"github.com/kandev/agentbridge/internal/protocol"
	"github.com/kandev/agentbridge/internal/registry"
	"github.com/kandev/agentbridge/internal/streamrouter"
)

// ProcFactory spawns a fresh AgentProcess for one session, given the
// workspace directory the vendor CLI should run against (a container
// factory bind-mounts it; a local factory just sets cwd on exec.Cmd).
// Swapping in internal/runtime's container-backed factory is the only
// change needed to move from RuntimeConfig.Mode "local" to "container"
// — Manager never knows which it got.
type ProcFactory func(ctx context.Context, cwd string) (process.AgentProcess, error)

// Manager is the authoritative session state machine: the workspace ->
// sessionId index plus the session table, one consumer/writer goroutine
// pair per live session.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byWorkspace map[string]string

	grace       time.Duration
	procFactory ProcFactory
	permissions *permission.Handler
	router      *streamrouter.Router
	registry    *registry.Registry
	checkpoints *CheckpointStore
	logger      *logger.Logger

	mcpMu       sync.Mutex
	mcpManagers map[string]*mcpconfig.Manager

	emit func(protocol.Event)
}

// NewManager wires a SessionManager. emit is called for every event the
// manager itself produces (session/started, session/closed, error); the
// consumer loop uses the same sink for router- and permission-originated
// events so the UI sees one ordered stream.
func NewManager(cfg config.ProcessConfig, procFactory ProcFactory, permissions *permission.Handler, router *streamrouter.Router, reg *registry.Registry, log *logger.Logger, emit func(protocol.Event)) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		byWorkspace: make(map[string]string),
		grace:       cfg.GraceDuration(),
		procFactory: procFactory,
		permissions: permissions,
		router:      router,
		registry:    reg,
		checkpoints: NewCheckpointStore(),
		mcpManagers: make(map[string]*mcpconfig.Manager),
		logger:      log.WithFields(zap.String("component", "session-manager")),
		emit:        emit,
	}
}

// InitMCP seeds sessionID's MCP server set right after Start/Resume
// returns, so mcp/status and mcp/set have somewhere to read from before
// the vendor's own system/init arrives. Safe to call with a pending ID;
// promote carries the entry over to the real ID.
func (m *Manager) InitMCP(sessionID string, initial map[string]mcpconfig.ServerDef, prober *mcpconfig.Prober) {
	m.mcpMu.Lock()
	defer m.mcpMu.Unlock()
	m.mcpManagers[sessionID] = mcpconfig.NewManager(initial, prober)
}

// MCP returns the MCP server manager for an active session, if any.
func (m *Manager) MCP(sessionID string) (*mcpconfig.Manager, bool) {
	m.mcpMu.Lock()
	defer m.mcpMu.Unlock()
	mgr, ok := m.mcpManagers[sessionID]
	return mgr, ok
}

func (m *Manager) publish(ev protocol.Event) {
	if m.emit != nil {
		m.emit(ev)
	}
	if err := m.router.Publish(ev); err != nil {
		m.logger.Warn("failed to publish event on bus", zap.Error(err), zap.String("type", ev.Type))
	}
}

// Start launches a brand-new session for workspaceID, the session/start
// command. Returns the locally-minted pending ID immediately; the
// vendor-assigned real ID arrives asynchronously via system/init and
// promotes the table entry.
func (m *Manager) Start(ctx context.Context, workspaceID, cwd string, opts StartOptions) (string, error) {
	m.mu.Lock()
	if existing, busy := m.byWorkspace[workspaceID]; busy {
		if s, ok := m.sessions[existing]; ok && s.Status() != StatusClosed {
			m.mu.Unlock()
			return "", bridgeerrors.WorkspaceBusy(workspaceID)
		}
	}

	pendingID := fmt.Sprintf("pending-%d", time.Now().UnixNano())
	sess := &Session{
		sessionID:     pendingID,
		workspaceID:   workspaceID,
		cwd:           cwd,
		status:        StatusStarting,
		createdAt:     time.Now().UTC(),
		input:         make(chan inputItem, 32),
		checkpointing: opts.EnableFileCheckpointing,
	}
	m.sessions[pendingID] = sess
	m.byWorkspace[workspaceID] = pendingID
	m.mu.Unlock()

	proc, err := m.procFactory(ctx, cwd)
	if err != nil {
		m.dropFailed(workspaceID, pendingID)
		return "", err
	}
	sess.proc = proc

	params, err := json.Marshal(protocol.SessionNewParams{
		Model:                   opts.Model,
		PermissionMode:          opts.PermissionMode,
		IncludePartialMessages:  true,
		PersistSession:          true,
		EnableFileCheckpointing: opts.EnableFileCheckpointing,
		MCPServers:              opts.MCPServers,
		Plugins:                 opts.Plugins,
		Agents:                  opts.Agents,
		Cwd:                     cwd,
	})
	if err != nil {
		m.dropFailed(workspaceID, pendingID)
		return "", bridgeerrors.SerializationError(err)
	}

	if err := proc.Send(protocol.Request{JSONRPC: "2.0", ID: 1, Method: protocol.MethodSessionNew, Params: params}); err != nil {
		m.dropFailed(workspaceID, pendingID)
		return "", err
	}

	go m.consumeLoop(sess)
	go m.writeLoop(sess)

	return pendingID, nil
}

// Resume reattaches to a vendor-persisted session, the session/resume
// command (sent to the vendor as session/load). Unlike Start, the ID is
// already real and never promotes.
func (m *Manager) Resume(ctx context.Context, workspaceID, sessionID, cwd string) error {
	m.mu.Lock()
	if existing, busy := m.byWorkspace[workspaceID]; busy {
		if s, ok := m.sessions[existing]; ok && s.Status() != StatusClosed {
			m.mu.Unlock()
			return bridgeerrors.WorkspaceBusy(workspaceID)
		}
	}

	sess := &Session{
		sessionID: sessionID,
		workspaceID: workspaceID,
		cwd:         cwd,
		status:      StatusStarting,
		createdAt:   time.Now().UTC(),
		input:       make(chan inputItem, 32),
	}
	m.sessions[sessionID] = sess
	m.byWorkspace[workspaceID] = sessionID
	m.mu.Unlock()

	proc, err := m.procFactory(ctx, cwd)
	if err != nil {
		m.dropFailed(workspaceID, sessionID)
		return err
	}
	sess.proc = proc

	params, err := json.Marshal(protocol.SessionLoadParams{SessionID: sessionID, Cwd: cwd})
	if err != nil {
		m.dropFailed(workspaceID, sessionID)
		return bridgeerrors.SerializationError(err)
	}
	if err := proc.Send(protocol.Request{JSONRPC: "2.0", ID: 1, Method: protocol.MethodSessionLoad, Params: params}); err != nil {
		m.dropFailed(workspaceID, sessionID)
		return err
	}

	go m.consumeLoop(sess)
	go m.writeLoop(sess)
	return nil
}

func (m *Manager) dropFailed(workspaceID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	if m.byWorkspace[workspaceID] == sessionID {
		delete(m.byWorkspace, workspaceID)
	}
}

func (m *Manager) lookup(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Attachment is one image attached to a user turn.
type Attachment struct {
	Path string
	Data string // base64
}

// SendMessage queues one user turn for delivery, the message/send
// command. Image attachments are inferred to a media type from file
// extension and sent as mixed content blocks instead of plain text.
func (m *Manager) SendMessage(sessionID, messageID, text string, attachments []Attachment) error {
	if text == "" && len(attachments) == 0 {
		return nil
	}

	sess, ok := m.lookup(sessionID)
	if !ok {
		return bridgeerrors.SessionNotFound(sessionID)
	}
	if sess.Status() != StatusActive && sess.Status() != StatusStarting {
		return bridgeerrors.SessionInactive(sessionID)
	}

	sess.mu.Lock()
	sess.lastMessageID = messageID
	sess.mu.Unlock()

	item := inputItem{messageID: messageID, text: text}
	for _, a := range attachments {
		item.blocks = append(item.blocks, contentBlock{
			mediaType: mediaTypeFor(a.Path),
			data:      a.Data,
			isImage:   true,
		})
	}
	if len(item.blocks) > 0 && text != "" {
		item.blocks = append([]contentBlock{{text: text}}, item.blocks...)
	}

	// Hold the read lock across the send so inputCloser cannot close the
	// channel between the writerClosed check and the send.
	sess.mu.RLock()
	if sess.writerClosed {
		sess.mu.RUnlock()
		return bridgeerrors.SessionClosed(sessionID)
	}

	select {
	case sess.input <- item:
		sess.mu.RUnlock()
		if err := m.registry.Touch(sess.ID(), text); err != nil {
			m.logger.Debug("registry touch failed", zap.Error(err))
		}
		return nil
	default:
		sess.mu.RUnlock()
		return bridgeerrors.Internal("session input queue full", nil)
	}
}

// mediaTypeFor infers an attachment's MIME type from its extension.
// Unrecognized extensions default to image/png rather than rejecting the
// attachment.
func mediaTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "image/png"
	}
}

// SendRaw writes an arbitrary JSON value directly to a session's vendor
// process, bypassing the input queue. Used for ad hoc requests that have
// no JSON-RPC method of their own (model/set), the same direct-write
// path handlePermissionRequest already uses for permission_response.
func (m *Manager) SendRaw(sessionID string, v interface{}) error {
	sess, ok := m.lookup(sessionID)
	if !ok {
		return bridgeerrors.SessionNotFound(sessionID)
	}
	return sess.proc.Send(v)
}

// Interrupt cancels the in-flight turn, the message/interrupt command.
// It both asks the vendor to stop and resolves any outstanding permission
// request for this session with a rejection, so a pending approval never
// blocks the cancellation.
func (m *Manager) Interrupt(sessionID, reason string) error {
	sess, ok := m.lookup(sessionID)
	if !ok {
		return bridgeerrors.SessionNotFound(sessionID)
	}

	m.permissions.CancelForSession(sessionID)

	params, err := json.Marshal(protocol.SessionCancelParams{Reason: reason})
	if err != nil {
		return bridgeerrors.SerializationError(err)
	}
	return sess.proc.Send(protocol.Request{JSONRPC: "2.0", ID: 2, Method: protocol.MethodSessionCancel, Params: params})
}

// Close tears a session down: cancels outstanding permissions, stops
// accepting new turns, shuts down the vendor process, and drops
// reconciliation state. Idempotent: a session that is already closed, and
// so no longer in the table, closes again with a nil error.
func (m *Manager) Close(sessionID, reason string) error {
	sess, ok := m.lookup(sessionID)
	if !ok {
		return nil
	}
	if sess.Status() == StatusClosed {
		return nil
	}
	sess.setStatus(StatusClosing)

	m.permissions.CancelForSession(sessionID)
	(&inputCloser{s: sess}).Close()

	if sess.proc != nil {
		if err := sess.proc.Shutdown(m.grace); err != nil {
			m.logger.Warn("vendor process shutdown error", zap.Error(err), zap.String("session_id", sessionID))
		}
	}

	m.router.DropSession(sessionID)
	m.checkpoints.Drop(sessionID)
	m.mcpMu.Lock()
	delete(m.mcpManagers, sessionID)
	m.mcpMu.Unlock()
	sess.setStatus(StatusClosed)

	m.mu.Lock()
	if m.byWorkspace[sess.workspaceID] == sessionID {
		delete(m.byWorkspace, sess.workspaceID)
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.publish(protocol.NewEvent(protocol.EventSessionClosed, sessionID, sess.workspaceID, protocol.SessionClosedPayload{Reason: reason}))
	return nil
}

// CloseAll tears down every live session, for process shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Close(id, reason); err != nil {
			m.logger.Warn("error closing session during shutdown", zap.Error(err), zap.String("session_id", id))
		}
	}
}

func (m *Manager) writeLoop(sess *Session) {
	seq := uint64(3) // 1, 2 reserved for the new/load and cancel calls above
	for item := range sess.input {
		blocks := make([]protocol.ContentBlock, 0, len(item.blocks))
		for _, b := range item.blocks {
			if b.isImage {
				blocks = append(blocks, protocol.ContentBlock{
					Type:   "image",
					Source: &protocol.ImageSource{Type: "base64", MediaType: b.mediaType, Data: b.data},
				})
				continue
			}
			blocks = append(blocks, protocol.ContentBlock{Type: "text", Text: b.text})
		}

		params, err := json.Marshal(protocol.SessionPromptParams{MessageID: item.messageID, Text: item.text, Blocks: blocks})
		if err != nil {
			m.logger.Error("failed to marshal prompt params", zap.Error(err))
			continue
		}

		seq++
		if err := sess.proc.Send(protocol.Request{JSONRPC: "2.0", ID: seq, Method: protocol.MethodSessionPrompt, Params: params}); err != nil {
			m.logger.Warn("failed to send prompt to vendor process", zap.Error(err), zap.String("session_id", sess.ID()))
		}
	}
}

// consumeLoop reads the vendor's tagged-union stream and routes each
// discriminant, never failing closed on a type it doesn't recognize.
func (m *Manager) consumeLoop(sess *Session) {
	workspaceID := sess.workspaceID

	for line := range sess.proc.Stream() {
		if line.Err != nil {
			m.logger.Warn("malformed line from vendor process", zap.Error(line.Err), zap.String("session_id", sess.ID()))
			continue
		}

		var update protocol.SessionUpdate
		if err := json.Unmarshal(line.Data, &update); err != nil {
			m.logger.Warn("failed to unmarshal vendor message envelope", zap.Error(err))
			continue
		}

		m.dispatch(sess, workspaceID, update)
	}

	// Stream closed: the vendor process exited. A clean session/close
	// already set Status to Closing (then Closed) before shutting the
	// process down; anything else is an unexpected exit.
	if sess.Status() != StatusClosed && sess.Status() != StatusClosing {
		m.logger.Error("vendor process stream ended unexpectedly", zap.String("session_id", sess.ID()))
		m.publish(protocol.NewEvent(protocol.EventError, sess.ID(), workspaceID, protocol.ErrorPayload{
			Code:        string(bridgeerrors.CodeBridgeDisconnected),
			Message:     "vendor process exited unexpectedly",
			Recoverable: false,
		}))
		sess.setStatus(StatusClosed)
	}
}

func (m *Manager) dispatch(sess *Session, workspaceID string, update protocol.SessionUpdate) {
	switch update.Type {
	case "system":
		if update.Subtype == "init" {
			m.handleInit(sess, workspaceID, update.Data)
		}

	case "stream_event":
		var data protocol.StreamEventData
		if err := json.Unmarshal(update.Data, &data); err != nil {
			m.logger.Warn("bad stream_event payload", zap.Error(err))
			return
		}
		if ev := m.router.HandleStreamEvent(sess.ID(), workspaceID, data); ev != nil {
			m.publish(*ev)
		}

	case "assistant":
		var data protocol.AssistantMessageData
		if err := json.Unmarshal(update.Data, &data); err != nil {
			m.logger.Warn("bad assistant payload", zap.Error(err))
			return
		}
		for _, ev := range m.router.HandleMessageComplete(sess.ID(), workspaceID, data) {
			m.publish(ev)
		}
		if sess.checkpointing {
			m.recordCheckpoints(sess, data.Content)
		}
		if err := m.registry.Touch(sess.ID(), data.Text); err != nil {
			m.logger.Debug("registry touch failed", zap.Error(err))
		}

	case "tool_progress":
		var data protocol.ToolProgressData
		if err := json.Unmarshal(update.Data, &data); err != nil {
			m.logger.Warn("bad tool_progress payload", zap.Error(err))
			return
		}
		m.publish(m.router.HandleToolProgress(sess.ID(), workspaceID, data))

	case "result":
		var data protocol.ResultData
		if err := json.Unmarshal(update.Data, &data); err != nil {
			m.logger.Warn("bad result payload", zap.Error(err))
			return
		}
		for _, ev := range m.router.HandleResult(sess.ID(), workspaceID, data) {
			m.publish(ev)
		}

	case "permission_request":
		var req protocol.PermissionRequest
		if err := json.Unmarshal(update.Data, &req); err != nil {
			m.logger.Warn("bad permission_request payload", zap.Error(err))
			return
		}
		go m.handlePermissionRequest(sess, workspaceID, req)

	case "auth_status":
		var data protocol.AuthStatusData
		if err := json.Unmarshal(update.Data, &data); err != nil {
			m.logger.Warn("bad auth_status payload", zap.Error(err))
			return
		}
		if !data.Authenticated && data.Error != "" {
			m.publish(protocol.NewEvent(protocol.EventError, sess.ID(), workspaceID, protocol.ErrorPayload{
				Code:        string(bridgeerrors.CodeAuthError),
				Message:     data.Error,
				Recoverable: false,
			}))
			go m.Close(sess.ID(), "error")
		}

	case "user":
		// Echo of the turn the bridge itself sent; nothing to route.

	default:
		m.logger.Debug("unrecognized vendor message type, ignoring", zap.String("type", update.Type))
	}
}

// recordCheckpoints scans a finalized assistant message's content blocks
// for tool_result blocks produced by a file-editing tool and records a
// before/after snapshot in the session's CheckpointStore. The matching
// tool_use block earlier in the same content array supplies the tool
// name a bare tool_result block doesn't carry on its own.
func (m *Manager) recordCheckpoints(sess *Session, blocks []protocol.ContentBlock) {
	if len(blocks) == 0 {
		return
	}

	names := make(map[string]string, len(blocks))
	for _, b := range blocks {
		if b.Type == "tool_use" {
			names[b.ToolUseID] = b.ToolName
		}
	}

	sess.mu.RLock()
	messageID := sess.lastMessageID
	sess.mu.RUnlock()

	for _, b := range blocks {
		if b.Type != "tool_result" || b.IsError {
			continue
		}
		if f, ok := extractFileRewind(names[b.ToolResultID], b.Output); ok {
			m.checkpoints.Record(sess.ID(), messageID, f)
		}
	}
}

// fileEditTools are the vendor tool names whose tool_result output carries
// a file's before/after content, for the file-checkpointing feature.
// MultiEdit's output still describes one file, just applied via multiple
// find/replace edits internally, so it shares Write/Edit's shape.
var fileEditTools = map[string]bool{"Write": true, "Edit": true, "MultiEdit": true}

// extractFileRewind decodes a tool_result's output into a FileRewind
// snapshot, tolerating the vendor's several observed field spellings for
// the same concept (filePath/path, oldContent/previousContent,
// newContent/content).
func extractFileRewind(toolName string, output interface{}) (FileRewind, bool) {
	if !fileEditTools[toolName] || output == nil {
		return FileRewind{}, false
	}

	raw, err := json.Marshal(output)
	if err != nil {
		return FileRewind{}, false
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return FileRewind{}, false
	}

	path, _ := firstString(fields, "filePath", "path")
	before, _ := firstString(fields, "oldContent", "previousContent")
	after, _ := firstString(fields, "newContent", "content")
	if path == "" {
		return FileRewind{}, false
	}
	return FileRewind{Path: path, Before: before, After: after}, true
}

func firstString(fields map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func (m *Manager) handleInit(sess *Session, workspaceID string, raw json.RawMessage) {
	var data protocol.SystemInitData
	if err := json.Unmarshal(raw, &data); err != nil {
		m.logger.Warn("bad system/init payload", zap.Error(err))
		return
	}

	oldID := sess.ID()
	if data.SessionID != "" && data.SessionID != oldID {
		m.promote(oldID, data.SessionID, sess)
	}
	sess.setStatus(StatusActive)

	if err := m.registry.Register(workspaceID, registry.RegistryEntry{
		SessionID:    sess.ID(),
		Cwd:          sess.cwd,
		CreatedAt:    sess.createdAt,
		LastActivity: time.Now().UTC(),
	}); err != nil {
		m.logger.Warn("failed to register session", zap.Error(err))
	}

	m.publish(protocol.NewEvent(protocol.EventSessionStarted, sess.ID(), workspaceID, protocol.SessionStartedPayload{
		SessionID:      sess.ID(),
		Model:          data.Model,
		Tools:          data.Tools,
		Cwd:            data.Cwd,
		Version:        data.Version,
		PermissionMode: data.PermissionMode,
		MCPServers:     data.MCPServers,
	}))
}

// promote rewrites the session table key from a locally-minted pending
// ID to the vendor-assigned real one, exactly once, under the table's
// exclusive lock.
func (m *Manager) promote(oldID, newID string, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess.mu.Lock()
	sess.sessionID = newID
	sess.mu.Unlock()

	delete(m.sessions, oldID)
	m.sessions[newID] = sess
	if m.byWorkspace[sess.workspaceID] == oldID {
		m.byWorkspace[sess.workspaceID] = newID
	}

	m.mcpMu.Lock()
	if mgr, ok := m.mcpManagers[oldID]; ok {
		delete(m.mcpManagers, oldID)
		m.mcpManagers[newID] = mgr
	}
	m.mcpMu.Unlock()
}

// handlePermissionRequest is the canUseTool callback path. It reads
// sess.ID() fresh at call time rather than closing over a cached string,
// so a request arriving the instant before promotion still resolves
// against the post-promotion ID; permission.Handler itself only ever
// stores that string, never a pointer back into the session table, which
// is what breaks the cyclic ownership between the two.
func (m *Manager) handlePermissionRequest(sess *Session, workspaceID string, req protocol.PermissionRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	decision, err := m.permissions.Request(ctx, sess.ID(), workspaceID, req)
	if err != nil {
		decision = protocol.PermissionDecision{Behavior: "deny", Message: err.Error(), ToolUseID: req.ToolUseID}
	}

	if sendErr := sess.proc.Send(map[string]interface{}{
		"type":      "permission_response",
		"toolUseId": req.ToolUseID,
		"decision":  decision,
	}); sendErr != nil {
		m.logger.Warn("failed to deliver permission decision to vendor process", zap.Error(sendErr), zap.String("session_id", sess.ID()))
	}
}
