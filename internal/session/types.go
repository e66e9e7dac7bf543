// Package session owns the authoritative per-session state machine and
// the workspace -> sessionId index. One manager folds together the
// instance table, the per-session client and notification handling, and
// pending-ID-to-real-ID promotion, since this module has no separate
// container-lifecycle layer to split against.
package session

import (
	"io"
	"sync"
	"time"

	"github.com/kandev/agentbridge/internal/process"
)

// Status is a session's position in its state machine.
type Status string

const (
	StatusStarting Status = "Starting"
	StatusActive   Status = "Active"
	StatusClosing  Status = "Closing"
	StatusClosed   Status = "Closed"
)

// StartOptions mirrors session/start's params, minus workspaceId/cwd
// which Manager.Start takes as explicit arguments.
type StartOptions struct {
	Model                   string
	PermissionMode          string // default, acceptEdits, plan, dontAsk
	ClaudeCodeBin           string
	EnableFileCheckpointing bool
	MCPServers              map[string]string
	Plugins                 []string
	Agents                  []string
}

// inputItem is one user turn queued on a session's input stream.
type inputItem struct {
	messageID string
	text      string
	blocks    []contentBlock
}

type contentBlock struct {
	text      string
	mediaType string
	data      string // base64
	isImage   bool
}

// Session is the authoritative per-conversation record. Its SessionID
// mutates exactly once, from a locally-minted pending form to the
// vendor-assigned real form; Manager rewrites the table key under its
// exclusive guard when that happens.
type Session struct {
	mu sync.RWMutex

	sessionID   string
	workspaceID string
	cwd         string
	status      Status
	createdAt   time.Time

	proc  process.AgentProcess
	input chan inputItem

	checkpointing bool
	writerClosed  bool
	lastMessageID string
}

func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

var _ io.Closer = (*inputCloser)(nil)

// inputCloser lets Manager.Close close a session's input channel exactly
// once. It takes the write lock, and SendMessage holds the read lock across
// its writerClosed check and send, so a send never hits a closed channel.
type inputCloser struct {
	s *Session
}

func (c *inputCloser) Close() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.writerClosed {
		return nil
	}
	c.s.writerClosed = true
	close(c.s.input)
	return nil
}
