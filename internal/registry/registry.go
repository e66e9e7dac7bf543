package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/common/logger"
)

// Registry is the process-wide session registry: a single global
// instance bracketing the bridge process lifecycle. All mutations go
// through one in-process mutex, a single-writer discipline — there is no
// separate writer actor/goroutine because a mutex-guarded atomic write
// already serializes writers without introducing another channel-shaped
// moving part.
type Registry struct {
	path   string
	mu     sync.Mutex
	doc    *document
	logger *logger.Logger
}

// New loads the registry document from path, or starts empty (and
// schedules an immediate clean write) if the file is missing or corrupt.
func New(path string, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		path:   path,
		logger: log.WithFields(zap.String("component", "registry")),
	}

	doc, ok := load(path)
	r.doc = doc
	if !ok {
		r.logger.Warn("registry file missing or corrupt, starting empty", zap.String("path", path))
		if err := atomicWrite(path, doc); err != nil {
			return nil, fmt.Errorf("failed to write initial registry: %w", err)
		}
	}
	return r, nil
}

func (r *Registry) flushLocked() error {
	return atomicWrite(r.path, r.doc)
}

// Visible returns a workspace's visible sessions in stored order.
func (r *Registry) Visible(workspaceID string) []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.doc.Workspaces[workspaceID]
	if !ok {
		return nil
	}
	return r.entriesFor(w.VisibleSessionIDs)
}

// Archived returns a workspace's archived sessions in stored order.
func (r *Registry) Archived(workspaceID string) []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.doc.Workspaces[workspaceID]
	if !ok {
		return nil
	}
	return r.entriesFor(w.ArchivedSessionIDs)
}

func (r *Registry) entriesFor(ids []string) []RegistryEntry {
	out := make([]RegistryEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.doc.Sessions[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Scan reads the vendor's on-disk transcript directory for a workspace
// and returns candidate sessions not already imported. A transcript file
// that cannot be read yields an entry with Status = missing rather than
// being skipped.
func (r *Registry) Scan(workspaceID, transcriptsDir string) ([]RegistryEntry, error) {
	r.mu.Lock()
	known := make(map[string]bool)
	if w, ok := r.doc.Workspaces[workspaceID]; ok {
		for _, id := range w.VisibleSessionIDs {
			known[id] = true
		}
		for _, id := range w.ArchivedSessionIDs {
			known[id] = true
		}
	}
	r.mu.Unlock()

	entries, err := os.ReadDir(transcriptsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var candidates []RegistryEntry
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sessionID := sessionIDFromTranscriptName(entry.Name())
		if sessionID == "" || known[sessionID] {
			continue
		}

		path := filepath.Join(transcriptsDir, entry.Name())
		info, statErr := entry.Info()
		status := StatusActive
		if statErr != nil {
			status = StatusMissing
		} else if f, openErr := os.Open(path); openErr != nil {
			status = StatusMissing
		} else {
			f.Close()
		}

		modTime := time.Now()
		if info != nil {
			modTime = info.ModTime()
		}

		candidates = append(candidates, RegistryEntry{
			SessionID:      sessionID,
			TranscriptPath: path,
			LastActivity:   modTime,
			Status:         status,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastActivity.Before(candidates[j].LastActivity)
	})

	return candidates, nil
}

func sessionIDFromTranscriptName(name string) string {
	ext := filepath.Ext(name)
	if ext != ".jsonl" && ext != ".json" {
		return ""
	}
	return name[:len(name)-len(ext)]
}

// Import adds sessionIDs to a workspace's visible list (deduplicated)
// and records the given snapshots into the sessions map.
func (r *Registry) Import(workspaceID string, sessionIDs []string, snapshots []RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range snapshots {
		snap := snapshots[i]
		r.doc.Sessions[snap.SessionID] = &snap
	}

	w := r.doc.workspace(workspaceID)
	for _, id := range sessionIDs {
		if !containsString(w.VisibleSessionIDs, id) {
			w.VisibleSessionIDs = append(w.VisibleSessionIDs, id)
		}
	}

	return r.flushLocked()
}

// Archive moves sessionID from visible to archived. It never deletes the
// sessions map entry or touches the on-disk transcript.
func (r *Registry) Archive(workspaceID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.doc.workspace(workspaceID)
	w.VisibleSessionIDs = removeString(w.VisibleSessionIDs, sessionID)
	if !containsString(w.ArchivedSessionIDs, sessionID) {
		w.ArchivedSessionIDs = append(w.ArchivedSessionIDs, sessionID)
	}

	return r.flushLocked()
}

// Unarchive is Archive's inverse; restored sessions are appended to the
// tail of the visible list, so round-tripping archive/unarchive restores
// visible ordering modulo insertion at the tail.
func (r *Registry) Unarchive(workspaceID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.doc.workspace(workspaceID)
	w.ArchivedSessionIDs = removeString(w.ArchivedSessionIDs, sessionID)
	if !containsString(w.VisibleSessionIDs, sessionID) {
		w.VisibleSessionIDs = append(w.VisibleSessionIDs, sessionID)
	}

	return r.flushLocked()
}

// Register is called on a session's first Active transition with a real
// ID: it creates the RegistryEntry and makes it visible.
func (r *Registry) Register(workspaceID string, entry RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.LastActivity = entry.CreatedAt
	entry.Preview = truncatePreview(entry.Preview)
	if entry.Status == "" {
		entry.Status = StatusActive
	}

	r.doc.Sessions[entry.SessionID] = &entry

	w := r.doc.workspace(workspaceID)
	if !containsString(w.VisibleSessionIDs, entry.SessionID) {
		w.VisibleSessionIDs = append(w.VisibleSessionIDs, entry.SessionID)
	}

	return r.flushLocked()
}

// Touch updates a session's lastActivity and, if non-empty, its preview.
// Called on each user/assistant message completion.
func (r *Registry) Touch(sessionID, preview string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.doc.Sessions[sessionID]
	if !ok {
		return fmt.Errorf("registry: touch on unknown session %q", sessionID)
	}

	entry.LastActivity = time.Now().UTC()
	if preview != "" {
		entry.Preview = truncatePreview(preview)
	}

	return r.flushLocked()
}

// MarkMissing flags a session's transcript as unreadable without
// removing it from any index.
func (r *Registry) MarkMissing(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.doc.Sessions[sessionID]
	if !ok {
		return fmt.Errorf("registry: mark-missing on unknown session %q", sessionID)
	}
	entry.Status = StatusMissing
	return r.flushLocked()
}
