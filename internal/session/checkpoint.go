package session

import "sync"

// checkpointEntry is one file snapshot taken when a file-editing tool
// completes during a checkpointed session, tagged with the user message
// that triggered the turn it happened in.
type checkpointEntry struct {
	messageID string
	file      FileRewind
}

// CheckpointStore records before/after file snapshots per session, in
// arrival order, so Manager.Rewind can answer "what would discarding
// everything since userMessageId change" without the bridge needing to
// re-read the vendor's own checkpoint format. Populated from tool_result
// payloads that carry file-edit snapshots (Write/Edit/MultiEdit-shaped
// tools); sessions that never enable file-checkpointing never populate
// this store (session.checkpointing gates recording, not just Rewind).
type CheckpointStore struct {
	mu   sync.Mutex
	byID map[string][]checkpointEntry
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{byID: make(map[string][]checkpointEntry)}
}

// Record appends one file snapshot, associated with the user message
// whose turn produced it.
func (c *CheckpointStore) Record(sessionID, messageID string, f FileRewind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[sessionID] = append(c.byID[sessionID], checkpointEntry{messageID: messageID, file: f})
}

// Since returns every file snapshot recorded at or after userMessageID,
// per session/rewind's "discard everything after this message" contract.
func (c *CheckpointStore) Since(sessionID, userMessageID string) []FileRewind {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.byID[sessionID]
	start := -1
	for i, e := range entries {
		if e.messageID == userMessageID {
			start = i
			break
		}
	}
	if start == -1 {
		return nil
	}

	out := make([]FileRewind, 0, len(entries)-start)
	for _, e := range entries[start:] {
		out = append(out, e.file)
	}
	return out
}

// Drop discards a closed session's checkpoint history.
func (c *CheckpointStore) Drop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, sessionID)
}
