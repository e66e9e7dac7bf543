package session

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/kandev/agentbridge/internal/bridgeerrors"
)

// FileRewind is one file's before/after snapshot pair discarded by a
// rewind, recorded by the bridge from file-editing tool results when
// file-checkpointing is enabled.
type FileRewind struct {
	Path   string
	Before string
	After  string
}

// RewindResult answers session/rewind.
type RewindResult struct {
	CanRewind    bool
	Error        string
	FilesChanged int
	Insertions   int
	Deletions    int
}

// computeRewindDiff sums insertions/deletions across every file a rewind
// would discard: a DiffLinesToChars + DiffMain + DiffCharsToLines
// line-diff per file, counting inserted/deleted lines, rolled up across
// the whole checkpoint set.
func computeRewindDiff(files []FileRewind) RewindResult {
	result := RewindResult{CanRewind: true}

	dmp := diffmatchpatch.New()
	for _, f := range files {
		if f.Before == f.After {
			continue
		}
		result.FilesChanged++

		a, b, lineArray := dmp.DiffLinesToChars(f.Before, f.After)
		diffs := dmp.DiffMain(a, b, false)
		diffs = dmp.DiffCharsToLines(diffs, lineArray)

		for _, d := range diffs {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				result.Insertions += countLines(d.Text)
			case diffmatchpatch.DiffDelete:
				result.Deletions += countLines(d.Text)
			}
		}
	}

	return result
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}

// Rewind answers session/rewind. It requires file-checkpointing to have
// been enabled at session/start; the before/after file
// snapshots it diffs come from the session's CheckpointStore, recorded as
// file-editing tool calls complete since userMessageId — the bridge never
// asks the caller for raw file contents. It only reports the diff: no
// file is rolled back, nothing is sent to the vendor process, and the
// command's dryRun flag makes no difference.
func (m *Manager) Rewind(sessionID, userMessageID string) (RewindResult, error) {
	sess, ok := m.lookup(sessionID)
	if !ok {
		return RewindResult{}, bridgeerrors.SessionNotFound(sessionID)
	}
	if !sess.checkpointing {
		return RewindResult{CanRewind: false, Error: "file checkpointing was not enabled for this session"}, nil
	}

	files := m.checkpoints.Since(sessionID, userMessageID)
	return computeRewindDiff(files), nil
}
