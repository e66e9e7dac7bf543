package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbridge/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestRegisterAndVisible(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	r, err := New(path, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, r.Register("w1", RegistryEntry{SessionID: "s1", Cwd: "/p", Preview: "hi"}))

	visible := r.Visible("w1")
	require.Len(t, visible, 1)
	assert.Equal(t, "s1", visible[0].SessionID)
	assert.Equal(t, StatusActive, visible[0].Status)
}

func TestArchiveUnarchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	r, err := New(path, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, r.Register("w1", RegistryEntry{SessionID: "s1", Cwd: "/p"}))
	require.NoError(t, r.Archive("w1", "s1"))

	assert.Empty(t, r.Visible("w1"))
	archived := r.Archived("w1")
	require.Len(t, archived, 1)
	assert.Equal(t, "s1", archived[0].SessionID)

	require.NoError(t, r.Unarchive("w1", "s1"))
	assert.Empty(t, r.Archived("w1"))
	visible := r.Visible("w1")
	require.Len(t, visible, 1)
	assert.Equal(t, "s1", visible[0].SessionID)
}

func TestArchiveNeverDeletesSessionEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	r, err := New(path, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, r.Register("w1", RegistryEntry{SessionID: "s1", Cwd: "/p", TranscriptPath: "/t/s1.jsonl"}))
	require.NoError(t, r.Archive("w1", "s1"))

	r.mu.Lock()
	entry, ok := r.doc.Sessions["s1"]
	r.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "/t/s1.jsonl", entry.TranscriptPath)
}

func TestDurabilityAcrossColdStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	r1, err := New(path, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, r1.Register("w1", RegistryEntry{SessionID: "s1", Cwd: "/p"}))
	require.NoError(t, r1.Archive("w1", "s1"))

	r2, err := New(path, testLogger(t))
	require.NoError(t, err)
	assert.Empty(t, r2.Visible("w1"))
	assert.Len(t, r2.Archived("w1"), 1)
}

func TestCorruptFileStartsEmptyAndSelfHeals(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	r, err := New(path, testLogger(t))
	require.NoError(t, err)
	assert.Empty(t, r.Visible("w1"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version"`)
}

func TestTouchUpdatesPreviewAndActivity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	r, err := New(path, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, r.Register("w1", RegistryEntry{SessionID: "s1", Cwd: "/p"}))
	before := r.Visible("w1")[0].LastActivity

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Touch("s1", "updated preview"))

	after := r.Visible("w1")[0]
	assert.Equal(t, "updated preview", after.Preview)
	assert.True(t, after.LastActivity.After(before))
}

func TestTouchUnknownSessionErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	r, err := New(path, testLogger(t))
	require.NoError(t, err)

	assert.Error(t, r.Touch("missing", "x"))
}

func TestPreviewTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	r, err := New(path, testLogger(t))
	require.NoError(t, err)

	long := "this is a very long preview string that exceeds the display budget by a wide margin"
	require.NoError(t, r.Register("w1", RegistryEntry{SessionID: "s1", Cwd: "/p", Preview: long}))

	got := r.Visible("w1")[0].Preview
	assert.LessOrEqual(t, len([]rune(got)), previewRuneBudget)
}

func TestScanListsOnlyTranscriptFiles(t *testing.T) {
	transcripts := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(transcripts, "abc.jsonl"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(transcripts, "not-a-transcript.txt"), []byte("x"), 0o644))

	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	r, err := New(path, testLogger(t))
	require.NoError(t, err)

	candidates, err := r.Scan("w1", transcripts)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "abc", candidates[0].SessionID)
}

func TestScanExcludesAlreadyImported(t *testing.T) {
	transcripts := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(transcripts, "s1.jsonl"), []byte("{}"), 0o644))

	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	r, err := New(path, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, r.Register("w1", RegistryEntry{SessionID: "s1", Cwd: "/p"}))

	candidates, err := r.Scan("w1", transcripts)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}
