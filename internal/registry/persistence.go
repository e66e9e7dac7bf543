package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// load reads path into a document. A missing or corrupt file returns an
// empty document and ok=false so the caller can schedule a clean write.
func load(path string) (*document, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return newDocument(), false
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return newDocument(), false
	}
	if doc.Workspaces == nil {
		doc.Workspaces = make(map[string]*workspaceEntry)
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]*RegistryEntry)
	}
	return &doc, true
}

// atomicWrite serializes doc and writes it to path via a sibling
// temporary file, fsync, then rename, so a crash mid-write leaves the
// prior file intact rather than a partial one.
func atomicWrite(path string, doc *document) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
