package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// FileProvider resolves credentials from a flat JSON object on disk
// (key -> value), for deployments that can't set process environment
// variables directly.
type FileProvider struct {
	path string
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Name() string { return "file:" + p.path }

func (p *FileProvider) load() (map[string]string, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, err
	}
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func (p *FileProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	values, err := p.load()
	if err != nil {
		return nil, err
	}
	value, ok := values[key]
	if !ok {
		return nil, fmt.Errorf("credential not found: %s", key)
	}
	return &Credential{Key: key, Value: value, Source: p.Name()}, nil
}

func (p *FileProvider) ListAvailable(ctx context.Context) ([]string, error) {
	values, err := p.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	return keys, nil
}
