package credentials

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/common/logger"
)

// Credential is one resolved secret value plus where it came from, so
// callers (and logs) can tell a file-provided key apart from one the
// user's shell exported.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// Provider resolves credentials from one backing source (environment,
// file, secret manager). The bridge ships EnvProvider and FileProvider;
// Manager lets callers register more without touching session startup
// code.
type Provider interface {
	Name() string
	GetCredential(ctx context.Context, key string) (*Credential, error)
	ListAvailable(ctx context.Context) ([]string, error)
}

// Manager aggregates Providers in registration order: the first
// provider to resolve a key wins, so callers that want a file override
// to beat the environment should add the file provider first.
type Manager struct {
	providers []Provider
	logger    *logger.Logger
}

func NewManager(log *logger.Logger) *Manager {
	return &Manager{logger: log.WithFields(zap.String("component", "credentials"))}
}

func (m *Manager) AddProvider(p Provider) {
	m.providers = append(m.providers, p)
	m.logger.Info("registered credential provider", zap.String("provider", p.Name()))
}

// GetCredential asks each provider in turn, returning the first hit.
func (m *Manager) GetCredential(ctx context.Context, key string) (*Credential, error) {
	for _, p := range m.providers {
		if cred, err := p.GetCredential(ctx, key); err == nil {
			return cred, nil
		}
	}
	return nil, fmt.Errorf("credential not found: %s", key)
}

// ListAvailable unions every provider's available keys, de-duplicated.
func (m *Manager) ListAvailable(ctx context.Context) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range m.providers {
		keys, err := p.ListAvailable(ctx)
		if err != nil {
			m.logger.Warn("provider failed to list credentials", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}
