package mcpconfig

import (
	"context"
	"sort"
	"sync"

	"github.com/kandev/agentbridge/internal/protocol"
)

// Manager holds the per-session resolved MCP server set and answers
// mcp/status and mcp/set. One Manager is created per session at
// session/start, seeded from StartOptions.MCPServers.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]ServerDef
	prober  *Prober
}

func NewManager(initial map[string]ServerDef, prober *Prober) *Manager {
	servers := make(map[string]ServerDef, len(initial))
	for k, v := range initial {
		servers[k] = v
	}
	return &Manager{servers: servers, prober: prober}
}

// Status answers mcp/status: a probe of every currently configured
// server, sorted by name for a stable response.
func (m *Manager) Status(ctx context.Context) []protocol.McpServerStatus {
	m.mu.RLock()
	snapshot := make(map[string]ServerDef, len(m.servers))
	for k, v := range m.servers {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	results := m.prober.ProbeAll(ctx, snapshot)
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	out := make([]protocol.McpServerStatus, 0, len(results))
	for _, r := range results {
		out = append(out, protocol.McpServerStatus{
			Name:      r.Name,
			Type:      string(r.Type),
			Connected: r.Connected,
			Error:     r.Error,
		})
	}
	return out
}

// Set applies mcp/set's desired server map, diffing against the current
// set. Added servers are probed immediately so a bad config surfaces in
// the same response instead of silently failing on first tool use;
// removed servers are simply dropped, no live connection to tear down
// since Status's probes are always short-lived.
func (m *Manager) Set(ctx context.Context, desired map[string]ServerDef) (added, removed []string, errs map[string]string) {
	m.mu.Lock()
	var toAdd, toRemove []string
	for name := range desired {
		if _, exists := m.servers[name]; !exists {
			toAdd = append(toAdd, name)
		}
	}
	for name := range m.servers {
		if _, exists := desired[name]; !exists {
			toRemove = append(toRemove, name)
		}
	}
	for _, name := range toRemove {
		delete(m.servers, name)
	}
	for _, name := range toAdd {
		m.servers[name] = desired[name]
	}
	snapshot := make(map[string]ServerDef, len(toAdd))
	for _, name := range toAdd {
		snapshot[name] = desired[name]
	}
	m.mu.Unlock()

	errs = make(map[string]string)
	for _, r := range m.prober.ProbeAll(ctx, snapshot) {
		if !r.Connected {
			errs[r.Name] = r.Error
		}
	}

	sort.Strings(toAdd)
	sort.Strings(toRemove)
	return toAdd, toRemove, errs
}

// FromProtocol converts mcp/set's wire config map into ServerDefs.
func FromProtocol(in map[string]protocol.McpServerConfig) map[string]ServerDef {
	out := make(map[string]ServerDef, len(in))
	for name, cfg := range in {
		out[name] = ServerDef{
			Type:    ServerType(cfg.Type),
			Command: cfg.Command,
			Args:    cfg.Args,
			URL:     cfg.URL,
			Env:     cfg.Env,
		}
	}
	return out
}
