// Package mcpconfig resolves and probes MCP server configuration for a
// session: the backing of the mcp/status and mcp/set methods. Config
// resolution follows a ServerDef/ServerType shape, with no policy or
// transport allow-list applied; the actual stdio/SSE/HTTP probe is
// supplied by github.com/mark3labs/mcp-go/client.
package mcpconfig

// ServerType mirrors protocol.McpServerConfig.Type: the transport used to
// reach one configured MCP server.
type ServerType string

const (
	ServerTypeStdio          ServerType = "stdio"
	ServerTypeHTTP           ServerType = "http"
	ServerTypeSSE            ServerType = "sse"
	ServerTypeStreamableHTTP ServerType = "streamable_http"
)

// ServerDef is one entry of session/start's or mcp/set's servers map.
type ServerDef struct {
	Type    ServerType        `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Status is the outcome of probing one configured server.
type Status struct {
	Name      string
	Type      ServerType
	Connected bool
	Error     string
}
