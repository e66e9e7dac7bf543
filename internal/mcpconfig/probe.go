package mcpconfig

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/common/logger"
)

// Prober dials each configured MCP server with a short-lived client and
// reports whether the initialize handshake succeeds. It never keeps the
// connection open afterward — mcp/status is a point-in-time check, the
// live connection used during a turn belongs to the vendor process
// itself, not the bridge.
type Prober struct {
	timeout time.Duration
	logger  *logger.Logger
}

func NewProber(timeout time.Duration, log *logger.Logger) *Prober {
	return &Prober{
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "mcp-prober")),
	}
}

// ProbeAll probes every named server concurrently and returns one Status
// per entry, in the order servers was iterated (callers that need stable
// order should sort by Name).
func (p *Prober) ProbeAll(ctx context.Context, servers map[string]ServerDef) []Status {
	var wg sync.WaitGroup
	results := make([]Status, len(servers))

	i := 0
	for name, def := range servers {
		idx := i
		i++
		n, d := name, def
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[idx] = p.probeOne(ctx, n, d)
		}()
	}
	wg.Wait()

	return results
}

func (p *Prober) probeOne(ctx context.Context, name string, def ServerDef) Status {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	mcpClient, err := p.dial(def)
	if err != nil {
		return Status{Name: name, Type: def.Type, Connected: false, Error: err.Error()}
	}
	defer mcpClient.Close()

	if err := mcpClient.Start(ctx); err != nil {
		return Status{Name: name, Type: def.Type, Connected: false, Error: err.Error()}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentbridge", Version: "1.0.0"}

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		p.logger.Debug("mcp server probe failed", zap.String("server", name), zap.Error(err))
		return Status{Name: name, Type: def.Type, Connected: false, Error: err.Error()}
	}

	return Status{Name: name, Type: def.Type, Connected: true}
}

func (p *Prober) dial(def ServerDef) (*client.Client, error) {
	switch def.Type {
	case ServerTypeStdio, "":
		if def.Command == "" {
			return nil, fmt.Errorf("stdio server missing command")
		}
		env := make([]string, 0, len(def.Env))
		for k, v := range def.Env {
			env = append(env, k+"="+v)
		}
		return client.NewStdioMCPClient(def.Command, env, def.Args...)

	case ServerTypeSSE:
		if def.URL == "" {
			return nil, fmt.Errorf("sse server missing url")
		}
		return client.NewSSEMCPClient(def.URL)

	case ServerTypeStreamableHTTP, ServerTypeHTTP:
		if def.URL == "" {
			return nil, fmt.Errorf("http server missing url")
		}
		return client.NewStreamableHttpClient(def.URL)

	default:
		return nil, fmt.Errorf("unsupported mcp server type %q", def.Type)
	}
}
