package mcptools

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

const healthCheckInterval = 30 * time.Second

// mcpClient is the subset of the mcp-go client the manager drives.
// Narrowed so tests can substitute a scripted server.
type mcpClient interface {
	Initialize(ctx context.Context, req mcpgo.InitializeRequest) (*mcpgo.InitializeResult, error)
	ListTools(ctx context.Context, req mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error)
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// connectServer creates a client, runs the MCP handshake, discovers
// tools and registers them under the server's prefix.
func (m *Manager) connectServer(ctx context.Context, name string, cfg *config.MCPServerConfig) error {
	client, err := createClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// SSE and streamable-http transports need an explicit Start; stdio
	// starts on creation.
	if cfg.Transport != "" && cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "swarmgate",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	transportType := cfg.Transport
	if transportType == "" {
		transportType = "stdio"
	}

	ss := &serverState{
		name:      name,
		transport: transportType,
		client:    client,
	}
	ss.connected.Store(true)

	m.mu.Lock()
	registered := 0
	for _, tool := range toolsResult.Tools {
		exposed := boundName(cfg.ToolPrefix, tool.Name)
		if _, exists := m.tools[exposed]; exists {
			m.log.Warn("mcp tool name collision", "server", name, "tool", exposed, "action", "skipped")
			continue
		}
		m.tools[exposed] = &boundTool{
			state:    ss,
			original: tool.Name,
			timeout:  time.Duration(timeoutSec) * time.Second,
			spec: providers.ToolSpec{
				Name:        exposed,
				Description: tool.Description,
				InputSchema: schemaMap(tool.InputSchema),
			},
		}
		registered++
	}
	m.servers[name] = ss
	m.mu.Unlock()

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.log.Info("mcp server connected", "server", name, "transport", transportType, "tools", registered)
	return nil
}

// createClient builds the mcp-go client for the configured transport.
func createClient(cfg *config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "", "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, mapToEnvSlice(cfg.Env), cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", cfg.Transport)
	}
}

// healthLoop pings the server periodically and tracks its liveness.
// Calls against a disconnected server fail fast until a ping succeeds
// again; most transports reconnect on their own underneath.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ss.client.Ping(ctx)
			// Servers without a "ping" handler are still alive.
			if err != nil && strings.Contains(strings.ToLower(err.Error()), "method not found") {
				err = nil
			}
			if err != nil {
				ss.connected.Store(false)
				ss.mu.Lock()
				ss.lastErr = err.Error()
				ss.mu.Unlock()
				m.log.Warn("mcp server health check failed", "server", ss.name, "error", err)
				continue
			}
			ss.connected.Store(true)
			ss.mu.Lock()
			ss.lastErr = ""
			ss.mu.Unlock()
		}
	}
}

func mapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}
