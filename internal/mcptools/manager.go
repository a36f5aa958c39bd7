// Package mcptools connects to configured MCP servers and exposes
// their tools to provider sessions through the transport.ToolRunner
// contract.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// ServerStatus reports the connection status of one MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// boundTool is one discovered tool, registered under its exposed name.
type boundTool struct {
	state    *serverState
	original string // name on the server, before any prefix
	spec     providers.ToolSpec
	timeout  time.Duration
}

// Manager connects the configured servers, discovers their tools and
// routes tool calls. Exposed names are unique across servers; on a
// collision the later tool is skipped.
type Manager struct {
	log     *slog.Logger
	configs map[string]*config.MCPServerConfig

	mu      sync.RWMutex
	servers map[string]*serverState
	tools   map[string]*boundTool
}

// NewManager creates a manager over static server configs.
func NewManager(cfgs map[string]*config.MCPServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		log:     logger.With("component", "mcptools"),
		configs: cfgs,
		servers: make(map[string]*serverState),
		tools:   make(map[string]*boundTool),
	}
}

// Start connects to all enabled servers. Non-fatal: servers that fail
// to connect are reported in the returned error but do not prevent the
// rest from coming up.
func (m *Manager) Start(ctx context.Context) error {
	var errs []string
	for name, cfg := range m.configs {
		if !cfg.IsEnabled() {
			m.log.Info("mcp server disabled", "server", name)
			continue
		}
		if err := m.connectServer(ctx, name, cfg); err != nil {
			m.log.Warn("mcp server connect failed", "server", name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("mcptools: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Stop closes all server connections and drops their tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			if err := ss.client.Close(); err != nil {
				m.log.Debug("mcp server close error", "server", name, "error", err)
			}
		}
	}
	m.servers = make(map[string]*serverState)
	m.tools = make(map[string]*boundTool)
}

// Specs returns the tool specs of every registered tool, sorted by
// name so requests are deterministic.
func (m *Manager) Specs() []providers.ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	specs := make([]providers.ToolSpec, 0, len(m.tools))
	for _, bt := range m.tools {
		specs = append(specs, bt.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Call invokes a tool by its exposed name. The bool reports whether
// the tool itself returned an error result.
func (m *Manager) Call(ctx context.Context, name string, input json.RawMessage) (string, bool, error) {
	m.mu.RLock()
	bt, ok := m.tools[name]
	m.mu.RUnlock()
	if !ok {
		return "", false, fmt.Errorf("mcptools: unknown tool %q", name)
	}
	if !bt.state.connected.Load() {
		return "", false, fmt.Errorf("mcptools: server %s is disconnected", bt.state.name)
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = bt.original
	if len(input) > 0 {
		var args map[string]any
		if err := json.Unmarshal(input, &args); err != nil {
			return "", false, fmt.Errorf("mcptools: decode arguments for %s: %w", name, err)
		}
		req.Params.Arguments = args
	}

	cctx, cancel := context.WithTimeout(ctx, bt.timeout)
	defer cancel()
	res, err := bt.state.client.CallTool(cctx, req)
	if err != nil {
		return "", false, fmt.Errorf("mcptools: call %s: %w", name, err)
	}

	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String(), res.IsError, nil
}

// Status returns the connection status of every server.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		toolCount := 0
		for _, bt := range m.tools {
			if bt.state == ss {
				toolCount++
			}
		}
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		statuses = append(statuses, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: toolCount,
			Error:     lastErr,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// boundName is the exposed tool name after applying the server's
// optional prefix.
func boundName(prefix, name string) string {
	return prefix + name
}

// schemaMap converts a tool's input schema into the JSON Schema object
// the provider request expects. Unmarshalable or empty schemas fall
// back to an unconstrained object.
func schemaMap(schema any) map[string]any {
	if raw, err := json.Marshal(schema); err == nil {
		var out map[string]any
		if json.Unmarshal(raw, &out) == nil && len(out) > 0 {
			return out
		}
	}
	return map[string]any{"type": "object"}
}

type serverState struct {
	name      string
	transport string
	client    mcpClient
	connected atomic.Bool
	cancel    context.CancelFunc

	mu      sync.Mutex
	lastErr string
}
