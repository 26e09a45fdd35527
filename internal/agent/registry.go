package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mcp "github.com/metoro-io/mcp-golang"
	mcphttp "github.com/metoro-io/mcp-golang/transport/http"
	"github.com/rs/zerolog/log"
)

const clientVersion = "1.0.0"

// ServerConfig describes one MCP server the registry connects to.
type ServerConfig struct {
	Alias         string        `json:"alias" mapstructure:"alias"`
	URL           string        `json:"url" mapstructure:"url"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`
	DisabledTools []string      `json:"disabled_tools" mapstructure:"disabled_tools"`
}

// toolClient is the slice of the MCP client the registry needs. Tests swap
// in a fake via the factory.
type toolClient interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

type clientFactory func(cfg ServerConfig) toolClient

// Registry aggregates tools from multiple MCP servers under qualified
// names and enforces per-server disabled lists.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]toolClient
	disabled map[string]map[string]struct{}
}

// RegistryOption adjusts registry construction.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	factory clientFactory
}

func withClientFactory(factory clientFactory) RegistryOption {
	return func(o *registryOptions) { o.factory = factory }
}

func NewRegistry(servers []ServerConfig, opts ...RegistryOption) (*Registry, error) {
	options := registryOptions{factory: newMCPToolClient}
	for _, opt := range opts {
		opt(&options)
	}

	registry := &Registry{
		clients:  make(map[string]toolClient),
		disabled: make(map[string]map[string]struct{}),
	}

	for _, server := range servers {
		alias := strings.TrimSpace(server.Alias)
		if alias == "" {
			return nil, fmt.Errorf("mcp server with empty alias")
		}
		if _, exists := registry.clients[alias]; exists {
			return nil, fmt.Errorf("duplicate mcp server alias %q", alias)
		}

		registry.clients[alias] = options.factory(server)
		registry.disabled[alias] = normalizeDisabled(alias, server.DisabledTools)
	}

	return registry, nil
}

// normalizeDisabled lowers disabled entries to short tool names. Operators
// may list either "short_name" or "alias__short_name"; both forms gate the
// same tool.
func normalizeDisabled(alias string, entries []string) map[string]struct{} {
	set := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		name := strings.TrimSpace(entry)
		if name == "" {
			continue
		}
		if entryAlias, short, ok := SplitQualified(name); ok && entryAlias == alias {
			name = short
		}
		set[name] = struct{}{}
	}
	return set
}

// ListTools discovers tools across all servers. Unreachable servers are
// skipped with a warning so one bad server does not take out the catalog,
// but losing every server is fatal.
func (r *Registry) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tools []ToolDescriptor
	failures := 0
	for alias, client := range r.clients {
		discovered, err := client.ListTools(ctx)
		if err != nil {
			log.Warn().Err(err).Str("server", alias).Msg("tool discovery failed")
			failures++
			continue
		}
		for _, tool := range discovered {
			if _, off := r.disabled[alias][tool.Name]; off {
				continue
			}
			tool.Alias = alias
			tools = append(tools, tool)
		}
	}

	if failures > 0 && failures == len(r.clients) {
		return nil, fmt.Errorf("all %d mcp servers unreachable", failures)
	}
	return tools, nil
}

// CallTool routes a qualified tool name to its server. Disabled tools are
// rejected even if a caller bypassed discovery.
func (r *Registry) CallTool(ctx context.Context, qualified string, args map[string]any) (string, error) {
	alias, name, ok := SplitQualified(qualified)
	if !ok {
		return "", fmt.Errorf("malformed tool name %q", qualified)
	}

	r.mu.RLock()
	client, exists := r.clients[alias]
	_, off := r.disabled[alias][name]
	r.mu.RUnlock()

	if !exists {
		return "", fmt.Errorf("unknown mcp server %q", alias)
	}
	if off {
		return "", fmt.Errorf("tool %q is disabled on server %q", name, alias)
	}

	return client.CallTool(ctx, name, args)
}

// mcpToolClient wraps one MCP server connection, initializing lazily on
// first use.
type mcpToolClient struct {
	cfg    ServerConfig
	client *mcp.Client

	mu          sync.Mutex
	initialized bool
}

func newMCPToolClient(cfg ServerConfig) toolClient {
	transport := mcphttp.NewHTTPClientTransport(cfg.URL)
	client := mcp.NewClientWithInfo(transport, mcp.ClientInfo{
		Name:    "hitl-agent",
		Version: clientVersion,
	})
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &mcpToolClient{cfg: cfg, client: client}
}

func (c *mcpToolClient) ensureInitialized(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}
	if _, err := c.client.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize mcp client: %w", err)
	}
	c.initialized = true
	return nil
}

func (c *mcpToolClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	listCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.ensureInitialized(listCtx); err != nil {
		return nil, err
	}

	resp, err := c.client.ListTools(listCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make([]ToolDescriptor, 0, len(resp.Tools))
	for _, tool := range resp.Tools {
		description := ""
		if tool.Description != nil {
			description = *tool.Description
		}
		tools = append(tools, ToolDescriptor{
			Name:        tool.Name,
			Description: description,
			Schema:      tool.InputSchema,
		})
	}
	return tools, nil
}

func (c *mcpToolClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.ensureInitialized(callCtx); err != nil {
		return "", err
	}

	resp, err := c.client.CallTool(callCtx, name, args)
	if err != nil {
		return "", fmt.Errorf("call tool %q: %w", name, err)
	}

	return flattenToolResponse(resp), nil
}

func flattenToolResponse(resp *mcp.ToolResponse) string {
	if resp == nil {
		return ""
	}

	var parts []string
	for _, content := range resp.Content {
		if content == nil || content.TextContent == nil {
			continue
		}
		parts = append(parts, content.TextContent.Text)
	}
	return strings.Join(parts, "\n")
}
