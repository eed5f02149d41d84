// Package upstream implements the multiplexing MCP client manager core: a
// registry of upstream MCP server sessions (C1-C3), a notification/progress
// router forwarding upstream events to a single downstream session (C4),
// and an operation dispatcher translating upstream failures into mcpmux's
// error taxonomy and reacting to 401s with an OAuth flow (C5).
package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpmux/mcpmux/internal/configstore"
	"github.com/mcpmux/mcpmux/internal/downstream"
	mcperrors "github.com/mcpmux/mcpmux/internal/errors"
	"github.com/mcpmux/mcpmux/internal/oauthclient"
)

// Options configures a Manager.
type Options struct {
	Store             configstore.Store
	Auth              oauthclient.Manager
	Tracer            Tracer
	KeepAlive         bool
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	StopTimeout       time.Duration
	CallbackBaseURL   string
}

// Manager is the multiplexing MCP client manager: it is the single
// entrypoint downstream-facing code uses to reach any configured upstream
// MCP server.
type Manager struct {
	reg     *registry
	disp    *dispatcher
	started bool

	routersMu sync.Mutex
	routers   map[string]*router

	downstreamMu sync.RWMutex
	downstream   downstream.Sink
}

// New builds a Manager. It does not connect to any server until an
// operation is attempted (connections are established lazily, on demand).
func New(opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = 5 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}

	m := &Manager{
		routers: make(map[string]*router),
	}
	m.reg = newRegistry(opts.ConnectTimeout, opts.DisconnectTimeout, opts.StopTimeout, func(serverName string) *mcp.ClientOptions {
		return m.routerFor(serverName).clientOptions()
	})
	m.disp = &dispatcher{
		store:           opts.Store,
		reg:             m.reg,
		auth:            opts.Auth,
		tracer:          opts.Tracer,
		keepAlive:       opts.KeepAlive,
		callbackBaseURL: opts.CallbackBaseURL,
	}
	return m
}

func (m *Manager) routerFor(serverName string) *router {
	m.routersMu.Lock()
	defer m.routersMu.Unlock()
	r, ok := m.routers[serverName]
	if !ok {
		r = newRouter(serverName, m.currentDownstream)
		m.routers[serverName] = r
	}
	return r
}

func (m *Manager) currentDownstream() downstream.Sink {
	m.downstreamMu.RLock()
	defer m.downstreamMu.RUnlock()
	return m.downstream
}

// SetDownstream attaches the single downstream session notifications and
// progress are forwarded to. Passing nil detaches it; notifications are
// then dropped with a debug log rather than blocking.
func (m *Manager) SetDownstream(sink downstream.Sink) {
	m.downstreamMu.Lock()
	m.downstream = sink
	m.downstreamMu.Unlock()
}

// Start marks the manager as ready to serve operations. It is idempotent.
func (m *Manager) Start() {
	m.started = true
}

// Stop cancels every active session worker and waits (bounded by the
// manager's stop timeout) for cleanup to finish, returning how many
// sessions were torn down.
func (m *Manager) Stop(ctx context.Context) (int, error) {
	m.started = false
	return m.reg.stopAll(ctx)
}

type toolsListResult struct{ Tools map[string]*mcp.Tool }

// ListTools returns the upstream server's tools keyed by name.
func (m *Manager) ListTools(ctx context.Context, serverID string) (map[string]*mcp.Tool, error) {
	res, err := m.disp.withRetry(ctx, "tools_list", serverID, func(ctx context.Context, session *mcp.ClientSession) (any, error) {
		out, err := session.ListTools(ctx, nil)
		if err != nil {
			return nil, err
		}
		byName := make(map[string]*mcp.Tool, len(out.Tools))
		for _, t := range out.Tools {
			byName[t.Name] = t
		}
		return byName, nil
	})
	return asMap[*mcp.Tool](res, err)
}

// ListPrompts returns the upstream server's prompts keyed by name.
func (m *Manager) ListPrompts(ctx context.Context, serverID string) (map[string]*mcp.Prompt, error) {
	res, err := m.disp.withRetry(ctx, "prompts_list", serverID, func(ctx context.Context, session *mcp.ClientSession) (any, error) {
		out, err := session.ListPrompts(ctx, nil)
		if err != nil {
			return nil, err
		}
		byName := make(map[string]*mcp.Prompt, len(out.Prompts))
		for _, p := range out.Prompts {
			byName[p.Name] = p
		}
		return byName, nil
	})
	return asMap[*mcp.Prompt](res, err)
}

// ListResourceTemplates returns the upstream server's resource templates
// keyed by name.
func (m *Manager) ListResourceTemplates(ctx context.Context, serverID string) (map[string]*mcp.ResourceTemplate, error) {
	res, err := m.disp.withRetry(ctx, "resource_templates_list", serverID, func(ctx context.Context, session *mcp.ClientSession) (any, error) {
		out, err := session.ListResourceTemplates(ctx, nil)
		if err != nil {
			return nil, err
		}
		byName := make(map[string]*mcp.ResourceTemplate, len(out.ResourceTemplates))
		for _, t := range out.ResourceTemplates {
			byName[t.Name] = t
		}
		return byName, nil
	})
	return asMap[*mcp.ResourceTemplate](res, err)
}

// ListResources returns the upstream server's resources keyed by URI.
func (m *Manager) ListResources(ctx context.Context, serverID string) (map[string]*mcp.Resource, error) {
	res, err := m.disp.withRetry(ctx, "resources_list", serverID, func(ctx context.Context, session *mcp.ClientSession) (any, error) {
		out, err := session.ListResources(ctx, nil)
		if err != nil {
			return nil, err
		}
		byURI := make(map[string]*mcp.Resource, len(out.Resources))
		for _, r := range out.Resources {
			byURI[r.URI] = r
		}
		return byURI, nil
	})
	return asMap[*mcp.Resource](res, err)
}

// CapabilitiesResult aggregates the independent per-capability outcomes of
// DiscoverCapabilities: a capability that failed to list still allows the
// others to succeed.
type CapabilitiesResult struct {
	Tools             []*mcp.Tool
	Resources         []*mcp.Resource
	ResourceTemplates []*mcp.ResourceTemplate
	Prompts           []*mcp.Prompt
	Errors            map[string]error
}

// DiscoverCapabilities lists every capability kind independently, so that a
// server lacking (or failing) one capability does not prevent discovering
// the others.
func (m *Manager) DiscoverCapabilities(ctx context.Context, serverID string) CapabilitiesResult {
	result := CapabilitiesResult{Errors: make(map[string]error)}

	serverName := serverID
	if cfg, err := m.disp.resolveConfig(ctx, serverID); err == nil {
		serverName = cfg.Name
	}

	if tools, err := m.ListTools(ctx, serverID); err != nil {
		result.Errors["tools"] = err
	} else {
		for _, t := range tools {
			if t.Meta == nil {
				t.Meta = mcp.Meta{}
			}
			t.Meta["server_name"] = serverName
			result.Tools = append(result.Tools, t)
		}
	}

	if resources, err := m.ListResources(ctx, serverID); err != nil {
		result.Errors["resources"] = err
	} else {
		for _, r := range resources {
			result.Resources = append(result.Resources, r)
		}
	}

	if templates, err := m.ListResourceTemplates(ctx, serverID); err != nil {
		result.Errors["resource_templates"] = err
	} else {
		for _, t := range templates {
			result.ResourceTemplates = append(result.ResourceTemplates, t)
		}
	}

	if prompts, err := m.ListPrompts(ctx, serverID); err != nil {
		result.Errors["prompts"] = err
	} else {
		for _, p := range prompts {
			result.Prompts = append(result.Prompts, p)
		}
	}

	return result
}

// CallTool invokes a tool on the upstream server. If progressToken is empty
// a token is generated so progress events can still be tracked internally;
// progress updates are delivered to onProgress (which may be nil).
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any, progressToken string, onProgress func(progress, total float64, message string)) (*mcp.CallToolResult, error) {
	// The session's own router is keyed by cfg.Name (registry.connect and
	// Manager.New's newOpts both key routerFor off the resolved config name,
	// not the caller-supplied serverID), so progress tracking must be
	// registered on that same router or the session's notification handler
	// will never find the token trackProgress installed.
	routerKey := serverID
	if cfg, err := m.disp.resolveConfig(ctx, serverID); err == nil {
		routerKey = cfg.Name
	}

	res, err := m.disp.withRetry(ctx, "call_tool", serverID, func(ctx context.Context, session *mcp.ClientSession) (any, error) {
		params := &mcp.CallToolParams{Name: toolName, Arguments: arguments}

		token := progressToken
		if token == "" {
			token = fmt.Sprintf("%s_%s_%s", serverID, toolName, uuid.New().String()[:8])
		}
		params.Meta = mcp.Meta{}
		params.SetProgressToken(token)

		r := m.routerFor(routerKey)
		untrack := r.trackProgress(token, func(progress, total float64, message string) {
			if onProgress != nil {
				onProgress(progress, total, message)
			}
		})
		defer untrack()

		return session.CallTool(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	if pending, ok := res.(*AuthPending); ok {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: pending.Message}},
		}, nil
	}
	out, ok := res.(*mcp.CallToolResult)
	if !ok {
		return nil, mcperrors.New("call_tool", serverID, mcperrors.ErrOperation)
	}
	return out, nil
}

// ReadResource reads a resource from the upstream server.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error) {
	res, err := m.disp.withRetry(ctx, "read_resource", serverID, func(ctx context.Context, session *mcp.ClientSession) (any, error) {
		return session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	})
	if err != nil {
		return nil, err
	}
	if pending, ok := res.(*AuthPending); ok {
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{URI: "https://1xn.ai/auth-error", MIMEType: "text/plain", Text: pending.Message}},
		}, nil
	}
	out, ok := res.(*mcp.ReadResourceResult)
	if !ok {
		return nil, mcperrors.New("read_resource", serverID, mcperrors.ErrOperation)
	}
	return out, nil
}

// GetPrompt fetches a prompt from the upstream server.
func (m *Manager) GetPrompt(ctx context.Context, serverID, name string, arguments map[string]string) (*mcp.GetPromptResult, error) {
	res, err := m.disp.withRetry(ctx, "get_prompt", serverID, func(ctx context.Context, session *mcp.ClientSession) (any, error) {
		return session.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: arguments})
	})
	if err != nil {
		return nil, err
	}
	if pending, ok := res.(*AuthPending); ok {
		return &mcp.GetPromptResult{
			Description: "Auth Error",
			Messages: []*mcp.PromptMessage{{
				Role:    "user",
				Content: &mcp.TextContent{Text: pending.Message},
			}},
		}, nil
	}
	out, ok := res.(*mcp.GetPromptResult)
	if !ok {
		return nil, mcperrors.New("get_prompt", serverID, mcperrors.ErrOperation)
	}
	return out, nil
}

// Ping sends a liveness ping and, on success, marks the server connected in
// the configuration store.
func (m *Manager) Ping(ctx context.Context, serverID string) error {
	res, err := m.disp.withRetry(ctx, "ping_server", serverID, func(ctx context.Context, session *mcp.ClientSession) (any, error) {
		if err := session.Ping(ctx, nil); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	if _, ok := res.(*AuthPending); ok {
		return mcperrors.New("ping_server", serverID, mcperrors.ErrAuthentication)
	}
	cfg, lookupErr := m.disp.resolveConfig(ctx, serverID)
	if lookupErr == nil {
		cfg.Status = configstore.StatusConnected
		_ = m.disp.store.Update(ctx, cfg)
	}
	return nil
}

func asMap[T any](res any, err error) (map[string]T, error) {
	if err != nil {
		return nil, err
	}
	if _, ok := res.(*AuthPending); ok {
		return nil, mcperrors.New("list", "", mcperrors.ErrAuthentication)
	}
	out, ok := res.(map[string]T)
	if !ok {
		return nil, mcperrors.New("list", "", mcperrors.ErrOperation)
	}
	return out, nil
}
