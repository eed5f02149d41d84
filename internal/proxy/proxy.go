// Package proxy builds the single downstream MCP server mcpmux itself
// serves: every configured upstream server's tools, resources, and prompts
// are namespaced by server name and forwarded through an upstream.Manager,
// giving the downstream client the "uniform request surface" spec.md
// describes without it ever dialing an upstream server directly.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpmux/mcpmux/internal/config"
	"github.com/mcpmux/mcpmux/internal/downstream"
	"github.com/mcpmux/mcpmux/internal/upstream"
)

const (
	implementationName    = "mcpmux"
	implementationVersion = "0.1.0"
	defaultPageSize       = 50
	namespaceSeparator    = "__"
)

// Server is mcpmux's own MCP server: the downstream session the upstream
// Manager's router (C4) forwards notifications and progress to.
type Server struct {
	mcp     *mcp.Server
	manager *upstream.Manager
	servers []config.ServerConfig

	mu        sync.Mutex
	resources map[string]struct{} // registered resource URIs, to avoid duplicate AddResource panics on refresh
}

// New builds the downstream server and performs an initial, best-effort
// discovery + registration pass over every configured upstream server.
func New(ctx context.Context, manager *upstream.Manager, servers []config.ServerConfig) *Server {
	s := &Server{
		manager:   manager,
		servers:   servers,
		resources: make(map[string]struct{}),
	}

	sink := &downstream.SDKSession{
		OnToolListChanged:     s.refreshTools,
		OnResourceListChanged: s.refreshResources,
		OnPromptListChanged:   s.refreshPrompts,
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    implementationName,
		Version: implementationVersion,
	}, &mcp.ServerOptions{
		PageSize: defaultPageSize,
		// The router (C4) forwards log and progress notifications to whatever
		// downstream session is currently live; a single mcpmux process talks
		// to exactly one downstream client at a time, so the most recently
		// initialized session is the one notifications go to.
		InitializedHandler: func(_ context.Context, req *mcp.InitializedRequest) {
			sink.Session = req.Session
		},
	})
	s.mcp = mcpServer
	sink.Server = mcpServer
	manager.SetDownstream(sink)

	s.refreshAll(ctx)
	return s
}

// MCPServer returns the underlying SDK server, for attaching to a session
// (downstream.SDKSession.Session/Server) once it is running.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

// Run serves the downstream session over transport until ctx is cancelled.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcp.Run(ctx, transport)
}

func (s *Server) refreshAll(ctx context.Context) {
	for _, srv := range s.servers {
		caps := s.manager.DiscoverCapabilities(ctx, srv.ID)
		for kind, err := range caps.Errors {
			slog.Default().Warn("capability discovery failed", "server", srv.Name, "kind", kind, "err", err)
		}
		s.registerTools(srv, caps.Tools)
		s.registerResources(srv, caps.Resources)
		s.registerPrompts(srv, caps.Prompts)
	}
}

func (s *Server) refreshTools(ctx context.Context) error {
	for _, srv := range s.servers {
		tools, err := s.manager.ListTools(ctx, srv.ID)
		if err != nil {
			slog.Default().Warn("tool list refresh failed", "server", srv.Name, "err", err)
			continue
		}
		list := make([]*mcp.Tool, 0, len(tools))
		for _, t := range tools {
			list = append(list, t)
		}
		s.registerTools(srv, list)
	}
	return nil
}

func (s *Server) refreshResources(ctx context.Context) error {
	for _, srv := range s.servers {
		resources, err := s.manager.ListResources(ctx, srv.ID)
		if err != nil {
			slog.Default().Warn("resource list refresh failed", "server", srv.Name, "err", err)
			continue
		}
		list := make([]*mcp.Resource, 0, len(resources))
		for _, r := range resources {
			list = append(list, r)
		}
		s.registerResources(srv, list)
	}
	return nil
}

func (s *Server) refreshPrompts(ctx context.Context) error {
	for _, srv := range s.servers {
		prompts, err := s.manager.ListPrompts(ctx, srv.ID)
		if err != nil {
			slog.Default().Warn("prompt list refresh failed", "server", srv.Name, "err", err)
			continue
		}
		list := make([]*mcp.Prompt, 0, len(prompts))
		for _, p := range prompts {
			list = append(list, p)
		}
		s.registerPrompts(srv, list)
	}
	return nil
}

func namespacedName(serverName, name string) string {
	return serverName + namespaceSeparator + name
}

func (s *Server) registerTools(srv config.ServerConfig, tools []*mcp.Tool) {
	for _, t := range tools {
		original := t.Name
		tool := &mcp.Tool{
			Name:        namespacedName(srv.Name, original),
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
		serverID := srv.ID

		handler := func(ctx context.Context, req *mcp.CallToolRequest, input map[string]any) (*mcp.CallToolResult, any, error) {
			var token string
			var onProgress func(progress, total float64, message string)
			if req != nil && req.Params != nil {
				if raw := req.Params.GetProgressToken(); raw != nil {
					token = fmt.Sprint(raw)
				}
				if req.Session != nil {
					progressToken := req.Params.GetProgressToken()
					onProgress = func(progress, total float64, message string) {
						_ = req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
							ProgressToken: progressToken,
							Progress:      progress,
							Total:         total,
							Message:       message,
						})
					}
				}
			}
			result, err := s.manager.CallTool(ctx, serverID, original, input, token, onProgress)
			return result, nil, err
		}
		mcp.AddTool(s.mcp, tool, handler)
	}
}

func (s *Server) registerResources(srv config.ServerConfig, resources []*mcp.Resource) {
	for _, r := range resources {
		uri := r.URI
		serverID := srv.ID
		resource := &mcp.Resource{
			URI:         uri,
			Name:        namespacedName(srv.Name, r.Name),
			Description: r.Description,
			MIMEType:    r.MIMEType,
		}

		s.mu.Lock()
		_, exists := s.resources[uri]
		s.resources[uri] = struct{}{}
		s.mu.Unlock()
		if exists {
			continue
		}

		handler := func(ctx context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return s.manager.ReadResource(ctx, serverID, uri)
		}
		s.mcp.AddResource(resource, handler)
	}
}

func (s *Server) registerPrompts(srv config.ServerConfig, prompts []*mcp.Prompt) {
	for _, p := range prompts {
		original := p.Name
		serverID := srv.ID
		prompt := &mcp.Prompt{
			Name:        namespacedName(srv.Name, original),
			Description: p.Description,
			Arguments:   p.Arguments,
		}

		handler := func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			var args map[string]string
			if req != nil && req.Params != nil {
				args = req.Params.Arguments
			}
			return s.manager.GetPrompt(ctx, serverID, original, args)
		}
		s.mcp.AddPrompt(prompt, handler)
	}
}
