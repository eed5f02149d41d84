package upstream

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpmux/mcpmux/internal/configstore"
)

// fakeUpstream is an in-process stand-in for a real upstream MCP server,
// built on mcp.NewInMemoryTransports so a sessionWorker can dial it without
// touching a real process or network.
type fakeUpstream struct {
	t      *testing.T
	server *mcp.Server

	// connects counts how many times this fake has had a client connect to it,
	// so a test can assert that a session was reused rather than rebuilt.
	connects int
}

func newFakeUpstream(t *testing.T, name string) *fakeUpstream {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "0.0.0"}, nil)

	tool := &mcp.Tool{
		Name:        "echo",
		Description: "echoes its input back as text",
		InputSchema: map[string]any{"type": "object"},
	}
	mcp.AddTool(server, tool, func(_ context.Context, _ *mcp.CallToolRequest, input map[string]any) (*mcp.CallToolResult, any, error) {
		msg, _ := input["message"].(string)
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: msg}}}, nil, nil
	})

	progressTool := &mcp.Tool{
		Name:        "progress",
		Description: "emits one progress notification on the caller's token before returning",
		InputSchema: map[string]any{"type": "object"},
	}
	mcp.AddTool(server, progressTool, func(ctx context.Context, req *mcp.CallToolRequest, _ map[string]any) (*mcp.CallToolResult, any, error) {
		if req != nil && req.Session != nil && req.Params != nil {
			_ = req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
				ProgressToken: req.Params.GetProgressToken(),
				Progress:      1,
				Total:         2,
				Message:       "working",
			})
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "done"}}}, nil, nil
	})

	resource := &mcp.Resource{URI: "mem://doc", Name: "doc", MIMEType: "text/plain"}
	server.AddResource(resource, func(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{URI: "mem://doc", Text: "hello"}}}, nil
	})

	prompt := &mcp.Prompt{Name: "greet", Description: "a greeting prompt"}
	server.AddPrompt(prompt, func(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{
			Messages: []*mcp.PromptMessage{{Role: "user", Content: &mcp.TextContent{Text: "hi"}}},
		}, nil
	})

	return &fakeUpstream{t: t, server: server}
}

// connect dials a fresh in-memory transport pair, connects the fake's server
// side, and returns the client-side transport newTransport should hand back.
func (f *fakeUpstream) connect(ctx context.Context) mcp.Transport {
	f.t.Helper()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	session, err := f.server.Connect(ctx, serverTransport, nil)
	if err != nil {
		f.t.Fatalf("connect fake upstream server: %v", err)
	}
	f.connects++
	f.t.Cleanup(func() { _ = session.Close() })
	return clientTransport
}

// installTransport overrides the package-level newTransport indirection so
// any sessionWorker built for a server named serverName dials fu instead of
// a real stdio/sse/streamable transport. It restores the original on test
// cleanup.
func installTransport(t *testing.T, serverName string, fu *fakeUpstream) {
	t.Helper()
	orig := newTransport
	newTransport = func(cfg configstore.ServerConfig) (mcp.Transport, error) {
		if cfg.Name == serverName {
			return fu.connect(context.Background()), nil
		}
		return orig(cfg)
	}
	t.Cleanup(func() { newTransport = orig })
}

// installFailingTransport makes newTransport fail for serverName, for
// exercising connect-error paths.
func installFailingTransport(t *testing.T, serverName string, err error) {
	t.Helper()
	orig := newTransport
	newTransport = func(cfg configstore.ServerConfig) (mcp.Transport, error) {
		if cfg.Name == serverName {
			return nil, err
		}
		return orig(cfg)
	}
	t.Cleanup(func() { newTransport = orig })
}
