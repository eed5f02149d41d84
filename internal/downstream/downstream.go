// Package downstream defines the notification sink the manager forwards
// upstream notifications and progress events to, and an adapter that wires
// it to a real MCP server session.
package downstream

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Sink is the single downstream session's notification surface, as seen by
// the manager's router (C4). Exactly one Sink is attached to a Manager at a
// time (see Manager.SetDownstream).
type Sink interface {
	SendToolListChanged(ctx context.Context) error
	SendResourceListChanged(ctx context.Context) error
	SendPromptListChanged(ctx context.Context) error
	SendResourceUpdated(ctx context.Context, uri string) error
	SendLogMessage(ctx context.Context, level, logger string, data any) error
	SendProgressNotification(ctx context.Context, progressToken any, progress, total float64, message string) error
}

// SDKSession adapts a real *mcp.ServerSession (and its owning *mcp.Server)
// to Sink. NotifyProgress and ResourceUpdated are real go-sdk methods
// (confirmed by the teacher's own usage); the SDK drives ToolListChanged/
// ResourceListChanged/PromptListChanged implicitly off re-registration
// rather than exposing a direct "broadcast now" call, so those three are
// satisfied by caller-supplied hooks that trigger the embedding
// application's own re-registration path.
type SDKSession struct {
	Session *mcp.ServerSession
	Server  *mcp.Server

	OnToolListChanged     func(context.Context) error
	OnResourceListChanged func(context.Context) error
	OnPromptListChanged   func(context.Context) error
}

func (s *SDKSession) SendToolListChanged(ctx context.Context) error {
	if s.OnToolListChanged == nil {
		return nil
	}
	return s.OnToolListChanged(ctx)
}

func (s *SDKSession) SendResourceListChanged(ctx context.Context) error {
	if s.OnResourceListChanged == nil {
		return nil
	}
	return s.OnResourceListChanged(ctx)
}

func (s *SDKSession) SendPromptListChanged(ctx context.Context) error {
	if s.OnPromptListChanged == nil {
		return nil
	}
	return s.OnPromptListChanged(ctx)
}

func (s *SDKSession) SendResourceUpdated(ctx context.Context, uri string) error {
	if s.Server == nil {
		return nil
	}
	return s.Server.ResourceUpdated(ctx, &mcp.ResourceUpdatedNotificationParams{URI: uri})
}

func (s *SDKSession) SendLogMessage(ctx context.Context, level, logger string, data any) error {
	if s.Session == nil {
		return nil
	}
	return s.Session.LoggingMessage(ctx, &mcp.LoggingMessageParams{
		Level:  mcp.LoggingLevel(level),
		Logger: logger,
		Data:   data,
	})
}

func (s *SDKSession) SendProgressNotification(ctx context.Context, progressToken any, progress, total float64, message string) error {
	if s.Session == nil {
		return nil
	}
	return s.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
		ProgressToken: progressToken,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}
