package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpmux/mcpmux/internal/downstream"
)

// progressCallback is invoked with a call_tool invocation's own progress
// updates; it is registered under the call's progress token for the
// duration of that one call.
type progressCallback func(progress, total float64, message string)

// router is the notification/progress router (C4). It builds, per upstream
// session, the set of typed notification handlers the go-sdk client invokes,
// and forwards each one to the single attached downstream.Sink. A progress
// notification whose token matches a currently in-flight local call_tool
// invocation is instead delivered to that call's own callback (registered
// via trackProgress) and is not forwarded downstream, matching the spec's
// separation between session-level notification routing and call-scoped
// progress.
type router struct {
	serverName string
	sink       func() downstream.Sink

	progressMu sync.Mutex
	progress   map[string]progressCallback
}

func newRouter(serverName string, sink func() downstream.Sink) *router {
	return &router{serverName: serverName, sink: sink, progress: make(map[string]progressCallback)}
}

// trackProgress registers cb under token for the duration of one call_tool
// invocation; the returned func deregisters it.
func (r *router) trackProgress(token any, cb progressCallback) func() {
	key := fmt.Sprint(token)
	r.progressMu.Lock()
	r.progress[key] = cb
	r.progressMu.Unlock()
	return func() {
		r.progressMu.Lock()
		delete(r.progress, key)
		r.progressMu.Unlock()
	}
}

// clientOptions builds the mcp.ClientOptions this router should be
// installed with when connecting serverName's session.
func (r *router) clientOptions() *mcp.ClientOptions {
	return &mcp.ClientOptions{
		ToolListChangedHandler: func(ctx context.Context, _ *mcp.ToolListChangedRequest) {
			r.forward(ctx, func(s downstream.Sink) error { return s.SendToolListChanged(ctx) })
		},
		PromptListChangedHandler: func(ctx context.Context, _ *mcp.PromptListChangedRequest) {
			r.forward(ctx, func(s downstream.Sink) error { return s.SendPromptListChanged(ctx) })
		},
		ResourceListChangedHandler: func(ctx context.Context, _ *mcp.ResourceListChangedRequest) {
			r.forward(ctx, func(s downstream.Sink) error { return s.SendResourceListChanged(ctx) })
		},
		ResourceUpdatedHandler: func(ctx context.Context, req *mcp.ResourceUpdatedNotificationRequest) {
			if req == nil || req.Params == nil || req.Params.URI == "" {
				return
			}
			uri := req.Params.URI
			r.forward(ctx, func(s downstream.Sink) error { return s.SendResourceUpdated(ctx, uri) })
		},
		LoggingMessageHandler: func(ctx context.Context, req *mcp.LoggingMessageRequest) {
			logger := r.serverName
			var level, data any
			if req != nil && req.Params != nil {
				level = req.Params.Level
				data = req.Params.Data
				if req.Params.Logger != "" {
					logger = req.Params.Logger
				}
			}
			r.forward(ctx, func(s downstream.Sink) error {
				return s.SendLogMessage(ctx, levelString(level), logger, data)
			})
		},
		// ProgressNotificationHandler delivers a progress notification to
		// the call_tool callback registered under its token via
		// trackProgress; a notification with no such callback (e.g. one that
		// arrives after the originating call already returned) is forwarded
		// to the downstream sink instead.
		ProgressNotificationHandler: func(ctx context.Context, req *mcp.ProgressNotificationClientRequest) {
			if req == nil || req.Params == nil {
				return
			}
			params := req.Params

			r.progressMu.Lock()
			cb, ok := r.progress[fmt.Sprint(params.ProgressToken)]
			r.progressMu.Unlock()
			if ok {
				cb(params.Progress, params.Total, params.Message)
				return
			}

			r.forward(ctx, func(s downstream.Sink) error {
				return s.SendProgressNotification(ctx, params.ProgressToken, params.Progress, params.Total, params.Message)
			})
		},
	}
}

func (r *router) forward(ctx context.Context, fn func(downstream.Sink) error) {
	sink := r.sink()
	if sink == nil {
		slog.Default().Debug("dropping notification, no downstream attached", "server", r.serverName)
		return
	}
	if err := fn(sink); err != nil {
		slog.Default().Error("failed to forward notification downstream", "server", r.serverName, "err", err)
	}
}

func levelString(level any) string {
	if l, ok := level.(mcp.LoggingLevel); ok {
		return string(l)
	}
	if s, ok := level.(string); ok {
		return s
	}
	return "info"
}
