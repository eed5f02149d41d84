package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpmux/mcpmux/internal/configstore"
	mcperrors "github.com/mcpmux/mcpmux/internal/errors"
	"github.com/mcpmux/mcpmux/internal/oauthclient"
)

// Tracer is the optional span-per-operation collaborator, grounded in the
// original implementation's @trace_method decorator. A nil Tracer is a
// no-op.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, func(err error))
}

// AuthPending is returned by the dispatcher in place of the usual result
// when an operation hit an HTTP 401 and an OAuth flow was initiated. Callers
// translate it into the operation-shaped "auth required" response (a
// CallToolResult with IsError, a GetPromptResult with a description, etc.),
// mirroring the original's per-operation match on func.__name__.
type AuthPending struct {
	ServerName       string
	AuthorizationURL string
	Message          string
}

func (a *AuthPending) Error() string { return a.Message }

// dispatcher is the operation dispatcher (C5). invoke is the inner wrapper:
// config lookup, connect-or-reuse, call fn, translate errors (401 -> OAuth,
// else HTTP/operation error), and conditionally disconnect when keepAlive is
// false. withRetry is the outer wrapper around invoke: it retries once on a
// stale session id, and otherwise sleeps and re-raises on the first
// attempt's failure -- preserved verbatim from the original implementation,
// which never actually retries a generic failure (see SPEC_FULL.md §11).
type dispatcher struct {
	store           configstore.Store
	reg             *registry
	auth            oauthclient.Manager
	tracer          Tracer
	keepAlive       bool
	callbackBaseURL string
}

func (d *dispatcher) span(ctx context.Context, op string) (context.Context, func(err error)) {
	if d.tracer == nil {
		return ctx, func(error) {}
	}
	return d.tracer.Start(ctx, "[Manager]: "+op)
}

// withRetry is the outer wrapper (2 attempts).
func (d *dispatcher) withRetry(ctx context.Context, op, serverID string, fn func(ctx context.Context, session *mcp.ClientSession) (any, error)) (any, error) {
	ctx, end := d.span(ctx, op)
	defer func() { end(nil) }()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		result, err := d.invoke(ctx, op, serverID, fn)
		if err == nil {
			return result, nil
		}

		if code, ok := mcperrors.Classify(err); ok && code == mcperrors.CodeInvalidSessionID {
			d.clearSessionID(ctx, serverID)
			lastErr = err
			continue
		}

		// Preserve the original's documented quirk: sleep, then re-raise on
		// the first attempt rather than retrying a generic failure.
		time.Sleep(500 * time.Millisecond * time.Duration(attempt+1))
		return nil, err
	}
	return nil, lastErr
}

// invoke is the inner wrapper (single attempt).
func (d *dispatcher) invoke(ctx context.Context, op, serverID string, fn func(ctx context.Context, session *mcp.ClientSession) (any, error)) (any, error) {
	cfg, err := d.resolveConfig(ctx, serverID)
	if err != nil {
		return nil, mcperrors.New(op, serverID, mcperrors.ErrConfigNotFound)
	}

	session, err := d.reg.connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	result, callErr := fn(ctx, session)

	if !d.keepAlive {
		defer d.reg.disconnect(cfg.Name)
	}

	if callErr == nil {
		return result, nil
	}

	if status, ok := mcperrors.StatusOf(callErr); ok && status == 401 {
		pending, authErr := d.handle401(ctx, cfg)
		if authErr != nil {
			return nil, authErr
		}
		return pending, nil
	}
	if code, ok := mcperrors.Classify(callErr); ok {
		switch code {
		case mcperrors.CodeOperationCancelled, mcperrors.CodeOperationTimedOut, mcperrors.CodeInvalidSessionID:
			return nil, callErr
		}
	}
	return nil, mcperrors.New(op, cfg.Name, mcperrors.ErrOperation)
}

func (d *dispatcher) resolveConfig(ctx context.Context, serverID string) (configstore.ServerConfig, error) {
	if cfg, err := d.store.Get(ctx, serverID); err == nil {
		return cfg, nil
	}
	return d.store.GetByName(ctx, serverID)
}

func (d *dispatcher) clearSessionID(ctx context.Context, serverID string) {
	cfg, err := d.resolveConfig(ctx, serverID)
	if err != nil {
		return
	}
	d.reg.forget(cfg.Name)
	cfg.SessionID = ""
	if err := d.store.Update(ctx, cfg); err != nil {
		slog.Default().Warn("failed to persist cleared session id", "server", cfg.Name, "err", err)
	}
}

func (d *dispatcher) handle401(ctx context.Context, cfg configstore.ServerConfig) (*AuthPending, error) {
	if d.auth == nil {
		return nil, mcperrors.New("call", cfg.Name, mcperrors.ErrAuthentication)
	}
	result, err := d.auth.InitiateOAuthFlow(ctx, cfg.Name, cfg.URL, "", d.callbackBaseURL+"/api/otherservers/oauth/callback", cfg.Headers)
	if err != nil {
		return nil, mcperrors.New("call", cfg.Name, mcperrors.ErrAuthentication)
	}
	if result.Status == "error" {
		return &AuthPending{
			ServerName: cfg.Name,
			Message:    fmt.Sprintf("OAuth initiation failed: %s", result.Error),
		}, nil
	}
	return &AuthPending{
		ServerName:       cfg.Name,
		AuthorizationURL: result.AuthorizationURL,
		Message: fmt.Sprintf(
			"Server %s is unauthenticated. Please authenticate using: %s",
			cfg.Name, result.AuthorizationURL,
		),
	}, nil
}
