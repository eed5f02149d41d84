package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/mcpmux/mcpmux/internal/configstore"
	mcperrors "github.com/mcpmux/mcpmux/internal/errors"
	"github.com/mcpmux/mcpmux/internal/oauthclient"
)

type stubAuthManager struct {
	result oauthclient.Result
	err    error
	calls  int
}

func (s *stubAuthManager) InitiateOAuthFlow(_ context.Context, _, _, _, _ string, _ map[string]string) (oauthclient.Result, error) {
	s.calls++
	return s.result, s.err
}

func newTestDispatcher(t *testing.T, store configstore.Store, auth oauthclient.Manager) *dispatcher {
	reg := newTestRegistry()
	t.Cleanup(func() { _, _ = reg.stopAll(context.Background()) })
	return &dispatcher{
		store:           store,
		reg:             reg,
		auth:            auth,
		keepAlive:       true,
		callbackBaseURL: "https://mux.example",
	}
}

func TestDispatcherHandles401WithOAuthRedirect(t *testing.T) {
	fu := newFakeUpstream(t, "alpha")
	installTransport(t, "alpha", fu)

	store := configstore.NewMemoryStore(configstore.ServerConfig{ID: "1", Name: "alpha", Transport: "stdio", Command: "unused", URL: "https://alpha.example/mcp"})
	auth := &stubAuthManager{result: oauthclient.Result{Status: "authorization_pending", AuthorizationURL: "https://alpha.example/authorize?state=xyz"}}
	d := newTestDispatcher(t, store, auth)

	res, err := d.invoke(context.Background(), "call_tool", "alpha", func(context.Context, *mcp.ClientSession) (any, error) {
		return nil, errors.New("upstream responded with http status 401 unauthorized")
	})
	require.NoError(t, err)
	require.Equal(t, 1, auth.calls)

	pending, ok := res.(*AuthPending)
	require.True(t, ok)
	require.Contains(t, pending.Message, "https://alpha.example/authorize?state=xyz")
}

func TestDispatcherHandle401WhenOAuthInitiationFails(t *testing.T) {
	fu := newFakeUpstream(t, "alpha")
	installTransport(t, "alpha", fu)

	store := configstore.NewMemoryStore(configstore.ServerConfig{ID: "1", Name: "alpha", Transport: "stdio", Command: "unused", URL: "https://alpha.example/mcp"})
	auth := &stubAuthManager{result: oauthclient.Result{Status: "error", Error: "discovery failed"}}
	d := newTestDispatcher(t, store, auth)

	res, err := d.invoke(context.Background(), "call_tool", "alpha", func(context.Context, *mcp.ClientSession) (any, error) {
		return nil, errors.New("http status 401")
	})
	require.NoError(t, err)
	pending, ok := res.(*AuthPending)
	require.True(t, ok)
	require.Contains(t, pending.Message, "discovery failed")
}

func TestDispatcherWithRetryRecoversFromStaleSessionID(t *testing.T) {
	fu := newFakeUpstream(t, "alpha")
	installTransport(t, "alpha", fu)

	store := configstore.NewMemoryStore(configstore.ServerConfig{ID: "1", Name: "alpha", Transport: "stdio", Command: "unused", SessionID: "stale-id"})
	d := newTestDispatcher(t, store, nil)

	attempt := 0
	res, err := d.withRetry(context.Background(), "tools_list", "alpha", func(context.Context, *mcp.ClientSession) (any, error) {
		attempt++
		if attempt == 1 {
			return nil, mcperrors.New("tools_list", "alpha", mcperrors.ErrInvalidSessionID)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", res)
	require.Equal(t, 2, attempt)
	require.Equal(t, 2, fu.connects, "a stale session id must force a fresh connect, not reuse the old worker")

	cfg, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	require.Empty(t, cfg.SessionID)
}

func TestDispatcherWithRetrySleepsThenReraisesOnGenericFailure(t *testing.T) {
	fu := newFakeUpstream(t, "alpha")
	installTransport(t, "alpha", fu)

	store := configstore.NewMemoryStore(configstore.ServerConfig{ID: "1", Name: "alpha", Transport: "stdio", Command: "unused"})
	d := newTestDispatcher(t, store, nil)

	attempt := 0
	start := time.Now()
	_, err := d.withRetry(context.Background(), "tools_list", "alpha", func(context.Context, *mcp.ClientSession) (any, error) {
		attempt++
		return nil, errors.New("boom")
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	require.Equal(t, 1, attempt, "a generic failure is not retried, only slept on and re-raised")
	require.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
}

func TestDispatcherResolveConfigByIDOrName(t *testing.T) {
	store := configstore.NewMemoryStore(configstore.ServerConfig{ID: "srv-1", Name: "alpha"})
	d := newTestDispatcher(t, store, nil)

	byID, err := d.resolveConfig(context.Background(), "srv-1")
	require.NoError(t, err)
	require.Equal(t, "alpha", byID.Name)

	byName, err := d.resolveConfig(context.Background(), "alpha")
	require.NoError(t, err)
	require.Equal(t, "srv-1", byName.ID)
}
