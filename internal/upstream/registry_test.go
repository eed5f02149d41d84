package upstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/mcpmux/mcpmux/internal/configstore"
)

func newTestRegistry() *registry {
	return newRegistry(2*time.Second, 2*time.Second, 2*time.Second, func(string) *mcp.ClientOptions {
		return &mcp.ClientOptions{}
	})
}

func TestRegistryConnectReusesSession(t *testing.T) {
	fu := newFakeUpstream(t, "alpha")
	installTransport(t, "alpha", fu)

	reg := newTestRegistry()
	cfg := configstore.ServerConfig{ID: "1", Name: "alpha", Transport: "stdio", Command: "unused"}

	ctx := context.Background()
	session1, err := reg.connect(ctx, cfg)
	require.NoError(t, err)
	session2, err := reg.connect(ctx, cfg)
	require.NoError(t, err)

	require.Same(t, session1, session2)
	require.Equal(t, 1, fu.connects)
}

func TestRegistryConnectConcurrentCallersShareOneWorker(t *testing.T) {
	fu := newFakeUpstream(t, "alpha")
	installTransport(t, "alpha", fu)

	reg := newTestRegistry()
	cfg := configstore.ServerConfig{ID: "1", Name: "alpha", Transport: "stdio", Command: "unused"}

	ctx := context.Background()
	var wg sync.WaitGroup
	sessions := make([]*mcp.ClientSession, 8)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := reg.connect(ctx, cfg)
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		require.Same(t, sessions[0], s)
	}
	require.Equal(t, 1, fu.connects)
}

func TestRegistryDisconnectForcesFreshSession(t *testing.T) {
	fu := newFakeUpstream(t, "alpha")
	installTransport(t, "alpha", fu)

	reg := newTestRegistry()
	cfg := configstore.ServerConfig{ID: "1", Name: "alpha", Transport: "stdio", Command: "unused"}

	ctx := context.Background()
	_, err := reg.connect(ctx, cfg)
	require.NoError(t, err)
	require.True(t, reg.disconnect("alpha"))
	require.False(t, reg.has("alpha"))

	_, err = reg.connect(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 2, fu.connects)
}

func TestRegistryConnectFailureLeavesNoEntry(t *testing.T) {
	installFailingTransport(t, "alpha", context.DeadlineExceeded)

	reg := newRegistry(50*time.Millisecond, time.Second, time.Second, func(string) *mcp.ClientOptions {
		return &mcp.ClientOptions{}
	})
	cfg := configstore.ServerConfig{ID: "1", Name: "alpha", Transport: "stdio", Command: "unused"}

	_, err := reg.connect(context.Background(), cfg)
	require.Error(t, err)
	require.False(t, reg.has("alpha"))
}

func TestRegistryStopAllStopsEveryWorker(t *testing.T) {
	fuA := newFakeUpstream(t, "alpha")
	fuB := newFakeUpstream(t, "beta")
	installTransport(t, "alpha", fuA)
	installTransport(t, "beta", fuB)

	reg := newTestRegistry()
	ctx := context.Background()
	_, err := reg.connect(ctx, configstore.ServerConfig{ID: "1", Name: "alpha", Transport: "stdio", Command: "unused"})
	require.NoError(t, err)
	_, err = reg.connect(ctx, configstore.ServerConfig{ID: "2", Name: "beta", Transport: "stdio", Command: "unused"})
	require.NoError(t, err)

	n, err := reg.stopAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.False(t, reg.has("alpha"))
	require.False(t, reg.has("beta"))
}
