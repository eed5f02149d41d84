package upstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/mcpmux/mcpmux/internal/configstore"
)

// registry is the session registry (C3): it owns a single map from server
// name to session worker (each worker holds its session handle), guards it
// with a mutex, and implements the
// two-phase connect (fast path under RLock, slow path with a freshly
// started worker) plus disconnect/stop.
type registry struct {
	mu      sync.RWMutex
	workers map[string]*sessionWorker // keyed by server name

	connectTimeout    time.Duration
	disconnectTimeout time.Duration
	stopTimeout       time.Duration

	newOpts func(serverName string) *mcp.ClientOptions
}

func newRegistry(connectTimeout, disconnectTimeout, stopTimeout time.Duration, newOpts func(string) *mcp.ClientOptions) *registry {
	return &registry{
		workers:           make(map[string]*sessionWorker),
		connectTimeout:    connectTimeout,
		disconnectTimeout: disconnectTimeout,
		stopTimeout:       stopTimeout,
		newOpts:           newOpts,
	}
}

// connect returns the live session for cfg.Name, reusing an existing worker
// when one is registered (the fast, read-locked path), or starting a new
// one (the slow path) when none exists yet.
func (r *registry) connect(ctx context.Context, cfg configstore.ServerConfig) (*mcp.ClientSession, error) {
	r.mu.RLock()
	w, ok := r.workers[cfg.Name]
	r.mu.RUnlock()
	if ok {
		slog.Default().Debug("reusing existing session", "server", cfg.Name)
		return w.waitReady(ctx)
	}

	r.mu.Lock()
	// Re-check under the write lock: another goroutine may have won the race.
	if w, ok = r.workers[cfg.Name]; ok {
		r.mu.Unlock()
		// Join the in-flight worker's own start() rather than racing its
		// session field: w may still be initialising.
		return w.waitReady(ctx)
	}
	w = newSessionWorker(cfg.Name)
	r.workers[cfg.Name] = w
	r.mu.Unlock()

	opts := r.newOpts(cfg.Name)
	if err := w.start(ctx, r.connectTimeout, buildSession(cfg, opts)); err != nil {
		r.mu.Lock()
		delete(r.workers, cfg.Name)
		r.mu.Unlock()
		return nil, err
	}
	return w.session, nil
}

// disconnect tears down and forgets the worker for serverName, returning
// whether one was found.
func (r *registry) disconnect(serverName string) bool {
	r.mu.Lock()
	w, ok := r.workers[serverName]
	if ok {
		delete(r.workers, serverName)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := w.stop(r.disconnectTimeout); err != nil {
		slog.Default().Warn("disconnect did not complete cleanly", "server", serverName, "err", err)
	}
	return true
}

// forget removes the worker for serverName without stopping it, used when a
// session id goes stale and the caller wants a fresh connect_server on the
// next attempt without waiting on the old worker's teardown.
func (r *registry) forget(serverName string) {
	r.mu.Lock()
	delete(r.workers, serverName)
	r.mu.Unlock()
}

// stopAll stops every registered worker concurrently, bounded by the
// registry's overall stopTimeout, and returns how many were stopped.
func (r *registry) stopAll(ctx context.Context) (int, error) {
	r.mu.Lock()
	workers := make([]*sessionWorker, 0, len(r.workers))
	for name, w := range r.workers {
		workers = append(workers, w)
		delete(r.workers, name)
	}
	r.mu.Unlock()

	if len(workers) == 0 {
		return 0, nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, r.stopTimeout)
	defer cancel()

	g, _ := errgroup.WithContext(stopCtx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			return w.stop(r.stopTimeout)
		})
	}
	if err := g.Wait(); err != nil {
		return len(workers), err
	}
	return len(workers), nil
}

// has reports whether a session is currently registered for serverName.
func (r *registry) has(serverName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workers[serverName]
	return ok
}
