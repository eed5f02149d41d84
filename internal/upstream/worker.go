package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpmux/mcpmux/internal/configstore"
	mcperrors "github.com/mcpmux/mcpmux/internal/errors"
)

// sessionWorker is the session lifecycle worker (C2): a detached goroutine
// that owns exactly one *mcp.ClientSession and the resources acquired to
// build it. It runs on its own context, independent of any caller's
// context, so a caller's cancellation can never tear the session down out
// from under a sibling caller that is also using it; only the worker's own
// stop() does that, unwinding the resource stack in the same goroutine that
// built it.
type sessionWorker struct {
	serverName string

	cancel context.CancelFunc
	done   chan struct{}

	ready    chan struct{}
	session  *mcp.ClientSession
	client   *mcp.Client
	setupErr error

	stackMu sync.Mutex
	stack   []func() error
}

func newSessionWorker(name string) *sessionWorker {
	return &sessionWorker{
		serverName: name,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// start launches the detached goroutine that builds the session, then waits
// (up to timeout) for it to become ready. The worker's own context is
// derived from context.Background, not ctx, so that cancelling ctx after the
// session is ready does not tear down a session other callers rely on. If
// ctx is done or timeout elapses before the worker is ready, start cancels
// the worker itself and waits (again up to timeout) for its cleanup before
// returning an error.
func (w *sessionWorker) start(ctx context.Context, timeout time.Duration, build func(ctx context.Context, push func(func() error)) (*mcp.Client, *mcp.ClientSession, error)) error {
	workerCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	go w.run(workerCtx, build)

	select {
	case <-w.ready:
		if w.setupErr != nil {
			cancel()
			<-w.done
			return w.setupErr
		}
		return nil
	case <-ctx.Done():
		cancel()
		select {
		case <-w.done:
		case <-time.After(timeout):
			slog.Default().Warn("session worker cleanup did not finish before timeout", "server", w.serverName)
		}
		return mcperrors.New("connect_server", w.serverName, mcperrors.ErrMCPConnection)
	case <-time.After(timeout):
		cancel()
		select {
		case <-w.done:
		case <-time.After(timeout):
			slog.Default().Warn("session worker cleanup did not finish before timeout", "server", w.serverName)
		}
		return mcperrors.New("connect_server", w.serverName, mcperrors.ErrOperationTimedOut)
	}
}

// run is the detached task body. It builds the session, signals ready, then
// blocks until its own context is cancelled (by stop()), at which point it
// unwinds the resource stack in LIFO order, in this same goroutine.
func (w *sessionWorker) run(ctx context.Context, build func(ctx context.Context, push func(func() error)) (*mcp.Client, *mcp.ClientSession, error)) {
	defer close(w.done)

	push := func(fn func() error) {
		w.stackMu.Lock()
		w.stack = append(w.stack, fn)
		w.stackMu.Unlock()
	}

	client, session, err := build(ctx, push)
	w.setupErr = err
	if err == nil {
		w.session = session
		w.client = client
	}
	close(w.ready)

	if err != nil {
		w.unwind()
		return
	}

	<-ctx.Done()
	if session != nil {
		_ = session.Close()
	}
	w.unwind()
}

func (w *sessionWorker) unwind() {
	w.stackMu.Lock()
	stack := w.stack
	w.stack = nil
	w.stackMu.Unlock()

	for i := len(stack) - 1; i >= 0; i-- {
		if err := stack[i](); err != nil {
			slog.Default().Warn("session resource cleanup failed", "server", w.serverName, "err", err)
		}
	}
}

// waitReady blocks until the worker has either published a session or failed
// to, then returns the session (or the setup error), so any caller that
// observes this worker in the registry before start() itself has returned --
// a concurrent connect joining an in-flight one -- sees the same initialised
// handle everyone else does rather than racing w.session directly.
func (w *sessionWorker) waitReady(ctx context.Context) (*mcp.ClientSession, error) {
	select {
	case <-w.ready:
		return w.session, w.setupErr
	case <-w.done:
		// run closes ready before done, so ready is closed here as well and
		// session/setupErr hold the same values as in the case above.
		return w.session, w.setupErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// stop cancels the worker and waits up to timeout for its cleanup to
// complete.
func (w *sessionWorker) stop(timeout time.Duration) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker for %s did not stop within %s", w.serverName, timeout)
	}
}

// newTransport is a package-level indirection over NewTransport so tests can
// substitute an in-memory mcp.Transport instead of dialing a real process or
// HTTP endpoint.
var newTransport = NewTransport

// buildSession is the default session-construction function passed to
// start(): it resolves a transport via C1, creates the client with the
// router's notification handlers wired in, and performs the MCP handshake.
func buildSession(cfg configstore.ServerConfig, opts *mcp.ClientOptions) func(ctx context.Context, push func(func() error)) (*mcp.Client, *mcp.ClientSession, error) {
	return func(ctx context.Context, push func(func() error)) (*mcp.Client, *mcp.ClientSession, error) {
		transport, err := newTransport(cfg)
		if err != nil {
			return nil, nil, mcperrors.New("connect_server", cfg.Name, mcperrors.ErrMCPConnection)
		}

		client := mcp.NewClient(&mcp.Implementation{Name: "mcpmux", Version: "0.1.0"}, opts)
		session, err := client.Connect(ctx, transport, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s", mcperrors.ErrMCPConnection, err.Error())
		}
		return client, session, nil
	}
}
