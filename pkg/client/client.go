// Package client is the public entry point of the sync engine. A Client
// owns one async queue and every component bound to it: the local store,
// the remote store, the sync engine and the event manager. All engine work
// runs on the queue goroutine; the methods here only enqueue and wait.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/syntrixbase/syntrix-sync/internal/asyncqueue"
	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/internal/local"
	"github.com/syntrixbase/syntrix-sync/internal/query"
	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/internal/syncengine"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

const tracerName = "github.com/syntrixbase/syntrix-sync/pkg/client"

// DefaultMatcherCacheSize is the number of compiled query filters kept.
const DefaultMatcherCacheSize = 256

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("client is closed")

type (
	Observer      = syncengine.Observer
	ObserverFuncs = syncengine.ObserverFuncs
	ViewSnapshot  = syncengine.ViewSnapshot
	ListenOptions = syncengine.ListenOptions
	PendingWrite  = syncengine.PendingWrite
)

// Options configures a Client.
type Options struct {
	// Connection opens the listen and write streams. Required.
	Connection remote.Connection
	// Credentials supplies bearer tokens; nil runs unauthenticated.
	Credentials auth.CredentialsProvider
	// Durable persists the cache and pending writes across restarts; nil
	// keeps everything in memory.
	Durable local.DurableStore

	// Remote tunes the streams; zero fields take their defaults.
	Remote remote.Config
	Engine syncengine.Config

	MatcherCacheSize int
	// Clock drives the queue timers; nil uses the real clock.
	Clock          clockwork.Clock
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	// StartOffline leaves the network disabled until EnableNetwork.
	StartOffline bool
}

// Client is a handle on a running sync engine.
type Client struct {
	queue  *asyncqueue.Queue
	creds  auth.CredentialsProvider
	logger *slog.Logger
	tracer trace.Tracer

	// Owned by the queue goroutine.
	persistence *local.MemoryPersistence
	localStore  *local.LocalStore
	remoteStore *remote.RemoteStore
	engine      *syncengine.SyncEngine
	events      *syncengine.EventManager

	mu          sync.Mutex
	initialized bool
	closed      bool
}

// New starts a client: it reloads the durable store, waits for the initial
// user from the credentials provider and enables the network.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Connection == nil {
		return nil, fmt.Errorf("client: connection is required")
	}
	if opts.Credentials == nil {
		opts.Credentials = &auth.EmptyCredentialsProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.MatcherCacheSize <= 0 {
		opts.MatcherCacheSize = DefaultMatcherCacheSize
	}
	opts.Remote.ApplyDefaults()

	c := &Client{
		queue:  asyncqueue.New(asyncqueue.WithClock(opts.Clock), asyncqueue.WithLogger(opts.Logger)),
		creds:  opts.Credentials,
		logger: opts.Logger.With("component", "client"),
		tracer: opts.TracerProvider.Tracer(tracerName),
	}

	// The provider reports the current user synchronously; later calls are
	// user changes.
	initialUser := make(chan auth.User, 1)
	c.creds.SetChangeListener(func(user auth.User) {
		c.mu.Lock()
		if !c.initialized {
			c.initialized = true
			c.mu.Unlock()
			initialUser <- user
			return
		}
		c.mu.Unlock()
		err := c.queue.Enqueue(func() {
			if err := c.remoteStore.HandleCredentialChange(user); err != nil {
				c.logger.Error("Failed to switch user", "user", user.String(), "error", err)
			}
		})
		if err != nil {
			c.logger.Debug("Dropped credential change", "user", user.String(), "error", err)
		}
	})

	var user auth.User
	select {
	case user = <-initialUser:
	case <-ctx.Done():
		c.shutdown()
		return nil, ctx.Err()
	}

	err := c.queue.EnqueueAndWait(ctx, func() error {
		return c.initialize(ctx, opts, user)
	})
	if err != nil {
		c.shutdown()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	c.logger.Info("Client started", "user", user.String(), "durable", opts.Durable != nil)
	return c, nil
}

func (c *Client) initialize(ctx context.Context, opts Options, user auth.User) error {
	c.persistence = local.NewMemoryPersistence(opts.Durable, opts.Logger)
	if err := c.persistence.Start(ctx); err != nil {
		return err
	}
	matcher, err := query.NewMatcher(opts.MatcherCacheSize)
	if err != nil {
		return err
	}
	c.localStore = local.NewLocalStore(c.persistence, matcher, user, opts.Logger)

	var engine *syncengine.SyncEngine
	c.remoteStore = remote.NewRemoteStore(opts.Remote, c.queue, opts.Connection, c.creds, c.localStore,
		func(state remote.OnlineState) { engine.ApplyOnlineStateChange(state) }, opts.Logger)
	engine = syncengine.NewSyncEngine(opts.Engine, c.localStore, c.remoteStore, matcher, opts.Clock, opts.Logger)
	c.engine = engine
	c.remoteStore.SetSyncer(engine)
	c.events = syncengine.NewEventManager(engine, opts.Logger)

	if opts.StartOffline {
		c.remoteStore.DisableNetwork()
		return nil
	}
	c.remoteStore.Start()
	return nil
}

// run executes fn on the queue.
func (c *Client) run(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	err := c.queue.EnqueueAndWait(ctx, fn)
	if errors.Is(err, asyncqueue.ErrQueueShutdown) {
		return ErrClosed
	}
	return err
}

// EnableNetwork reconnects the streams after DisableNetwork.
func (c *Client) EnableNetwork(ctx context.Context) error {
	return c.run(ctx, func() error {
		c.remoteStore.EnableNetwork()
		return nil
	})
}

// DisableNetwork closes the streams. Writes keep queueing locally and
// listeners report FromCache snapshots.
func (c *Client) DisableNetwork(ctx context.Context) error {
	return c.run(ctx, func() error {
		c.remoteStore.DisableNetwork()
		return nil
	})
}

// OnlineState reports the current online state.
func (c *Client) OnlineState(ctx context.Context) (remote.OnlineState, error) {
	var state remote.OnlineState
	err := c.run(ctx, func() error {
		state = c.remoteStore.OnlineState()
		return nil
	})
	return state, err
}

// User is the user the engine is currently scoped to.
func (c *Client) User(ctx context.Context) (auth.User, error) {
	var user auth.User
	err := c.run(ctx, func() error {
		user = c.engine.CurrentUser()
		return nil
	})
	return user, err
}

// Close stops listeners and streams and closes the durable store. It is
// safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var closeErr error
	err := c.queue.EnqueueAndWait(context.Background(), func() error {
		if c.events != nil {
			c.events.Shutdown()
		}
		if c.remoteStore != nil {
			c.remoteStore.Shutdown()
		}
		if c.persistence != nil {
			closeErr = c.persistence.Shutdown()
		}
		return nil
	})
	c.shutdown()
	if err != nil && !errors.Is(err, asyncqueue.ErrQueueShutdown) {
		return err
	}
	c.logger.Info("Client closed")
	return closeErr
}

func (c *Client) shutdown() {
	c.creds.SetChangeListener(nil)
	c.queue.Shutdown()
}

// ParseKey turns a slash separated document path into a key.
func ParseKey(path string) (model.DocumentKey, error) {
	key, err := model.NewDocumentKey(path)
	if err != nil {
		return model.DocumentKey{}, model.Errorf(model.CodeInvalidArgument, "invalid document path %q: %v", path, err)
	}
	return key, nil
}
