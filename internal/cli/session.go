package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/internal/config"
	"github.com/syntrixbase/syntrix-sync/internal/local"
	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/internal/storage/mongo"
	"github.com/syntrixbase/syntrix-sync/internal/storage/pebble"
	"github.com/syntrixbase/syntrix-sync/internal/syncengine"
	"github.com/syntrixbase/syntrix-sync/internal/transport/nats"
	"github.com/syntrixbase/syntrix-sync/internal/transport/websocket"
	"github.com/syntrixbase/syntrix-sync/pkg/client"
)

const metricsShutdownTimeout = 5 * time.Second

// session is a running client plus the resources it was built from.
type session struct {
	client  *client.Client
	closers []io.Closer
	group   *errgroup.Group
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// openSession builds the transport, the durable store and the credentials
// from cfg and starts a client on them. The metrics endpoint, when enabled,
// is served until Close.
func openSession(ctx context.Context, cfg *config.Config, offline bool, logger *slog.Logger) (_ *session, err error) {
	s := &session{logger: logger}
	defer func() {
		if err != nil {
			_ = s.closeResources()
		}
	}()

	conn, closer, err := newConnection(cfg.Transport, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create transport", err)
	}
	if closer != nil {
		s.closers = append(s.closers, closer)
	}

	durable, err := newDurableStore(ctx, cfg.Persistence, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s persistence: %w", cfg.Persistence.Backend, err)
	}

	creds, err := newCredentials(ctx, cfg.Auth, logger)
	if err != nil {
		if durable != nil {
			_ = durable.Close()
		}
		return nil, err
	}

	s.client, err = client.New(ctx, client.Options{
		Connection:   conn,
		Credentials:  creds,
		Durable:      durable,
		Remote:       remoteConfig(cfg),
		Engine:       syncengine.Config{MaxConcurrentLimboResolutions: cfg.Client.MaxConcurrentLimboResolutions},
		Logger:       logger,
		StartOffline: offline,
	})
	if err != nil {
		if durable != nil {
			_ = durable.Close()
		}
		return nil, err
	}

	groupCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, groupCtx = errgroup.WithContext(groupCtx)
	if cfg.Metrics.Enabled {
		addr := cfg.Metrics.Addr
		s.group.Go(func() error { return serveMetrics(groupCtx, addr, logger) })
	}
	return s, nil
}

// Close stops the client, the metrics server and the transport.
func (s *session) Close() error {
	var errs []error
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	if s.cancel != nil {
		s.cancel()
		errs = append(errs, s.group.Wait())
	}
	errs = append(errs, s.closeResources())
	return errors.Join(errs...)
}

func (s *session) closeResources() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// newConnection returns the transport of cfg and, when it holds a
// connection of its own, the closer that releases it.
func newConnection(cfg config.TransportConfig, logger *slog.Logger) (remote.Connection, io.Closer, error) {
	switch cfg.Kind {
	case config.TransportWebSocket:
		conn, err := websocket.NewConnection(websocket.Config{
			Endpoint:         cfg.Endpoint,
			Project:          cfg.Project,
			Database:         cfg.Database,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return conn, nil, nil
	case config.TransportNATS:
		conn, err := nats.NewConnection(nats.Config{
			URL:            cfg.Endpoint,
			SubjectPrefix:  cfg.SubjectPrefix,
			Project:        cfg.Project,
			Database:       cfg.Database,
			RequestTimeout: cfg.HandshakeTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return conn, conn, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Kind)
	}
}

// newDurableStore opens the backend of cfg. The memory backend has no
// durable store and returns nil.
func newDurableStore(ctx context.Context, cfg config.PersistenceConfig, logger *slog.Logger) (local.DurableStore, error) {
	switch cfg.Backend {
	case config.PersistenceMemory:
		return nil, nil
	case config.PersistencePebble:
		store, err := pebble.Open(pebble.Config{
			Path:           cfg.Pebble.Path,
			BlockCacheSize: cfg.Pebble.BlockCacheSize,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.PersistenceMongo:
		store, err := mongo.Open(ctx, mongo.Config{
			URI:            cfg.Mongo.URI,
			Database:       cfg.Mongo.Database,
			ConnectTimeout: cfg.Mongo.ConnectTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}

// newCredentials returns a JWT provider when a token is configured. The
// token is fetched once up front so the client starts as its user.
func newCredentials(ctx context.Context, cfg config.AuthConfig, logger *slog.Logger) (auth.CredentialsProvider, error) {
	if !cfg.Enabled() {
		return &auth.EmptyCredentialsProvider{}, nil
	}
	token := cfg.Token
	if cfg.TokenFile != "" {
		raw, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read token file", err)
		}
		token = strings.TrimSpace(string(raw))
	}
	provider := auth.NewJWTCredentialsProvider(auth.StaticTokenSource(token), logger)
	if _, err := provider.GetToken(ctx); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid auth token", err)
	}
	return provider, nil
}

func remoteConfig(cfg *config.Config) remote.Config {
	rc := remote.DefaultConfig()
	rc.Stream.Backoff = remote.BackoffConfig{
		Initial: cfg.Client.Backoff.Initial,
		Max:     cfg.Client.Backoff.Max,
		Factor:  cfg.Client.Backoff.Factor,
	}
	rc.Stream.HeartbeatInterval = cfg.Client.HeartbeatInterval
	rc.Stream.ActivityTimeout = cfg.Client.ActivityTimeout
	rc.Stream.IdleTimeout = cfg.Client.IdleTimeout
	rc.Stream.AuthTimeout = cfg.Client.AuthTimeout
	rc.WritePipelineSize = cfg.Client.WritePipelineSize
	rc.OnlineStateTimeout = cfg.Client.OnlineStateTimeout
	rc.Database = remote.DatabaseID{Project: cfg.Transport.Project, Database: cfg.Transport.Database}
	return rc
}

// serveMetrics serves /metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
