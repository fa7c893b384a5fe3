// Package nats carries the listen and write streams over NATS core
// subjects. A stream is opened with a request to
// <prefix>.<database>.<kind>.open; the reply names the session subject the
// client publishes to, and the server publishes its frames to the client's
// inbox.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/internal/serializer"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// Headers of the open request and its reply.
const (
	HeaderAuthorization = "Authorization"
	HeaderProject       = "Sync-Project"
	HeaderInbox         = "Sync-Inbox"
	HeaderSession       = "Sync-Session"
)

const defaultRequestTimeout = 10 * time.Second

// natsConnectFunc allows test injection
var natsConnectFunc = nats.Connect

// Config configures the NATS transport.
type Config struct {
	URL            string
	SubjectPrefix  string
	Database       string
	Project        string
	RequestTimeout time.Duration
}

// subscription is the part of *nats.Subscription a stream reads from.
type subscription interface {
	NextMsgWithContext(ctx context.Context) (*nats.Msg, error)
	Unsubscribe() error
}

// conn is the part of *nats.Conn the transport uses.
type conn interface {
	NewInbox() string
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
	Publish(subject string, data []byte) error
	subscribe(subject string) (subscription, error)
	Close()
}

type natsConn struct{ *nats.Conn }

func (c natsConn) subscribe(subject string) (subscription, error) {
	return c.Conn.SubscribeSync(subject)
}

// Connection opens streams over one shared NATS connection.
type Connection struct {
	cfg    Config
	nc     conn
	logger *slog.Logger
}

var _ remote.Connection = (*Connection)(nil)

// NewConnection connects to the NATS server at cfg.URL.
func NewConnection(cfg Config, logger *slog.Logger) (*Connection, error) {
	if cfg.Database == "" {
		return nil, errors.New("database is required")
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport-nats")
	nc, err := natsConnectFunc(url,
		nats.Name("syntrix-sync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newConnection(cfg, natsConn{nc}, logger), nil
}

func newConnection(cfg Config, nc conn, logger *slog.Logger) *Connection {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "sync"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{cfg: cfg, nc: nc, logger: logger}
}

// OpenSubject is the subject a stream of kind is opened on.
func (c *Connection) OpenSubject(kind remote.StreamKind) string {
	return fmt.Sprintf("%s.%s.%s.open", c.cfg.SubjectPrefix, c.cfg.Database, kind)
}

// OpenStream subscribes a fresh inbox and asks the server for a session.
func (c *Connection) OpenStream(ctx context.Context, kind remote.StreamKind, token *auth.Token) (remote.Stream, error) {
	inbox := c.nc.NewInbox()
	sub, err := c.nc.subscribe(inbox)
	if err != nil {
		return nil, model.Errorf(model.CodeUnavailable, "subscribe inbox: %v", err)
	}

	req := nats.NewMsg(c.OpenSubject(kind))
	req.Header.Set(HeaderInbox, inbox)
	if c.cfg.Project != "" {
		req.Header.Set(HeaderProject, c.cfg.Project)
	}
	if token != nil && token.Value != "" {
		req.Header.Set(HeaderAuthorization, "Bearer "+token.Value)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	reply, err := c.nc.RequestMsgWithContext(reqCtx, req)
	if err != nil {
		sub.Unsubscribe()
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, model.Errorf(model.CodeUnavailable, "no sync server on %s", req.Subject)
		}
		return nil, model.Errorf(model.CodeUnavailable, "open stream: %v", err)
	}

	session := reply.Header.Get(HeaderSession)
	if session == "" {
		sub.Unsubscribe()
		// A reply without a session carries an error frame.
		if _, ferr := serializer.UnmarshalServerMessage(reply.Data); ferr != nil {
			return nil, ferr
		}
		return nil, model.Errorf(model.CodeInternal, "open reply has no session")
	}

	c.logger.Debug("Stream opened", "kind", kind, "session", session)
	ctxStream, cancelStream := context.WithCancel(context.Background())
	return &stream{
		nc:      c.nc,
		sub:     sub,
		session: session,
		ctx:     ctxStream,
		cancel:  cancelStream,
		logger:  c.logger.With("kind", kind, "session", session),
	}, nil
}

// Close closes the NATS connection.
func (c *Connection) Close() error {
	c.nc.Close()
	return nil
}
