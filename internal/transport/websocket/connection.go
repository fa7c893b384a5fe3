// Package websocket carries the listen and write streams over WebSocket
// connections. Every stream is its own connection; frames are the JSON
// messages of internal/serializer sent as text messages.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/schema"
	"github.com/gorilla/websocket"

	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

const (
	defaultWriteWait        = 10 * time.Second
	defaultPongWait         = 60 * time.Second
	defaultHandshakeTimeout = 15 * time.Second
	// Maximum frame size accepted from the server.
	defaultMaxMessageSize = 4 * 1024 * 1024
)

// Config configures the WebSocket transport.
type Config struct {
	// Endpoint is the base URL, e.g. ws://localhost:8080/v1/sync. The stream
	// kind is appended as the last path element.
	Endpoint string
	Database string
	Project  string

	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	// PongWait bounds the silence tolerated from the server. Pings are sent
	// at nine tenths of it.
	PongWait       time.Duration
	MaxMessageSize int64
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
}

// handshake is encoded into the query string of the upgrade request.
type handshake struct {
	Database string `schema:"database"`
	Project  string `schema:"project,omitempty"`
	Session  string `schema:"session"`
}

// Connection dials one WebSocket per stream.
type Connection struct {
	cfg     Config
	base    *url.URL
	dialer  *websocket.Dialer
	encoder *schema.Encoder
	logger  *slog.Logger
}

var _ remote.Connection = (*Connection)(nil)

// NewConnection validates cfg and returns a connection ready to dial.
func NewConnection(cfg Config, logger *slog.Logger) (*Connection, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("websocket endpoint is required")
	}
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket endpoint: %w", err)
	}
	switch base.Scheme {
	case "ws", "wss":
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported websocket scheme %q", base.Scheme)
	}
	if cfg.Database == "" {
		return nil, errors.New("database is required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		cfg:  cfg,
		base: base,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		encoder: schema.NewEncoder(),
		logger:  logger.With("component", "transport-websocket"),
	}, nil
}

// streamURL builds the upgrade URL for kind with the handshake parameters.
func (c *Connection) streamURL(kind remote.StreamKind, session string) (string, error) {
	u := *c.base
	u.Path = path.Join(u.Path, string(kind))
	values := url.Values{}
	if err := c.encoder.Encode(handshake{Database: c.cfg.Database, Project: c.cfg.Project, Session: session}, values); err != nil {
		return "", fmt.Errorf("encode handshake: %w", err)
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// OpenStream dials a new stream of kind, authenticated with token when set.
func (c *Connection) OpenStream(ctx context.Context, kind remote.StreamKind, token *auth.Token) (remote.Stream, error) {
	session := uuid.NewString()
	target, err := c.streamURL(kind, session)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token != nil && token.Value != "" {
		header.Set("Authorization", "Bearer "+token.Value)
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, dialError(resp, err)
	}
	c.logger.Debug("Stream opened", "kind", kind, "session", session)
	return newStream(conn, c.cfg, c.logger.With("kind", kind, "session", session)), nil
}

// dialError classifies a failed upgrade by its HTTP status.
func dialError(resp *http.Response, err error) error {
	if resp == nil {
		return model.Errorf(model.CodeUnavailable, "dial: %v", err)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return model.Errorf(model.CodeUnauthenticated, "dial rejected: %s", resp.Status)
	case http.StatusForbidden:
		return model.Errorf(model.CodePermissionDenied, "dial rejected: %s", resp.Status)
	case http.StatusNotFound:
		return model.Errorf(model.CodeNotFound, "dial rejected: %s", resp.Status)
	case http.StatusTooManyRequests:
		return model.Errorf(model.CodeResourceExhausted, "dial rejected: %s", resp.Status)
	default:
		return model.Errorf(model.CodeUnavailable, "dial rejected: %s", resp.Status)
	}
}
