package websocket

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/internal/serializer"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// Application close codes used by the server.
const (
	CloseUnauthenticated  = 4401
	ClosePermissionDenied = 4403
)

type stream struct {
	conn   *websocket.Conn
	cfg    Config
	logger *slog.Logger

	// writeMu serializes data frames; control frames may interleave.
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

var _ remote.Stream = (*stream)(nil)

func newStream(conn *websocket.Conn, cfg Config, logger *slog.Logger) *stream {
	s := &stream{conn: conn, cfg: cfg, logger: logger, closed: make(chan struct{})}
	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	go s.pingLoop()
	return s
}

// pingLoop keeps the connection alive and detects dead peers.
func (s *stream) pingLoop() {
	ticker := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}

func (s *stream) Send(msg *remote.ClientMessage) error {
	data, err := serializer.MarshalClientMessage(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isClosed() {
		return errStreamClosed()
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return model.Errorf(model.CodeUnavailable, "write frame: %v", err)
	}
	return nil
}

func (s *stream) Recv() (*remote.ServerMessage, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				return nil, errStreamClosed()
			}
			return nil, closeError(err)
		}
		// Any frame proves the peer is alive.
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		msg, err := serializer.UnmarshalServerMessage(data)
		if errors.Is(err, serializer.ErrEmptyFrame) {
			s.logger.Warn("Ignoring empty frame")
			continue
		}
		return msg, err
	}
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		deadline := time.Now().Add(s.cfg.WriteWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			s.logger.Debug("Close frame not sent", "error", werr)
		}
		err = s.conn.Close()
	})
	return err
}

func (s *stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func errStreamClosed() error {
	return model.Errorf(model.CodeCanceled, "stream closed")
}

// closeError maps a read failure to a coded error.
func closeError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case CloseUnauthenticated:
			return model.Errorf(model.CodeUnauthenticated, "%s", ce.Text)
		case ClosePermissionDenied, websocket.ClosePolicyViolation:
			return model.Errorf(model.CodePermissionDenied, "%s", ce.Text)
		case websocket.CloseTryAgainLater:
			return model.Errorf(model.CodeResourceExhausted, "%s", ce.Text)
		}
		return model.Errorf(model.CodeUnavailable, "connection closed: %d %s", ce.Code, ce.Text)
	}
	return model.Errorf(model.CodeUnavailable, "read frame: %v", err)
}
