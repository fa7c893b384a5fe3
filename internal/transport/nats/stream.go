package nats

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/internal/serializer"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

type stream struct {
	nc      conn
	sub     subscription
	session string
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	closeOnce sync.Once
}

var _ remote.Stream = (*stream)(nil)

func (s *stream) Send(msg *remote.ClientMessage) error {
	if s.ctx.Err() != nil {
		return model.Errorf(model.CodeCanceled, "stream closed")
	}
	data, err := serializer.MarshalClientMessage(msg)
	if err != nil {
		return err
	}
	if err := s.nc.Publish(s.session, data); err != nil {
		return model.Errorf(model.CodeUnavailable, "publish: %v", err)
	}
	return nil
}

func (s *stream) Recv() (*remote.ServerMessage, error) {
	for {
		m, err := s.sub.NextMsgWithContext(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil, model.Errorf(model.CodeCanceled, "stream closed")
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return nil, model.Errorf(model.CodeUnavailable, "connection closed: %v", err)
			}
			return nil, model.Errorf(model.CodeUnavailable, "receive: %v", err)
		}
		msg, err := serializer.UnmarshalServerMessage(m.Data)
		if errors.Is(err, serializer.ErrEmptyFrame) {
			s.logger.Warn("Ignoring empty frame")
			continue
		}
		return msg, err
	}
}

// Close tells the server the session is over and drops the inbox.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		if perr := s.nc.Publish(s.session+".close", nil); perr != nil {
			s.logger.Debug("Close notice not sent", "error", perr)
		}
		err = s.sub.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			err = nil
		}
	})
	return err
}
