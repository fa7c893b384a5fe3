package nats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/internal/serializer"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

type fakeSub struct {
	msgs         chan *nats.Msg
	unsubscribed bool
}

func (s *fakeSub) NextMsgWithContext(ctx context.Context) (*nats.Msg, error) {
	select {
	case m, ok := <-s.msgs:
		if !ok {
			return nil, nats.ErrConnectionClosed
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSub) Unsubscribe() error {
	s.unsubscribed = true
	return nil
}

// fakeConn plays a server that answers pings with pongs.
type fakeConn struct {
	mu        sync.Mutex
	requests  []*nats.Msg
	published []string
	subs      map[string]*fakeSub
	reply     func(*nats.Msg) (*nats.Msg, error)
	inbox     string
}

func newFakeConn() *fakeConn {
	c := &fakeConn{subs: map[string]*fakeSub{}}
	c.reply = func(req *nats.Msg) (*nats.Msg, error) {
		c.inbox = req.Header.Get(HeaderInbox)
		m := nats.NewMsg(req.Reply)
		m.Header.Set(HeaderSession, "sync.session.1")
		return m, nil
	}
	return c
}

func (c *fakeConn) NewInbox() string { return "_INBOX.test" }

func (c *fakeConn) RequestMsgWithContext(_ context.Context, msg *nats.Msg) (*nats.Msg, error) {
	c.mu.Lock()
	c.requests = append(c.requests, msg)
	c.mu.Unlock()
	return c.reply(msg)
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	c.published = append(c.published, subject)
	sub := c.subs[c.inbox]
	c.mu.Unlock()
	if len(data) == 0 || sub == nil {
		return nil
	}
	msg, err := serializer.UnmarshalClientMessage(data)
	if err != nil {
		return err
	}
	if msg.Ping {
		out, _ := serializer.MarshalServerMessage(&remote.ServerMessage{Pong: true})
		sub.msgs <- &nats.Msg{Subject: c.inbox, Data: out}
	}
	return nil
}

func (c *fakeConn) subscribe(subject string) (subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeSub{msgs: make(chan *nats.Msg, 8)}
	c.subs[subject] = s
	return s, nil
}

func (c *fakeConn) Close() {}

func TestConnection_OpenAndExchange(t *testing.T) {
	fc := newFakeConn()
	c := newConnection(Config{Database: "main", Project: "p1"}, fc, nil)
	assert.Equal(t, "sync.main.listen.open", c.OpenSubject(remote.StreamListen))

	s, err := c.OpenStream(context.Background(), remote.StreamListen, &auth.Token{Value: "tok"})
	require.NoError(t, err)

	require.Len(t, fc.requests, 1)
	req := fc.requests[0]
	assert.Equal(t, "sync.main.listen.open", req.Subject)
	assert.Equal(t, "Bearer tok", req.Header.Get(HeaderAuthorization))
	assert.Equal(t, "p1", req.Header.Get(HeaderProject))
	assert.Equal(t, "_INBOX.test", req.Header.Get(HeaderInbox))

	require.NoError(t, s.Send(&remote.ClientMessage{Ping: true}))
	msg, err := s.Recv()
	require.NoError(t, err)
	assert.True(t, msg.Pong)

	require.NoError(t, s.Close())
	assert.Contains(t, fc.published, "sync.session.1.close")
	assert.True(t, fc.subs["_INBOX.test"].unsubscribed)
	assert.Equal(t, model.CodeCanceled, model.CodeOf(s.Send(&remote.ClientMessage{Ping: true})))
}

func TestConnection_OpenRejected(t *testing.T) {
	fc := newFakeConn()
	fc.reply = func(req *nats.Msg) (*nats.Msg, error) {
		data, err := serializer.MarshalServerError(model.Errorf(model.CodePermissionDenied, "denied"))
		require.NoError(t, err)
		return &nats.Msg{Subject: req.Reply, Data: data, Header: nats.Header{}}, nil
	}
	c := newConnection(Config{Database: "main"}, fc, nil)
	_, err := c.OpenStream(context.Background(), remote.StreamWrite, nil)
	require.Error(t, err)
	assert.Equal(t, model.CodePermissionDenied, model.CodeOf(err))
	assert.True(t, fc.subs["_INBOX.test"].unsubscribed)
}

func TestConnection_NoResponders(t *testing.T) {
	fc := newFakeConn()
	fc.reply = func(*nats.Msg) (*nats.Msg, error) { return nil, nats.ErrNoResponders }
	c := newConnection(Config{Database: "main"}, fc, nil)
	_, err := c.OpenStream(context.Background(), remote.StreamListen, nil)
	assert.Equal(t, model.CodeUnavailable, model.CodeOf(err))
}

func TestStream_CloseUnblocksRecv(t *testing.T) {
	fc := newFakeConn()
	c := newConnection(Config{Database: "main"}, fc, nil)
	s, err := c.OpenStream(context.Background(), remote.StreamListen, nil)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		errs <- err
	}()
	require.NoError(t, s.Close())
	select {
	case err := <-errs:
		assert.Equal(t, model.CodeCanceled, model.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
}

func TestStream_ConnectionLoss(t *testing.T) {
	fc := newFakeConn()
	c := newConnection(Config{Database: "main"}, fc, nil)
	s, err := c.OpenStream(context.Background(), remote.StreamListen, nil)
	require.NoError(t, err)
	defer s.Close()

	close(fc.subs["_INBOX.test"].msgs)
	_, err = s.Recv()
	assert.Equal(t, model.CodeUnavailable, model.CodeOf(err))
}

func TestNewConnection_ConnectError(t *testing.T) {
	orig := natsConnectFunc
	defer func() { natsConnectFunc = orig }()
	natsConnectFunc = func(string, ...nats.Option) (*nats.Conn, error) {
		return nil, errors.New("refused")
	}
	_, err := NewConnection(Config{Database: "main"}, nil)
	assert.ErrorContains(t, err, "refused")

	_, err = NewConnection(Config{}, nil)
	assert.Error(t, err)
}
