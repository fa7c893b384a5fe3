// Package remotetest provides an in-memory remote.Connection whose streams
// are driven by the test.
package remotetest

import (
	"context"
	"sync"
	"time"

	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// DefaultTimeout bounds every wait of the helpers.
const DefaultTimeout = 5 * time.Second

// Connection records opened streams per kind.
type Connection struct {
	mu      sync.Mutex
	openErr map[remote.StreamKind]error
	tokens  []*auth.Token
	opened  map[remote.StreamKind]chan *Stream
}

func NewConnection() *Connection {
	return &Connection{
		openErr: map[remote.StreamKind]error{},
		opened: map[remote.StreamKind]chan *Stream{
			remote.StreamListen: make(chan *Stream, 64),
			remote.StreamWrite:  make(chan *Stream, 64),
		},
	}
}

// FailOpen makes OpenStream of kind fail with err until cleared with nil.
func (c *Connection) FailOpen(kind remote.StreamKind, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErr[kind] = err
}

// Tokens returns the tokens streams were opened with.
func (c *Connection) Tokens() []*auth.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*auth.Token, len(c.tokens))
	copy(out, c.tokens)
	return out
}

func (c *Connection) OpenStream(ctx context.Context, kind remote.StreamKind, token *auth.Token) (remote.Stream, error) {
	c.mu.Lock()
	err := c.openErr[kind]
	c.tokens = append(c.tokens, token)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := newStream(kind)
	c.opened[kind] <- s
	return s, nil
}

// NextStream waits for the next stream of kind to be opened. It returns nil
// on timeout.
func (c *Connection) NextStream(kind remote.StreamKind, timeout time.Duration) *Stream {
	select {
	case s := <-c.opened[kind]:
		return s
	case <-time.After(timeout):
		return nil
	}
}

type recvResult struct {
	msg *remote.ServerMessage
	err error
}

// Stream is one fake stream. The test plays the server through Push, Fail
// and Expect.
type Stream struct {
	kind   remote.StreamKind
	sent   chan *remote.ClientMessage
	recv   chan recvResult
	closed chan struct{}
	once   sync.Once
}

func newStream(kind remote.StreamKind) *Stream {
	return &Stream{
		kind:   kind,
		sent:   make(chan *remote.ClientMessage, 256),
		recv:   make(chan recvResult, 256),
		closed: make(chan struct{}),
	}
}

func (s *Stream) Kind() remote.StreamKind { return s.kind }

func (s *Stream) Send(msg *remote.ClientMessage) error {
	select {
	case <-s.closed:
		return model.Errorf(model.CodeUnavailable, "stream closed")
	default:
	}
	select {
	case s.sent <- msg:
		return nil
	case <-s.closed:
		return model.Errorf(model.CodeUnavailable, "stream closed")
	}
}

func (s *Stream) Recv() (*remote.ServerMessage, error) {
	select {
	case r := <-s.recv:
		return r.msg, r.err
	case <-s.closed:
		return nil, model.Errorf(model.CodeCanceled, "stream closed")
	}
}

func (s *Stream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// IsClosed reports whether the client closed the stream.
func (s *Stream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Push delivers a server message.
func (s *Stream) Push(msg *remote.ServerMessage) {
	s.recv <- recvResult{msg: msg}
}

// PushListen delivers a listen response.
func (s *Stream) PushListen(resp *remote.ListenResponse) {
	s.Push(&remote.ServerMessage{Listen: resp})
}

// PushWrite delivers a write response.
func (s *Stream) PushWrite(resp *remote.WriteResponse) {
	s.Push(&remote.ServerMessage{Write: resp})
}

// Fail ends the stream with err.
func (s *Stream) Fail(err error) {
	s.recv <- recvResult{err: err}
}

// Expect returns the next non-ping client message, or nil on timeout.
func (s *Stream) Expect(timeout time.Duration) *remote.ClientMessage {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-s.sent:
			if msg.Ping {
				continue
			}
			return msg
		case <-deadline:
			return nil
		}
	}
}

// Sent drains the client messages received so far, pings included.
func (s *Stream) Sent() []*remote.ClientMessage {
	var out []*remote.ClientMessage
	for {
		select {
		case msg := <-s.sent:
			out = append(out, msg)
		default:
			return out
		}
	}
}
