package remote

import (
	"log/slog"

	"github.com/syntrixbase/syntrix-sync/internal/asyncqueue"
	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// WriteStreamListener receives write stream events on the queue goroutine.
type WriteStreamListener interface {
	OnWriteStreamOpen()
	OnWriteHandshakeComplete()
	OnMutationResult(commitVersion model.SnapshotVersion, results []mutation.Result)
	OnWriteStreamClose(err error)
}

// WriteStream is the write stream. After opening, the client sends a
// handshake; the first response completes it and carries the stream token.
// Each later response acknowledges the oldest unacknowledged write request.
type WriteStream struct {
	*persistentStream
	listener          WriteStreamListener
	handshakeComplete bool
	lastStreamToken   []byte
}

func NewWriteStream(queue *asyncqueue.Queue, conn Connection, creds auth.CredentialsProvider, cfg StreamConfig,
	listener WriteStreamListener, logger *slog.Logger) *WriteStream {
	s := &WriteStream{
		persistentStream: newPersistentStream(StreamWrite, queue, conn, creds, cfg, writeTimers, logger),
		listener:         listener,
	}
	s.delegate = s
	return s
}

func (s *WriteStream) HandshakeComplete() bool { return s.handshakeComplete }

func (s *WriteStream) LastStreamToken() []byte { return s.lastStreamToken }

// SetLastStreamToken seeds the token sent with the next handshake.
func (s *WriteStream) SetLastStreamToken(token []byte) { s.lastStreamToken = token }

// WriteHandshake sends the initial request of a freshly opened stream.
func (s *WriteStream) WriteHandshake() {
	model.HardAssert(s.IsOpen(), "write handshake on a stream that is not open")
	model.HardAssert(!s.handshakeComplete, "write handshake already completed")
	s.sendRequest(&ClientMessage{Write: &WriteRequest{Handshake: true, StreamToken: s.lastStreamToken}})
}

// WriteMutations sends one batch of mutations.
func (s *WriteStream) WriteMutations(mutations []mutation.Mutation) {
	model.HardAssert(s.IsOpen(), "writing mutations on a stream that is not open")
	model.HardAssert(s.handshakeComplete, "writing mutations before the handshake completed")
	s.sendRequest(&ClientMessage{Write: &WriteRequest{StreamToken: s.lastStreamToken, Writes: mutations}})
}

func (s *WriteStream) onOpen() {
	s.handshakeComplete = false
	s.listener.OnWriteStreamOpen()
}

func (s *WriteStream) onMessage(msg *ServerMessage) error {
	if msg.Write == nil {
		return model.Errorf(model.CodeInternal, "unexpected message on write stream")
	}
	resp := msg.Write
	s.lastStreamToken = resp.StreamToken
	if !s.handshakeComplete {
		if len(resp.WriteResults) != 0 {
			return model.Errorf(model.CodeInternal, "handshake response carries %d write results", len(resp.WriteResults))
		}
		s.handshakeComplete = true
		s.listener.OnWriteHandshakeComplete()
		return nil
	}
	s.backoff.Reset()
	s.listener.OnMutationResult(resp.CommitVersion, resp.WriteResults)
	return nil
}

func (s *WriteStream) onClose(err error) {
	s.listener.OnWriteStreamClose(err)
}
