package remote

import (
	"context"

	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// StreamKind selects one of the two long-lived streams.
type StreamKind string

const (
	StreamListen StreamKind = "listen"
	StreamWrite  StreamKind = "write"
)

// Connection opens streams to the server. Implementations live in
// internal/transport.
type Connection interface {
	// OpenStream dials a new stream. token is nil for unauthenticated clients.
	OpenStream(ctx context.Context, kind StreamKind, token *auth.Token) (Stream, error)
}

// Stream is one bidirectional stream. Send and Recv may be called from
// different goroutines; Close unblocks both.
type Stream interface {
	Send(msg *ClientMessage) error
	// Recv blocks for the next message. Errors carrying a *model.Error code
	// are classified by it; any other error is treated as unavailable.
	Recv() (*ServerMessage, error)
	Close() error
}

// ClientMessage is sent from the client. Exactly one field is set.
type ClientMessage struct {
	Listen *ListenRequest
	Write  *WriteRequest
	Ping   bool
}

// ListenRequest adds or removes one watch target.
type ListenRequest struct {
	AddTarget    *TargetRequest
	RemoveTarget model.TargetID
}

// TargetRequest asks the server to watch a query.
type TargetRequest struct {
	TargetID    model.TargetID
	Query       model.Query
	ResumeToken []byte
	// ReadTime resumes from a version when no token is known.
	ReadTime      model.SnapshotVersion
	ExpectedCount *int
}

// WriteRequest is a handshake when Handshake is set, a batch of writes otherwise.
type WriteRequest struct {
	Handshake   bool
	StreamToken []byte
	Writes      []mutation.Mutation
}

// ServerMessage is sent by the server. Exactly one field is set.
type ServerMessage struct {
	Listen *ListenResponse
	Write  *WriteResponse
	Pong   bool
}

// ListenResponse carries one watch change.
type ListenResponse struct {
	TargetChange   *WatchTargetChange
	DocumentChange *DocumentWatchChange
	Filter         *ExistenceFilterChange
}

// SnapshotVersion is the version of the consistent snapshot the response
// completes, or MinVersion. Only a global NoChange carries one.
func (r *ListenResponse) SnapshotVersion() model.SnapshotVersion {
	tc := r.TargetChange
	if tc == nil || tc.State != TargetNoChange || len(tc.TargetIDs) > 0 {
		return model.MinVersion
	}
	return tc.ReadTime
}

// WriteResponse acknowledges the handshake or the oldest unacknowledged batch.
type WriteResponse struct {
	StreamToken   []byte
	CommitVersion model.SnapshotVersion
	WriteResults  []mutation.Result
}
