package remote

import (
	"log/slog"

	"github.com/syntrixbase/syntrix-sync/internal/asyncqueue"
	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// WatchStreamListener receives watch stream events on the queue goroutine.
type WatchStreamListener interface {
	OnWatchStreamOpen()
	// OnWatchStreamChange delivers one change. version is MinVersion unless
	// the change completes a consistent snapshot.
	OnWatchStreamChange(change *ListenResponse, version model.SnapshotVersion)
	OnWatchStreamClose(err error)
}

// WatchStream is the listen stream.
type WatchStream struct {
	*persistentStream
	listener WatchStreamListener
}

func NewWatchStream(queue *asyncqueue.Queue, conn Connection, creds auth.CredentialsProvider, cfg StreamConfig,
	listener WatchStreamListener, logger *slog.Logger) *WatchStream {
	s := &WatchStream{
		persistentStream: newPersistentStream(StreamListen, queue, conn, creds, cfg, listenTimers, logger),
		listener:         listener,
	}
	s.delegate = s
	return s
}

// Watch asks the server to start sending changes for a target.
func (s *WatchStream) Watch(td model.TargetData) {
	req := &TargetRequest{TargetID: td.TargetID, Query: td.Target}
	if len(td.ResumeToken) > 0 {
		req.ResumeToken = td.ResumeToken
		req.ExpectedCount = td.ExpectedCount
	} else if td.SnapshotVersion > model.MinVersion {
		req.ReadTime = td.SnapshotVersion
		req.ExpectedCount = td.ExpectedCount
	}
	s.sendRequest(&ClientMessage{Listen: &ListenRequest{AddTarget: req}})
}

// Unwatch asks the server to stop sending changes for a target.
func (s *WatchStream) Unwatch(id model.TargetID) {
	s.sendRequest(&ClientMessage{Listen: &ListenRequest{RemoveTarget: id}})
}

func (s *WatchStream) onOpen() {
	s.listener.OnWatchStreamOpen()
}

func (s *WatchStream) onMessage(msg *ServerMessage) error {
	if msg.Listen == nil {
		return model.Errorf(model.CodeInternal, "unexpected message on listen stream")
	}
	s.backoff.Reset()
	s.listener.OnWatchStreamChange(msg.Listen, msg.Listen.SnapshotVersion())
	return nil
}

func (s *WatchStream) onClose(err error) {
	s.listener.OnWatchStreamClose(err)
}
