package remote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/syntrixbase/syntrix-sync/internal/asyncqueue"
	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/internal/metrics"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// StreamState is the lifecycle state of a persistent stream.
type StreamState int

const (
	// StreamInitial streams can be started.
	StreamInitial StreamState = iota
	// StreamStarting streams are fetching a token and dialing.
	StreamStarting
	// StreamOpen streams exchange messages.
	StreamOpen
	// StreamError streams were closed by an error; the next start backs off.
	StreamError
	// StreamBackoff streams wait for their backoff timer.
	StreamBackoff
)

func (s StreamState) String() string {
	switch s {
	case StreamInitial:
		return "initial"
	case StreamStarting:
		return "starting"
	case StreamOpen:
		return "open"
	case StreamError:
		return "error"
	case StreamBackoff:
		return "backoff"
	}
	return "unknown"
}

// StreamConfig holds the timing of a persistent stream.
type StreamConfig struct {
	Backoff BackoffConfig
	// HeartbeatInterval is the longest an open stream stays silent before a
	// ping is sent. Negative disables pings.
	HeartbeatInterval time.Duration
	// ActivityTimeout closes an open stream that received nothing for this
	// long. Negative disables the check.
	ActivityTimeout time.Duration
	// IdleTimeout closes a stream with nothing to do. Negative keeps idle
	// streams open.
	IdleTimeout time.Duration
	// AuthTimeout bounds the token fetch of each connection attempt.
	AuthTimeout time.Duration
}

// DefaultStreamConfig returns the stream timings used by the client.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Backoff:           DefaultBackoffConfig(),
		HeartbeatInterval: 30 * time.Second,
		ActivityTimeout:   90 * time.Second,
		IdleTimeout:       60 * time.Second,
		AuthTimeout:       10 * time.Second,
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *StreamConfig) ApplyDefaults() {
	defaults := DefaultStreamConfig()
	c.Backoff.ApplyDefaults()
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.ActivityTimeout == 0 {
		c.ActivityTimeout = defaults.ActivityTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaults.IdleTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaults.AuthTimeout
	}
}

type streamTimers struct {
	idle, backoff, heartbeat, activity asyncqueue.TimerID
}

var (
	listenTimers = streamTimers{
		idle:      asyncqueue.TimerListenStreamIdle,
		backoff:   asyncqueue.TimerListenStreamBackoff,
		heartbeat: asyncqueue.TimerListenStreamHeartbeat,
		activity:  asyncqueue.TimerListenStreamActivity,
	}
	writeTimers = streamTimers{
		idle:      asyncqueue.TimerWriteStreamIdle,
		backoff:   asyncqueue.TimerWriteStreamBackoff,
		heartbeat: asyncqueue.TimerWriteStreamHeartbeat,
		activity:  asyncqueue.TimerWriteStreamActivity,
	}
)

// streamDelegate receives the events of a persistent stream on the queue.
type streamDelegate interface {
	onOpen()
	onMessage(msg *ServerMessage) error
	onClose(err error)
}

// outbox is the unbounded send queue of one connection. The queue goroutine
// pushes without blocking; the send loop of the connection drains it.
type outbox struct {
	mu      sync.Mutex
	pending []*ClientMessage
	wake    chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(msg *ClientMessage) {
	o.mu.Lock()
	o.pending = append(o.pending, msg)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// drain takes every queued message.
func (o *outbox) drain() []*ClientMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.pending
	o.pending = nil
	return msgs
}

// persistentStream wraps a Stream with start, backoff, heartbeat and idle
// handling. All methods must be called on the queue goroutine. Network I/O
// runs on per-connection goroutines that only enqueue their results; results
// of a connection that has been closed since are dropped.
type persistentStream struct {
	kind     StreamKind
	queue    *asyncqueue.Queue
	conn     Connection
	creds    auth.CredentialsProvider
	cfg      StreamConfig
	timers   streamTimers
	logger   *slog.Logger
	backoff  *ExponentialBackoff
	delegate streamDelegate

	state StreamState
	// closeCount identifies the current connection attempt.
	closeCount int
	stream     Stream
	ctx        context.Context
	cancel     context.CancelFunc
	outbox     *outbox

	idleTimer      *asyncqueue.DelayedOperation
	heartbeatTimer *asyncqueue.DelayedOperation
	activityTimer  *asyncqueue.DelayedOperation
}

func newPersistentStream(kind StreamKind, queue *asyncqueue.Queue, conn Connection, creds auth.CredentialsProvider,
	cfg StreamConfig, timers streamTimers, logger *slog.Logger) *persistentStream {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stream", string(kind))
	return &persistentStream{
		kind:    kind,
		queue:   queue,
		conn:    conn,
		creds:   creds,
		cfg:     cfg,
		timers:  timers,
		logger:  logger,
		backoff: NewExponentialBackoff(queue, timers.backoff, cfg.Backoff, logger),
	}
}

func (s *persistentStream) State() StreamState { return s.state }

// IsStarted reports whether Start was called and Stop has not been.
func (s *persistentStream) IsStarted() bool {
	return s.state == StreamStarting || s.state == StreamBackoff || s.state == StreamOpen
}

func (s *persistentStream) IsOpen() bool { return s.state == StreamOpen }

// Start connects the stream. A stream that failed backs off first.
func (s *persistentStream) Start() {
	if s.state == StreamError {
		s.performBackoff()
		return
	}
	model.HardAssert(s.state == StreamInitial, "%s stream started in state %s", s.kind, s.state)
	s.auth()
}

// Stop closes the stream without error. The next Start runs immediately.
func (s *persistentStream) Stop() {
	if s.IsStarted() {
		s.close(StreamInitial, nil)
	}
}

// InhibitBackoff makes the next Start skip the backoff delay after an error.
func (s *persistentStream) InhibitBackoff() {
	model.HardAssert(!s.IsStarted(), "cannot inhibit backoff of a started %s stream", s.kind)
	s.state = StreamInitial
	s.backoff.Reset()
}

// MarkIdle closes the stream after the idle timeout unless it is used again.
func (s *persistentStream) MarkIdle() {
	if s.IsOpen() && s.idleTimer == nil && s.cfg.IdleTimeout > 0 {
		s.idleTimer = s.queue.EnqueueAfterDelay(s.timers.idle, s.cfg.IdleTimeout, func() {
			s.idleTimer = nil
			if s.IsOpen() {
				s.logger.Debug("Closing idle stream")
				s.close(StreamInitial, nil)
			}
		})
	}
}

func (s *persistentStream) auth() {
	s.state = StreamStarting
	metrics.StreamStarts.WithLabelValues(string(s.kind)).Inc()

	gen := s.closeCount
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx, s.cancel = ctx, cancel
	go func() {
		stream, err := s.dial(ctx)
		enqueueErr := s.queue.Enqueue(func() {
			if gen != s.closeCount {
				if stream != nil {
					_ = stream.Close()
				}
				return
			}
			if err != nil {
				s.handleStreamClose(err)
				return
			}
			s.onStreamOpen(gen, stream)
		})
		if enqueueErr != nil && stream != nil {
			_ = stream.Close()
		}
	}()
}

func (s *persistentStream) dial(ctx context.Context) (Stream, error) {
	tokenCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	token, err := s.creds.GetToken(tokenCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, model.Errorf(model.CodeDeadlineExceeded, "token fetch timed out after %s", s.cfg.AuthTimeout)
		}
		return nil, err
	}
	return s.conn.OpenStream(ctx, s.kind, token)
}

func (s *persistentStream) onStreamOpen(gen int, stream Stream) {
	model.HardAssert(s.state == StreamStarting, "%s stream opened in state %s", s.kind, s.state)
	s.stream = stream
	s.state = StreamOpen
	s.outbox = newOutbox()
	go s.sendLoop(s.ctx, gen, stream, s.outbox)
	go s.recvLoop(gen, stream)
	s.resetActivityTimer()
	s.resetHeartbeatTimer()
	s.logger.Debug("Stream open")
	s.delegate.onOpen()
}

func (s *persistentStream) sendLoop(ctx context.Context, gen int, stream Stream, outbox *outbox) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-outbox.wake:
		}
		for _, msg := range outbox.drain() {
			if ctx.Err() != nil {
				return
			}
			if err := stream.Send(msg); err != nil {
				s.dispatchIfCurrent(gen, func() { s.handleStreamClose(err) })
				return
			}
		}
	}
}

func (s *persistentStream) recvLoop(gen int, stream Stream) {
	for {
		msg, err := stream.Recv()
		if err != nil {
			s.dispatchIfCurrent(gen, func() { s.handleStreamClose(err) })
			return
		}
		s.dispatchIfCurrent(gen, func() { s.handleMessage(msg) })
	}
}

// dispatchIfCurrent enqueues fn unless the connection gen has been closed by
// the time it runs.
func (s *persistentStream) dispatchIfCurrent(gen int, fn func()) {
	_ = s.queue.Enqueue(func() {
		if gen == s.closeCount {
			fn()
		}
	})
}

func (s *persistentStream) handleMessage(msg *ServerMessage) {
	s.resetActivityTimer()
	if msg.Pong {
		return
	}
	if err := s.delegate.onMessage(msg); err != nil {
		s.handleStreamClose(err)
	}
}

// sendRequest queues msg on the open stream and cancels a pending idle close.
func (s *persistentStream) sendRequest(msg *ClientMessage) {
	s.cancelIdleCheck()
	s.send(msg)
}

func (s *persistentStream) send(msg *ClientMessage) {
	model.HardAssert(s.IsOpen(), "send on %s stream in state %s", s.kind, s.state)
	s.outbox.push(msg)
	s.resetHeartbeatTimer()
}

func (s *persistentStream) handleStreamClose(err error) {
	model.HardAssert(s.IsStarted(), "%s stream closed in state %s", s.kind, s.state)
	err = asStreamError(err)
	s.logger.Debug("Stream closed", "error", err)
	s.close(StreamError, err)
}

// close tears down the connection and moves to finalState. The delegate is
// told last so it can restart the stream.
func (s *persistentStream) close(finalState StreamState, err error) {
	model.HardAssert(finalState == StreamError || err == nil, "non-error close with error %v", err)

	s.cancelIdleCheck()
	s.cancelTimer(&s.heartbeatTimer)
	s.cancelTimer(&s.activityTimer)
	s.backoff.Cancel()
	s.closeCount++

	code := model.CodeOf(err)
	switch {
	case finalState != StreamError:
		s.backoff.Reset()
	case code == model.CodeResourceExhausted:
		s.logger.Warn("Stream closed with resource exhausted, using maximum backoff", "error", err)
		s.backoff.ResetToMax()
	case code == model.CodeUnauthenticated:
		s.creds.InvalidateToken()
	}
	if err != nil {
		metrics.StreamErrors.WithLabelValues(string(s.kind), code.String()).Inc()
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.stream != nil {
		stream := s.stream
		go func() { _ = stream.Close() }()
		s.stream = nil
	}
	s.outbox = nil

	s.state = finalState
	s.delegate.onClose(err)
}

func (s *persistentStream) performBackoff() {
	model.HardAssert(s.state == StreamError, "backoff of %s stream in state %s", s.kind, s.state)
	s.state = StreamBackoff
	s.backoff.BackoffAndRun(func() {
		model.HardAssert(s.state == StreamBackoff, "backoff of %s stream fired in state %s", s.kind, s.state)
		s.state = StreamInitial
		s.Start()
	})
}

func (s *persistentStream) resetHeartbeatTimer() {
	s.cancelTimer(&s.heartbeatTimer)
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	s.heartbeatTimer = s.queue.EnqueueAfterDelay(s.timers.heartbeat, s.cfg.HeartbeatInterval, func() {
		s.heartbeatTimer = nil
		if s.IsOpen() {
			s.send(&ClientMessage{Ping: true})
		}
	})
}

func (s *persistentStream) resetActivityTimer() {
	s.cancelTimer(&s.activityTimer)
	if s.cfg.ActivityTimeout <= 0 {
		return
	}
	s.activityTimer = s.queue.EnqueueAfterDelay(s.timers.activity, s.cfg.ActivityTimeout, func() {
		s.activityTimer = nil
		if s.IsOpen() {
			s.handleStreamClose(model.Errorf(model.CodeUnavailable, "no activity for %s", s.cfg.ActivityTimeout))
		}
	})
}

func (s *persistentStream) cancelIdleCheck() {
	s.cancelTimer(&s.idleTimer)
}

func (s *persistentStream) cancelTimer(t **asyncqueue.DelayedOperation) {
	if *t != nil {
		(*t).Cancel()
		*t = nil
	}
}

// asStreamError classifies transport errors without a code as unavailable.
func asStreamError(err error) error {
	var e *model.Error
	if errors.As(err, &e) {
		return e
	}
	if model.IsCanceled(err) {
		return model.Errorf(model.CodeCanceled, "%v", err)
	}
	return model.Errorf(model.CodeUnavailable, "%v", err)
}
