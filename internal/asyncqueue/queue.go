// Package asyncqueue runs the sync engine's state transitions one at a time on
// a single goroutine, in strict FIFO order, with cancellable delayed operations.
package asyncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrQueueFailed is returned once an operation panicked. The queue refuses
	// all work afterwards.
	ErrQueueFailed = errors.New("async queue failed")
	// ErrQueueShutdown is returned for work enqueued after Shutdown.
	ErrQueueShutdown = errors.New("async queue is shut down")
)

// TimerID identifies the purpose of a delayed operation.
type TimerID string

const (
	TimerAll                   TimerID = ""
	TimerListenStreamIdle      TimerID = "listen_stream_idle"
	TimerListenStreamBackoff   TimerID = "listen_stream_connection_backoff"
	TimerListenStreamHeartbeat TimerID = "listen_stream_heartbeat"
	TimerListenStreamActivity  TimerID = "listen_stream_activity"
	TimerWriteStreamIdle       TimerID = "write_stream_idle"
	TimerWriteStreamBackoff    TimerID = "write_stream_connection_backoff"
	TimerWriteStreamHeartbeat  TimerID = "write_stream_heartbeat"
	TimerWriteStreamActivity   TimerID = "write_stream_activity"
	TimerOnlineStateTimeout    TimerID = "online_state_timeout"
	TimerAuthTokenTimeout      TimerID = "auth_token_timeout"
	TimerNetworkRecovery       TimerID = "network_recovery"
)

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock used for delayed operations.
func WithClock(clock clockwork.Clock) Option {
	return func(q *Queue) {
		q.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// Queue is a serialized executor. All methods are safe for concurrent use.
type Queue struct {
	logger *slog.Logger
	clock  clockwork.Clock

	mu      sync.Mutex
	ops     []func()
	wake    chan struct{}
	closing bool
	err     error
	delayed map[*DelayedOperation]struct{}
	done    chan struct{}
}

// New starts a queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		logger:  slog.Default(),
		clock:   clockwork.NewRealClock(),
		wake:    make(chan struct{}, 1),
		delayed: make(map[*DelayedOperation]struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "async-queue")
	go q.loop()
	return q
}

// Clock returns the clock used for delayed operations.
func (q *Queue) Clock() clockwork.Clock { return q.clock }

// Enqueue schedules op to run after every previously enqueued operation.
func (q *Queue) Enqueue(op func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.closing {
		return ErrQueueShutdown
	}
	q.ops = append(q.ops, op)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// EnqueueAndWait runs op on the queue and returns its error. If ctx ends
// first, op still runs but its result is dropped.
func (q *Queue) EnqueueAndWait(ctx context.Context, op func() error) error {
	result := make(chan error, 1)
	if err := q.Enqueue(func() { result <- op() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		select {
		case err := <-result:
			return err
		default:
		}
		if err := q.Err(); err != nil {
			return err
		}
		return ErrQueueShutdown
	}
}

// Err returns the failure that stopped the queue, if any.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Done is closed once the queue goroutine has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Shutdown refuses new work, cancels delayed operations, runs what is
// already queued and waits for the goroutine to exit.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if !q.closing {
		q.closing = true
		for d := range q.delayed {
			d.timer.Stop()
			d.canceled = true
		}
		q.delayed = map[*DelayedOperation]struct{}{}
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.ops) == 0 && !q.closing && q.err == nil {
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		if q.err != nil || (q.closing && len(q.ops) == 0) {
			q.mu.Unlock()
			return
		}
		op := q.ops[0]
		q.ops[0] = nil
		q.ops = q.ops[1:]
		q.mu.Unlock()

		if !q.run(op) {
			return
		}
	}
}

func (q *Queue) run(op func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Operation panicked, failing queue", "panic", r, "stack", string(debug.Stack()))
			q.mu.Lock()
			if err, isErr := r.(error); isErr {
				q.err = fmt.Errorf("%w: %w", ErrQueueFailed, err)
			} else {
				q.err = fmt.Errorf("%w: %v", ErrQueueFailed, r)
			}
			q.ops = nil
			for d := range q.delayed {
				d.timer.Stop()
			}
			q.delayed = map[*DelayedOperation]struct{}{}
			q.mu.Unlock()
			ok = false
		}
	}()
	op()
	return true
}

// DelayedOperation is an operation scheduled to run on the queue after a delay.
type DelayedOperation struct {
	queue    *Queue
	id       TimerID
	target   time.Time
	op       func()
	timer    clockwork.Timer
	canceled bool
}

// EnqueueAfterDelay schedules op to be enqueued once delay has elapsed.
func (q *Queue) EnqueueAfterDelay(id TimerID, delay time.Duration, op func()) *DelayedOperation {
	d := &DelayedOperation{queue: q, id: id, op: op, target: q.clock.Now().Add(delay)}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing || q.err != nil {
		d.canceled = true
		return d
	}
	q.delayed[d] = struct{}{}
	d.timer = q.clock.AfterFunc(delay, func() {
		_ = q.Enqueue(d.fire)
	})
	return d
}

func (d *DelayedOperation) TimerID() TimerID { return d.id }

// Cancel prevents the operation from running if it has not run yet.
func (d *DelayedOperation) Cancel() {
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	if d.canceled {
		return
	}
	d.canceled = true
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(q.delayed, d)
}

// fire runs on the queue goroutine.
func (d *DelayedOperation) fire() {
	q := d.queue
	q.mu.Lock()
	if d.canceled {
		q.mu.Unlock()
		return
	}
	d.canceled = true
	delete(q.delayed, d)
	q.mu.Unlock()
	d.op()
}

// ContainsDelayedOperation reports whether an operation with id is pending.
func (q *Queue) ContainsDelayedOperation(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for d := range q.delayed {
		if d.id == id {
			return true
		}
	}
	return false
}

// RunDelayedOperationsEarly runs pending delayed operations in target-time
// order, up to and including the first one with lastID. TimerAll runs them
// all. Used by tests to skip waiting.
func (q *Queue) RunDelayedOperationsEarly(ctx context.Context, lastID TimerID) error {
	return q.EnqueueAndWait(ctx, func() error {
		q.mu.Lock()
		pending := make([]*DelayedOperation, 0, len(q.delayed))
		for d := range q.delayed {
			pending = append(pending, d)
		}
		q.mu.Unlock()
		sort.SliceStable(pending, func(i, j int) bool { return pending[i].target.Before(pending[j].target) })
		for _, d := range pending {
			d.timer.Stop()
			d.fire()
			if lastID != TimerAll && d.id == lastID {
				break
			}
		}
		return nil
	})
}
