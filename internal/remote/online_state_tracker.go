package remote

import (
	"log/slog"
	"time"

	"github.com/syntrixbase/syntrix-sync/internal/asyncqueue"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// OnlineState is the client's belief about its connectivity.
type OnlineState int

const (
	// OnlineUnknown is the state while the first connection attempt runs.
	// Listeners wait for server results before raising snapshots.
	OnlineUnknown OnlineState = iota
	// Online means the watch stream delivers data.
	Online
	// Offline means the server is unreachable; snapshots come from the cache.
	Offline
)

func (s OnlineState) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	}
	return "unknown"
}

// maxWatchStreamFailures before the client is considered offline.
const maxWatchStreamFailures = 1

// OnlineStateTracker derives the online state from the watch stream's
// successes and failures.
type OnlineStateTracker struct {
	queue    *asyncqueue.Queue
	timeout  time.Duration
	onChange func(OnlineState)
	logger   *slog.Logger

	state             OnlineState
	watchFailures     int
	timer             *asyncqueue.DelayedOperation
	shouldWarnOffline bool
}

func NewOnlineStateTracker(queue *asyncqueue.Queue, timeout time.Duration, onChange func(OnlineState), logger *slog.Logger) *OnlineStateTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnlineStateTracker{
		queue:             queue,
		timeout:           timeout,
		onChange:          onChange,
		logger:            logger,
		shouldWarnOffline: true,
	}
}

func (t *OnlineStateTracker) State() OnlineState { return t.state }

// HandleWatchStreamStart starts the timer that declares the client offline
// if the stream does not produce data in time.
func (t *OnlineStateTracker) HandleWatchStreamStart() {
	if t.watchFailures != 0 {
		return
	}
	t.setAndBroadcast(OnlineUnknown)
	model.HardAssert(t.timer == nil, "online state timer already running")
	t.timer = t.queue.EnqueueAfterDelay(asyncqueue.TimerOnlineStateTimeout, t.timeout, func() {
		t.timer = nil
		model.HardAssert(t.state == OnlineUnknown, "online state timer fired in state %s", t.state)
		t.logOffline("backend did not respond within " + t.timeout.String())
		t.setAndBroadcast(Offline)
	})
}

// HandleWatchStreamFailure records a failed watch stream attempt.
func (t *OnlineStateTracker) HandleWatchStreamFailure(err error) {
	if t.state == Online {
		t.setAndBroadcast(OnlineUnknown)
		model.HardAssert(t.watchFailures == 0, "watch failures counted while online")
		model.HardAssert(t.timer == nil, "online state timer running while online")
		return
	}
	t.watchFailures++
	if t.watchFailures >= maxWatchStreamFailures {
		t.clearTimer()
		reason := "connection failed"
		if err != nil {
			reason = "connection failed: " + err.Error()
		}
		t.logOffline(reason)
		t.setAndBroadcast(Offline)
	}
}

// Set forces a state, e.g. Online once the watch stream delivered data.
func (t *OnlineStateTracker) Set(state OnlineState) {
	t.clearTimer()
	t.watchFailures = 0
	if state == Online {
		t.shouldWarnOffline = false
	}
	t.setAndBroadcast(state)
}

func (t *OnlineStateTracker) setAndBroadcast(state OnlineState) {
	if state == t.state {
		return
	}
	t.state = state
	if t.onChange != nil {
		t.onChange(state)
	}
}

func (t *OnlineStateTracker) logOffline(reason string) {
	if t.shouldWarnOffline {
		t.logger.Warn("Could not reach the backend, operating in offline mode", "reason", reason)
		t.shouldWarnOffline = false
	} else {
		t.logger.Debug("Client offline", "reason", reason)
	}
}

func (t *OnlineStateTracker) clearTimer() {
	if t.timer != nil {
		t.timer.Cancel()
		t.timer = nil
	}
}
