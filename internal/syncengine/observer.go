package syncengine

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Observer receives the snapshots of one query listener. Calls come from a
// goroutine owned by the listener, never from the engine goroutine, and are
// never concurrent.
type Observer interface {
	OnSnapshot(snap *ViewSnapshot)
	OnError(err error)
}

// ObserverFuncs adapts functions to Observer. Nil functions are skipped.
type ObserverFuncs struct {
	Snapshot func(*ViewSnapshot)
	Error    func(error)
}

func (f ObserverFuncs) OnSnapshot(snap *ViewSnapshot) {
	if f.Snapshot != nil {
		f.Snapshot(snap)
	}
}

func (f ObserverFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// asyncObserver delivers events to an Observer on its own goroutine. The
// engine never blocks on a slow observer: events queue up in order and the
// wake channel tells the delivery goroutine to drain them.
type asyncObserver struct {
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	pending []func(Observer)
	muted   bool
	closing bool

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

func newAsyncObserver(observer Observer, logger *slog.Logger) *asyncObserver {
	a := &asyncObserver{
		observer: observer,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *asyncObserver) snapshot(snap *ViewSnapshot) {
	a.schedule(func(o Observer) { o.OnSnapshot(snap) })
}

func (a *asyncObserver) error(err error) {
	a.schedule(func(o Observer) { o.OnError(err) })
}

func (a *asyncObserver) schedule(fn func(Observer)) {
	a.mu.Lock()
	if a.muted || a.closing {
		a.mu.Unlock()
		return
	}
	a.pending = append(a.pending, fn)
	a.mu.Unlock()
	a.signal()
}

func (a *asyncObserver) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// finish delivers the queued events, then stops the delivery goroutine.
func (a *asyncObserver) finish() {
	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()
	a.signal()
}

// mute drops queued events and stops the delivery goroutine. An event being
// delivered runs to completion.
func (a *asyncObserver) mute() {
	a.once.Do(func() {
		a.mu.Lock()
		a.muted = true
		a.pending = nil
		a.mu.Unlock()
		close(a.stop)
	})
}

func (a *asyncObserver) run() {
	for {
		select {
		case <-a.stop:
			return
		case <-a.wake:
		}
		for {
			a.mu.Lock()
			if a.muted {
				a.mu.Unlock()
				return
			}
			if len(a.pending) == 0 {
				closing := a.closing
				a.mu.Unlock()
				if closing {
					return
				}
				break
			}
			fn := a.pending[0]
			a.pending = a.pending[1:]
			a.mu.Unlock()
			a.deliver(fn)
		}
	}
}

func (a *asyncObserver) deliver(fn func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Query observer panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(a.observer)
}
