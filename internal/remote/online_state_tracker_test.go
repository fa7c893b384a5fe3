package remote

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []OnlineState
}

func (r *stateRecorder) record(s OnlineState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) get() []OnlineState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OnlineState(nil), r.states...)
}

func TestOnlineStateTracker_TimeoutGoesOffline(t *testing.T) {
	q, clock := newFakeQueue(t)
	rec := &stateRecorder{}
	tracker := NewOnlineStateTracker(q, 10*time.Second, rec.record, nil)

	onQueue(t, q, tracker.HandleWatchStreamStart)
	assert.Empty(t, rec.get())

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		states := rec.get()
		return len(states) == 1 && states[0] == Offline
	}, time.Second, 5*time.Millisecond)
}

func TestOnlineStateTracker_OnlineCancelsTimer(t *testing.T) {
	q, clock := newFakeQueue(t)
	rec := &stateRecorder{}
	tracker := NewOnlineStateTracker(q, 10*time.Second, rec.record, nil)

	onQueue(t, q, tracker.HandleWatchStreamStart)
	onQueue(t, q, func() { tracker.Set(Online) })
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	var state OnlineState
	onQueue(t, q, func() { state = tracker.State() })
	assert.Equal(t, Online, state)
	assert.Equal(t, []OnlineState{Online}, rec.get())
}

func TestOnlineStateTracker_Failures(t *testing.T) {
	q, _ := newFakeQueue(t)
	rec := &stateRecorder{}
	tracker := NewOnlineStateTracker(q, 10*time.Second, rec.record, nil)

	onQueue(t, q, func() { tracker.Set(Online) })
	// A failure while online only makes the state unknown.
	onQueue(t, q, func() { tracker.HandleWatchStreamFailure(errors.New("boom")) })
	// The next failure declares the client offline.
	onQueue(t, q, func() { tracker.HandleWatchStreamFailure(errors.New("boom")) })

	assert.Equal(t, []OnlineState{Online, OnlineUnknown, Offline}, rec.get())
}
