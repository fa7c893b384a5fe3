package syncengine

import (
	"fmt"
	"log/slog"

	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

type queryListeners struct {
	viewSnap  *ViewSnapshot
	listeners []*QueryListener
}

// EventManager fans view snapshots of the sync engine out to query
// listeners. Listeners of the same query share one engine listen. All
// methods must run on the queue goroutine.
type EventManager struct {
	engine *SyncEngine
	logger *slog.Logger

	onlineState remote.OnlineState
	queries     map[string]*queryListeners
	listeners   map[ListenerID]*QueryListener
	nextID      ListenerID
}

// NewEventManager creates an event manager and subscribes it to engine.
func NewEventManager(engine *SyncEngine, logger *slog.Logger) *EventManager {
	if logger == nil {
		logger = slog.Default()
	}
	em := &EventManager{
		engine:    engine,
		logger:    logger.With("component", "event-manager"),
		queries:   map[string]*queryListeners{},
		listeners: map[ListenerID]*QueryListener{},
	}
	engine.SetViewHandler(em)
	return em
}

// Listen registers observer for q and returns its handle.
func (em *EventManager) Listen(q model.Query, opts ListenOptions, observer Observer) (ListenerID, error) {
	q, err := q.Validate()
	if err != nil {
		return 0, err
	}
	cid := q.CanonicalID()
	info, ok := em.queries[cid]
	if !ok {
		snap, err := em.engine.Listen(q)
		if err != nil {
			return 0, fmt.Errorf("failed to listen to %s: %w", q, err)
		}
		info = &queryListeners{viewSnap: snap}
		em.queries[cid] = info
	}

	em.nextID++
	l := &QueryListener{
		id:          em.nextID,
		query:       q,
		options:     opts,
		observer:    newAsyncObserver(observer, em.logger),
		onlineState: remote.OnlineUnknown,
	}
	info.listeners = append(info.listeners, l)
	em.listeners[l.id] = l

	raised := l.applyOnlineStateChange(em.onlineState)
	model.HardAssert(!raised, "listener raised an event before its first snapshot")
	if info.viewSnap != nil {
		l.onViewSnapshot(info.viewSnap)
	}
	em.logger.Debug("Listener added", "listener", l.id, "query", cid, "listeners", len(info.listeners))
	return l.id, nil
}

// Unlisten removes a listener. The engine stops listening to the query
// with its last listener. Unknown handles are ignored.
func (em *EventManager) Unlisten(id ListenerID) error {
	l, ok := em.listeners[id]
	if !ok {
		return nil
	}
	delete(em.listeners, id)
	l.observer.mute()

	cid := l.query.CanonicalID()
	info, ok := em.queries[cid]
	if !ok {
		return nil
	}
	for i, other := range info.listeners {
		if other == l {
			info.listeners = append(info.listeners[:i], info.listeners[i+1:]...)
			break
		}
	}
	if len(info.listeners) > 0 {
		return nil
	}
	delete(em.queries, cid)
	return em.engine.Unlisten(l.query)
}

// ListenerCount is the number of registered listeners.
func (em *EventManager) ListenerCount() int { return len(em.listeners) }

// Shutdown mutes every listener.
func (em *EventManager) Shutdown() {
	for id, l := range em.listeners {
		l.observer.mute()
		delete(em.listeners, id)
	}
	em.queries = map[string]*queryListeners{}
}

func (em *EventManager) OnViewSnapshots(snaps []*ViewSnapshot) {
	for _, snap := range snaps {
		info, ok := em.queries[snap.Query.CanonicalID()]
		if !ok {
			continue
		}
		for _, l := range info.listeners {
			l.onViewSnapshot(snap)
		}
		info.viewSnap = snap
	}
}

// OnWatchError delivers err to every listener of q once and drops them.
func (em *EventManager) OnWatchError(q model.Query, err error) {
	cid := q.CanonicalID()
	info, ok := em.queries[cid]
	if !ok {
		return
	}
	em.logger.Warn("Query failed", "query", cid, "error", err)
	for _, l := range info.listeners {
		l.onError(err)
		l.observer.finish()
		delete(em.listeners, l.id)
	}
	delete(em.queries, cid)
}

func (em *EventManager) OnOnlineStateChange(state remote.OnlineState) {
	em.onlineState = state
	for _, info := range em.queries {
		for _, l := range info.listeners {
			l.applyOnlineStateChange(state)
		}
	}
}
