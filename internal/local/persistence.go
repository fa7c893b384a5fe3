package local

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// DefaultWriteTimeout bounds one durable write.
const DefaultWriteTimeout = 5 * time.Second

// MemoryPersistence keeps all local state in memory. When a DurableStore is
// configured every change is written through to it and Start reloads it.
type MemoryPersistence struct {
	durable      DurableStore
	writeTimeout time.Duration
	logger       *slog.Logger

	remoteDocuments *RemoteDocumentCache
	targetCache     *TargetCache
	queues          map[string]*MutationQueue
	overlays        map[string]*DocumentOverlayCache
	batchIDs        *batchIDAllocator

	loadedBatches map[string][]*mutation.Batch
	metadata      map[string][]byte
	started       bool
}

// NewMemoryPersistence creates a persistence. durable may be nil.
func NewMemoryPersistence(durable DurableStore, logger *slog.Logger) *MemoryPersistence {
	if logger == nil {
		logger = slog.Default()
	}
	p := &MemoryPersistence{
		durable:       durable,
		writeTimeout:  DefaultWriteTimeout,
		logger:        logger.With("component", "memory-persistence"),
		queues:        map[string]*MutationQueue{},
		overlays:      map[string]*DocumentOverlayCache{},
		loadedBatches: map[string][]*mutation.Batch{},
		metadata:      map[string][]byte{},
	}
	p.batchIDs = &batchIDAllocator{p: p, next: 1}
	p.remoteDocuments = newRemoteDocumentCache(p)
	p.targetCache = newTargetCache(p)
	return p
}

// Start loads the durable state, if any.
func (p *MemoryPersistence) Start(ctx context.Context) error {
	if p.started {
		return nil
	}
	p.started = true
	if p.durable == nil {
		return nil
	}
	snap, err := p.durable.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load durable state: %w", err)
	}
	for k, v := range snap.Metadata {
		p.metadata[k] = v
	}
	for _, doc := range snap.Documents {
		if err := p.remoteDocuments.load(doc); err != nil {
			return fmt.Errorf("failed to load durable state: %w", err)
		}
	}
	for _, t := range snap.Targets {
		p.targetCache.load(t)
	}
	p.targetCache.loadMetadata(p.metadata)

	next := decodeInt(p.metadata[MetaNextBatchID], 1)
	for uid, batches := range snap.Batches {
		p.loadedBatches[uid] = batches
		for _, b := range batches {
			if int64(b.BatchID) >= next {
				next = int64(b.BatchID) + 1
			}
		}
	}
	p.batchIDs.next = int(next)
	p.logger.Info("Loaded durable state",
		"documents", len(snap.Documents),
		"targets", len(snap.Targets),
		"users", len(snap.Batches))
	return nil
}

// Shutdown closes the durable store.
func (p *MemoryPersistence) Shutdown() error {
	if p.durable == nil {
		return nil
	}
	return p.durable.Close()
}

func (p *MemoryPersistence) RemoteDocumentCache() *RemoteDocumentCache { return p.remoteDocuments }

func (p *MemoryPersistence) TargetCache() *TargetCache { return p.targetCache }

// MutationQueue returns the queue of user, creating it on first use.
func (p *MemoryPersistence) MutationQueue(user auth.User) *MutationQueue {
	q, ok := p.queues[user.UID]
	if !ok {
		q = newMutationQueue(p, user.UID)
		for _, b := range p.loadedBatches[user.UID] {
			q.load(b)
		}
		delete(p.loadedBatches, user.UID)
		q.lastStreamToken = p.metadata[MetaStreamToken(user.UID)]
		q.highestAcknowledged = int(decodeInt(p.metadata[MetaHighestAcknowledgedBatch(user.UID)], mutation.BatchIDUnknown))
		p.queues[user.UID] = q
	}
	return q
}

// OverlayCache returns the overlay cache of user, creating it on first use.
func (p *MemoryPersistence) OverlayCache(user auth.User) *DocumentOverlayCache {
	c, ok := p.overlays[user.UID]
	if !ok {
		c = NewDocumentOverlayCache()
		p.overlays[user.UID] = c
	}
	return c
}

// writeThrough runs fn against the durable store, if configured.
func (p *MemoryPersistence) writeThrough(op string, fn func(ctx context.Context, d DurableStore) error) error {
	if p.durable == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()
	if err := fn(ctx, p.durable); err != nil {
		p.logger.Error("Durable write failed", "op", op, "error", err)
		return fmt.Errorf("durable %s: %w", op, err)
	}
	return nil
}

func (p *MemoryPersistence) saveMetadata(key string, value []byte) error {
	p.metadata[key] = value
	return p.writeThrough("save metadata", func(ctx context.Context, d DurableStore) error {
		return d.SaveMetadata(ctx, key, value)
	})
}

type batchIDAllocator struct {
	p    *MemoryPersistence
	next int
}

// allocate returns the next batch id. Ids are never reused, across users too.
func (a *batchIDAllocator) allocate() (int, error) {
	id := a.next
	a.next++
	if err := a.p.saveMetadata(MetaNextBatchID, encodeInt(int64(a.next))); err != nil {
		a.next--
		return 0, err
	}
	return id, nil
}
