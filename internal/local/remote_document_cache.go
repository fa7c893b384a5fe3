package local

import (
	"context"
	"fmt"

	"github.com/syntrixbase/syntrix-sync/internal/serializer"
	"github.com/syntrixbase/syntrix-sync/internal/sortedmap"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

type cacheEntry struct {
	doc  *model.MutableDocument
	size int
}

// RemoteDocumentCache holds the last known server state of each document.
// It stores and hands out clones, so callers may mutate what they get.
type RemoteDocumentCache struct {
	p    *MemoryPersistence
	docs sortedmap.Map[model.DocumentKey, cacheEntry]
	size int
}

func newRemoteDocumentCache(p *MemoryPersistence) *RemoteDocumentCache {
	return &RemoteDocumentCache{p: p, docs: sortedmap.New[model.DocumentKey, cacheEntry](model.CompareKeys)}
}

// documentSize is the encoded size of doc.
func documentSize(doc *model.MutableDocument) (int, error) {
	b, err := serializer.MarshalDocument(doc)
	if err != nil {
		return 0, fmt.Errorf("failed to size document %s: %w", doc.Key(), err)
	}
	return len(b), nil
}

func (c *RemoteDocumentCache) load(doc *model.MutableDocument) error {
	return c.put(doc)
}

// put stores doc unless it cannot be encoded, in which case the cache is
// left unchanged.
func (c *RemoteDocumentCache) put(doc *model.MutableDocument) error {
	size, err := documentSize(doc)
	if err != nil {
		return err
	}
	if old, ok := c.docs.Get(doc.Key()); ok {
		c.size -= old.size
	}
	c.docs = c.docs.Insert(doc.Key(), cacheEntry{doc: doc, size: size})
	c.size += size
	return nil
}

// Add stores doc as the authoritative state of its key, stamped with readTime.
// Documents with local mutations are never authoritative.
func (c *RemoteDocumentCache) Add(doc *model.MutableDocument, readTime model.SnapshotVersion) error {
	model.HardAssert(!doc.HasLocalMutations(), "cannot cache document %s with local mutations", doc.Key())
	model.HardAssert(doc.IsValidDocument(), "cannot cache invalid document %s", doc.Key())
	stored := doc.Clone().SetReadTime(readTime)
	if err := c.put(stored); err != nil {
		return err
	}
	return c.p.writeThrough("save document", func(ctx context.Context, d DurableStore) error {
		return d.SaveDocument(ctx, stored)
	})
}

// Remove drops key from the cache.
func (c *RemoteDocumentCache) Remove(key model.DocumentKey) error {
	old, ok := c.docs.Get(key)
	if !ok {
		return nil
	}
	c.size -= old.size
	c.docs = c.docs.Remove(key)
	return c.p.writeThrough("remove document", func(ctx context.Context, d DurableStore) error {
		return d.RemoveDocument(ctx, key)
	})
}

// Get returns a copy of the cached document, or an invalid document.
func (c *RemoteDocumentCache) Get(key model.DocumentKey) *model.MutableDocument {
	if e, ok := c.docs.Get(key); ok {
		return e.doc.Clone()
	}
	return model.NewInvalidDocument(key)
}

// GetAll returns Get for every key.
func (c *RemoteDocumentCache) GetAll(keys []model.DocumentKey) map[model.DocumentKey]*model.MutableDocument {
	out := make(map[model.DocumentKey]*model.MutableDocument, len(keys))
	for _, k := range keys {
		out[k] = c.Get(k)
	}
	return out
}

// GetDocumentsMatchingQuery scans the query's collection and returns copies
// of the documents in it. Filters are not applied: the caller must apply
// overlays first.
func (c *RemoteDocumentCache) GetDocumentsMatchingQuery(q model.Query) map[model.DocumentKey]*model.MutableDocument {
	out := map[model.DocumentKey]*model.MutableDocument{}
	if q.IsDocumentQuery() {
		if e, ok := c.docs.Get(q.DocumentKey()); ok {
			out[e.doc.Key()] = e.doc.Clone()
		}
		return out
	}
	for key, e := range c.docs.From(model.CollectionStartKey(q.Path)) {
		path := key.Path()
		if !q.Path.IsPrefixOf(path) {
			break
		}
		if q.Path.IsImmediateParentOf(path) {
			out[key] = e.doc.Clone()
		}
	}
	return out
}

// Contains reports whether key has a cached entry of any type.
func (c *RemoteDocumentCache) Contains(key model.DocumentKey) bool { return c.docs.Contains(key) }

// Len is the number of cached entries.
func (c *RemoteDocumentCache) Len() int { return c.docs.Len() }

// Size is the approximate encoded size of all cached documents in bytes.
func (c *RemoteDocumentCache) Size() int { return c.size }
