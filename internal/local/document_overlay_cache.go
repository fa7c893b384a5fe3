package local

import (
	"github.com/syntrixbase/syntrix-sync/internal/sortedmap"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// DocumentOverlayCache memoizes one overlay per key: the fold of every
// pending batch touching the key, tagged with the newest of those batches.
type DocumentOverlayCache struct {
	overlays sortedmap.Map[model.DocumentKey, mutation.Overlay]
	byBatch  map[int]map[model.DocumentKey]struct{}
}

func NewDocumentOverlayCache() *DocumentOverlayCache {
	return &DocumentOverlayCache{
		overlays: sortedmap.New[model.DocumentKey, mutation.Overlay](model.CompareKeys),
		byBatch:  map[int]map[model.DocumentKey]struct{}{},
	}
}

// GetOverlay returns the overlay of key.
func (c *DocumentOverlayCache) GetOverlay(key model.DocumentKey) (mutation.Overlay, bool) {
	return c.overlays.Get(key)
}

// GetOverlays returns the overlays that exist for keys.
func (c *DocumentOverlayCache) GetOverlays(keys []model.DocumentKey) map[model.DocumentKey]mutation.Overlay {
	out := map[model.DocumentKey]mutation.Overlay{}
	for _, k := range keys {
		if o, ok := c.overlays.Get(k); ok {
			out[k] = o
		}
	}
	return out
}

// SaveOverlays stores the overlays computed at largestBatchID, replacing any
// earlier overlay of the same keys.
func (c *DocumentOverlayCache) SaveOverlays(largestBatchID int, overlays map[model.DocumentKey]mutation.Mutation) {
	for key, m := range overlays {
		c.save(mutation.Overlay{LargestBatchID: largestBatchID, Mutation: m}, key)
	}
}

func (c *DocumentOverlayCache) save(o mutation.Overlay, key model.DocumentKey) {
	if old, ok := c.overlays.Get(key); ok {
		c.unindex(old.LargestBatchID, key)
	}
	c.overlays = c.overlays.Insert(key, o)
	keys, ok := c.byBatch[o.LargestBatchID]
	if !ok {
		keys = map[model.DocumentKey]struct{}{}
		c.byBatch[o.LargestBatchID] = keys
	}
	keys[key] = struct{}{}
}

func (c *DocumentOverlayCache) unindex(batchID int, key model.DocumentKey) {
	if keys, ok := c.byBatch[batchID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byBatch, batchID)
		}
	}
}

// RemoveOverlay drops the overlay of key.
func (c *DocumentOverlayCache) RemoveOverlay(key model.DocumentKey) {
	if old, ok := c.overlays.Get(key); ok {
		c.unindex(old.LargestBatchID, key)
		c.overlays = c.overlays.Remove(key)
	}
}

// RemoveOverlaysForBatchID drops every overlay tagged with batchID.
func (c *DocumentOverlayCache) RemoveOverlaysForBatchID(batchID int) {
	for key := range c.byBatch[batchID] {
		c.overlays = c.overlays.Remove(key)
	}
	delete(c.byBatch, batchID)
}

// GetOverlaysForCollection returns the overlays of documents directly in the
// collection at path whose largest batch id is greater than sinceBatchID.
func (c *DocumentOverlayCache) GetOverlaysForCollection(path model.ResourcePath, sinceBatchID int) map[model.DocumentKey]mutation.Overlay {
	out := map[model.DocumentKey]mutation.Overlay{}
	for key, o := range c.overlays.From(model.CollectionStartKey(path)) {
		kp := key.Path()
		if !path.IsPrefixOf(kp) {
			break
		}
		if path.IsImmediateParentOf(kp) && o.LargestBatchID > sinceBatchID {
			out[key] = o
		}
	}
	return out
}

// Len is the number of overlays.
func (c *DocumentOverlayCache) Len() int { return c.overlays.Len() }
