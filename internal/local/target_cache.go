package local

import (
	"context"

	"github.com/syntrixbase/syntrix-sync/internal/sortedmap"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// TargetCache holds the data of every known target, the keys the server
// reported for each, and global target metadata.
type TargetCache struct {
	p *MemoryPersistence

	targets    map[model.TargetID]model.TargetData
	byCanonID  map[string]model.TargetID
	references *ReferenceSet
	ids        *TargetIDGenerator

	highestTargetID           model.TargetID
	highestSequenceNumber     int64
	lastRemoteSnapshotVersion model.SnapshotVersion
}

func newTargetCache(p *MemoryPersistence) *TargetCache {
	return &TargetCache{
		p:          p,
		targets:    map[model.TargetID]model.TargetData{},
		byCanonID:  map[string]model.TargetID{},
		references: NewReferenceSet(),
		ids:        ForTargetCache(),
	}
}

func (c *TargetCache) load(t StoredTarget) {
	c.put(t.Data)
	c.references.AddReferences(t.Keys, int(t.Data.TargetID))
}

func (c *TargetCache) loadMetadata(meta map[string][]byte) {
	if id := model.TargetID(decodeInt(meta[MetaHighestTargetID], 0)); id > c.highestTargetID {
		c.highestTargetID = id
	}
	if seq := decodeInt(meta[MetaHighestSequenceNumber], 0); seq > c.highestSequenceNumber {
		c.highestSequenceNumber = seq
	}
	c.lastRemoteSnapshotVersion = model.SnapshotVersion(decodeInt(meta[MetaLastRemoteSnapshotVersion], 0))
	c.ids.SeedPast(c.highestTargetID)
}

func (c *TargetCache) put(td model.TargetData) {
	c.targets[td.TargetID] = td
	c.byCanonID[td.Target.CanonicalID()] = td.TargetID
	if td.TargetID > c.highestTargetID {
		c.highestTargetID = td.TargetID
		c.ids.SeedPast(td.TargetID)
	}
	if td.SequenceNumber > c.highestSequenceNumber {
		c.highestSequenceNumber = td.SequenceNumber
	}
}

func (c *TargetCache) persist(id model.TargetID) error {
	td, ok := c.targets[id]
	if !ok {
		return nil
	}
	stored := StoredTarget{Data: td, Keys: c.references.ReferencesForID(int(id))}
	return c.p.writeThrough("save target", func(ctx context.Context, d DurableStore) error {
		return d.SaveTarget(ctx, stored)
	})
}

// AllocateTargetID returns a fresh even target id.
func (c *TargetCache) AllocateTargetID() (model.TargetID, error) {
	id := c.ids.Next()
	c.highestTargetID = id
	return id, c.p.saveMetadata(MetaHighestTargetID, encodeInt(int64(id)))
}

// NextSequenceNumber returns a new listen sequence number.
func (c *TargetCache) NextSequenceNumber() (int64, error) {
	c.highestSequenceNumber++
	return c.highestSequenceNumber, c.p.saveMetadata(MetaHighestSequenceNumber, encodeInt(c.highestSequenceNumber))
}

// AddTargetData stores a new target.
func (c *TargetCache) AddTargetData(td model.TargetData) error {
	_, exists := c.targets[td.TargetID]
	model.HardAssert(!exists, "target %d already exists", td.TargetID)
	c.put(td)
	return c.persist(td.TargetID)
}

// UpdateTargetData replaces an existing target.
func (c *TargetCache) UpdateTargetData(td model.TargetData) error {
	_, exists := c.targets[td.TargetID]
	model.HardAssert(exists, "updating unknown target %d", td.TargetID)
	c.put(td)
	return c.persist(td.TargetID)
}

// RemoveTargetData drops a target and its matching keys.
func (c *TargetCache) RemoveTargetData(id model.TargetID) error {
	td, ok := c.targets[id]
	if !ok {
		return nil
	}
	delete(c.targets, id)
	if c.byCanonID[td.Target.CanonicalID()] == id {
		delete(c.byCanonID, td.Target.CanonicalID())
	}
	c.references.RemoveReferencesForID(int(id))
	return c.p.writeThrough("remove target", func(ctx context.Context, d DurableStore) error {
		return d.RemoveTarget(ctx, id)
	})
}

// GetTargetData returns the target listening to q.
func (c *TargetCache) GetTargetData(q model.Query) (model.TargetData, bool) {
	id, ok := c.byCanonID[q.CanonicalID()]
	if !ok {
		return model.TargetData{}, false
	}
	td, ok := c.targets[id]
	return td, ok
}

// GetTargetDataByID returns the target with id.
func (c *TargetCache) GetTargetDataByID(id model.TargetID) (model.TargetData, bool) {
	td, ok := c.targets[id]
	return td, ok
}

func (c *TargetCache) TargetCount() int { return len(c.targets) }

// AddMatchingKeys records that the server reported keys for target id.
func (c *TargetCache) AddMatchingKeys(keys []model.DocumentKey, id model.TargetID) error {
	if len(keys) == 0 {
		return nil
	}
	c.references.AddReferences(keys, int(id))
	return c.persist(id)
}

// RemoveMatchingKeys records that keys no longer match target id.
func (c *TargetCache) RemoveMatchingKeys(keys []model.DocumentKey, id model.TargetID) error {
	if len(keys) == 0 {
		return nil
	}
	c.references.RemoveReferences(keys, int(id))
	return c.persist(id)
}

// GetMatchingKeysForTargetID returns the server-reported keys of a target.
func (c *TargetCache) GetMatchingKeysForTargetID(id model.TargetID) sortedmap.Set[model.DocumentKey] {
	return sortedmap.SetOf(model.CompareKeys, c.references.ReferencesForID(int(id))...)
}

// ContainsKey reports whether any target matches key.
func (c *TargetCache) ContainsKey(key model.DocumentKey) bool { return c.references.ContainsKey(key) }

func (c *TargetCache) HighestTargetID() model.TargetID { return c.highestTargetID }

func (c *TargetCache) HighestSequenceNumber() int64 { return c.highestSequenceNumber }

func (c *TargetCache) LastRemoteSnapshotVersion() model.SnapshotVersion {
	return c.lastRemoteSnapshotVersion
}

// SetLastRemoteSnapshotVersion records the version of the last applied remote event.
func (c *TargetCache) SetLastRemoteSnapshotVersion(v model.SnapshotVersion) error {
	c.lastRemoteSnapshotVersion = v
	return c.p.saveMetadata(MetaLastRemoteSnapshotVersion, encodeInt(int64(v)))
}
