package local

import "github.com/syntrixbase/syntrix-sync/pkg/model"

// TargetIDGenerator hands out target ids with a fixed parity so that the
// local store (even ids) and the sync engine's limbo targets (odd ids) never
// collide.
type TargetIDGenerator struct {
	last model.TargetID
}

// ForTargetCache returns a generator producing 2, 4, 6, ...
func ForTargetCache() *TargetIDGenerator {
	return &TargetIDGenerator{last: 0}
}

// ForSyncEngine returns a generator producing 1, 3, 5, ...
func ForSyncEngine() *TargetIDGenerator {
	return &TargetIDGenerator{last: -1}
}

// Next returns the next id.
func (g *TargetIDGenerator) Next() model.TargetID {
	g.last += 2
	return g.last
}

// SeedPast makes sure future ids are greater than id.
func (g *TargetIDGenerator) SeedPast(id model.TargetID) {
	for g.last < id {
		g.last += 2
	}
}
