package core

import (
	"sync"
)

// PlacementOracle chooses which peers a shard of a given kind should be
// replicated to, returning at least the kind's required redundancy level
// of candidates when enough peers are known.
type PlacementOracle interface {
	Place(kind Particle, redundancy int, candidates []NodeID) []NodeID
}

// RoundRobinPlacement cycles through the candidate list per particle
// kind so repeated placements for the same kind spread evenly rather
// than always picking the same prefix.
type RoundRobinPlacement struct {
	mu  sync.Mutex
	pos map[Particle]int
}

func NewRoundRobinPlacement() *RoundRobinPlacement {
	return &RoundRobinPlacement{pos: make(map[Particle]int)}
}

// Place returns up to redundancy peers starting at this kind's rotating
// offset into candidates. If candidates is shorter than redundancy, every
// candidate is returned (the caller surfaces UnderReplicated).
func (p *RoundRobinPlacement) Place(kind Particle, redundancy int, candidates []NodeID) []NodeID {
	if len(candidates) == 0 {
		return nil
	}
	p.mu.Lock()
	start := p.pos[kind] % len(candidates)
	p.pos[kind] = start + redundancy
	p.mu.Unlock()

	n := redundancy
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]NodeID, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, candidates[(start+i)%len(candidates)])
	}
	return out
}
