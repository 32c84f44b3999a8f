package cloud

import (
	"hash/fnv"
	"math/rand"
)

// RunKey seeds every random decision of one render or simulation run. Two
// runs with the same key and configuration make identical scheduling choices.
type RunKey int64

const (
	// SubsystemScheduler drives the free-worker shuffle and work-source coin.
	SubsystemScheduler = "scheduler"

	// SubsystemScene drives procedural scene generation.
	SubsystemScene = "scene"

	// SubsystemNetwork picks the receiving owner of each bag in the network
	// simulator.
	SubsystemNetwork = "network"
)

// PartitionedRNG hands out one deterministically seeded *rand.Rand per named
// subsystem, so adding draws in one subsystem never perturbs another.
//
// Derived seed: key XOR fnv1a64(name).
//
// Thread-safety: NOT thread-safe. Must be called from single goroutine.
type PartitionedRNG struct {
	key        RunKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a RunKey.
func NewPartitionedRNG(key RunKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns the cached RNG for name, creating it on first use.
// Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(int64(p.key) ^ fnv1a64(name)))
	p.subsystems[name] = rng
	return rng
}

// Key returns the RunKey this generator was built from.
func (p *PartitionedRNG) Key() RunKey {
	return p.key
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
