package datastore

import "math/rand/v2"

// ConsistencyPolicy decides whether a write to an entity group becomes
// visible to global (non-ancestor) queries right away.
type ConsistencyPolicy interface {
	Apply(group string) bool
}

// PseudoRandomHRConsistencyPolicy applies writes with a fixed probability
// drawn from a seeded generator, so runs are reproducible.
type PseudoRandomHRConsistencyPolicy struct {
	probability float64
	rng         *rand.Rand
}

// NewPseudoRandomHRConsistencyPolicy returns a policy applying writes with
// the given probability. 1.0 applies every write immediately, 0 never
// applies writes until a strongly consistent read forces them.
func NewPseudoRandomHRConsistencyPolicy(probability float64, seed uint64) *PseudoRandomHRConsistencyPolicy {
	return &PseudoRandomHRConsistencyPolicy{
		probability: probability,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Apply implements ConsistencyPolicy.
func (p *PseudoRandomHRConsistencyPolicy) Apply(string) bool {
	switch {
	case p.probability >= 1:
		return true
	case p.probability <= 0:
		return false
	default:
		return p.rng.Float64() < p.probability
	}
}
