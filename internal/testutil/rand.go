package testutil

import (
	"math/rand/v2"

	"github.com/roach88/resync/internal/record"
)

// DefaultSeed seeds NewRand when a scenario gives none.
const DefaultSeed = 42

// NewRand returns a reproducible generator for sample data.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = DefaultSeed
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// FixedIDs returns a sequential id generator ("prefix-0001", ...).
func FixedIDs(prefix string) record.IDGenerator {
	if prefix == "" {
		prefix = "rec"
	}
	return record.NewSequenceGenerator(prefix)
}
