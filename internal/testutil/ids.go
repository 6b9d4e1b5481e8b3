package testutil

import (
	"fmt"
	"sync"
)

// SequentialGenerator generates prefix-1, prefix-2, ... in call order.
//
// Unlike ids.FixedGenerator it never runs out, which suits long scenarios
// where only determinism matters. Safe for concurrent use.
type SequentialGenerator struct {
	prefix string

	mu sync.Mutex
	n  int
}

// NewSequentialGenerator creates a generator. An empty prefix uses "id".
func NewSequentialGenerator(prefix string) *SequentialGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Issued returns how many ids have been generated.
func (g *SequentialGenerator) Issued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}
