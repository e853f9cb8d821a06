package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator returns "<prefix>-1", "<prefix>-2", ... in order.
//
// Used for transaction ids and row ids so the same scenario produces
// byte-identical traces on every run.
//
// Thread-safety: safe for concurrent use.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix defaults to "id".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Reset restarts the sequence at 1.
func (g *SequenceGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}

// FixedGenerator returns the same id every time.
//
// Thread-safety: FixedGenerator is stateless and safe for concurrent use.
type FixedGenerator struct {
	id string
}

// NewFixedGenerator creates a fixed generator.
// If id is empty, Generate() returns "test-txn-default".
func NewFixedGenerator(id string) *FixedGenerator {
	if id == "" {
		id = "test-txn-default"
	}
	return &FixedGenerator{id: id}
}

// Generate returns the fixed id.
func (g *FixedGenerator) Generate() string {
	return g.id
}
