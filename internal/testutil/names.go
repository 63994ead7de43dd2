package testutil

import (
	"fmt"
	"sync"
)

// SequenceNames generates staging names "<prefix>-1", "<prefix>-2", ...
// It replaces random staging names in tests so leftover files are
// predictable.
//
// Thread-safety: safe for concurrent use.
type SequenceNames struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceNames creates a generator. An empty prefix becomes "stage".
func NewSequenceNames(prefix string) *SequenceNames {
	if prefix == "" {
		prefix = "stage"
	}
	return &SequenceNames{prefix: prefix}
}

// Generate returns the next name.
func (g *SequenceNames) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
