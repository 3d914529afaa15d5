package items

import (
	"sync"

	"github.com/google/uuid"
)

// Generator produces identifiers for SetNameValue.
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7 in its hyphenated form.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined identifiers, for tests.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator returns a generator handing out ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next id. It panics once every id was handed out.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Used reports how many ids were handed out.
func (g *FixedGenerator) Used() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idx
}
