package dedup

import (
	"sync"

	"github.com/solwatch/mintwatch/internal/metrics"
)

const defaultCapacity = 50_000

// Guard is a bounded in-process set of recently ingested signatures. It is a
// cheap pre-filter in front of the idempotent sink, not a correctness
// mechanism: when the set reaches capacity it is fully reset, and anything it
// lets through the storage upsert absorbs anyway.
type Guard struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	capacity int
	source   string
}

func New(source string, capacity int) *Guard {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Guard{
		seen:     make(map[string]struct{}, capacity),
		capacity: capacity,
		source:   source,
	}
}

// Seen reports whether the signature was marked since the last reset.
func (g *Guard) Seen(signature string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[signature]
	if ok {
		metrics.DedupHits.WithLabelValues(g.source).Inc()
	}
	return ok
}

// Mark records a signature, resetting the whole set first if it is full.
// A reset may cause some recent signatures to be re-processed; the sink's
// upsert semantics make that harmless.
func (g *Guard) Mark(signature string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.seen) >= g.capacity {
		g.seen = make(map[string]struct{}, g.capacity)
		metrics.DedupResets.WithLabelValues(g.source).Inc()
	}
	g.seen[signature] = struct{}{}
	metrics.DedupSize.WithLabelValues(g.source).Set(float64(len(g.seen)))
}

// Len returns the current set size.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
