package worker

import (
	"sync"

	"go.archivegrid.dev/worker/modules"
)

// LeaseGuard holds a read lease on every ChunkRef it was constructed with.
// While held, none of those chunks can transition Ready -> Deleting (I2,
// I6). Dropping the guard (calling Release) releases all of them at once
// and wakes the Reconciler so a pending deletion can proceed.
//
// A LeaseGuard must be released exactly once; releasing it twice is a
// no-op, matching the "scope-bound resource" discipline spec.md §9
// requires (every exit path, including panic unwind, decrements exactly
// once).
type LeaseGuard struct {
	idx    *chunkIndex
	chunks []modules.ChunkRef
	once   sync.Once
}

// Empty reports whether the guard covers zero chunks, i.e. no Ready chunk
// covered the requested block.
func (g *LeaseGuard) Empty() bool {
	return g == nil || len(g.chunks) == 0
}

// Chunks returns the leased ChunkRefs, ordered by FirstBlock ascending.
func (g *LeaseGuard) Chunks() []modules.ChunkRef {
	if g == nil {
		return nil
	}
	return g.chunks
}

// Release drops all leases held by this guard. Safe to call multiple times
// and safe to call from a deferred panic-recovery path.
func (g *LeaseGuard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		for _, c := range g.chunks {
			g.idx.releaseLease(c)
		}
	})
}

// findChunks implements the Chunk Index's find_chunks operation (spec.md
// §4.2): it returns a LeaseGuard covering every Ready chunk in dataset that
// contains block.
func (idx *chunkIndex) findChunks(dataset modules.Dataset, block modules.BlockNumber) *LeaseGuard {
	return &LeaseGuard{idx: idx, chunks: idx.findAndLease(dataset, block)}
}
