package worker

import (
	"sync"
	"time"

	"gitlab.com/NebulousLabs/errors"

	"go.archivegrid.dev/worker/build"
	"go.archivegrid.dev/worker/modules"
)

// errChunkLeased is returned when a caller attempts to delete a chunk that
// still has outstanding leases (I2/I6).
var errChunkLeased = errors.New("chunk has outstanding leases")

// errChunkNotFound is returned when a caller references a ChunkRef that is
// not present in the index.
var errChunkNotFound = errors.New("chunk not present in index")

// ChunkStatus is a read-only view of one index entry, used for
// reconciliation and for building status snapshots.
type ChunkStatus struct {
	Ref        modules.ChunkRef
	Kind       chunkStateKind
	Leases     int
	DownloadID modules.DownloadID
	StartedAt  time.Time
}

// IndexSnapshot is a point-in-time, read-consistent copy of every entry in
// the Chunk Index (spec.md §4.2).
type IndexSnapshot struct {
	Entries []ChunkStatus
}

// Ready returns every entry currently in the Ready state.
func (s IndexSnapshot) Ready() []modules.ChunkRef {
	var out []modules.ChunkRef
	for _, e := range s.Entries {
		if e.Kind == stateReady {
			out = append(out, e.Ref)
		}
	}
	return out
}

// chunkIndex is the in-memory catalog described in spec.md §4.2. The same
// mutex guards the lease counters embedded in each entry's state, which is
// what makes the Ready ⇒ lease-safe check-and-increment in findAndLease
// atomic with respect to the Reconciler (I6), per the single cross-
// component invariant called out in spec.md §9.
//
// The mutex is held only across in-memory bookkeeping, never across I/O.
type chunkIndex struct {
	mu      sync.Mutex
	entries map[modules.ChunkRef]*chunkEntry

	// wake is signalled (non-blocking) whenever a state transition or lease
	// release might change what the Reconciler should do next.
	wake chan<- struct{}
}

func newChunkIndex(wake chan<- struct{}) *chunkIndex {
	return &chunkIndex{
		entries: make(map[modules.ChunkRef]*chunkEntry),
		wake:    wake,
	}
}

// snapshot returns a read-consistent copy of the index.
func (idx *chunkIndex) snapshot() IndexSnapshot {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := IndexSnapshot{Entries: make([]ChunkStatus, 0, len(idx.entries))}
	for ref, e := range idx.entries {
		out.Entries = append(out.Entries, ChunkStatus{
			Ref:        ref,
			Kind:       e.state.kind,
			Leases:     e.state.leases,
			DownloadID: e.state.downloadID,
			StartedAt:  e.state.startedAt,
		})
	}
	return out
}

// discoverReady adds ref directly in the Ready state. Used only at startup
// when rescanning the data directory (spec.md §7, "Crash recovery").
func (idx *chunkIndex) discoverReady(ref modules.ChunkRef) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[ref] = &chunkEntry{ref: ref, state: chunkState{kind: stateReady}}
}

// beginDownload transitions ref into Downloading. ref must not already be
// present (I3: at most one live download per ChunkRef).
func (idx *chunkIndex) beginDownload(ref modules.ChunkRef, id modules.DownloadID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.entries[ref]; exists {
		build.Critical("beginDownload called for a chunk already in the index")
		return
	}
	idx.entries[ref] = &chunkEntry{
		ref: ref,
		state: chunkState{
			kind:       stateDownloading,
			downloadID: id,
			startedAt:  time.Now(),
		},
	}
}

// completeDownload transitions a Downloading chunk to Ready.
func (idx *chunkIndex) completeDownload(ref modules.ChunkRef) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[ref]
	if !ok || e.state.kind != stateDownloading {
		return errChunkNotFound
	}
	e.state.kind = stateReady
	e.state.downloadID = 0
	idx.signalWakeLocked()
	return nil
}

// abandonDownload removes ref from the index entirely, used when a download
// fails (spec.md §4.1: "chunk returns to absent").
func (idx *chunkIndex) abandonDownload(ref modules.ChunkRef) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, ref)
	idx.signalWakeLocked()
}

// beginCancelDownload transitions a Downloading chunk to CancellingDownload
// (I5: removal from DesiredSet while Downloading never goes straight to
// Deleting).
func (idx *chunkIndex) beginCancelDownload(ref modules.ChunkRef) (modules.DownloadID, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[ref]
	if !ok || e.state.kind != stateDownloading {
		return 0, false
	}
	id := e.state.downloadID
	e.state.kind = stateCancellingDownload
	return id, true
}

// completeCancelDownload removes ref from the index once the pool confirms
// the cancellation left no residue on disk.
func (idx *chunkIndex) completeCancelDownload(ref modules.ChunkRef) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, ref)
	idx.signalWakeLocked()
}

// beginDelete transitions a Ready, unleased chunk to Deleting (I2/I6: the
// caller must hold zero leases; this call fails otherwise).
func (idx *chunkIndex) beginDelete(ref modules.ChunkRef) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[ref]
	if !ok || e.state.kind != stateReady {
		return errChunkNotFound
	}
	if e.state.leases > 0 {
		return errChunkLeased
	}
	e.state.kind = stateDeleting
	return nil
}

// completeDelete removes ref from the index once its files are gone.
func (idx *chunkIndex) completeDelete(ref modules.ChunkRef) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, ref)
	idx.signalWakeLocked()
}

// revertDelete reverts a failed deletion back to Ready (spec.md §4.1,
// "Deletion failure" — best effort).
func (idx *chunkIndex) revertDelete(ref modules.ChunkRef) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[ref]
	if !ok || e.state.kind != stateDeleting {
		return
	}
	e.state.kind = stateReady
	idx.signalWakeLocked()
}

// findAndLease returns every Ready ChunkRef in dataset covering block, with
// each one's lease count atomically incremented in the same critical
// section as the state check (I6). Returns nil if no Ready chunk covers
// block.
func (idx *chunkIndex) findAndLease(dataset modules.Dataset, block modules.BlockNumber) []modules.ChunkRef {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var matches []modules.ChunkRef
	for ref, e := range idx.entries {
		if ref.Dataset != dataset || e.state.kind != stateReady {
			continue
		}
		if ref.Contains(block) {
			e.state.leases++
			matches = append(matches, ref)
		}
	}
	sortChunkRefs(matches)
	return matches
}

// releaseLease decrements ref's lease count and wakes the Reconciler so a
// pending deletion can proceed.
func (idx *chunkIndex) releaseLease(ref modules.ChunkRef) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[ref]
	if !ok {
		return
	}
	if e.state.leases == 0 {
		build.Critical("releaseLease called with a zero lease count")
		return
	}
	e.state.leases--
	idx.signalWakeLocked()
}

func (idx *chunkIndex) signalWakeLocked() {
	select {
	case idx.wake <- struct{}{}:
	default:
	}
}

func sortChunkRefs(refs []modules.ChunkRef) {
	for i := 1; i < len(refs); i++ {
		for j := i; j > 0 && refs[j].Less(refs[j-1]); j-- {
			refs[j], refs[j-1] = refs[j-1], refs[j]
		}
	}
}
