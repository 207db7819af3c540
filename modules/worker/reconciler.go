package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"gitlab.com/NebulousLabs/log"
	"gitlab.com/NebulousLabs/threadgroup"

	"go.archivegrid.dev/worker/build"
	"go.archivegrid.dev/worker/modules"
)

// reconciler is the control loop from spec.md §5: on every wake it compares
// DesiredSet against the Chunk Index and issues whatever downloads,
// cancellations, and deletions close the gap, deterministically ordered.
type reconciler struct {
	idx  *chunkIndex
	pool *downloadPool

	deps modules.Dependencies
	log  *log.Logger
	tg   threadgroup.ThreadGroup

	dataDir string
	wake    chan struct{}
	backoff *backoffTracker

	mu               sync.Mutex
	desired          modules.ChunkSet
	stopNewDownloads bool

	// downloadsMu guards the id -> ChunkRef lookup needed because
	// downloadPool outcomes are keyed by DownloadID, not ChunkRef.
	downloadsMu sync.Mutex
	downloads   map[modules.DownloadID]modules.ChunkRef

	// storageMu guards storageBytes, a running total of the on-disk size of
	// every Ready chunk. SPEC_FULL.md §4.2 tracks this as a counter updated
	// on completed download/deletion rather than walked from disk on every
	// status() call.
	storageMu    sync.Mutex
	storageBytes uint64
}

func newReconciler(idx *chunkIndex, pool *downloadPool, dataDir string, wake chan struct{}, logger *log.Logger, deps modules.Dependencies) *reconciler {
	return &reconciler{
		idx:       idx,
		pool:      pool,
		deps:      deps,
		log:       logger,
		dataDir:   dataDir,
		wake:      wake,
		backoff:   newBackoffTracker(),
		downloads: make(map[modules.DownloadID]modules.ChunkRef),
	}
}

// setDesired replaces the desired chunk set and wakes the loop. Per spec.md
// §4.1, chunks that reappear in a fresh DesiredSet have their backoff
// history forgotten.
func (r *reconciler) setDesired(desired modules.ChunkSet) {
	r.mu.Lock()
	for _, ref := range desired.All() {
		r.backoff.forget(ref)
	}
	r.desired = desired
	r.mu.Unlock()
	r.signalWake()
}

func (r *reconciler) getDesired() modules.ChunkSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.desired.Clone()
}

// stopDownloads halts new download starts without touching in-flight ones
// (spec.md §4.3's graceful-shutdown surface).
func (r *reconciler) stopDownloads() {
	r.mu.Lock()
	r.stopNewDownloads = true
	r.mu.Unlock()
}

func (r *reconciler) downloadsStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopNewDownloads
}

func (r *reconciler) signalWake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// run is the control loop. It returns when ctx is cancelled or Stop is
// called, after draining every in-flight download/cancellation.
func (r *reconciler) run(ctx context.Context) {
	if err := r.tg.Add(); err != nil {
		return
	}
	defer r.tg.Done()

	for {
		r.reconcileOnce()

		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case <-r.tg.StopChan():
			r.shutdown()
			return
		case outcome := <-r.pool.poll():
			r.handleDownloadOutcome(outcome)
		case <-r.wake:
		}
	}
}

// reconcileOnce computes the delta between DesiredSet and the Chunk Index
// and issues cancellations, then deletions, then downloads — the ordering
// spec.md §4.1 requires so that a chunk simultaneously scheduled for
// replacement frees its slot before a new download claims one.
func (r *reconciler) reconcileOnce() {
	desired := r.getDesired()
	snap := r.idx.snapshot()

	toCancel, toDelete, toDownload := computeDeltas(desired, snap)

	for _, ref := range toCancel {
		id, ok := r.idx.beginCancelDownload(ref)
		if !ok {
			continue
		}
		r.pool.cancel(id)
	}

	for _, ref := range toDelete {
		if err := r.idx.beginDelete(ref); err != nil {
			continue
		}
		r.deleteChunkAsync(ref)
	}

	if r.downloadsStopped() {
		return
	}
	for _, ref := range toDownload {
		if !r.backoff.readyToRetry(ref) {
			continue
		}
		if err := ensureDatasetMarker(r.dataDir, ref.Dataset); err != nil {
			r.log.Println("could not prepare dataset directory for", ref, ":", err)
			continue
		}
		id := r.pool.download(ref)
		r.idx.beginDownload(ref, id)
		r.trackDownload(id, ref)
	}
}

// computeDeltas compares desired against the index snapshot, per spec.md
// §4.1's reconciliation table, and returns each bucket sorted by (dataset,
// first_block) ascending for a deterministic processing order.
func computeDeltas(desired modules.ChunkSet, snap IndexSnapshot) (toCancel, toDelete, toDownload []modules.ChunkRef) {
	present := make(map[modules.ChunkRef]ChunkStatus, len(snap.Entries))
	for _, e := range snap.Entries {
		present[e.Ref] = e
	}

	for _, ref := range desired.All() {
		if _, ok := present[ref]; !ok {
			toDownload = append(toDownload, ref)
		}
	}

	for _, e := range snap.Entries {
		switch e.Kind {
		case stateReady:
			if !desired.Contains(e.Ref) {
				toDelete = append(toDelete, e.Ref)
			}
		case stateDownloading:
			if !desired.Contains(e.Ref) {
				toCancel = append(toCancel, e.Ref)
			}
		}
	}

	sortChunkRefs(toCancel)
	sortChunkRefs(toDelete)
	sortChunkRefs(toDownload)
	return
}

func (r *reconciler) trackDownload(id modules.DownloadID, ref modules.ChunkRef) {
	r.downloadsMu.Lock()
	r.downloads[id] = ref
	r.downloadsMu.Unlock()
}

func (r *reconciler) takeDownload(id modules.DownloadID) (modules.ChunkRef, bool) {
	r.downloadsMu.Lock()
	defer r.downloadsMu.Unlock()
	ref, ok := r.downloads[id]
	if ok {
		delete(r.downloads, id)
	}
	return ref, ok
}

// addStorageBytes folds n into the running storage_bytes total, called once
// a chunk lands in its final Ready directory (a fresh download, or a chunk
// recovered from a crash-recovery scan).
func (r *reconciler) addStorageBytes(n uint64) {
	r.storageMu.Lock()
	r.storageBytes += n
	r.storageMu.Unlock()
}

// subStorageBytes removes n from the running total, called once a chunk's
// directory has been fully removed.
func (r *reconciler) subStorageBytes(n uint64) {
	r.storageMu.Lock()
	if n > r.storageBytes {
		r.storageBytes = 0
	} else {
		r.storageBytes -= n
	}
	r.storageMu.Unlock()
}

// storageBytesSnapshot reports the current running total for Status().
func (r *reconciler) storageBytesSnapshot() uint64 {
	r.storageMu.Lock()
	defer r.storageMu.Unlock()
	return r.storageBytes
}

// dirSize sums the size of every regular file directly inside dir (chunk
// directories are flat, per modules/worker/layout.go). Missing directories
// report zero rather than erroring, since this runs on paths that may have
// already been removed by a racing operation.
func dirSize(dir string) uint64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total uint64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += uint64(info.Size())
	}
	return total
}

// handleDownloadOutcome applies one Download Pool outcome to the Chunk
// Index. When the downloader reported an integrity digest, a completion is
// accepted only if the merkle root recomputed over the downloaded files
// matches it.
func (r *reconciler) handleDownloadOutcome(outcome modules.DownloadOutcome) {
	ref, ok := r.takeDownload(outcome.ID)
	if !ok {
		return
	}

	switch outcome.Kind {
	case modules.DownloadCompleted:
		if len(outcome.IntegrityDigest) > 0 {
			ok, err := verifyChunkIntegrity(partialPath(r.dataDir, ref, outcome.ID), outcome.IntegrityDigest)
			if err != nil || !ok {
				r.log.Println("chunk", ref, "failed integrity verification, discarding:", err)
				os.RemoveAll(partialPath(r.dataDir, ref, outcome.ID))
				r.idx.abandonDownload(ref)
				r.backoff.recordFailure(ref)
				return
			}
		}
		finalPath := chunkPath(r.dataDir, ref)
		err := os.MkdirAll(filepath.Dir(finalPath), 0755)
		if err == nil {
			err = os.Rename(partialPath(r.dataDir, ref, outcome.ID), finalPath)
		}
		if err != nil {
			r.log.Println("could not finalize download for", ref, ":", err)
			os.RemoveAll(partialPath(r.dataDir, ref, outcome.ID))
			r.idx.abandonDownload(ref)
			r.backoff.recordFailure(ref)
			return
		}
		if err := r.idx.completeDownload(ref); err != nil {
			build.Critical("completeDownload failed for a tracked download:", err)
		}
		r.addStorageBytes(dirSize(chunkPath(r.dataDir, ref)))
		r.backoff.forget(ref)

	case modules.DownloadFailed:
		r.idx.abandonDownload(ref)
		exhausted := r.backoff.recordFailure(ref)
		if exhausted {
			r.log.Println("chunk", ref, "exhausted its retry budget:", outcome.Cause)
		} else {
			r.log.Debugln("download failed for", ref, ":", outcome.Cause)
		}

	case modules.DownloadCancelled:
		r.idx.completeCancelDownload(ref)
	}
}

// deleteChunkAsync removes a chunk's files off the single-tasked control
// loop, since filesystem deletion is a named suspension point (spec.md §3's
// "filesystem deletion" note). The loop learns the result through the index
// rather than by waiting on this goroutine directly.
func (r *reconciler) deleteChunkAsync(ref modules.ChunkRef) {
	if err := r.tg.Add(); err != nil {
		r.idx.revertDelete(ref)
		return
	}
	go func() {
		defer r.tg.Done()
		if r.deps.Disrupt("deletion failure") {
			r.log.Println("injected deletion failure for", ref)
			r.idx.revertDelete(ref)
			return
		}
		size := dirSize(chunkPath(r.dataDir, ref))
		if err := os.RemoveAll(chunkPath(r.dataDir, ref)); err != nil {
			r.log.Println("could not delete chunk", ref, ":", err)
			r.idx.revertDelete(ref)
			return
		}
		r.subStorageBytes(size)
		r.idx.completeDelete(ref)
	}()
}

// shutdown cancels every in-flight download and waits for the index to
// clear Downloading/CancellingDownload before run returns, so a restart's
// scan never races a lingering transfer.
func (r *reconciler) shutdown() {
	r.stopDownloads()

	snap := r.idx.snapshot()
	for _, e := range snap.Entries {
		if e.Kind == stateDownloading {
			r.pool.cancel(e.DownloadID)
		}
	}

	for r.stillSettling() {
		select {
		case outcome := <-r.pool.poll():
			r.handleDownloadOutcome(outcome)
		}
	}
	r.pool.close()
}

func (r *reconciler) stillSettling() bool {
	snap := r.idx.snapshot()
	for _, e := range snap.Entries {
		if e.Kind == stateDownloading || e.Kind == stateCancellingDownload {
			return true
		}
	}
	return false
}
