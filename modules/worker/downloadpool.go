package worker

import (
	"sync"

	"gitlab.com/NebulousLabs/threadgroup"

	"go.archivegrid.dev/worker/build"
	"go.archivegrid.dev/worker/modules"
)

// queuedDownload is a download request waiting for a free concurrency slot.
type queuedDownload struct {
	id      modules.DownloadID
	ref     modules.ChunkRef
	destDir string
}

// downloadPool is the bounded concurrent download manager from spec.md
// §4.3. It does not know about DesiredSet or leases; it only does what the
// Reconciler tells it, and reports outcomes back on updates().
type downloadPool struct {
	mu sync.Mutex
	tg threadgroup.ThreadGroup

	nextID        modules.DownloadID
	maxConcurrent int
	active        map[modules.DownloadID]struct{}
	queue         []queuedDownload
	cancelled     map[modules.DownloadID]bool // requested cancellation before a slot was assigned

	downloader modules.Downloader
	updates    chan modules.DownloadOutcome

	dataDir string
}

func newDownloadPool(dataDir string, maxConcurrent int, downloader modules.Downloader) *downloadPool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	p := &downloadPool{
		maxConcurrent: maxConcurrent,
		active:        make(map[modules.DownloadID]struct{}),
		cancelled:     make(map[modules.DownloadID]bool),
		downloader:    downloader,
		updates:       make(chan modules.DownloadOutcome, 256),
		dataDir:       dataDir,
	}
	if err := p.tg.Add(); err == nil {
		go func() {
			defer p.tg.Done()
			p.forwardOutcomes()
		}()
	}
	return p
}

// download enqueues ref for download and returns its id immediately. The
// transfer itself may start right away or be queued behind
// max_concurrent_downloads other transfers (spec.md §4.3).
func (p *downloadPool) download(ref modules.ChunkRef) modules.DownloadID {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	destDir := partialPath(p.dataDir, ref, id)

	if len(p.active) < p.maxConcurrent {
		p.active[id] = struct{}{}
		p.mu.Unlock()
		p.downloader.Download(id, ref, destDir)
		return id
	}
	p.queue = append(p.queue, queuedDownload{id: id, ref: ref, destDir: destDir})
	p.mu.Unlock()
	return id
}

// cancel aborts the named download. It is idempotent: cancelling a download
// that already finished, or that is still sitting in the FIFO queue, is
// handled without ever calling the collaborator.
func (p *downloadPool) cancel(id modules.DownloadID) {
	p.mu.Lock()
	// Still queued: drop it and synthesize a Cancelled outcome ourselves,
	// since the collaborator was never told about it.
	for i, q := range p.queue {
		if q.id == id {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.mu.Unlock()
			p.updates <- modules.DownloadOutcome{ID: id, Kind: modules.DownloadCancelled}
			return
		}
	}
	_, isActive := p.active[id]
	p.mu.Unlock()
	if isActive {
		p.downloader.Cancel(id)
		return
	}
	// Not active and not queued: either it already finished (no-op, per
	// contract) or it is about to be handed out — remember the
	// cancellation so launchNext honors it immediately.
	p.mu.Lock()
	p.cancelled[id] = true
	p.mu.Unlock()
}

// forwardOutcomes drains the downloader's outcome stream, frees the slot the
// finished download held, starts the next queued download if any, and
// republishes the outcome on the pool's own channel.
func (p *downloadPool) forwardOutcomes() {
	ch := p.downloader.Updates()
	for {
		select {
		case <-p.tg.StopChan():
			return
		case outcome, ok := <-ch:
			if !ok {
				return
			}
			p.mu.Lock()
			delete(p.active, outcome.ID)
			delete(p.cancelled, outcome.ID)
			p.launchNextLocked()
			p.mu.Unlock()
			p.updates <- outcome
		}
	}
}

// launchNextLocked pulls the next eligible request off the FIFO queue and
// hands it to the collaborator. Must be called with p.mu held.
func (p *downloadPool) launchNextLocked() {
	for len(p.queue) > 0 && len(p.active) < p.maxConcurrent {
		next := p.queue[0]
		p.queue = p.queue[1:]
		if p.cancelled[next.id] {
			delete(p.cancelled, next.id)
			go func(id modules.DownloadID) {
				p.updates <- modules.DownloadOutcome{ID: id, Kind: modules.DownloadCancelled}
			}(next.id)
			continue
		}
		p.active[next.id] = struct{}{}
		p.downloader.Download(next.id, next.ref, next.destDir)
	}
}

// poll returns the channel of download outcomes.
func (p *downloadPool) poll() <-chan modules.DownloadOutcome {
	return p.updates
}

// close waits for every in-flight collaborator call this pool started to
// settle. Called as part of the Reconciler's shutdown sequence.
func (p *downloadPool) close() {
	if err := p.tg.Stop(); err != nil {
		build.Severe("error stopping download pool thread group:", err)
	}
}
