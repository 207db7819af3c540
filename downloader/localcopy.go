// Package downloader provides a filesystem-backed implementation of
// modules.Downloader. Datasets are located on a mounted path (the "storage
// locator" spec.md §6 leaves opaque to the core); downloading a chunk is a
// rate-limited recursive copy of its source directory.
package downloader

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/merkletree"
	"gitlab.com/NebulousLabs/ratelimit"
	"gitlab.com/NebulousLabs/threadgroup"

	"go.archivegrid.dev/worker/modules"
)

// Locator resolves a dataset to its source root directory, consulting the
// worker's DatasetsIndex; a chunk's files live under that root at
// chunkRelPath.
type Locator interface {
	DatasetLocator(dataset modules.Dataset) (string, bool)
}

// LocalCopy implements modules.Downloader by copying each chunk's files out
// of a locally mounted object store, shaped the way a production downloader
// would be: rate-limited, cancellable mid-transfer, and reporting a merkle
// integrity digest the core can verify before trusting the result.
type LocalCopy struct {
	locator Locator
	limit   *ratelimit.RateLimit

	mu        sync.Mutex
	cancelled map[modules.DownloadID]context.CancelFunc

	tg      threadgroup.ThreadGroup
	updates chan modules.DownloadOutcome
}

// New builds a LocalCopy downloader. readBytesPerSec of 0 means unlimited,
// matching ratelimit.NewRateLimit's convention.
func New(locator Locator, readBytesPerSec int64) *LocalCopy {
	return &LocalCopy{
		locator:   locator,
		limit:     ratelimit.NewRateLimit(readBytesPerSec, readBytesPerSec, 0),
		cancelled: make(map[modules.DownloadID]context.CancelFunc),
		updates:   make(chan modules.DownloadOutcome, 256),
	}
}

// Download implements modules.Downloader.
func (d *LocalCopy) Download(id modules.DownloadID, chunk modules.ChunkRef, destDir string) {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancelled[id] = cancel
	d.mu.Unlock()

	if err := d.tg.Add(); err != nil {
		cancel()
		return
	}
	go func() {
		defer d.tg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.cancelled, id)
			d.mu.Unlock()
		}()
		d.run(ctx, id, chunk, destDir)
	}()
}

func (d *LocalCopy) run(ctx context.Context, id modules.DownloadID, chunk modules.ChunkRef, destDir string) {
	source, ok := d.locator.DatasetLocator(chunk.Dataset)
	if !ok {
		d.emit(modules.DownloadOutcome{ID: id, Kind: modules.DownloadFailed, Cause: errors.New("no storage locator registered for dataset")})
		return
	}
	sourceDir := filepath.Join(source, chunkRelPath(chunk))

	if err := copyDirRateLimited(ctx, sourceDir, destDir, d.limit); err != nil {
		os.RemoveAll(destDir)
		if ctx.Err() != nil {
			d.emit(modules.DownloadOutcome{ID: id, Kind: modules.DownloadCancelled})
		} else {
			d.emit(modules.DownloadOutcome{ID: id, Kind: modules.DownloadFailed, Cause: err})
		}
		return
	}

	digest, err := merkleRootOfDir(destDir)
	if err != nil {
		os.RemoveAll(destDir)
		d.emit(modules.DownloadOutcome{ID: id, Kind: modules.DownloadFailed, Cause: err})
		return
	}

	d.emit(modules.DownloadOutcome{ID: id, Kind: modules.DownloadCompleted, IntegrityDigest: digest})
}

// Cancel implements modules.Downloader. It signals the in-flight copy's
// context and returns immediately; the copy goroutine removes any partial
// files itself before reporting Cancelled.
func (d *LocalCopy) Cancel(id modules.DownloadID) {
	d.mu.Lock()
	cancel, ok := d.cancelled[id]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Updates implements modules.Downloader.
func (d *LocalCopy) Updates() <-chan modules.DownloadOutcome {
	return d.updates
}

func (d *LocalCopy) emit(outcome modules.DownloadOutcome) {
	select {
	case d.updates <- outcome:
	case <-d.tg.StopChan():
	}
}

// Close stops accepting new work and waits for in-flight copies to unwind.
func (d *LocalCopy) Close() error {
	return d.tg.Stop()
}

func chunkRelPath(ref modules.ChunkRef) string {
	return filepath.Join(fmt.Sprintf("%d", ref.TopBlock), fmt.Sprintf("%d-%d", ref.FirstBlock, ref.LastBlock))
}

// copyDirRateLimited mirrors build.CopyDir but checks ctx between files and
// throttles reads through limit, matching the rate-limited object-store
// fetch a real downloader collaborator performs.
func copyDirRateLimited(ctx context.Context, source, dest string, limit *ratelimit.RateLimit) error {
	stat, err := os.Stat(source)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, stat.Mode()); err != nil {
		return err
	}
	entries, err := os.ReadDir(source)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		newSource := filepath.Join(source, entry.Name())
		newDest := filepath.Join(dest, entry.Name())
		if entry.IsDir() {
			if err := copyDirRateLimited(ctx, newSource, newDest, limit); err != nil {
				return err
			}
			continue
		}
		if err := copyFileRateLimited(ctx, newSource, newDest, limit); err != nil {
			return err
		}
	}
	return nil
}

func copyFileRateLimited(ctx context.Context, source, dest string, limit *ratelimit.RateLimit) error {
	sf, err := os.Open(source)
	if err != nil {
		return err
	}
	defer sf.Close()

	df, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer df.Close()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(stop)
		case <-done:
		}
	}()

	r := ratelimit.NewRLReader(sf, limit, stop)
	_, err = io.Copy(df, r)
	close(done)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// merkleRootOfDir matches the Chunk Lifecycle engine's own verification
// routine (see modules/worker/integrity.go): a merkle root over every file
// in the directory, in name order.
func merkleRootOfDir(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	tree := merkletree.New(sha256.New())
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if err := tree.Push(data); err != nil {
			return nil, err
		}
	}
	return tree.Root(), nil
}
