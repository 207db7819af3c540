package worker

import (
	"context"
	"os"
	"strconv"
	"sync"

	"gitlab.com/NebulousLabs/errors"
	nlog "gitlab.com/NebulousLabs/log"

	"go.archivegrid.dev/worker/allocation"
	"go.archivegrid.dev/worker/modules"
)

// defaultParallelQueries is used when PARALLEL_QUERIES is unset or
// unparseable, per spec.md §6's "Configuration" table.
const defaultParallelQueries = 5

// defaultMaxConcurrentDownloads bounds the Download Pool when
// Config.MaxConcurrentDownloads is unset, per spec.md §4.3.
const defaultMaxConcurrentDownloads = 4

// Worker is the top-level object a transport or CLI wires up: the Chunk
// Lifecycle and Query Admission Engine from spec.md §1, assembled from its
// five collaborating components.
type Worker struct {
	idx      *chunkIndex
	pool     *downloadPool
	rec      *reconciler
	admitter *admitter
	bridge   *bridge

	executor   modules.Executor
	allocation modules.AllocationChecker

	log     *nlog.Logger
	dataDir string

	datasetsMu sync.Mutex
	datasets   modules.DatasetsIndex

	wake chan struct{}
}

// Config gathers everything needed to build a Worker.
type Config struct {
	DataDir           string
	Downloader        modules.Downloader
	Executor          modules.Executor
	AllocationChecker modules.AllocationChecker // optional; nil means every query is admitted
	Dependencies      modules.Dependencies      // optional; nil means ProductionDependencies
	Logger            *nlog.Logger              // optional; nil means a logger to stderr

	// MaxConcurrentDownloads bounds the Download Pool (spec.md §4.3's
	// concurrent_downloads config). Zero means defaultMaxConcurrentDownloads.
	MaxConcurrentDownloads int

	// ScanProgress, if set, is called once per chunk directory as the
	// startup scan discovers it, so a CLI can drive a progress bar over an
	// otherwise silent rescan of a large data directory.
	ScanProgress func(scanned, total int)
}

// New builds a Worker and runs its crash-recovery scan over cfg.DataDir,
// marking every complete chunk it finds Ready in the Chunk Index and
// removing leftover partial downloads (spec.md §7, "Crash recovery").
func New(cfg Config) (*Worker, error) {
	if cfg.Dependencies == nil {
		cfg.Dependencies = modules.ProductionDependencies{}
	}
	if cfg.Logger == nil {
		cfg.Logger = nlog.NewLogger(os.Stderr)
	}
	if cfg.AllocationChecker == nil {
		cfg.AllocationChecker = allocation.Noop{}
	}

	maxConcurrent := cfg.MaxConcurrentDownloads
	if maxConcurrent < 1 {
		maxConcurrent = defaultMaxConcurrentDownloads
	}

	wake := make(chan struct{}, 1)
	idx := newChunkIndex(wake)
	pool := newDownloadPool(cfg.DataDir, maxConcurrent, cfg.Downloader)
	rec := newReconciler(idx, pool, cfg.DataDir, wake, cfg.Logger, cfg.Dependencies)

	w := &Worker{
		idx:        idx,
		pool:       pool,
		rec:        rec,
		admitter:   newAdmitter(parallelQueriesFromEnv()),
		bridge:     newBridge(),
		executor:   cfg.Executor,
		allocation: cfg.AllocationChecker,
		log:        cfg.Logger,
		dataDir:    cfg.DataDir,
		datasets:   make(modules.DatasetsIndex),
		wake:       wake,
	}

	if err := w.recoverFromDisk(cfg.ScanProgress); err != nil {
		return nil, errors.AddContext(err, "crash-recovery scan failed")
	}
	return w, nil
}

func parallelQueriesFromEnv() int {
	v := os.Getenv("PARALLEL_QUERIES")
	if v == "" {
		return defaultParallelQueries
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return defaultParallelQueries
	}
	return n
}

// recoverFromDisk walks DataDir, marking every complete chunk directory
// Ready in the index and removing stale `.partial-*` sidecars left behind
// by a crash (spec.md §7, scenario 6).
func (w *Worker) recoverFromDisk(onProgress func(scanned, total int)) error {
	chunks, partials, err := scanDataDir(w.dataDir)
	if err != nil {
		return err
	}
	total := len(chunks) + len(partials)
	for i, c := range chunks {
		w.idx.discoverReady(c.ref)
		w.rec.addStorageBytes(dirSize(chunkPath(w.dataDir, c.ref)))
		if onProgress != nil {
			onProgress(i+1, total)
		}
	}
	for i, p := range partials {
		if err := os.RemoveAll(p); err != nil {
			w.log.Println("could not remove stale partial download", p, ":", err)
		}
		if onProgress != nil {
			onProgress(len(chunks)+i+1, total)
		}
	}
	return nil
}

// Run drives the reconciliation control loop until ctx is cancelled. It
// returns once in-flight downloads have settled, mirroring the shutdown
// sequence in spec.md §5's cancellation semantics.
func (w *Worker) Run(ctx context.Context) {
	w.rec.run(ctx)
}

// Close shuts down the query execution bridge. Call after Run has returned.
func (w *Worker) Close() {
	w.bridge.close()
}

// SetDesiredChunks replaces the worker's DesiredSet and wakes the
// reconciler (spec.md §2's set_desired_chunks operation).
func (w *Worker) SetDesiredChunks(desired modules.ChunkSet) {
	w.rec.setDesired(desired)
}

// SetDatasetsIndex records the dataset -> storage-locator mapping the
// Downloader collaborator consults (spec.md §2's set_datasets_index).
func (w *Worker) SetDatasetsIndex(datasets modules.DatasetsIndex) {
	w.datasetsMu.Lock()
	defer w.datasetsMu.Unlock()
	w.datasets = datasets
}

// DatasetLocator returns the storage locator registered for dataset via
// SetDatasetsIndex, if any.
func (w *Worker) DatasetLocator(dataset modules.Dataset) (string, bool) {
	w.datasetsMu.Lock()
	defer w.datasetsMu.Unlock()
	locator, ok := w.datasets[dataset]
	return locator, ok
}

// StopDownloads halts new download starts without touching in-flight ones
// (spec.md §2's stop_downloads, used ahead of a graceful shutdown).
func (w *Worker) StopDownloads() {
	w.rec.stopDownloads()
}

// Status reports a point-in-time snapshot of held chunks, in-flight
// activity, and failures (spec.md §2's status operation).
func (w *Worker) Status() modules.Status {
	snap := w.idx.snapshot()

	byDataset := make(map[modules.Dataset][]modules.ChunkRef)
	inFlight := 0
	for _, e := range snap.Entries {
		switch e.Kind {
		case stateReady:
			byDataset[e.Ref.Dataset] = append(byDataset[e.Ref.Dataset], e.Ref)
		case stateDownloading, stateCancellingDownload:
			inFlight++
		}
	}

	datasets := make([]string, 0, len(byDataset))
	for d := range byDataset {
		datasets = append(datasets, string(d))
	}
	sortStrings(datasets)

	out := modules.Status{
		InFlightDownloads: inFlight,
		FailedChunks:      len(w.rec.backoff.failed()),
		RunningQueries:    w.admitter.runningCount(),
		StorageBytes:      w.rec.storageBytesSnapshot(),
	}
	for _, d := range datasets {
		dataset := modules.Dataset(d)
		out.Datasets = append(out.Datasets, modules.DatasetRanges{
			Dataset: dataset,
			Ranges:  modules.CoalesceRanges(byDataset[dataset]),
		})
	}
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
