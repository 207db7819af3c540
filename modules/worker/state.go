package worker

import (
	"time"

	"go.archivegrid.dev/worker/modules"
)

// chunkStateKind tags the state of a ChunkRef held by the Chunk Index. See
// spec.md §3 for the full state machine and §4.1 for transitions.
type chunkStateKind int

const (
	stateDownloading chunkStateKind = iota
	stateReady
	stateDeleting
	stateCancellingDownload
)

func (k chunkStateKind) String() string {
	switch k {
	case stateDownloading:
		return "downloading"
	case stateReady:
		return "ready"
	case stateDeleting:
		return "deleting"
	case stateCancellingDownload:
		return "cancelling-download"
	default:
		return "unknown"
	}
}

// chunkState is the per-ChunkRef state held by the Chunk Index.
type chunkState struct {
	kind chunkStateKind

	// valid when kind == stateDownloading or stateCancellingDownload
	downloadID modules.DownloadID
	startedAt  time.Time

	// lease count; only ever non-zero when kind == stateReady (I6)
	leases int
}

// chunkEntry is the value stored per ChunkRef in the Chunk Index.
type chunkEntry struct {
	ref   modules.ChunkRef
	state chunkState
}
