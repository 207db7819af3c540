package modules

import "encoding/json"

// DownloadID is a process-unique, monotonically increasing identifier for a
// single download attempt.
type DownloadID uint64

// DownloadOutcomeKind enumerates how a download attempt ended.
type DownloadOutcomeKind int

const (
	// DownloadCompleted means the chunk's files are fully materialized on
	// disk.
	DownloadCompleted DownloadOutcomeKind = iota
	// DownloadFailed means the attempt failed and left no residue on disk.
	DownloadFailed
	// DownloadCancelled means the attempt was aborted and left no residue on
	// disk.
	DownloadCancelled
)

// DownloadOutcome reports how a previously started download attempt ended.
type DownloadOutcome struct {
	ID    DownloadID
	Kind  DownloadOutcomeKind
	Cause error // set only when Kind == DownloadFailed

	// IntegrityDigest, when non-nil, is a merkle root the downloader
	// computed over the chunk's files; before marking the chunk Ready the
	// core recomputes the root over the files it finds on disk and compares
	// the two. Optional: a downloader that does not support it leaves this
	// nil and verification is skipped.
	IntegrityDigest []byte
}

// Downloader is the object-store collaborator: given a chunk identity and a
// destination directory, it materializes the chunk's files locally. It must
// leave no residue on disk for failed or cancelled downloads.
//
// The Download Pool, not the Downloader, owns download-id allocation: ids
// are process-unique and monotonically increasing (spec.md §3's Data
// Model), and the Pool must mint one the instant it commits a ChunkRef to
// the Downloading state, before any collaborator call happens at all (a
// queued-but-not-yet-started download still needs an id for the Chunk
// Index). So the Pool passes the id in; the Downloader's job is only to
// perform the transfer and report the outcome for that id.
type Downloader interface {
	// Download begins materializing chunk's files into destDir under the
	// given id. It must not block waiting for the transfer to finish;
	// exactly one outcome for id is later delivered on Updates().
	Download(id DownloadID, chunk ChunkRef, destDir string)

	// Cancel requests that the named download abort and may return before
	// it has stopped; it does not wait for partial files to be removed.
	// The Downloader removes any partial files before it delivers the
	// Cancelled outcome for id on Updates(). Cancelling an already-finished
	// download is a no-op.
	Cancel(id DownloadID)

	// Updates returns the channel on which completion/failure/cancellation
	// outcomes are delivered, in arrival order per download id.
	Updates() <-chan DownloadOutcome
}

// SpendResult is the outcome of an allocation spend check.
type SpendResult int

const (
	// Spent means the client's allocation covers this query.
	Spent SpendResult = iota
	// NotEnoughCU means the client has insufficient credit.
	NotEnoughCU
)

// AllocationChecker is the optional credit-enforcement collaborator. When
// none is configured, every query is treated as Spent.
type AllocationChecker interface {
	TrySpend(clientID string) (SpendResult, error)
}

// Plan is a compiled query, ready to run against one chunk's on-disk files.
type Plan interface {
	// Execute runs the plan against the chunk stored at chunkPath and
	// returns its row batches as raw JSON values.
	Execute(chunkPath string) ([]json.RawMessage, error)
}

// Query is a parsed query description.
type Query interface {
	// FirstBlock returns the block the query wants to start reading from,
	// and whether the field was present at all.
	FirstBlock() (BlockNumber, bool)

	// Compile produces a Plan. Compilation is expected to be cheap.
	Compile() (Plan, error)
}

// Executor parses the opaque, UTF-8 JSON query bytes the transport hands to
// RunQuery into a Query. It is the query-plan compiler/columnar executor
// black box from spec.md §1.
type Executor interface {
	Parse(raw []byte) (Query, error)
}
