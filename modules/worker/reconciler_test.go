package worker

import (
	"testing"

	"go.archivegrid.dev/worker/modules"
)

func TestComputeDeltasDownloadMissingChunks(t *testing.T) {
	wanted := modules.ChunkRef{Dataset: "logs", FirstBlock: 0, LastBlock: 99}
	desired := modules.NewChunkSet(wanted)
	snap := IndexSnapshot{}

	toCancel, toDelete, toDownload := computeDeltas(desired, snap)
	if len(toCancel) != 0 || len(toDelete) != 0 {
		t.Fatalf("expected no cancellations/deletions, got cancel=%v delete=%v", toCancel, toDelete)
	}
	if len(toDownload) != 1 || toDownload[0] != wanted {
		t.Fatalf("expected to download the missing chunk, got %v", toDownload)
	}
}

func TestComputeDeltasDeletesUndesiredReadyChunks(t *testing.T) {
	stale := modules.ChunkRef{Dataset: "logs", FirstBlock: 0, LastBlock: 99}
	desired := modules.NewChunkSet() // empty: nothing is wanted any more
	snap := IndexSnapshot{Entries: []ChunkStatus{
		{Ref: stale, Kind: stateReady},
	}}

	toCancel, toDelete, toDownload := computeDeltas(desired, snap)
	if len(toDownload) != 0 || len(toCancel) != 0 {
		t.Fatalf("expected no downloads/cancellations, got download=%v cancel=%v", toDownload, toCancel)
	}
	if len(toDelete) != 1 || toDelete[0] != stale {
		t.Fatalf("expected to delete the undesired Ready chunk, got %v", toDelete)
	}
}

func TestComputeDeltasCancelsUndesiredInFlightDownloads(t *testing.T) {
	abandoned := modules.ChunkRef{Dataset: "logs", FirstBlock: 0, LastBlock: 99}
	desired := modules.NewChunkSet()
	snap := IndexSnapshot{Entries: []ChunkStatus{
		{Ref: abandoned, Kind: stateDownloading, DownloadID: 3},
	}}

	toCancel, toDelete, toDownload := computeDeltas(desired, snap)
	if len(toDelete) != 0 || len(toDownload) != 0 {
		t.Fatalf("expected no deletions/downloads, got delete=%v download=%v", toDelete, toDownload)
	}
	if len(toCancel) != 1 || toCancel[0] != abandoned {
		t.Fatalf("expected to cancel the undesired in-flight download, got %v", toCancel)
	}
}

func TestComputeDeltasLeavesDesiredReadyAndDownloadingChunksAlone(t *testing.T) {
	ready := modules.ChunkRef{Dataset: "logs", FirstBlock: 0, LastBlock: 99}
	downloading := modules.ChunkRef{Dataset: "logs", FirstBlock: 100, LastBlock: 199}
	desired := modules.NewChunkSet(ready, downloading)
	snap := IndexSnapshot{Entries: []ChunkStatus{
		{Ref: ready, Kind: stateReady},
		{Ref: downloading, Kind: stateDownloading},
	}}

	toCancel, toDelete, toDownload := computeDeltas(desired, snap)
	if len(toCancel) != 0 || len(toDelete) != 0 || len(toDownload) != 0 {
		t.Fatalf("expected no action, got cancel=%v delete=%v download=%v", toCancel, toDelete, toDownload)
	}
}

func TestComputeDeltasOrdersEachBucketByDatasetThenFirstBlock(t *testing.T) {
	c1 := modules.ChunkRef{Dataset: "b", FirstBlock: 0, LastBlock: 99}
	c2 := modules.ChunkRef{Dataset: "a", FirstBlock: 100, LastBlock: 199}
	c3 := modules.ChunkRef{Dataset: "a", FirstBlock: 0, LastBlock: 99}
	desired := modules.NewChunkSet(c1, c2, c3)

	_, _, toDownload := computeDeltas(desired, IndexSnapshot{})
	if len(toDownload) != 3 {
		t.Fatalf("expected 3 downloads, got %v", toDownload)
	}
	want := []modules.ChunkRef{c3, c2, c1} // (a,0) < (a,100) < (b,0)
	for i, w := range want {
		if toDownload[i] != w {
			t.Fatalf("toDownload[%d] = %v, want %v (full: %v)", i, toDownload[i], w, toDownload)
		}
	}
}
