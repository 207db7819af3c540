package downloader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.archivegrid.dev/worker/build"
	"go.archivegrid.dev/worker/modules"
)

type fakeLocator map[modules.Dataset]string

func (f fakeLocator) DatasetLocator(dataset modules.Dataset) (string, bool) {
	path, ok := f[dataset]
	return path, ok
}

func writeSourceChunk(t *testing.T, sourceRoot string, ref modules.ChunkRef, content []byte) {
	t.Helper()
	dir := filepath.Join(sourceRoot, chunkRelPath(ref))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "rows.ndjson"), content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func waitForDownloadOutcome(t *testing.T, d *LocalCopy) modules.DownloadOutcome {
	t.Helper()
	select {
	case o := <-d.Updates():
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a download outcome")
		return modules.DownloadOutcome{}
	}
}

func TestLocalCopyDownloadCompletesWithIntegrityDigest(t *testing.T) {
	sourceRoot := t.TempDir()
	destRoot := t.TempDir()
	ref := modules.ChunkRef{Dataset: "logs", FirstBlock: 0, LastBlock: 99, TopBlock: 1}
	writeSourceChunk(t, sourceRoot, ref, []byte(`{"id":1}`+"\n"))

	d := New(fakeLocator{"logs": sourceRoot}, 0)
	defer d.Close()

	destDir := filepath.Join(destRoot, "chunk")
	d.Download(1, ref, destDir)

	outcome := waitForDownloadOutcome(t, d)
	if outcome.Kind != modules.DownloadCompleted {
		t.Fatalf("expected Completed, got %v (cause: %v)", outcome.Kind, outcome.Cause)
	}
	if len(outcome.IntegrityDigest) == 0 {
		t.Fatal("expected a non-empty integrity digest")
	}
	if _, err := os.Stat(filepath.Join(destDir, "rows.ndjson")); err != nil {
		t.Fatalf("expected the chunk's file to be copied into destDir: %v", err)
	}
}

func TestLocalCopyDownloadFailsForUnregisteredDataset(t *testing.T) {
	destRoot := t.TempDir()
	ref := modules.ChunkRef{Dataset: "unknown", FirstBlock: 0, LastBlock: 99}

	d := New(fakeLocator{}, 0)
	defer d.Close()

	destDir := filepath.Join(destRoot, "chunk")
	d.Download(1, ref, destDir)

	outcome := waitForDownloadOutcome(t, d)
	if outcome.Kind != modules.DownloadFailed {
		t.Fatalf("expected Failed for an unregistered dataset, got %v", outcome.Kind)
	}
	if outcome.Cause == nil {
		t.Fatal("expected a non-nil cause")
	}
}

func TestLocalCopyDownloadIsDeterministicAcrossDuplicateSources(t *testing.T) {
	sourceRoot := t.TempDir()
	mirrorRoot := t.TempDir()
	destRoot := t.TempDir()
	ref := modules.ChunkRef{Dataset: "logs", FirstBlock: 0, LastBlock: 99, TopBlock: 1}
	writeSourceChunk(t, sourceRoot, ref, []byte(`{"id":1}`+"\n"))

	// Build an independent copy of the source chunk file and confirm a
	// download from the mirror produces the same integrity digest.
	mirrorDir := filepath.Join(mirrorRoot, chunkRelPath(ref))
	if err := os.MkdirAll(mirrorDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := build.CopyFile(filepath.Join(sourceRoot, chunkRelPath(ref), "rows.ndjson"), filepath.Join(mirrorDir, "rows.ndjson")); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}

	d := New(fakeLocator{"logs": sourceRoot, "logs-mirror": mirrorRoot}, 0)
	defer d.Close()

	mirrorRef := ref
	mirrorRef.Dataset = "logs-mirror"
	d.Download(1, ref, filepath.Join(destRoot, "a"))
	d.Download(2, mirrorRef, filepath.Join(destRoot, "b"))

	byID := map[modules.DownloadID]modules.DownloadOutcome{}
	for len(byID) < 2 {
		o := waitForDownloadOutcome(t, d)
		byID[o.ID] = o
	}
	first, second := byID[1], byID[2]

	if first.Kind != modules.DownloadCompleted || second.Kind != modules.DownloadCompleted {
		t.Fatalf("expected both downloads to complete, got %v and %v", first.Kind, second.Kind)
	}
	if string(first.IntegrityDigest) != string(second.IntegrityDigest) {
		t.Fatal("expected identical content copied via build.CopyFile to produce identical integrity digests")
	}
}

func TestLocalCopyCancelLeavesNoResidue(t *testing.T) {
	sourceRoot := t.TempDir()
	destRoot := t.TempDir()
	ref := modules.ChunkRef{Dataset: "logs", FirstBlock: 0, LastBlock: 99, TopBlock: 1}
	// 64 KiB of content and a tight rate limit, so the copy is still in
	// flight when Cancel is called below.
	content := make([]byte, 64*1024)
	writeSourceChunk(t, sourceRoot, ref, content)

	d := New(fakeLocator{"logs": sourceRoot}, 256) // 256 bytes/sec
	defer d.Close()

	destDir := filepath.Join(destRoot, "chunk")
	d.Download(1, ref, destDir)
	time.Sleep(50 * time.Millisecond)
	d.Cancel(1)

	outcome := waitForDownloadOutcome(t, d)
	if outcome.Kind != modules.DownloadCancelled {
		t.Fatalf("expected Cancelled, got %v", outcome.Kind)
	}
	if _, err := os.Stat(destDir); !os.IsNotExist(err) {
		t.Fatalf("expected destDir to be removed after cancellation, stat err: %v", err)
	}
}
