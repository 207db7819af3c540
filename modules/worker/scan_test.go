package worker

import (
	"os"
	"path/filepath"
	"testing"

	"go.archivegrid.dev/worker/build"
	"go.archivegrid.dev/worker/modules"
)

func TestScanDataDirDiscoversCompleteChunks(t *testing.T) {
	dataDir := build.TempDir("worker", "scan-discovers")
	dataset := modules.Dataset("https://example.org/dataset-a")
	if err := ensureDatasetMarker(dataDir, dataset); err != nil {
		t.Fatalf("ensureDatasetMarker: %v", err)
	}

	ref := modules.ChunkRef{Dataset: dataset, FirstBlock: 0, LastBlock: 99, TopBlock: 1}
	chunkDir := chunkPath(dataDir, ref)
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(chunkDir, "rows.ndjson"), []byte("{}\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	chunks, toRemove, err := scanDataDir(dataDir)
	if err != nil {
		t.Fatalf("scanDataDir: %v", err)
	}
	if len(toRemove) != 0 {
		t.Fatalf("expected no partials to remove, got %v", toRemove)
	}
	if len(chunks) != 1 || chunks[0].ref != ref {
		t.Fatalf("expected to discover %v, got %v", ref, chunks)
	}
}

func TestScanDataDirFlagsPartialDownloadsForRemoval(t *testing.T) {
	dataDir := build.TempDir("worker", "scan-partials")
	dataset := modules.Dataset("https://example.org/dataset-b")
	if err := ensureDatasetMarker(dataDir, dataset); err != nil {
		t.Fatalf("ensureDatasetMarker: %v", err)
	}

	ref := modules.ChunkRef{Dataset: dataset, FirstBlock: 0, LastBlock: 99, TopBlock: 1}
	partial := partialPath(dataDir, ref, 42)
	if err := os.MkdirAll(partial, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	chunks, toRemove, err := scanDataDir(dataDir)
	if err != nil {
		t.Fatalf("scanDataDir: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no complete chunks, got %v", chunks)
	}
	if len(toRemove) != 1 || toRemove[0] != partial {
		t.Fatalf("expected the partial download to be flagged for removal, got %v", toRemove)
	}
}

func TestScanDataDirSkipsDirectoriesMissingTheDatasetMarker(t *testing.T) {
	dataDir := build.TempDir("worker", "scan-no-marker")
	unmarked := filepath.Join(dataDir, "some-hash", "1", "0-99")
	if err := os.MkdirAll(unmarked, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	chunks, toRemove, err := scanDataDir(dataDir)
	if err != nil {
		t.Fatalf("scanDataDir: %v", err)
	}
	if len(chunks) != 0 || len(toRemove) != 0 {
		t.Fatalf("expected an unmarked directory to be left alone, got chunks=%v toRemove=%v", chunks, toRemove)
	}
}

func TestScanDataDirMissingDirReturnsNoError(t *testing.T) {
	dataDir := build.TempDir("worker", "scan-missing")
	chunks, toRemove, err := scanDataDir(dataDir)
	if err != nil {
		t.Fatalf("expected no error for a data directory that doesn't exist yet, got %v", err)
	}
	if chunks != nil || toRemove != nil {
		t.Fatalf("expected nil results, got chunks=%v toRemove=%v", chunks, toRemove)
	}
}

func TestEnsureDatasetMarkerIsIdempotent(t *testing.T) {
	dataDir := build.TempDir("worker", "scan-marker-idempotent")
	dataset := modules.Dataset("https://example.org/dataset-c")
	if err := ensureDatasetMarker(dataDir, dataset); err != nil {
		t.Fatalf("first ensureDatasetMarker: %v", err)
	}
	if err := ensureDatasetMarker(dataDir, dataset); err != nil {
		t.Fatalf("second ensureDatasetMarker: %v", err)
	}
}

// TestScanDataDirDiscoversChunksCopiedFromAnotherDataDir mirrors the
// duplicate-the-data-directory idiom persist/json_test.go and
// node/api/server_helpers_test.go use to build fixtures: populate one data
// directory, copy the whole tree with build.CopyDir, then assert the copy
// scans identically to the original.
func TestScanDataDirDiscoversChunksCopiedFromAnotherDataDir(t *testing.T) {
	source := build.TempDir("worker", "scan-copy-source")
	dataset := modules.Dataset("https://example.org/dataset-copied")
	if err := ensureDatasetMarker(source, dataset); err != nil {
		t.Fatalf("ensureDatasetMarker: %v", err)
	}
	ref := modules.ChunkRef{Dataset: dataset, FirstBlock: 0, LastBlock: 99, TopBlock: 1}
	chunkDir := chunkPath(source, ref)
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(chunkDir, "rows.ndjson"), []byte("{}\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dest := build.TempDir("worker", "scan-copy-dest")
	if err := build.CopyDir(source, dest); err != nil {
		t.Fatalf("CopyDir: %v", err)
	}

	chunks, toRemove, err := scanDataDir(dest)
	if err != nil {
		t.Fatalf("scanDataDir: %v", err)
	}
	if len(toRemove) != 0 {
		t.Fatalf("expected no partials to remove, got %v", toRemove)
	}
	if len(chunks) != 1 || chunks[0].ref != ref {
		t.Fatalf("expected the copied tree to scan to %v, got %v", ref, chunks)
	}
}

func TestParseRangeDirName(t *testing.T) {
	first, last, ok := parseRangeDirName("100-199")
	if !ok || first != 100 || last != 199 {
		t.Fatalf("parseRangeDirName(100-199) = (%d, %d, %v)", first, last, ok)
	}
	if _, _, ok := parseRangeDirName("not-a-range-at-all-x"); ok {
		t.Fatal("expected a malformed range name to be rejected")
	}
	if _, _, ok := parseRangeDirName("nope"); ok {
		t.Fatal("expected a single-segment name to be rejected")
	}
}
