package worker

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"

	"go.archivegrid.dev/worker/modules"
)

// partialPrefix marks a chunk directory that is still being materialized by
// the Download Pool. The startup scan (spec.md §7, scenario 6) treats any
// directory with this prefix as absent and schedules it for removal.
const partialPrefix = ".partial-"

// datasetHash returns the stable directory name for a dataset, per spec.md
// §6's "Persisted state layout": "a stable hash of its URL".
func datasetHash(dataset modules.Dataset) string {
	sum := sha3.Sum256([]byte(dataset))
	return hex.EncodeToString(sum[:])
}

// chunkDirName returns the final path segment for ref, excluding the
// dataset hash prefix: "{top}/{first}-{last}".
func chunkDirName(ref modules.ChunkRef) string {
	return filepath.Join(
		strconv.FormatUint(uint64(ref.TopBlock), 10),
		fmt.Sprintf("%d-%d", ref.FirstBlock, ref.LastBlock),
	)
}

// chunkPath returns the full on-disk directory for ref once it is Ready.
func chunkPath(dataDir string, ref modules.ChunkRef) string {
	return filepath.Join(dataDir, datasetHash(ref.Dataset), chunkDirName(ref))
}

// partialPath returns the sidecar directory name a download writes into
// while in progress, so a crash leaves an unambiguous marker instead of a
// half-populated Ready directory.
func partialPath(dataDir string, ref modules.ChunkRef, id modules.DownloadID) string {
	return filepath.Join(dataDir, datasetHash(ref.Dataset), partialPrefix+strconv.FormatUint(uint64(id), 10)+"-"+chunkDirNameFlat(ref))
}

// chunkDirNameFlat is chunkDirName with path separators flattened, since the
// partial marker must be a single directory entry.
func chunkDirNameFlat(ref modules.ChunkRef) string {
	return strings.ReplaceAll(chunkDirName(ref), string(filepath.Separator), "-")
}

// parsePartialDirName reports whether name is a partial-download sidecar,
// per spec.md §6.
func parsePartialDirName(name string) bool {
	return strings.HasPrefix(name, partialPrefix)
}
