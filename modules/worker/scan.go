package worker

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gitlab.com/NebulousLabs/errors"

	"go.archivegrid.dev/worker/modules"
)

// datasetMarkerName is a small sidecar file written alongside each
// dataset-hash directory, recording the dataset URL the hash was derived
// from. The hash itself (spec.md §6's "stable hash of its URL") is one-way,
// so the startup rescan needs this marker to reconstruct ChunkRef.Dataset
// for whatever it finds on disk.
const datasetMarkerName = ".dataset-url"

// ensureDatasetMarker makes sure dataDir/<hash(dataset)>/ exists and carries
// a marker recording dataset, so a later restart's scan can recover it.
func ensureDatasetMarker(dataDir string, dataset modules.Dataset) error {
	dir := filepath.Join(dataDir, datasetHash(dataset))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.AddContext(err, "could not create dataset directory")
	}
	marker := filepath.Join(dir, datasetMarkerName)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	return os.WriteFile(marker, []byte(dataset), 0644)
}

// discoveredChunk is one chunk directory found by scanDataDir.
type discoveredChunk struct {
	ref  modules.ChunkRef
	path string
}

// scanDataDir walks dataDir and classifies every entry: complete chunk
// directories are returned as discovered chunks (spec.md §7 scenario 6,
// "Crash recovery"); partial sidecars (the `.partial-<id>` convention from
// spec.md §6) are returned as paths to remove.
func scanDataDir(dataDir string) (chunks []discoveredChunk, toRemove []string, err error) {
	datasetDirs, err := os.ReadDir(dataDir)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errors.AddContext(err, "could not read data directory")
	}

	for _, dd := range datasetDirs {
		if !dd.IsDir() {
			continue
		}
		datasetDir := filepath.Join(dataDir, dd.Name())
		markerBytes, err := os.ReadFile(filepath.Join(datasetDir, datasetMarkerName))
		if err != nil {
			// No marker: we cannot recover the dataset URL for this
			// directory. Leave it alone; a fresh DesiredSet referencing it
			// will repopulate the marker and the chunks underneath it will
			// be picked up on the next restart.
			continue
		}
		dataset := modules.Dataset(markerBytes)

		topDirs, err := os.ReadDir(datasetDir)
		if err != nil {
			return nil, nil, errors.AddContext(err, "could not read dataset directory")
		}
		for _, td := range topDirs {
			if !td.IsDir() {
				continue
			}
			if parsePartialDirName(td.Name()) {
				toRemove = append(toRemove, filepath.Join(datasetDir, td.Name()))
				continue
			}
			top, err := strconv.ParseUint(td.Name(), 10, 64)
			if err != nil {
				continue
			}
			rangeDirs, err := os.ReadDir(filepath.Join(datasetDir, td.Name()))
			if err != nil {
				return nil, nil, errors.AddContext(err, "could not read top-block directory")
			}
			for _, rd := range rangeDirs {
				if !rd.IsDir() {
					continue
				}
				first, last, ok := parseRangeDirName(rd.Name())
				if !ok {
					continue
				}
				ref := modules.ChunkRef{
					Dataset:    dataset,
					FirstBlock: first,
					LastBlock:  last,
					TopBlock:   modules.BlockNumber(top),
				}
				chunks = append(chunks, discoveredChunk{
					ref:  ref,
					path: filepath.Join(datasetDir, td.Name(), rd.Name()),
				})
			}
		}
	}
	return chunks, toRemove, nil
}

func parseRangeDirName(name string) (first, last modules.BlockNumber, ok bool) {
	parts := strings.SplitN(name, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	f, err1 := strconv.ParseUint(parts[0], 10, 64)
	l, err2 := strconv.ParseUint(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return modules.BlockNumber(f), modules.BlockNumber(l), true
}
