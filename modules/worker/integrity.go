package worker

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sort"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/merkletree"
)

// verifyChunkIntegrity recomputes a merkle root over every file in dir, in
// name order, and compares it against want. Used when a Downloader reports
// an IntegrityDigest alongside a completed transfer; want is that digest.
func verifyChunkIntegrity(dir string, want []byte) (bool, error) {
	got, err := merkleRootOfDir(dir)
	if err != nil {
		return false, errors.AddContext(err, "could not compute merkle root")
	}
	return bytes.Equal(got, want), nil
}

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
