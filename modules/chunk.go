package modules

import (
	"fmt"
	"sort"
)

// BlockNumber identifies a position within a dataset's append-only block
// stream.
type BlockNumber uint64

// Dataset is the URL identifying a logical, append-only stream of block
// ranges. It is opaque to the core beyond being a map/sort key.
type Dataset string

// ChunkRef identifies an immutable, contiguous block range of a dataset.
// ChunkSet membership and Less use (Dataset, FirstBlock) only; Go's == and
// map keys compare every field, LastBlock and TopBlock included.
type ChunkRef struct {
	Dataset    Dataset
	FirstBlock BlockNumber
	LastBlock  BlockNumber

	// TopBlock names the directory segment under which the chunk is stored
	// on disk. It plays no part in integrity verification.
	TopBlock BlockNumber
}

// Less orders ChunkRefs by (Dataset, FirstBlock) ascending, the tie-break
// spec.md §4.1 requires for deterministic reconciliation.
func (c ChunkRef) Less(other ChunkRef) bool {
	if c.Dataset != other.Dataset {
		return c.Dataset < other.Dataset
	}
	return c.FirstBlock < other.FirstBlock
}

// Contains reports whether block falls within [FirstBlock, LastBlock].
func (c ChunkRef) Contains(block BlockNumber) bool {
	return c.FirstBlock <= block && block <= c.LastBlock
}

// String returns the on-disk relative path segment for the chunk, excluding
// the dataset hash prefix: "{top}/{first}-{last}".
func (c ChunkRef) String() string {
	return fmt.Sprintf("%d/%d-%d", c.TopBlock, c.FirstBlock, c.LastBlock)
}

// ChunkSet is a set of ChunkRefs with fast membership testing and range
// lookup by (dataset, block number). It is not safe for concurrent use; all
// callers in this module guard it with an external mutex.
type ChunkSet struct {
	byDataset map[Dataset][]ChunkRef // kept sorted by FirstBlock ascending
}

// NewChunkSet builds a ChunkSet from an arbitrary slice of ChunkRefs.
func NewChunkSet(chunks ...ChunkRef) ChunkSet {
	cs := ChunkSet{byDataset: make(map[Dataset][]ChunkRef)}
	for _, c := range chunks {
		cs.Add(c)
	}
	return cs
}

// Add inserts c into the set, keeping the per-dataset slice sorted. Adding a
// ChunkRef that is already present (by Dataset+FirstBlock) replaces the
// stored entry with c, so the set size does not change.
func (cs *ChunkSet) Add(c ChunkRef) {
	if cs.byDataset == nil {
		cs.byDataset = make(map[Dataset][]ChunkRef)
	}
	list := cs.byDataset[c.Dataset]
	i := sort.Search(len(list), func(i int) bool { return !list[i].Less(c) })
	if i < len(list) && list[i].FirstBlock == c.FirstBlock {
		list[i] = c
		return
	}
	list = append(list, ChunkRef{})
	copy(list[i+1:], list[i:])
	list[i] = c
	cs.byDataset[c.Dataset] = list
}

// Remove deletes c (matched by Dataset+FirstBlock) from the set.
func (cs *ChunkSet) Remove(c ChunkRef) {
	list := cs.byDataset[c.Dataset]
	i := sort.Search(len(list), func(i int) bool { return !list[i].Less(c) })
	if i >= len(list) || list[i].FirstBlock != c.FirstBlock {
		return
	}
	cs.byDataset[c.Dataset] = append(list[:i], list[i+1:]...)
}

// Contains reports whether c (matched by Dataset+FirstBlock) is in the set.
func (cs ChunkSet) Contains(c ChunkRef) bool {
	list := cs.byDataset[c.Dataset]
	i := sort.Search(len(list), func(i int) bool { return !list[i].Less(c) })
	return i < len(list) && list[i].FirstBlock == c.FirstBlock
}

// Find returns every ChunkRef in dataset whose range contains block, ordered
// by FirstBlock ascending (normally zero or one, but overlapping inputs are
// tolerated).
func (cs ChunkSet) Find(dataset Dataset, block BlockNumber) []ChunkRef {
	list := cs.byDataset[dataset]
	var out []ChunkRef
	for _, c := range list {
		if c.FirstBlock > block {
			break
		}
		if c.Contains(block) {
			out = append(out, c)
		}
	}
	return out
}

// All returns every ChunkRef in the set, ordered by (Dataset, FirstBlock).
func (cs ChunkSet) All() []ChunkRef {
	datasets := make([]Dataset, 0, len(cs.byDataset))
	for d := range cs.byDataset {
		datasets = append(datasets, d)
	}
	sort.Slice(datasets, func(i, j int) bool { return datasets[i] < datasets[j] })

	var out []ChunkRef
	for _, d := range datasets {
		out = append(out, cs.byDataset[d]...)
	}
	return out
}

// Len returns the total number of chunks across all datasets.
func (cs ChunkSet) Len() int {
	n := 0
	for _, list := range cs.byDataset {
		n += len(list)
	}
	return n
}

// Clone returns a deep copy of cs.
func (cs ChunkSet) Clone() ChunkSet {
	out := ChunkSet{byDataset: make(map[Dataset][]ChunkRef, len(cs.byDataset))}
	for d, list := range cs.byDataset {
		cp := make([]ChunkRef, len(list))
		copy(cp, list)
		out.byDataset[d] = cp
	}
	return out
}

// DatasetsIndex maps a dataset URL to the storage locator the downloader
// should use to find its chunks (e.g. an S3 bucket/prefix). Opaque to the
// core beyond being looked up by Dataset.
type DatasetsIndex map[Dataset]string
