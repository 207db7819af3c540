package modules

// BlockRange is an inclusive, coalesced run of Ready blocks within a
// dataset, used for the run-length status summary sent on pings.
type BlockRange struct {
	Begin BlockNumber `json:"begin"`
	End   BlockNumber `json:"end"`
}

// DatasetRanges pairs a dataset with the coalesced Ready ranges held for it.
type DatasetRanges struct {
	Dataset Dataset      `json:"dataset"`
	Ranges  []BlockRange `json:"ranges"`
}

// Status is the point-in-time snapshot reported on pings.
type Status struct {
	Datasets          []DatasetRanges `json:"datasets"`
	StorageBytes      uint64          `json:"storageBytes"`
	InFlightDownloads int             `json:"inFlightDownloads"`
	FailedChunks      int             `json:"failedChunks"`
	RunningQueries    int             `json:"runningQueries"`
}

// CoalesceRanges sorts and merges a set of ChunkRefs within one dataset into
// the minimal set of contiguous BlockRanges. Adjacent and overlapping chunks
// are merged into a single range.
func CoalesceRanges(chunks []ChunkRef) []BlockRange {
	if len(chunks) == 0 {
		return nil
	}
	sorted := make([]ChunkRef, len(chunks))
	copy(sorted, chunks)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].FirstBlock < sorted[j-1].FirstBlock; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	ranges := make([]BlockRange, 0, len(sorted))
	cur := BlockRange{Begin: sorted[0].FirstBlock, End: sorted[0].LastBlock}
	for _, c := range sorted[1:] {
		if c.FirstBlock <= cur.End+1 {
			if c.LastBlock > cur.End {
				cur.End = c.LastBlock
			}
			continue
		}
		ranges = append(ranges, cur)
		cur = BlockRange{Begin: c.FirstBlock, End: c.LastBlock}
	}
	ranges = append(ranges, cur)
	return ranges
}
