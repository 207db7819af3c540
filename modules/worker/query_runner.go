package worker

import (
	"go.archivegrid.dev/worker/modules"
)

// RunQuery is the single async entry point for query execution (spec.md
// §4.4). It admits, validates, leases, executes, and always releases both
// the admission slot and the lease guard on every return path.
func (w *Worker) RunQuery(raw []byte, dataset modules.Dataset, clientID string) (modules.QueryOk, *modules.QueryError) {
	slot, admitErr := w.admitter.tryAdmit()
	if admitErr != nil {
		return modules.QueryOk{}, admitErr
	}
	defer slot.release()

	query, err := w.executor.Parse(raw)
	if err != nil {
		return modules.QueryOk{}, modules.NewBadRequestError(err.Error())
	}
	firstBlock, ok := query.FirstBlock()
	if !ok {
		return modules.QueryOk{}, modules.NewBadRequestError("query is missing first_block")
	}

	if result, err := w.allocation.TrySpend(clientID); err != nil {
		return modules.QueryOk{}, modules.NewOtherError(err)
	} else if result == modules.NotEnoughCU {
		return modules.QueryOk{}, modules.NewNoAllocationError()
	}

	guard := w.idx.findChunks(dataset, firstBlock)
	defer guard.Release()
	if guard.Empty() {
		return modules.QueryOk{}, modules.NewNotFoundError()
	}

	plan, err := query.Compile()
	if err != nil {
		return modules.QueryOk{}, modules.NewOtherError(err)
	}

	paths := make([]string, 0, len(guard.Chunks()))
	for _, ref := range guard.Chunks() {
		paths = append(paths, chunkPath(w.dataDir, ref))
	}

	return w.bridge.submit(plan, paths)
}
