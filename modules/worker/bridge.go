package worker

import (
	"bytes"
	"compress/gzip"
	"time"

	"github.com/klauspost/cpuid"
	"golang.org/x/crypto/sha3"

	"go.archivegrid.dev/worker/modules"
)

// bridgeJob is one unit of CPU-bound work handed across the blocking
// execution bridge (spec.md §4.4's "Blocking Execution Bridge"): running a
// compiled Plan against every leased chunk and assembling the result.
type bridgeJob struct {
	plan       modules.Plan
	chunkPaths []string
	result     chan bridgeResult
}

type bridgeResult struct {
	ok  modules.QueryOk
	err *modules.QueryError
}

// bridge runs query plans on a fixed-size worker pool separate from the
// async orchestrator goroutines, so a long columnar scan never starves the
// Reconciler or Download Pool's event loops. Pool size defaults to the
// number of physical cores, per spec.md's non-goal on work-stealing: a
// plain fixed worker count is enough.
type bridge struct {
	jobs chan bridgeJob
	done chan struct{}
}

func newBridge() *bridge {
	workers := cpuid.CPU.PhysicalCores
	if workers < 1 {
		workers = 1
	}
	b := &bridge{
		jobs: make(chan bridgeJob, workers*4),
		done: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go b.worker()
	}
	return b
}

func (b *bridge) worker() {
	for {
		select {
		case <-b.done:
			return
		case job := <-b.jobs:
			job.result <- runPlan(job.plan, job.chunkPaths)
		}
	}
}

// submit runs plan against chunkPaths on the bridge's worker pool and blocks
// until the result is ready. A panic inside the plan is recovered and
// reported as ErrKindOther, matching the collaborator's own panic-safety
// requirement in spec.md §9.
func (b *bridge) submit(plan modules.Plan, chunkPaths []string) (modules.QueryOk, *modules.QueryError) {
	resultCh := make(chan bridgeResult, 1)
	b.jobs <- bridgeJob{plan: plan, chunkPaths: chunkPaths, result: resultCh}
	r := <-resultCh
	return r.ok, r.err
}

func (b *bridge) close() {
	close(b.done)
}

// runPlan executes plan against every chunk path in order, concatenating
// row batches into a single JSON array, then gzips and hashes the result —
// matching the original worker's QueryOk construction (flate2 gzip,
// sha3_256 digest, 1 MiB initial buffer capacity for the common case of a
// single mid-sized chunk).
func runPlan(plan modules.Plan, chunkPaths []string) (result bridgeResult) {
	defer func() {
		if p := recover(); p != nil {
			result = bridgeResult{err: modules.NewOtherError(panicError{p})}
		}
	}()

	start := time.Now()

	buf := bytes.NewBuffer(make([]byte, 0, 1<<20))
	buf.WriteByte('[')
	numChunks := 0
	first := true
	for _, path := range chunkPaths {
		rows, err := plan.Execute(path)
		if err != nil {
			return bridgeResult{err: modules.NewOtherError(err)}
		}
		numChunks++
		for _, row := range rows {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			buf.Write(row)
		}
	}
	buf.WriteByte(']')
	raw := buf.Bytes()

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(raw); err != nil {
		return bridgeResult{err: modules.NewOtherError(err)}
	}
	if err := gz.Close(); err != nil {
		return bridgeResult{err: modules.NewOtherError(err)}
	}

	return bridgeResult{ok: modules.QueryOk{
		RawData:        raw,
		CompressedData: compressed.Bytes(),
		DataSize:       len(raw),
		CompressedSize: compressed.Len(),
		DataSha3_256:   sha3.Sum256(raw),
		NumReadChunks:  numChunks,
		ExecDuration:   time.Since(start),
	}}
}

// panicError adapts a recovered panic value to error so it can travel
// through NewOtherError.
type panicError struct{ v interface{} }

func (p panicError) Error() string {
	if err, ok := p.v.(error); ok {
		return err.Error()
	}
	return "panic in query plan execution"
}
