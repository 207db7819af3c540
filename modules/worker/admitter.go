package worker

import (
	"sync"

	"go.archivegrid.dev/worker/modules"
)

// admitter bounds the number of concurrently running queries, per spec.md
// §4.4. Admission is a single atomic check-and-increment; release happens
// on every exit path via the scope guard returned by tryAdmit, including
// panic unwind.
type admitter struct {
	mu      sync.Mutex
	running int
	limit   int
}

func newAdmitter(limit int) *admitter {
	if limit < 1 {
		limit = 1
	}
	return &admitter{limit: limit}
}

// admission is a scope-bound slot. Release is idempotent and safe to call
// from a deferred panic-recovery path, matching the lease-guard discipline
// used elsewhere in this package.
type admission struct {
	a        *admitter
	once     sync.Once
	released bool
}

// tryAdmit attempts to claim one of the bounded query slots. On success it
// returns a released-exactly-once guard; on failure it returns
// ServiceOverloaded with no guard to release.
func (a *admitter) tryAdmit() (*admission, *modules.QueryError) {
	a.mu.Lock()
	if a.running >= a.limit {
		a.mu.Unlock()
		return nil, modules.NewServiceOverloadedError()
	}
	a.running++
	a.mu.Unlock()
	return &admission{a: a}, nil
}

// release frees the slot. Safe to call multiple times; only the first call
// has an effect.
func (g *admission) release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		g.a.mu.Lock()
		g.a.running--
		g.a.mu.Unlock()
	})
}

// runningCount reports the current number of admitted queries, for status
// snapshots.
func (a *admitter) runningCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
