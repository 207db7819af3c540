package worker

import (
	"sync"
	"time"

	"gitlab.com/NebulousLabs/fastrand"

	"go.archivegrid.dev/worker/modules"
)

// Retry/backoff policy for failed downloads. spec.md §4.1 leaves the exact
// policy to the implementer ("a bounded retry budget... is applied; after
// exhaustion the chunk is reported in status as failed and no longer
// retried until a new DesiredSet is set"). This implementation uses capped
// exponential backoff with jitter, and gives up on a ChunkRef (marks it
// abandoned, no further retries until forget is called for it) after
// maxConsecutiveFailures.
const (
	baseBackoff            = time.Second
	maxBackoff             = 2 * time.Minute
	maxConsecutiveFailures = 5
)

type backoffState struct {
	failures  int
	retryAt   time.Time
	abandoned bool
}

// backoffTracker records per-ChunkRef failure history so the Reconciler can
// decide whether and when to re-enqueue a download.
type backoffTracker struct {
	mu    sync.Mutex
	state map[modules.ChunkRef]*backoffState
}

func newBackoffTracker() *backoffTracker {
	return &backoffTracker{state: make(map[modules.ChunkRef]*backoffState)}
}

// recordFailure registers a download failure for ref and returns true if
// the ref has now exhausted its retry budget (should be reported failed in
// status and no longer retried until the caller re-adds it to DesiredSet).
func (b *backoffTracker) recordFailure(ref modules.ChunkRef) (exhausted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[ref]
	if !ok {
		s = &backoffState{}
		b.state[ref] = s
	}
	s.failures++
	if s.failures >= maxConsecutiveFailures {
		s.abandoned = true
		return true
	}

	delay := baseBackoff << uint(s.failures-1)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	jitter := time.Duration(fastrand.Intn(int(delay/2) + 1))
	s.retryAt = time.Now().Add(delay + jitter)
	return false
}

// readyToRetry reports whether ref is eligible for re-enqueue right now: it
// has never failed, or its backoff window has elapsed and it has not been
// abandoned.
func (b *backoffTracker) readyToRetry(ref modules.ChunkRef) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.state[ref]
	if !ok {
		return true
	}
	if s.abandoned {
		return false
	}
	return !time.Now().Before(s.retryAt)
}

// forget clears any failure history for ref, called when a fresh DesiredSet
// reintroduces it (spec.md: "no longer retried until a new DesiredSet is
// set").
func (b *backoffTracker) forget(ref modules.ChunkRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, ref)
}

// failed returns every ChunkRef that has exhausted its retry budget, for
// status reporting.
func (b *backoffTracker) failed() []modules.ChunkRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []modules.ChunkRef
	for ref, s := range b.state {
		if s.abandoned {
			out = append(out, ref)
		}
	}
	return out
}
