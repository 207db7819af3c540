// Package allocation provides reference implementations of
// modules.AllocationChecker, the optional credit-enforcement collaborator
// spec.md §6 leaves external to the core.
package allocation

import (
	"sync"

	"go.archivegrid.dev/worker/modules"
)

// Noop treats every client as having sufficient credit. Used when no
// allocation checker is configured.
type Noop struct{}

// TrySpend implements modules.AllocationChecker.
func (Noop) TrySpend(string) (modules.SpendResult, error) {
	return modules.Spent, nil
}

// Balances is an in-memory, per-client compute-unit balance tracker. Each
// successful query spends one unit; a client with zero balance left is
// denied with NotEnoughCU, and an empty client_id is always granted
// (spec.md §6: "If not configured, all queries are Spent" — the same
// applies to anonymous callers here).
type Balances struct {
	mu    sync.Mutex
	units map[string]int64
}

// NewBalances builds a tracker with no clients registered; Grant must be
// called before a client_id can spend.
func NewBalances() *Balances {
	return &Balances{units: make(map[string]int64)}
}

// Grant adds units to clientID's balance (negative to revoke).
func (b *Balances) Grant(clientID string, units int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.units[clientID] += units
}

// TrySpend implements modules.AllocationChecker.
func (b *Balances) TrySpend(clientID string) (modules.SpendResult, error) {
	if clientID == "" {
		return modules.Spent, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.units[clientID] <= 0 {
		return modules.NotEnoughCU, nil
	}
	b.units[clientID]--
	return modules.Spent, nil
}
