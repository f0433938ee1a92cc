/*
coordinator.go - Per-key serialization for balance mutations

PURPOSE:
  Every mutation for a given user must execute against a serialization
  boundary scoped to that user, so balanceBefore/balanceAfter reflect a
  single linear history. Two concurrent debits reading the same stale
  balance would otherwise silently lose one update.

SCOPE:
  Locks are keyed strings ("user:<id>", "cert:<id>", "wd:<id>"), so
  operations on different users or different certificates proceed fully in
  parallel. There is no global lock.

LOCK ORDER:
  Domain locks (certificate, withdrawal request, gift) are always taken
  BEFORE the user lock, which Apply acquires internally. Never call Apply
  while already holding the same user's lock.
*/
package ledger

import "sync"

// Coordinator hands out mutexes by key. Entries are reference-counted and
// released when the last holder unlocks, so the map doesn't grow unbounded.
type Coordinator struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewCoordinator() *Coordinator {
	return &Coordinator{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns its unlock function.
// Waiters make progress in arrival order; no stronger fairness guaranteed.
func (c *Coordinator) Lock(key string) func() {
	c.mu.Lock()
	e, ok := c.locks[key]
	if !ok {
		e = &lockEntry{}
		c.locks[key] = e
	}
	e.refs++
	c.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		c.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}

// WithLock runs fn while holding the mutex for key.
func (c *Coordinator) WithLock(key string, fn func() error) error {
	unlock := c.Lock(key)
	defer unlock()
	return fn()
}

func userLockKey(id UserID) string { return "user:" + string(id) }
