// ABOUTME: Per-conversation mutual exclusion so concurrent sends cannot interleave.
// ABOUTME: Locks are created lazily and evicted when the last interested caller leaves.

package convlock

import (
	"context"
	"log/slog"
	"sync"
)

// entry is one conversation's lock. sem carries the lock token: a buffered
// send acquires, a receive releases. refs counts callers that hold or are
// waiting on the lock, so eviction never removes an entry mid-acquisition.
type entry struct {
	sem  chan struct{}
	refs int
}

// Manager hands out per-conversation locks keyed by conversation id.
// Callers must pair every successful Acquire with exactly one Release on
// all exit paths; releasing a lock that is not held is a programming error
// and panics.
type Manager struct {
	mu     sync.Mutex
	locks  map[string]*entry
	logger *slog.Logger
}

// NewManager creates an empty lock manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		locks:  make(map[string]*entry),
		logger: logger.With("component", "convlock"),
	}
}

// Acquire blocks until the lock for conversationID is free or ctx is done.
// The entry is created on first touch; the create-or-reuse decision happens
// under the manager mutex so concurrent first acquisitions share one lock.
func (m *Manager) Acquire(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	e, ok := m.locks[conversationID]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.locks[conversationID] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.unref(conversationID, e)
		return ctx.Err()
	}
}

// Release unlocks the conversation. Panics if the lock is not currently
// held: a release without a matching acquire means a caller's scoped
// acquire/release discipline is broken, and silently continuing would let
// two critical sections overlap.
func (m *Manager) Release(conversationID string) {
	m.mu.Lock()
	e, ok := m.locks[conversationID]
	m.mu.Unlock()

	if !ok {
		panic("convlock: release of unheld conversation lock " + conversationID)
	}

	select {
	case <-e.sem:
	default:
		panic("convlock: release of unheld conversation lock " + conversationID)
	}

	m.unref(conversationID, e)
}

// unref drops one reference and evicts the entry once nobody holds or
// waits on it. A later Acquire simply recreates the lock.
func (m *Manager) unref(conversationID string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.locks, conversationID)
	}
}

// Len reports how many conversation locks currently exist. Used by tests
// to verify idle locks are evicted.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
