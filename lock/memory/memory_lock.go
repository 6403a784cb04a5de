// Package memory implements the lock.Locker interface in process memory.
// It shares lease and wait semantics with the Redis locker and backs the
// concurrency scenarios that need no external registry.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mj950425/lock-performance-test/lock"

	"github.com/google/uuid"
)

// Ensure MemoryLocker implements lock.Locker
var _ lock.Locker = (*MemoryLocker)(nil)

// MemoryLocker implements multi-key locking with a single process-wide table.
type MemoryLocker struct {
	mu            sync.Mutex
	locks         map[string]*lockEntry
	retryInterval time.Duration
}

type lockEntry struct {
	holder    string
	expiresAt time.Time
}

// Option is a functional option for configuring MemoryLocker
type Option func(*MemoryLocker)

// WithRetryInterval sets the interval between acquisition attempts while
// waiting for contended keys
func WithRetryInterval(interval time.Duration) Option {
	return func(l *MemoryLocker) {
		l.retryInterval = interval
	}
}

// NewMemoryLocker creates a new in-process locker
func NewMemoryLocker(opts ...Option) *MemoryLocker {
	l := &MemoryLocker{
		locks:         make(map[string]*lockEntry),
		retryInterval: 5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire acquires locks on the given keys as one all-or-nothing unit.
// The whole key set is claimed under one mutex hold, so a caller can never
// observe another caller holding a strict subset.
func (l *MemoryLocker) Acquire(ctx context.Context, keys []string, wait, ttl time.Duration) (lock.LockHandle, error) {
	if len(keys) == 0 {
		return nil, errors.New("no keys provided")
	}

	sortedKeys := make([]string, len(keys))
	copy(sortedKeys, keys)
	sort.Strings(sortedKeys)

	holder := uuid.New().String()

	deadline := time.Now().Add(wait)
	for {
		contended, ok := l.tryAcquireAll(sortedKeys, holder, ttl)
		if ok {
			return &memoryLockHandle{locker: l, keys: sortedKeys, holder: holder}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("lock acquisition failed for key %s: lock is held by another holder", contended)
		}

		pause := l.retryInterval
		if pause > remaining {
			pause = remaining
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock acquisition interrupted: %w", ctx.Err())
		case <-time.After(pause):
		}
	}
}

// tryAcquireAll claims every key or none. Expired entries count as free.
func (l *MemoryLocker) tryAcquireAll(keys []string, holder string, ttl time.Duration) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for _, key := range keys {
		if entry, exists := l.locks[key]; exists && now.Before(entry.expiresAt) {
			return key, false
		}
	}

	expiresAt := now.Add(ttl)
	for _, key := range keys {
		l.locks[key] = &lockEntry{holder: holder, expiresAt: expiresAt}
	}
	return "", true
}

// Ensure memoryLockHandle implements lock.LockHandle
var _ lock.LockHandle = (*memoryLockHandle)(nil)

type memoryLockHandle struct {
	locker *MemoryLocker
	keys   []string
	holder string
	mu     sync.Mutex
}

// Extend extends the TTL of all held locks. It fails if any member expired
// and was reassigned to another holder.
func (h *memoryLockHandle) Extend(ctx context.Context, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	now := time.Now()
	for _, key := range h.keys {
		entry, exists := h.locker.locks[key]
		if !exists || entry.holder != h.holder || !now.Before(entry.expiresAt) {
			return fmt.Errorf("failed to extend lock %s: lock not held or expired", key)
		}
	}

	expiresAt := now.Add(ttl)
	for _, key := range h.keys {
		h.locker.locks[key].expiresAt = expiresAt
	}
	return nil
}

// Release releases all held locks, leaving alone any member that expired and
// was reassigned. Safe to call more than once.
func (h *memoryLockHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	for _, key := range h.keys {
		if entry, exists := h.locker.locks[key]; exists && entry.holder == h.holder {
			delete(h.locker.locks, key)
		}
	}
	return nil
}

// Keys returns the keys that are locked
func (h *memoryLockHandle) Keys() []string {
	keys := make([]string, len(h.keys))
	copy(keys, h.keys)
	return keys
}
