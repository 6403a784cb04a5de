// Package lock defines the distributed multi-lock contract used to serialize
// deductions that touch overlapping stock records.
package lock

import (
	"context"
	"time"
)

// Locker is the distributed lock interface.
// It acquires one named lock per key and composes them into a single
// all-or-nothing unit.
type Locker interface {
	// Acquire acquires locks on the given keys as one atomic unit.
	// Keys are sorted before acquisition to prevent deadlocks. Acquisition is
	// retried until every key is obtainable or wait elapses; a wait of zero
	// means a single attempt. On failure no constituent lock is retained.
	// Held locks expire after ttl unless extended or released.
	// Cancellation of ctx is returned wrapping ctx.Err().
	Acquire(ctx context.Context, keys []string, wait, ttl time.Duration) (LockHandle, error)
}

// LockHandle represents a handle to acquired locks.
type LockHandle interface {
	// Extend extends the TTL of all held locks.
	Extend(ctx context.Context, ttl time.Duration) error

	// Release releases all held locks. It attempts every member even if some
	// releases fail, and is safe to call on an already released or expired
	// handle.
	Release(ctx context.Context) error

	// Keys returns the keys that are locked.
	Keys() []string
}
