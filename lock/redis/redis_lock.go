// Package redis implements the lock.Locker interface on a shared Redis
// instance, the remote lock registry all callers contend on.
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mj950425/lock-performance-test/lock"

	"github.com/redis/go-redis/v9"
)

// Ensure RedisLocker implements lock.Locker
var _ lock.Locker = (*RedisLocker)(nil)

// Ensure redisLockHandle implements lock.LockHandle
var _ lock.LockHandle = (*redisLockHandle)(nil)

// RedisLocker implements distributed locking using Redis.
// Lock names are content-derived, so any two callers deriving the same key
// set contend on the same Redis keys by construction.
type RedisLocker struct {
	client        redis.Cmdable
	prefix        string
	retryInterval time.Duration
}

// Option is a functional option for configuring RedisLocker
type Option func(*RedisLocker)

// WithPrefix sets the key prefix for locks
func WithPrefix(prefix string) Option {
	return func(l *RedisLocker) {
		l.prefix = prefix
	}
}

// WithRetryInterval sets the interval between acquisition attempts while
// waiting for contended keys
func WithRetryInterval(interval time.Duration) Option {
	return func(l *RedisLocker) {
		l.retryInterval = interval
	}
}

// NewRedisLocker creates a new Redis-based distributed locker
func NewRedisLocker(client redis.Cmdable, opts ...Option) *RedisLocker {
	l := &RedisLocker{
		client:        client,
		prefix:        "lockperf:",
		retryInterval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire acquires locks on the given keys as one all-or-nothing unit.
// Keys are sorted before acquisition to fix a global order across callers.
// Contended attempts are retried every retryInterval until wait elapses;
// each attempt that fails releases whatever it had taken, so no partial
// lock outlives a failed acquisition.
func (l *RedisLocker) Acquire(ctx context.Context, keys []string, wait, ttl time.Duration) (lock.LockHandle, error) {
	if len(keys) == 0 {
		return nil, errors.New("no keys provided")
	}

	sortedKeys := make([]string, len(keys))
	copy(sortedKeys, keys)
	sort.Strings(sortedKeys)

	// Unique token per holder so release and extend only touch our own locks
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate lock token: %w", err)
	}

	deadline := time.Now().Add(wait)
	for {
		handle, contended, err := l.tryAcquireAll(ctx, sortedKeys, token, ttl)
		if err != nil {
			return nil, err
		}
		if handle != nil {
			return handle, nil
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

// tryAcquireAll makes one pass over the sorted keys. It returns a handle when
// every key was taken, the contended key name when some key was held by
// another holder, or an error on a Redis failure. In the latter two cases any
// locks taken during the pass are released before returning.
func (l *RedisLocker) tryAcquireAll(ctx context.Context, sortedKeys []string, token string, ttl time.Duration) (*redisLockHandle, string, error) {
	handle := &redisLockHandle{
		client:   l.client,
		prefix:   l.prefix,
		token:    token,
		acquired: make([]string, 0, len(sortedKeys)),
	}

	for _, key := range sortedKeys {
		lockKey := l.prefix + key
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			handle.Release(ctx)
			return nil, "", fmt.Errorf("lock acquisition failed for key %s: %w", key, err)
		}
		if !ok {
			handle.Release(ctx)
			return nil, key, nil
		}
		handle.acquired = append(handle.acquired, key)
	}

	return handle, "", nil
}

// redisLockHandle represents a handle to acquired Redis locks
type redisLockHandle struct {
	client   redis.Cmdable
	prefix   string
	token    string   // Unique token for this lock holder
	acquired []string // Keys that were successfully acquired
	mu       sync.Mutex
}

// Extend extends the TTL of all held locks
func (h *redisLockHandle) Extend(ctx context.Context, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.acquired) == 0 {
		return errors.New("no locks held")
	}

	var extendErr error
	for _, key := range h.acquired {
		lockKey := h.prefix + key
		if err := h.extendSingle(ctx, lockKey, ttl); err != nil {
			extendErr = errors.Join(extendErr, fmt.Errorf("failed to extend lock %s: %w", key, err))
		}
	}

	return extendErr
}

// extendSingle extends a single lock using a Lua script so the check-and-expire
// is atomic and only touches locks we still hold
func (h *redisLockHandle) extendSingle(ctx context.Context, key string, ttl time.Duration) error {
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, h.client, []string{key}, h.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if result == 0 {
		return errors.New("lock not held or expired")
	}
	return nil
}

// Release releases all held locks.
// Attempts to release every member even if some releases fail, and is a no-op
// on an already released handle.
func (h *redisLockHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.acquired) == 0 {
		return nil
	}

	var releaseErr error
	for i := len(h.acquired) - 1; i >= 0; i-- {
		key := h.acquired[i]
		lockKey := h.prefix + key
		if err := h.releaseSingle(ctx, lockKey); err != nil {
			releaseErr = errors.Join(releaseErr, fmt.Errorf("failed to release lock %s: %w", key, err))
		}
	}

	// Clear acquired locks regardless of errors
	h.acquired = nil

	return releaseErr
}

// releaseSingle releases a single lock using a Lua script so expired locks
// reassigned to another holder are left alone
func (h *redisLockHandle) releaseSingle(ctx context.Context, key string) error {
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)

	_, err := script.Run(ctx, h.client, []string{key}, h.token).Result()
	return err
}

// Keys returns the keys that are locked
func (h *redisLockHandle) Keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.acquired == nil {
		return nil
	}

	keys := make([]string, len(h.acquired))
	copy(keys, h.acquired)
	return keys
}

// generateToken generates a unique token for lock ownership
func generateToken() (string, error) {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
