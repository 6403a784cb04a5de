package lockperf

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/mj950425/lock-performance-test/event"
	"github.com/mj950425/lock-performance-test/lock"
	"github.com/mj950425/lock-performance-test/metrics"
	"github.com/mj950425/lock-performance-test/tracing"
)

// LockPolicy describes how a guarded call derives and holds its locks.
type LockPolicy struct {
	// Keys derives the lock key set from the request.
	Keys KeyFunc

	// WaitTimeout bounds how long acquisition may block before giving up.
	WaitTimeout time.Duration

	// LeaseTTL is the lifetime granted to each acquired lock.
	LeaseTTL time.Duration

	// ExtendPeriod, when positive, enables a background heartbeat that
	// renews the lease every ExtendPeriod while the call runs. When zero,
	// the lease must outlive the slowest protected operation or another
	// caller can enter the critical section before this one finishes.
	ExtendPeriod time.Duration

	// KeyPrefix namespaces the derived keys in the lock backend.
	KeyPrefix string
}

// Validate checks the policy for configuration mistakes.
func (p LockPolicy) Validate() error {
	if p.Keys == nil {
		return fmt.Errorf("%w: key derivation function is required", ErrInvalidConfig)
	}
	if p.WaitTimeout <= 0 {
		return fmt.Errorf("%w: wait timeout must be positive", ErrInvalidConfig)
	}
	if p.LeaseTTL <= 0 {
		return fmt.Errorf("%w: lease ttl must be positive", ErrInvalidConfig)
	}
	if p.ExtendPeriod < 0 {
		return fmt.Errorf("%w: extend period cannot be negative", ErrInvalidConfig)
	}
	if p.ExtendPeriod > 0 && p.ExtendPeriod >= p.LeaseTTL {
		return fmt.Errorf("%w: extend period %v must be shorter than lease ttl %v", ErrInvalidConfig, p.ExtendPeriod, p.LeaseTTL)
	}
	return nil
}

// GuardedStrategy decorates an inner Strategy with all-or-nothing multi-key
// locking. Every Deduct call derives its key set, acquires all locks within
// the wait bound, runs the inner strategy, and releases the locks on every
// exit path including panic.
type GuardedStrategy struct {
	inner   Strategy
	locker  lock.Locker
	policy  LockPolicy
	events  event.EventBus
	metrics metrics.Metrics
	tracer  tracing.Tracer
}

// Ensure GuardedStrategy implements Strategy
var _ Strategy = (*GuardedStrategy)(nil)

// GuardOption is a functional option for configuring GuardedStrategy.
type GuardOption func(*GuardedStrategy)

// WithGuardEventBus sets the event bus.
func WithGuardEventBus(events event.EventBus) GuardOption {
	return func(g *GuardedStrategy) {
		g.events = events
	}
}

// WithGuardMetrics sets the metrics sink.
func WithGuardMetrics(m metrics.Metrics) GuardOption {
	return func(g *GuardedStrategy) {
		g.metrics = m
	}
}

// WithGuardTracer sets the tracer.
func WithGuardTracer(t tracing.Tracer) GuardOption {
	return func(g *GuardedStrategy) {
		g.tracer = t
	}
}

// NewGuardedStrategy wraps inner with lock acquisition per policy.
// The policy is validated here so a misconfigured guard fails at
// construction rather than on the first call.
func NewGuardedStrategy(inner Strategy, locker lock.Locker, policy LockPolicy, opts ...GuardOption) (*GuardedStrategy, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: inner strategy is required", ErrInvalidConfig)
	}
	if locker == nil {
		return nil, fmt.Errorf("%w: locker is required", ErrInvalidConfig)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	g := &GuardedStrategy{
		inner:   inner,
		locker:  locker,
		policy:  policy,
		events:  event.NewNoOpEventBus(),
		metrics: &metrics.NoopMetrics{},
		tracer:  &tracing.NoopTracer{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Name returns the inner strategy's name.
func (g *GuardedStrategy) Name() string {
	return g.inner.Name()
}

// Deduct acquires every lock named by the policy's key set, then delegates
// to the inner strategy. If any single lock cannot be acquired within the
// wait bound the call is rejected without touching the store. Each call
// moves through the call state machine and the current state rides along
// on every published event under the "call_state" data key.
func (g *GuardedStrategy) Deduct(ctx context.Context, req DeductionRequest) (err error) {
	ctx, span := g.tracer.StartDeduction(ctx, g.Name(), req.ItemIDs)
	defer func() {
		span.SetError(err)
		span.End()
	}()

	call := newCallTracker()

	keys, err := g.policy.Keys(req)
	if err != nil {
		call.to(CallStateRejected)
		g.metrics.KeyDerivationFailed()
		return fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	if len(keys) == 0 {
		call.to(CallStateRejected)
		g.metrics.KeyDerivationFailed()
		return fmt.Errorf("%w: derived empty key set", ErrKeyDerivation)
	}
	call.to(CallStateKeysDerived)

	names := g.lockNames(keys)

	lockCtx, lockSpan := g.tracer.StartLockAcquire(ctx, names)
	acquireStart := time.Now()
	handle, err := g.locker.Acquire(lockCtx, names, g.policy.WaitTimeout, g.policy.LeaseTTL)
	lockSpan.SetError(err)
	lockSpan.End()
	if err != nil {
		if ctx.Err() != nil {
			g.metrics.LockInterrupted()
			g.events.Publish(ctx, event.NewEvent(event.EventLockInterrupted).
				WithStrategy(g.Name()).
				WithLockKeys(names).
				WithData("call_state", call.to(CallStateInterrupted)).
				WithError(err))
			return fmt.Errorf("%w: %w", ErrLockInterrupted, ctx.Err())
		}
		g.metrics.LockFailed("contention")
		g.events.Publish(ctx, event.NewEvent(event.EventLockFailed).
			WithStrategy(g.Name()).
			WithLockKeys(names).
			WithData("call_state", call.to(CallStateRejected)).
			WithError(err))
		return fmt.Errorf("%w: %v", ErrLockAcquisitionFailed, err)
	}

	g.metrics.LockAcquired(time.Since(acquireStart))
	g.events.Publish(ctx, event.NewEvent(event.EventLockAcquired).
		WithStrategy(g.Name()).
		WithLockKeys(names).
		WithData("call_state", call.to(CallStateLockAcquired)))

	// Release must run even when the caller's context is already canceled.
	releaseCtx := context.WithoutCancel(ctx)
	defer func() {
		released := event.NewEvent(event.EventLockReleased).
			WithStrategy(g.Name()).
			WithLockKeys(names)
		if relErr := handle.Release(releaseCtx); relErr != nil {
			relErr = fmt.Errorf("%w: %v", ErrLockReleaseFailed, relErr)
			log.Printf("[%s] %v for keys %v", g.Name(), relErr, names)
			released = released.WithError(relErr)
		} else {
			g.metrics.LockReleased()
		}
		g.events.Publish(releaseCtx, released.WithData("call_state", call.current()))
	}()

	if g.policy.ExtendPeriod > 0 {
		stopExtender := g.startLeaseExtender(releaseCtx, handle, names)
		defer stopExtender()
	}

	call.to(CallStateInTransaction)
	err = g.inner.Deduct(ctx, req)
	switch {
	case err == nil:
		call.to(CallStateCompleted)
	case ctx.Err() != nil:
		call.to(CallStateInterrupted)
	default:
		call.to(CallStateFailed)
	}
	return err
}

// lockNames converts derived ids into deduplicated, prefixed lock keys.
// Dedup matters: locking the same key twice in one call would deadlock
// against itself.
func (g *GuardedStrategy) lockNames(keys []int64) []string {
	seen := make(map[int64]struct{}, len(keys))
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		names = append(names, g.policy.KeyPrefix+strconv.FormatInt(k, 10))
	}
	return names
}

// startLeaseExtender renews the lease on a fixed period until the returned
// stop function is called.
func (g *GuardedStrategy) startLeaseExtender(ctx context.Context, handle lock.LockHandle, names []string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(g.policy.ExtendPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := handle.Extend(ctx, g.policy.LeaseTTL); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					err = fmt.Errorf("%w: %v", ErrLockExtensionFailed, err)
					g.metrics.LeaseExtendFailed()
					g.events.Publish(ctx, event.NewEvent(event.EventLeaseExtendFailed).
						WithStrategy(g.Name()).
						WithLockKeys(names).
						WithError(err))
					log.Printf("[%s] %v for keys %v", g.Name(), err, names)
					continue
				}
				g.metrics.LeaseExtended()
				g.events.Publish(ctx, event.NewEvent(event.EventLeaseExtended).
					WithStrategy(g.Name()).
					WithLockKeys(names))
			}
		}
	}()
	return func() { close(done) }
}
