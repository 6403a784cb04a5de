package lockperf

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mj950425/lock-performance-test/event"
	"github.com/mj950425/lock-performance-test/lock"
)

// fakeLocker records acquisitions and hands out fakeHandles.
type fakeLocker struct {
	mu         sync.Mutex
	acquireErr error
	releaseErr error
	extendErr  error
	acquired   [][]string
	handles    []*fakeHandle
}

func (l *fakeLocker) Acquire(ctx context.Context, keys []string, wait, ttl time.Duration) (lock.LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("lock acquisition interrupted: %w", err)
	}
	if l.acquireErr != nil {
		return nil, l.acquireErr
	}
	l.acquired = append(l.acquired, keys)
	h := &fakeHandle{keys: keys, releaseErr: l.releaseErr, extendErr: l.extendErr}
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLocker) lastHandle() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

type fakeHandle struct {
	mu         sync.Mutex
	keys       []string
	released   int
	extended   int
	extendErr  error
	releaseErr error
}

func (h *fakeHandle) Extend(ctx context.Context, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.extendErr != nil {
		return h.extendErr
	}
	h.extended++
	return nil
}

func (h *fakeHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released++
	return h.releaseErr
}

func (h *fakeHandle) Keys() []string {
	return h.keys
}

func (h *fakeHandle) releaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

func (h *fakeHandle) extendCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.extended
}

// fakeStrategy is an inner strategy with a programmable outcome.
type fakeStrategy struct {
	mu     sync.Mutex
	err    error
	panics bool
	calls  int
}

func (s *fakeStrategy) Name() string { return "fake" }

func (s *fakeStrategy) Deduct(ctx context.Context, req DeductionRequest) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.panics {
		panic("inner strategy panic")
	}
	return s.err
}

func (s *fakeStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testPolicy() LockPolicy {
	return LockPolicy{
		Keys:        ItemIDKeys,
		WaitTimeout: 100 * time.Millisecond,
		LeaseTTL:    time.Second,
		KeyPrefix:   "stock:",
	}
}

func TestNewGuardedStrategyValidation(t *testing.T) {
	inner := &fakeStrategy{}
	locker := &fakeLocker{}

	tests := []struct {
		name   string
		inner  Strategy
		locker lock.Locker
		policy LockPolicy
	}{
		{"nil inner", nil, locker, testPolicy()},
		{"nil locker", inner, nil, testPolicy()},
		{
			"nil key func",
			inner, locker,
			LockPolicy{WaitTimeout: time.Second, LeaseTTL: time.Second},
		},
		{
			"zero wait",
			inner, locker,
			LockPolicy{Keys: ItemIDKeys, LeaseTTL: time.Second},
		},
		{
			"zero lease",
			inner, locker,
			LockPolicy{Keys: ItemIDKeys, WaitTimeout: time.Second},
		},
		{
			"extend period not below lease",
			inner, locker,
			LockPolicy{Keys: ItemIDKeys, WaitTimeout: time.Second, LeaseTTL: time.Second, ExtendPeriod: time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGuardedStrategy(tt.inner, tt.locker, tt.policy)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewGuardedStrategy() error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if _, err := NewGuardedStrategy(inner, locker, testPolicy()); err != nil {
		t.Errorf("valid construction failed: %v", err)
	}
}

func TestGuardedStrategyDeduct(t *testing.T) {
	inner := &fakeStrategy{}
	locker := &fakeLocker{}
	guard, err := NewGuardedStrategy(inner, locker, testPolicy())
	if err != nil {
		t.Fatalf("NewGuardedStrategy() error = %v", err)
	}

	if err := guard.Deduct(context.Background(), DeductionRequest{ItemIDs: []int64{3, 1, 3}}); err != nil {
		t.Fatalf("Deduct() error = %v", err)
	}

	if inner.callCount() != 1 {
		t.Errorf("inner called %d times, want 1", inner.callCount())
	}
	if len(locker.acquired) != 1 {
		t.Fatalf("locker acquired %d times, want 1", len(locker.acquired))
	}
	want := []string{"stock:1", "stock:3"}
	if !reflect.DeepEqual(locker.acquired[0], want) {
		t.Errorf("acquired keys = %v, want %v", locker.acquired[0], want)
	}
	if got := locker.lastHandle().releaseCount(); got != 1 {
		t.Errorf("handle released %d times, want 1", got)
	}
}

func TestGuardedStrategyKeyDerivationFailure(t *testing.T) {
	inner := &fakeStrategy{}
	locker := &fakeLocker{}

	policy := testPolicy()
	policy.Keys = func(req DeductionRequest) ([]int64, error) {
		return nil, errors.New("bad request shape")
	}
	guard, err := NewGuardedStrategy(inner, locker, policy)
	if err != nil {
		t.Fatalf("NewGuardedStrategy() error = %v", err)
	}

	err = guard.Deduct(context.Background(), DeductionRequest{ItemIDs: []int64{1}})
	if !errors.Is(err, ErrKeyDerivation) {
		t.Errorf("Deduct() error = %v, want ErrKeyDerivation", err)
	}
	if inner.callCount() != 0 {
		t.Error("inner strategy should not run when keys cannot be derived")
	}
	if len(locker.acquired) != 0 {
		t.Error("no lock should be attempted when keys cannot be derived")
	}
}

func TestGuardedStrategyEmptyKeySet(t *testing.T) {
	inner := &fakeStrategy{}
	locker := &fakeLocker{}

	policy := testPolicy()
	policy.Keys = func(req DeductionRequest) ([]int64, error) { return nil, nil }
	guard, err := NewGuardedStrategy(inner, locker, policy)
	if err != nil {
		t.Fatalf("NewGuardedStrategy() error = %v", err)
	}

	err = guard.Deduct(context.Background(), DeductionRequest{ItemIDs: []int64{1}})
	if !errors.Is(err, ErrKeyDerivation) {
		t.Errorf("Deduct() error = %v, want ErrKeyDerivation", err)
	}
	if len(locker.acquired) != 0 {
		t.Error("no lock should be attempted for an empty key set")
	}
}

func TestGuardedStrategyAcquisitionFailure(t *testing.T) {
	inner := &fakeStrategy{}
	locker := &fakeLocker{acquireErr: errors.New("key stock:2 contended")}
	guard, err := NewGuardedStrategy(inner, locker, testPolicy())
	if err != nil {
		t.Fatalf("NewGuardedStrategy() error = %v", err)
	}

	err = guard.Deduct(context.Background(), DeductionRequest{ItemIDs: []int64{1, 2}})
	if !errors.Is(err, ErrLockAcquisitionFailed) {
		t.Errorf("Deduct() error = %v, want ErrLockAcquisitionFailed", err)
	}
	if inner.callCount() != 0 {
		t.Error("inner strategy must not run without the lock")
	}
}

func TestGuardedStrategyInterrupted(t *testing.T) {
	inner := &fakeStrategy{}
	locker := &fakeLocker{}
	guard, err := NewGuardedStrategy(inner, locker, testPolicy())
	if err != nil {
		t.Fatalf("NewGuardedStrategy() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = guard.Deduct(ctx, DeductionRequest{ItemIDs: []int64{1}})
	if !errors.Is(err, ErrLockInterrupted) {
		t.Errorf("Deduct() error = %v, want ErrLockInterrupted", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Deduct() error = %v, should wrap context.Canceled", err)
	}
	if inner.callCount() != 0 {
		t.Error("inner strategy must not run after interruption")
	}
}

func TestGuardedStrategyReleasesOnInnerError(t *testing.T) {
	inner := &fakeStrategy{err: errors.New("operation failed")}
	locker := &fakeLocker{}
	guard, err := NewGuardedStrategy(inner, locker, testPolicy())
	if err != nil {
		t.Fatalf("NewGuardedStrategy() error = %v", err)
	}

	if err := guard.Deduct(context.Background(), DeductionRequest{ItemIDs: []int64{1}}); err == nil {
		t.Fatal("Deduct() should propagate inner error")
	}
	if got := locker.lastHandle().releaseCount(); got != 1 {
		t.Errorf("handle released %d times, want 1", got)
	}
}

func TestGuardedStrategyReleasesOnPanic(t *testing.T) {
	inner := &fakeStrategy{panics: true}
	locker := &fakeLocker{}
	guard, err := NewGuardedStrategy(inner, locker, testPolicy())
	if err != nil {
		t.Fatalf("NewGuardedStrategy() error = %v", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic should propagate through the guard")
			}
		}()
		_ = guard.Deduct(context.Background(), DeductionRequest{ItemIDs: []int64{1}})
	}()

	if got := locker.lastHandle().releaseCount(); got != 1 {
		t.Errorf("handle released %d times after panic, want 1", got)
	}
}

func TestGuardedStrategyLeaseExtension(t *testing.T) {
	done := make(chan struct{})
	inner := &blockingStrategy{release: done}
	locker := &fakeLocker{}

	policy := testPolicy()
	policy.ExtendPeriod = 10 * time.Millisecond
	guard, err := NewGuardedStrategy(inner, locker, policy)
	if err != nil {
		t.Fatalf("NewGuardedStrategy() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- guard.Deduct(context.Background(), DeductionRequest{ItemIDs: []int64{1}})
	}()

	// Let a few extension ticks fire while the inner operation is running.
	time.Sleep(60 * time.Millisecond)
	close(done)
	if err := <-errCh; err != nil {
		t.Fatalf("Deduct() error = %v", err)
	}

	if got := locker.lastHandle().extendCount(); got == 0 {
		t.Error("lease was never extended while the operation ran")
	}
	if got := locker.lastHandle().releaseCount(); got != 1 {
		t.Errorf("handle released %d times, want 1", got)
	}
}

// blockingStrategy holds Deduct open until release is closed.
type blockingStrategy struct {
	release chan struct{}
}

func (s *blockingStrategy) Name() string { return "blocking" }

func (s *blockingStrategy) Deduct(ctx context.Context, req DeductionRequest) error {
	<-s.release
	return nil
}

// eventRecorder captures every event published on a bus, in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func newEventRecorder(bus *event.MemoryEventBus) *eventRecorder {
	r := &eventRecorder{}
	bus.SubscribeAll(func(ctx context.Context, e event.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
		return nil
	})
	return r
}

func (r *eventRecorder) find(eventType event.EventType) (event.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == eventType {
			return e, true
		}
	}
	return event.Event{}, false
}

func (r *eventRecorder) stateOf(t *testing.T, eventType event.EventType) CallState {
	t.Helper()
	e, ok := r.find(eventType)
	if !ok {
		t.Fatalf("no %s event published", eventType)
	}
	state, ok := e.Data["call_state"].(CallState)
	if !ok {
		t.Fatalf("%s event carries no call state", eventType)
	}
	return state
}

// Every event the guard publishes carries the call's lifecycle state, so a
// subscriber can follow a single call from lock grant to its terminal state.
func TestGuardedStrategyCallStateOnEvents(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		bus := event.NewMemoryEventBus()
		rec := newEventRecorder(bus)
		guard, err := NewGuardedStrategy(&fakeStrategy{}, &fakeLocker{}, testPolicy(), WithGuardEventBus(bus))
		if err != nil {
			t.Fatalf("NewGuardedStrategy() error = %v", err)
		}

		if err := guard.Deduct(context.Background(), DeductionRequest{ItemIDs: []int64{1}}); err != nil {
			t.Fatalf("Deduct() error = %v", err)
		}

		if got := rec.stateOf(t, event.EventLockAcquired); got != CallStateLockAcquired {
			t.Errorf("lock.acquired state = %s, want %s", got, CallStateLockAcquired)
		}
		final := rec.stateOf(t, event.EventLockReleased)
		if final != CallStateCompleted {
			t.Errorf("lock.released state = %s, want %s", final, CallStateCompleted)
		}
		if !IsCallTerminal(final) {
			t.Errorf("final state %s should be terminal", final)
		}
	})

	t.Run("inner failure", func(t *testing.T) {
		bus := event.NewMemoryEventBus()
		rec := newEventRecorder(bus)
		inner := &fakeStrategy{err: errors.New("operation failed")}
		guard, err := NewGuardedStrategy(inner, &fakeLocker{}, testPolicy(), WithGuardEventBus(bus))
		if err != nil {
			t.Fatalf("NewGuardedStrategy() error = %v", err)
		}

		if err := guard.Deduct(context.Background(), DeductionRequest{ItemIDs: []int64{1}}); err == nil {
			t.Fatal("Deduct() should propagate inner error")
		}

		final := rec.stateOf(t, event.EventLockReleased)
		if final != CallStateFailed {
			t.Errorf("lock.released state = %s, want %s", final, CallStateFailed)
		}
		if IsCallRejection(final) {
			t.Errorf("a failure inside the operation is not a rejection, got %s", final)
		}
	})

	t.Run("lock contention", func(t *testing.T) {
		bus := event.NewMemoryEventBus()
		rec := newEventRecorder(bus)
		locker := &fakeLocker{acquireErr: errors.New("key stock:1 contended")}
		guard, err := NewGuardedStrategy(&fakeStrategy{}, locker, testPolicy(), WithGuardEventBus(bus))
		if err != nil {
			t.Fatalf("NewGuardedStrategy() error = %v", err)
		}

		if err := guard.Deduct(context.Background(), DeductionRequest{ItemIDs: []int64{1}}); !errors.Is(err, ErrLockAcquisitionFailed) {
			t.Fatalf("Deduct() error = %v, want ErrLockAcquisitionFailed", err)
		}

		got := rec.stateOf(t, event.EventLockFailed)
		if got != CallStateRejected {
			t.Errorf("lock.failed state = %s, want %s", got, CallStateRejected)
		}
		if !IsCallRejection(got) {
			t.Errorf("state %s should count as a rejection", got)
		}
	})

	t.Run("interrupted", func(t *testing.T) {
		bus := event.NewMemoryEventBus()
		rec := newEventRecorder(bus)
		guard, err := NewGuardedStrategy(&fakeStrategy{}, &fakeLocker{}, testPolicy(), WithGuardEventBus(bus))
		if err != nil {
			t.Fatalf("NewGuardedStrategy() error = %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := guard.Deduct(ctx, DeductionRequest{ItemIDs: []int64{1}}); !errors.Is(err, ErrLockInterrupted) {
			t.Fatalf("Deduct() error = %v, want ErrLockInterrupted", err)
		}

		got := rec.stateOf(t, event.EventLockInterrupted)
		if got != CallStateInterrupted {
			t.Errorf("lock.interrupted state = %s, want %s", got, CallStateInterrupted)
		}
	})
}

// A failed release must not fail the call, but the released event has to
// carry the wrapped error so subscribers can match on it.
func TestGuardedStrategyReleaseFailureWrapped(t *testing.T) {
	bus := event.NewMemoryEventBus()
	rec := newEventRecorder(bus)
	locker := &fakeLocker{releaseErr: errors.New("backend unreachable")}
	guard, err := NewGuardedStrategy(&fakeStrategy{}, locker, testPolicy(), WithGuardEventBus(bus))
	if err != nil {
		t.Fatalf("NewGuardedStrategy() error = %v", err)
	}

	if err := guard.Deduct(context.Background(), DeductionRequest{ItemIDs: []int64{1}}); err != nil {
		t.Fatalf("release failure must not fail the call, got %v", err)
	}

	released, ok := rec.find(event.EventLockReleased)
	if !ok {
		t.Fatal("no lock.released event published")
	}
	if !errors.Is(released.Error, ErrLockReleaseFailed) {
		t.Errorf("released event error = %v, want ErrLockReleaseFailed", released.Error)
	}
}

// Lease renewal failures surface on the event stream wrapped in
// ErrLockExtensionFailed while the operation keeps running.
func TestGuardedStrategyExtensionFailureWrapped(t *testing.T) {
	done := make(chan struct{})
	bus := event.NewMemoryEventBus()
	rec := newEventRecorder(bus)
	locker := &fakeLocker{extendErr: errors.New("lease gone")}

	policy := testPolicy()
	policy.ExtendPeriod = 5 * time.Millisecond
	guard, err := NewGuardedStrategy(&blockingStrategy{release: done}, locker, policy, WithGuardEventBus(bus))
	if err != nil {
		t.Fatalf("NewGuardedStrategy() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- guard.Deduct(context.Background(), DeductionRequest{ItemIDs: []int64{1}})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if e, ok := rec.find(event.EventLeaseExtendFailed); ok {
			if !errors.Is(e.Error, ErrLockExtensionFailed) {
				t.Errorf("extend failure event error = %v, want ErrLockExtensionFailed", e.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			close(done)
			t.Fatal("no lease.extend_failed event observed")
		}
		time.Sleep(time.Millisecond)
	}

	close(done)
	if err := <-errCh; err != nil {
		t.Fatalf("Deduct() error = %v", err)
	}
}
