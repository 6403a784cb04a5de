package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryLockerAcquireRelease(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, []string{"stock:1", "stock:2"}, 0, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got := len(handle.Keys()); got != 2 {
		t.Errorf("Keys() len = %d, want 2", got)
	}

	// Second holder cannot get an overlapping set while the first holds it.
	if _, err := locker.Acquire(ctx, []string{"stock:2", "stock:3"}, 0, time.Second); err == nil {
		t.Error("overlapping Acquire() should fail while locks are held")
	}

	// And the failed attempt must not leave stock:3 behind.
	h3, err := locker.Acquire(ctx, []string{"stock:3"}, 0, time.Second)
	if err != nil {
		t.Fatalf("stock:3 should be free after the failed overlapping attempt: %v", err)
	}
	_ = h3.Release(ctx)

	if err := handle.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	// Released keys are immediately acquirable.
	h2, err := locker.Acquire(ctx, []string{"stock:1", "stock:2"}, 0, time.Second)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = h2.Release(ctx)
}

func TestMemoryLockerBoundedWait(t *testing.T) {
	locker := NewMemoryLocker(WithRetryInterval(time.Millisecond))
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, []string{"stock:1"}, 0, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	start := time.Now()
	_, err = locker.Acquire(ctx, []string{"stock:1"}, 50*time.Millisecond, time.Second)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("Acquire() should fail after the wait bound")
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("gave up after %v, before the wait bound", elapsed)
	}

	_ = handle.Release(ctx)
}

func TestMemoryLockerWaitSucceedsOnRelease(t *testing.T) {
	locker := NewMemoryLocker(WithRetryInterval(time.Millisecond))
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, []string{"stock:1"}, 0, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = handle.Release(ctx)
	}()

	h2, err := locker.Acquire(ctx, []string{"stock:1"}, time.Second, time.Second)
	if err != nil {
		t.Fatalf("waiting Acquire() should succeed once released: %v", err)
	}
	_ = h2.Release(ctx)
}

func TestMemoryLockerContextCancellation(t *testing.T) {
	locker := NewMemoryLocker(WithRetryInterval(time.Millisecond))
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, []string{"stock:1"}, 0, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer handle.Release(ctx)

	cancelCtx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = locker.Acquire(cancelCtx, []string{"stock:1"}, time.Minute, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() error = %v, should wrap context.Canceled", err)
	}
}

func TestMemoryLockerLeaseExpiry(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, []string{"stock:1"}, 0, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	// The lease expired, so a new holder can take the key.
	h2, err := locker.Acquire(ctx, []string{"stock:1"}, 0, time.Second)
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}

	// The first holder's release must not free the new holder's lock.
	if err := handle.Release(ctx); err != nil {
		t.Fatalf("Release() of expired handle error = %v", err)
	}
	if _, err := locker.Acquire(ctx, []string{"stock:1"}, 0, time.Second); err == nil {
		t.Error("key should still be held by the second holder")
	}
	_ = h2.Release(ctx)
}

func TestMemoryLockerExtend(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, []string{"stock:1"}, 0, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := handle.Extend(ctx, time.Second); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}

	// Past the original lease but inside the extension the key stays held.
	time.Sleep(50 * time.Millisecond)
	if _, err := locker.Acquire(ctx, []string{"stock:1"}, 0, time.Second); err == nil {
		t.Error("extended lock should still be held")
	}

	_ = handle.Release(ctx)
}

func TestMemoryLockerExtendAfterExpiry(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, []string{"stock:1"}, 0, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if err := handle.Extend(ctx, time.Second); err == nil {
		t.Error("Extend() on an expired lease should fail")
	}
}

func TestMemoryLockerReleaseIdempotent(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, []string{"stock:1", "stock:2"}, 0, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := handle.Release(ctx); err != nil {
		t.Fatalf("first Release() error = %v", err)
	}
	if err := handle.Release(ctx); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
}

func TestMemoryLockerMutualExclusion(t *testing.T) {
	locker := NewMemoryLocker(WithRetryInterval(time.Millisecond))
	ctx := context.Background()

	var holders int32
	var mu sync.Mutex
	maxHolders := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := locker.Acquire(ctx, []string{"stock:1"}, 5*time.Second, time.Second)
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			mu.Lock()
			holders++
			if int(holders) > maxHolders {
				maxHolders = int(holders)
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			_ = handle.Release(ctx)
		}()
	}
	wg.Wait()

	if maxHolders != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxHolders)
	}
}
