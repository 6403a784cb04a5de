package lockperf

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mj950425/lock-performance-test/event"
	"github.com/mj950425/lock-performance-test/metrics"
	"github.com/mj950425/lock-performance-test/store"
)

// OptimisticStrategy deducts stock assuming the guard has already granted
// mutual exclusion across callers with overlapping key sets. The
// version-checked write is defense in depth, not the primary serialization
// mechanism: it only fires if the multi-lock was bypassed or mis-derived.
type OptimisticStrategy struct {
	store    store.StockStore
	quantity int64
	suppress bool
	events   event.EventBus
	metrics  metrics.Metrics
}

// Ensure OptimisticStrategy implements Strategy
var _ Strategy = (*OptimisticStrategy)(nil)

// OptimisticOption is a functional option for configuring OptimisticStrategy.
type OptimisticOption func(*OptimisticStrategy)

// WithOptimisticQuantity sets the units removed per item per call.
func WithOptimisticQuantity(quantity int64) OptimisticOption {
	return func(s *OptimisticStrategy) {
		s.quantity = quantity
	}
}

// WithOptimisticSuppressErrors controls whether deduction errors are swallowed.
// When enabled, a failed deduction is published and counted but the caller
// observes success. This reproduces the measured system's behavior; disable it
// to propagate failures instead.
func WithOptimisticSuppressErrors(suppress bool) OptimisticOption {
	return func(s *OptimisticStrategy) {
		s.suppress = suppress
	}
}

// WithOptimisticEventBus sets the event bus.
func WithOptimisticEventBus(events event.EventBus) OptimisticOption {
	return func(s *OptimisticStrategy) {
		s.events = events
	}
}

// WithOptimisticMetrics sets the metrics sink.
func WithOptimisticMetrics(m metrics.Metrics) OptimisticOption {
	return func(s *OptimisticStrategy) {
		s.metrics = m
	}
}

// NewOptimisticStrategy creates the lock-assisted optimistic deduction strategy.
func NewOptimisticStrategy(st store.StockStore, opts ...OptimisticOption) *OptimisticStrategy {
	s := &OptimisticStrategy{
		store:    st,
		quantity: 1,
		suppress: true,
		events:   event.NewNoOpEventBus(),
		metrics:  &metrics.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the strategy name.
func (s *OptimisticStrategy) Name() string {
	return "optimistic_multi_lock"
}

// Deduct reads every requested record, decrements in memory, and persists all
// records with version-checked writes inside one transaction scope. With
// suppression enabled any failure is published and logged but not returned,
// so the caller cannot tell a swallowed failure from success.
func (s *OptimisticStrategy) Deduct(ctx context.Context, req DeductionRequest) error {
	start := time.Now()
	s.metrics.DeductionStarted(s.Name())
	s.events.Publish(ctx, event.NewEvent(event.EventDeductionStarted).
		WithStrategy(s.Name()).
		WithItemIDs(req.ItemIDs))

	err := s.deduct(ctx, req)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.VersionConflict()
		}
		s.metrics.DeductionFailed(s.Name(), reason(err))
		s.events.Publish(ctx, event.NewEvent(event.EventDeductionFailed).
			WithStrategy(s.Name()).
			WithItemIDs(req.ItemIDs).
			WithError(err))

		if s.suppress {
			s.metrics.DeductionSuppressed(s.Name())
			s.events.Publish(ctx, event.NewEvent(event.EventDeductionSuppressed).
				WithStrategy(s.Name()).
				WithItemIDs(req.ItemIDs).
				WithError(err))
			log.Printf("[%s] deduction error suppressed for items %v: %v", s.Name(), req.ItemIDs, err)
			return nil
		}
		return err
	}

	s.metrics.DeductionCompleted(s.Name(), time.Since(start))
	s.events.Publish(ctx, event.NewEvent(event.EventDeductionCompleted).
		WithStrategy(s.Name()).
		WithItemIDs(req.ItemIDs))
	return nil
}

func (s *OptimisticStrategy) deduct(ctx context.Context, req DeductionRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrStockNotFound, err)
	}

	ids := req.UniqueSortedIDs()
	return s.store.RunInTx(ctx, func(ctx context.Context, tx store.StockTx) error {
		stocks, err := tx.GetStocks(ctx, ids)
		if err != nil {
			return err
		}
		if len(stocks) != len(ids) {
			return fmt.Errorf("%w: requested %d items, found %d", ErrStockNotFound, len(ids), len(stocks))
		}

		for _, stock := range stocks {
			if stock.Quantity < s.quantity {
				return fmt.Errorf("%w: stock %d has %d, need %d", ErrInsufficientStock, stock.ID, stock.Quantity, s.quantity)
			}
			stock.Quantity -= s.quantity
		}

		for _, stock := range stocks {
			if err := tx.UpdateStockVersioned(ctx, stock); err != nil {
				return err
			}
		}
		return nil
	})
}

// reason maps an error to a stable metrics label.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrStockNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrStoreOperationFailed):
		return "store_error"
	default:
		return "unknown"
	}
}
