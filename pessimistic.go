package lockperf

import (
	"context"
	"fmt"
	"time"

	"github.com/mj950425/lock-performance-test/event"
	"github.com/mj950425/lock-performance-test/metrics"
	"github.com/mj950425/lock-performance-test/store"
)

// PessimisticStrategy deducts stock under exclusive row locks taken inside
// the transaction itself. Rows are always locked in ascending id order so
// two callers with overlapping item sets cannot deadlock. No distributed
// lock and no version check are involved; errors always propagate.
type PessimisticStrategy struct {
	store    store.StockStore
	quantity int64
	events   event.EventBus
	metrics  metrics.Metrics
}

// Ensure PessimisticStrategy implements Strategy
var _ Strategy = (*PessimisticStrategy)(nil)

// PessimisticOption is a functional option for configuring PessimisticStrategy.
type PessimisticOption func(*PessimisticStrategy)

// WithPessimisticQuantity sets the units removed per item per call.
func WithPessimisticQuantity(quantity int64) PessimisticOption {
	return func(s *PessimisticStrategy) {
		s.quantity = quantity
	}
}

// WithPessimisticEventBus sets the event bus.
func WithPessimisticEventBus(events event.EventBus) PessimisticOption {
	return func(s *PessimisticStrategy) {
		s.events = events
	}
}

// WithPessimisticMetrics sets the metrics sink.
func WithPessimisticMetrics(m metrics.Metrics) PessimisticOption {
	return func(s *PessimisticStrategy) {
		s.metrics = m
	}
}

// NewPessimisticStrategy creates the row-lock deduction strategy.
func NewPessimisticStrategy(st store.StockStore, opts ...PessimisticOption) *PessimisticStrategy {
	s := &PessimisticStrategy{
		store:    st,
		quantity: 1,
		events:   event.NewNoOpEventBus(),
		metrics:  &metrics.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the strategy name.
func (s *PessimisticStrategy) Name() string {
	return "pessimistic_row_lock"
}

// Deduct locks the requested rows in ascending id order, decrements them,
// and writes the new quantities inside a single transaction.
func (s *PessimisticStrategy) Deduct(ctx context.Context, req DeductionRequest) error {
	start := time.Now()
	s.metrics.DeductionStarted(s.Name())
	s.events.Publish(ctx, event.NewEvent(event.EventDeductionStarted).
		WithStrategy(s.Name()).
		WithItemIDs(req.ItemIDs))

	err := s.deduct(ctx, req)
	if err != nil {
		s.metrics.DeductionFailed(s.Name(), reason(err))
		s.events.Publish(ctx, event.NewEvent(event.EventDeductionFailed).
			WithStrategy(s.Name()).
			WithItemIDs(req.ItemIDs).
			WithError(err))
		return err
	}

	s.metrics.DeductionCompleted(s.Name(), time.Since(start))
	s.events.Publish(ctx, event.NewEvent(event.EventDeductionCompleted).
		WithStrategy(s.Name()).
		WithItemIDs(req.ItemIDs))
	return nil
}

func (s *PessimisticStrategy) deduct(ctx context.Context, req DeductionRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrStockNotFound, err)
	}

	ids := req.UniqueSortedIDs()
	return s.store.RunInTx(ctx, func(ctx context.Context, tx store.StockTx) error {
		stocks, err := tx.GetStocksForUpdate(ctx, ids)
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
			if err := tx.UpdateStock(ctx, stock); err != nil {
				return err
			}
		}
		return nil
	})
}
