// Package memory provides an in-memory implementation of the
// store.StockStore interface. Row locks and version checks follow the MySQL
// implementation's semantics so the concurrency scenarios can run without a
// database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lockperf "github.com/mj950425/lock-performance-test"
	"github.com/mj950425/lock-performance-test/store"
)

// MemoryStore implements store.StockStore with one mutex per row standing in
// for the database's exclusive row locks.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[int64]*row

	failMu   sync.Mutex
	writeErr error
}

type row struct {
	mu    sync.Mutex
	stock store.Stock
}

// NewMemoryStore creates an empty in-memory stock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[int64]*row),
	}
}

// Seed inserts or replaces stock records. Not safe to call concurrently with
// running deductions.
func (s *MemoryStore) Seed(stocks ...store.Stock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range stocks {
		st.UpdatedAt = time.Now()
		s.rows[st.ID] = &row{stock: st}
	}
}

// SetWriteError makes every subsequent write fail with err until reset with
// nil. Used to exercise failure paths.
func (s *MemoryStore) SetWriteError(err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.writeErr = err
}

func (s *MemoryStore) injectedWriteError() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.writeErr
}

// GetStocks reads the records for the given identifiers without locks.
func (s *MemoryStore) GetStocks(ctx context.Context, ids []int64) ([]*store.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readStocks(ids), nil
}

// TotalQuantity returns the sum of all remaining quantities. Test helper.
func (s *MemoryStore) TotalQuantity() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, r := range s.rows {
		r.mu.Lock()
		total += r.stock.Quantity
		r.mu.Unlock()
	}
	return total
}

// Quantity returns the remaining quantity for one record. Test helper.
func (s *MemoryStore) Quantity(id int64) (int64, bool) {
	s.mu.RLock()
	r, ok := s.rows[id]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stock.Quantity, true
}

func (s *MemoryStore) readStocks(ids []int64) []*store.Stock {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var stocks []*store.Stock
	for _, id := range sorted {
		if r, ok := s.rows[id]; ok {
			r.mu.Lock()
			st := r.stock
			r.mu.Unlock()
			stocks = append(stocks, &st)
		}
	}
	return stocks
}

// RunInTx opens a new scope, runs fn inside it, and commits on nil or rolls
// back on error or panic. Writes apply immediately and are undone on
// rollback; row locks taken via GetStocksForUpdate are held until the scope
// ends, mirroring the database's behavior.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.StockTx) error) error {
	tx := &memTx{
		s:      s,
		locked: make(map[int64]*row),
	}

	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}

	tx.commit()
	return nil
}

// memTx implements store.StockTx over the shared row table.
type memTx struct {
	s      *MemoryStore
	locked map[int64]*row // rows whose lock this scope holds
	undo   []undoEntry
	done   bool
}

type undoEntry struct {
	r    *row
	prev store.Stock
}

// GetStocks reads records without row locks, observing this scope's writes.
func (t *memTx) GetStocks(ctx context.Context, ids []int64) ([]*store.Stock, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var stocks []*store.Stock
	for _, id := range sorted {
		r, ok := t.s.rows[id]
		if !ok {
			continue
		}
		if _, held := t.locked[id]; held {
			st := r.stock
			stocks = append(stocks, &st)
			continue
		}
		r.mu.Lock()
		st := r.stock
		r.mu.Unlock()
		stocks = append(stocks, &st)
	}
	return stocks, nil
}

// GetStocksForUpdate locks and reads records in ascending identifier order.
// Locks stay held until the scope ends.
func (t *memTx) GetStocksForUpdate(ctx context.Context, ids []int64) ([]*store.Stock, error) {
	t.s.mu.RLock()
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rows := make(map[int64]*row, len(sorted))
	for _, id := range sorted {
		if r, ok := t.s.rows[id]; ok {
			rows[id] = r
		}
	}
	t.s.mu.RUnlock()

	var stocks []*store.Stock
	for _, id := range sorted {
		r, ok := rows[id]
		if !ok {
			continue
		}
		if _, held := t.locked[id]; !held {
			r.mu.Lock()
			t.locked[id] = r
		}
		st := r.stock
		stocks = append(stocks, &st)
	}
	return stocks, nil
}

// UpdateStockVersioned writes a record only if the stored version still
// matches, incrementing the version on success.
func (t *memTx) UpdateStockVersioned(ctx context.Context, s *store.Stock) error {
	if err := t.s.injectedWriteError(); err != nil {
		return fmt.Errorf("%w: update stock: %v", lockperf.ErrStoreOperationFailed, err)
	}

	r, unlock, err := t.rowForWrite(s.ID)
	if err != nil {
		return err
	}
	defer unlock()

	if r.stock.Version != s.Version {
		return fmt.Errorf("%w: stock %d changed since read", lockperf.ErrVersionConflict, s.ID)
	}

	t.applyWrite(r, s)
	return nil
}

// UpdateStock writes a record unconditionally.
func (t *memTx) UpdateStock(ctx context.Context, s *store.Stock) error {
	if err := t.s.injectedWriteError(); err != nil {
		return fmt.Errorf("%w: update stock: %v", lockperf.ErrStoreOperationFailed, err)
	}

	r, unlock, err := t.rowForWrite(s.ID)
	if err != nil {
		return err
	}
	defer unlock()

	t.applyWrite(r, s)
	return nil
}

// rowForWrite returns the row and, when this scope does not already hold its
// lock, takes it for the duration of the write.
func (t *memTx) rowForWrite(id int64) (*row, func(), error) {
	t.s.mu.RLock()
	r, ok := t.s.rows[id]
	t.s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: id %d", lockperf.ErrStockNotFound, id)
	}

	if _, held := t.locked[id]; held {
		return r, func() {}, nil
	}
	r.mu.Lock()
	return r, r.mu.Unlock, nil
}

func (t *memTx) applyWrite(r *row, s *store.Stock) {
	t.undo = append(t.undo, undoEntry{r: r, prev: r.stock})
	r.stock.Quantity = s.Quantity
	r.stock.Version++
	r.stock.UpdatedAt = time.Now()
	s.Version = r.stock.Version
	s.UpdatedAt = r.stock.UpdatedAt
}

func (t *memTx) commit() {
	if t.done {
		return
	}
	t.done = true
	t.undo = nil
	t.unlockAll()
}

func (t *memTx) rollback() {
	if t.done {
		return
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		e := t.undo[i]
		if _, held := t.locked[e.prev.ID]; held {
			e.r.stock = e.prev
			continue
		}
		e.r.mu.Lock()
		e.r.stock = e.prev
		e.r.mu.Unlock()
	}
	t.undo = nil
	t.unlockAll()
}

func (t *memTx) unlockAll() {
	for _, r := range t.locked {
		r.mu.Unlock()
	}
	t.locked = nil
}

// Ensure MemoryStore implements store.StockStore interface.
var _ store.StockStore = (*MemoryStore)(nil)

// Ensure memTx implements store.StockTx interface.
var _ store.StockTx = (*memTx)(nil)
