package lockperf

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mj950425/lock-performance-test/store"
)

// fakeStore is an in-process StockStore for strategy tests. Writes stage
// inside the transaction and apply on commit. Fault hooks let tests force
// version conflicts and write failures.
type fakeStore struct {
	mu   sync.Mutex
	rows map[int64]*store.Stock

	forUpdateCalls  int
	versionedWrites int
	plainWrites     int

	writeErr        error
	conflictOnWrite bool
}

func newFakeStore(quantities map[int64]int64) *fakeStore {
	rows := make(map[int64]*store.Stock, len(quantities))
	for id, qty := range quantities {
		rows[id] = &store.Stock{ID: id, Quantity: qty, Version: 1}
	}
	return &fakeStore{rows: rows}
}

func (f *fakeStore) GetStocks(ctx context.Context, ids []int64) ([]*store.Stock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(ids), nil
}

func (f *fakeStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.StockTx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &fakeTx{store: f, staged: make(map[int64]*store.Stock)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, s := range tx.staged {
		f.rows[id] = s
	}
	return nil
}

func (f *fakeStore) read(ids []int64) []*store.Stock {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := make([]*store.Stock, 0, len(sorted))
	for _, id := range sorted {
		if s, ok := f.rows[id]; ok {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

func (f *fakeStore) quantity(id int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id].Quantity
}

func (f *fakeStore) version(id int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id].Version
}

type fakeTx struct {
	store  *fakeStore
	staged map[int64]*store.Stock
}

func (t *fakeTx) GetStocks(ctx context.Context, ids []int64) ([]*store.Stock, error) {
	return t.store.read(ids), nil
}

func (t *fakeTx) GetStocksForUpdate(ctx context.Context, ids []int64) ([]*store.Stock, error) {
	t.store.forUpdateCalls++
	return t.store.read(ids), nil
}

func (t *fakeTx) UpdateStockVersioned(ctx context.Context, s *store.Stock) error {
	t.store.versionedWrites++
	if t.store.writeErr != nil {
		return t.store.writeErr
	}
	current, ok := t.store.rows[s.ID]
	if !ok {
		return fmt.Errorf("%w: stock %d", ErrStockNotFound, s.ID)
	}
	if t.store.conflictOnWrite || current.Version != s.Version {
		return fmt.Errorf("%w: stock %d", ErrVersionConflict, s.ID)
	}
	cp := *s
	cp.Version++
	t.staged[s.ID] = &cp
	return nil
}

func (t *fakeTx) UpdateStock(ctx context.Context, s *store.Stock) error {
	t.store.plainWrites++
	if t.store.writeErr != nil {
		return t.store.writeErr
	}
	if _, ok := t.store.rows[s.ID]; !ok {
		return fmt.Errorf("%w: stock %d", ErrStockNotFound, s.ID)
	}
	cp := *s
	t.staged[s.ID] = &cp
	return nil
}

var (
	_ store.StockStore = (*fakeStore)(nil)
	_ store.StockTx    = (*fakeTx)(nil)
)
