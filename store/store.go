// Package store defines the persistence contract the deduction strategies
// run against: batch reads, version-checked writes, row-locked reads, and a
// transaction scope independent of any enclosing one.
package store

import (
	"context"
	"time"
)

// Stock is a persisted inventory record.
type Stock struct {
	ID        int64
	Quantity  int64
	Version   int64
	UpdatedAt time.Time
}

// StockStore is the persistence interface for stock records.
type StockStore interface {
	// GetStocks reads the records for the given identifiers without locks.
	// Missing identifiers are simply absent from the result.
	GetStocks(ctx context.Context, ids []int64) ([]*Stock, error)

	// RunInTx opens a NEW transaction scope, runs fn inside it, and commits
	// on nil or rolls back on error. The scope never inherits a caller's open
	// transaction: lock acquisition happens before the scope opens and must
	// bound its lifetime.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx StockTx) error) error
}

// StockTx is the set of operations available inside one transaction scope.
type StockTx interface {
	// GetStocks reads records without row locks.
	GetStocks(ctx context.Context, ids []int64) ([]*Stock, error)

	// GetStocksForUpdate reads records under exclusive row locks, acquired in
	// ascending identifier order. The locks are held until the scope ends.
	GetStocksForUpdate(ctx context.Context, ids []int64) ([]*Stock, error)

	// UpdateStockVersioned writes a record only if its stored version still
	// matches s.Version, incrementing the version on success. A version
	// mismatch fails distinctly from other write errors.
	UpdateStockVersioned(ctx context.Context, s *Stock) error

	// UpdateStock writes a record unconditionally. Callers are expected to
	// hold the corresponding row lock.
	UpdateStock(ctx context.Context, s *Stock) error
}
