// Package mysql provides a MySQL implementation of the store.StockStore interface.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	lockperf "github.com/mj950425/lock-performance-test"
	"github.com/mj950425/lock-performance-test/store"
)

// MySQLStore implements the store.StockStore interface using MySQL.
type MySQLStore struct {
	db *sql.DB
}

// New creates a new MySQLStore with the given database connection.
func New(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// GetStocks reads the records for the given identifiers without locks.
func (s *MySQLStore) GetStocks(ctx context.Context, ids []int64) ([]*store.Stock, error) {
	return queryStocks(ctx, s.db, ids, false)
}

// RunInTx opens a new transaction, runs fn inside it, and commits on nil or
// rolls back on error or panic. The scope never joins an enclosing transaction.
func (s *MySQLStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.StockTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", lockperf.ErrStoreOperationFailed, err)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w: rollback after %v: %v", lockperf.ErrStoreOperationFailed, err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit transaction: %v", lockperf.ErrStoreOperationFailed, err)
	}
	return nil
}

// mysqlTx implements store.StockTx on one open *sql.Tx.
type mysqlTx struct {
	tx *sql.Tx
}

// GetStocks reads records without row locks.
func (t *mysqlTx) GetStocks(ctx context.Context, ids []int64) ([]*store.Stock, error) {
	return queryStocks(ctx, t.tx, ids, false)
}

// GetStocksForUpdate reads records under exclusive row locks in ascending
// identifier order. The fixed order prevents circular waits between callers
// locking overlapping sets.
func (t *mysqlTx) GetStocksForUpdate(ctx context.Context, ids []int64) ([]*store.Stock, error) {
	return queryStocks(ctx, t.tx, ids, true)
}

// UpdateStockVersioned writes a record only if the stored version still
// matches, incrementing the version on success.
func (t *mysqlTx) UpdateStockVersioned(ctx context.Context, s *store.Stock) error {
	query := `
		UPDATE stock SET
			quantity = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := t.tx.ExecContext(ctx, query, s.Quantity, time.Now(), s.ID, s.Version)
	if err != nil {
		return fmt.Errorf("%w: update stock: %v", lockperf.ErrStoreOperationFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		exists, err := stockExists(ctx, t.tx, s.ID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: id %d", lockperf.ErrStockNotFound, s.ID)
		}
		return fmt.Errorf("%w: stock %d changed since read", lockperf.ErrVersionConflict, s.ID)
	}

	s.Version++
	s.UpdatedAt = time.Now()
	return nil
}

// UpdateStock writes a record unconditionally. The caller holds the row lock.
func (t *mysqlTx) UpdateStock(ctx context.Context, s *store.Stock) error {
	query := `
		UPDATE stock SET
			quantity = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`

	result, err := t.tx.ExecContext(ctx, query, s.Quantity, time.Now(), s.ID)
	if err != nil {
		return fmt.Errorf("%w: update stock: %v", lockperf.ErrStoreOperationFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: id %d", lockperf.ErrStockNotFound, s.ID)
	}

	s.Version++
	s.UpdatedAt = time.Now()
	return nil
}

// queryStocks reads stock rows by identifier set, optionally under exclusive
// row locks. Rows come back in ascending identifier order either way.
func queryStocks(ctx context.Context, q querier, ids []int64, forUpdate bool) ([]*store.Stock, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT id, quantity, version, updated_at
		FROM stock
		WHERE id IN (%s)
		ORDER BY id ASC
	`, strings.Join(placeholders, ","))
	if forUpdate {
		query += " FOR UPDATE"
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query stocks: %v", lockperf.ErrStoreOperationFailed, err)
	}
	defer rows.Close()

	var stocks []*store.Stock
	for rows.Next() {
		stock := &store.Stock{}
		if err := rows.Scan(&stock.ID, &stock.Quantity, &stock.Version, &stock.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan stock: %v", lockperf.ErrStoreOperationFailed, err)
		}
		stocks = append(stocks, stock)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate stocks: %v", lockperf.ErrStoreOperationFailed, err)
	}

	return stocks, nil
}

// stockExists checks if a stock row exists.
func stockExists(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM stock WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w: check stock exists: %v", lockperf.ErrStoreOperationFailed, err)
	}
	return count > 0, nil
}

// Ensure MySQLStore implements store.StockStore interface.
var _ store.StockStore = (*MySQLStore)(nil)

// Ensure mysqlTx implements store.StockTx interface.
var _ store.StockTx = (*mysqlTx)(nil)
