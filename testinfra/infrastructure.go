// Package testinfra provides integration test infrastructure running against
// real MySQL and Redis. Tests skip automatically when either is unreachable.
package testinfra

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"github.com/mj950425/lock-performance-test/lock"
	lockredis "github.com/mj950425/lock-performance-test/lock/redis"
	"github.com/mj950425/lock-performance-test/store"
	storemysql "github.com/mj950425/lock-performance-test/store/mysql"
)

// DefaultConfig returns default test configuration
func DefaultConfig() TestConfig {
	return TestConfig{
		MySQLDSN:      getEnvOrDefault("LOCKPERF_TEST_MYSQL_DSN", "root:123456@tcp(localhost:3306)/lockperf_test?parseTime=true"),
		RedisAddr:     getEnvOrDefault("LOCKPERF_TEST_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnvOrDefault("LOCKPERF_TEST_REDIS_PASSWORD", ""),
		RedisDB:       0,
		LockWait:      2 * time.Second,
		LeaseTTL:      10 * time.Second,
		PropertyRuns:  50,
	}
}

// TestConfig holds test configuration
type TestConfig struct {
	MySQLDSN      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockWait      time.Duration
	LeaseTTL      time.Duration
	PropertyRuns  int
}

// TestInfrastructure provides integration test plumbing over real MySQL and Redis
type TestInfrastructure struct {
	DB         *sql.DB
	Redis      *redis.Client
	MySQLStore *storemysql.MySQLStore
	Locker     lock.Locker
	Config     TestConfig

	keyPrefix string
}

// NewTestInfrastructure connects to MySQL and Redis and prepares the stock
// table. It skips the test when the infrastructure is not available.
func NewTestInfrastructure(t *testing.T) *TestInfrastructure {
	t.Helper()

	cfg := DefaultConfig()

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		t.Skipf("Skipping test: MySQL connection failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("Skipping test: MySQL ping failed: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		db.Close()
		t.Skipf("Skipping test: Redis ping failed: %v", err)
	}

	// Unique prefix per test run so concurrent runs cannot collide in Redis.
	prefix := fmt.Sprintf("lockperf-test-%d:", time.Now().UnixNano())

	infra := &TestInfrastructure{
		DB:         db,
		Redis:      redisClient,
		MySQLStore: storemysql.New(db),
		Locker:     lockredis.NewRedisLocker(redisClient, lockredis.WithPrefix(prefix)),
		Config:     cfg,
		keyPrefix:  prefix,
	}

	if err := infra.createStockTable(ctx); err != nil {
		infra.Close()
		t.Fatalf("create stock table: %v", err)
	}

	t.Cleanup(func() {
		infra.Cleanup(t)
		infra.Close()
	})
	return infra
}

func (i *TestInfrastructure) createStockTable(ctx context.Context) error {
	_, err := i.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS stock (
			id BIGINT PRIMARY KEY,
			quantity BIGINT NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			updated_at DATETIME(6) NOT NULL
		)
	`)
	return err
}

// SeedStocks truncates the stock table and inserts the given records.
func (i *TestInfrastructure) SeedStocks(t *testing.T, stocks ...store.Stock) {
	t.Helper()
	ctx := context.Background()

	if _, err := i.DB.ExecContext(ctx, "TRUNCATE TABLE stock"); err != nil {
		t.Fatalf("truncate stock: %v", err)
	}
	for _, s := range stocks {
		_, err := i.DB.ExecContext(ctx,
			"INSERT INTO stock (id, quantity, version, updated_at) VALUES (?, ?, ?, ?)",
			s.ID, s.Quantity, s.Version, time.Now())
		if err != nil {
			t.Fatalf("insert stock %d: %v", s.ID, err)
		}
	}
}

// Quantity reads the remaining quantity for one record directly.
func (i *TestInfrastructure) Quantity(t *testing.T, id int64) int64 {
	t.Helper()
	var qty int64
	if err := i.DB.QueryRowContext(context.Background(),
		"SELECT quantity FROM stock WHERE id = ?", id).Scan(&qty); err != nil {
		t.Fatalf("read quantity for %d: %v", id, err)
	}
	return qty
}

// Cleanup removes test data from MySQL and this run's lock keys from Redis.
func (i *TestInfrastructure) Cleanup(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	if _, err := i.DB.ExecContext(ctx, "TRUNCATE TABLE stock"); err != nil {
		t.Logf("cleanup: truncate stock: %v", err)
	}

	iter := i.Redis.Scan(ctx, 0, i.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := i.Redis.Del(ctx, iter.Val()).Err(); err != nil {
			t.Logf("cleanup: del %s: %v", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		t.Logf("cleanup: scan lock keys: %v", err)
	}
}

// Close closes the MySQL and Redis connections.
func (i *TestInfrastructure) Close() {
	if i.DB != nil {
		i.DB.Close()
	}
	if i.Redis != nil {
		i.Redis.Close()
	}
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
