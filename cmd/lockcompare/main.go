// Package main runs a concurrent stock deduction workload through one of the
// two strategies and reports the outcome, for comparing their behavior under
// contention against real MySQL and Redis or the in-memory backends.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	lockperf "github.com/mj950425/lock-performance-test"
	"github.com/mj950425/lock-performance-test/event"
	"github.com/mj950425/lock-performance-test/lock"
	lockmem "github.com/mj950425/lock-performance-test/lock/memory"
	lockredis "github.com/mj950425/lock-performance-test/lock/redis"
	"github.com/mj950425/lock-performance-test/metrics"
	promexport "github.com/mj950425/lock-performance-test/metrics/prometheus"
	"github.com/mj950425/lock-performance-test/store"
	storemem "github.com/mj950425/lock-performance-test/store/memory"
	storemysql "github.com/mj950425/lock-performance-test/store/mysql"
)

func main() {
	var (
		modeFlag    = flag.String("mode", "OPTIMISTIC_MULTI_LOCK", "deduction mode: OPTIMISTIC_MULTI_LOCK or PESSIMISTIC")
		backend     = flag.String("backend", "memory", "backend: memory (in-process) or external (MySQL + Redis)")
		mysqlDSN    = flag.String("mysql", "root:123456@tcp(localhost:3306)/lockperf?parseTime=true", "MySQL DSN for the external backend")
		redisAddr   = flag.String("redis", "localhost:6379", "Redis address for the external backend")
		callers     = flag.Int("callers", 200, "number of concurrent callers")
		itemsFlag   = flag.String("items", "1,2,3", "comma-separated stock ids every caller deducts from")
		seed        = flag.Int64("seed", 0, "seed each stock id with this quantity before the run (0 skips seeding)")
		quantity    = flag.Int64("quantity", 1, "units deducted per item per call")
		wait        = flag.Duration("wait", time.Second, "lock wait bound")
		lease       = flag.Duration("lease", 3*time.Second, "lock lease ttl")
		extend      = flag.Duration("extend", 0, "lease extension period (0 disables extension)")
		maxOp       = flag.Duration("max-op", 2*time.Second, "expected upper bound on one deduction, checked against the lease when extension is off")
		suppress    = flag.Bool("suppress", false, "swallow deduction errors on the optimistic path")
		metricsAddr = flag.String("metrics", "", "serve Prometheus metrics on this address (empty disables)")
	)
	flag.Parse()

	mode, err := lockperf.ParseMode(*modeFlag)
	if err != nil {
		log.Fatalf("invalid mode: %v", err)
	}
	itemIDs, err := parseItems(*itemsFlag)
	if err != nil {
		log.Fatalf("invalid items: %v", err)
	}

	cfgOpts := []lockperf.Option{
		lockperf.WithLockWaitTimeout(*wait),
		lockperf.WithLeaseTTL(*lease),
		lockperf.WithMaxOperationTime(*maxOp),
		lockperf.WithDeductQuantity(*quantity),
		lockperf.WithSuppressDeductionErrors(*suppress),
	}
	if *extend > 0 {
		cfgOpts = append(cfgOpts, lockperf.WithLeaseExtension(true), lockperf.WithExtendPeriod(*extend))
	}
	cfg := lockperf.ApplyOptions(cfgOpts...)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration (wait=%v lease=%v extend=%v max-op=%v): %v", *wait, *lease, *extend, *maxOp, err)
	}

	var m metrics.Metrics = &metrics.NoopMetrics{}
	if *metricsAddr != "" {
		registry := promclient.NewRegistry()
		m = promexport.New(promexport.Config{Namespace: "lockperf", Registry: registry})
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			log.Printf("serving metrics on %s/metrics", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	st, locker, cleanup, err := buildBackend(*backend, *mysqlDSN, *redisAddr)
	if err != nil {
		log.Fatalf("backend setup: %v", err)
	}
	defer cleanup()

	if *seed > 0 {
		if err := seedStocks(st, itemIDs, *seed); err != nil {
			log.Fatalf("seed: %v", err)
		}
	}

	bus := event.NewMemoryEventBus()
	var suppressedCount int64
	bus.Subscribe(event.EventDeductionSuppressed, func(ctx context.Context, e event.Event) error {
		atomic.AddInt64(&suppressedCount, 1)
		return nil
	})

	strategy, err := buildStrategy(mode, st, locker, bus, m, cfg)
	if err != nil {
		log.Fatalf("strategy setup: %v", err)
	}

	log.Printf("running %d callers in mode %s over items %v", *callers, mode, itemIDs)
	result := run(strategy, itemIDs, *callers)

	fmt.Printf("\nmode:              %s\n", mode)
	fmt.Printf("callers:           %d\n", *callers)
	fmt.Printf("successes:         %d\n", result.successes)
	fmt.Printf("lock failures:     %d\n", result.lockFailures)
	fmt.Printf("business failures: %d\n", result.businessFailures)
	fmt.Printf("other failures:    %d\n", result.otherFailures)
	fmt.Printf("suppressed:        %d\n", atomic.LoadInt64(&suppressedCount))
	fmt.Printf("elapsed:           %v\n", result.elapsed.Round(time.Millisecond))

	stocks, err := st.GetStocks(context.Background(), itemIDs)
	if err != nil {
		log.Fatalf("final read: %v", err)
	}
	for _, s := range stocks {
		fmt.Printf("stock %d: quantity=%d version=%d\n", s.ID, s.Quantity, s.Version)
	}
}

type runResult struct {
	successes        int64
	lockFailures     int64
	businessFailures int64
	otherFailures    int64
	elapsed          time.Duration
}

func run(strategy lockperf.Strategy, itemIDs []int64, callers int) runResult {
	var r runResult
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := strategy.Deduct(context.Background(), lockperf.DeductionRequest{ItemIDs: itemIDs})
			switch {
			case err == nil:
				atomic.AddInt64(&r.successes, 1)
			case errors.Is(err, lockperf.ErrLockAcquisitionFailed), errors.Is(err, lockperf.ErrLockInterrupted):
				atomic.AddInt64(&r.lockFailures, 1)
			case errors.Is(err, lockperf.ErrInsufficientStock), errors.Is(err, lockperf.ErrStockNotFound), errors.Is(err, lockperf.ErrVersionConflict):
				atomic.AddInt64(&r.businessFailures, 1)
			default:
				atomic.AddInt64(&r.otherFailures, 1)
			}
		}()
	}
	wg.Wait()
	r.elapsed = time.Since(start)
	return r
}

func buildBackend(backend, mysqlDSN, redisAddr string) (store.StockStore, lock.Locker, func(), error) {
	switch backend {
	case "memory":
		return storemem.NewMemoryStore(), lockmem.NewMemoryLocker(), func() {}, nil
	case "external":
		db, err := sql.Open("mysql", mysqlDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("ping mysql: %w", err)
		}
		client := goredis.NewClient(&goredis.Options{Addr: redisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			db.Close()
			client.Close()
			return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		cleanup := func() {
			db.Close()
			client.Close()
		}
		return storemysql.New(db), lockredis.NewRedisLocker(client), cleanup, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func buildStrategy(
	mode lockperf.Mode,
	st store.StockStore,
	locker lock.Locker,
	bus event.EventBus,
	m metrics.Metrics,
	cfg lockperf.Config,
) (lockperf.Strategy, error) {
	switch mode {
	case lockperf.ModePessimistic:
		return lockperf.NewPessimisticStrategy(st,
			lockperf.WithPessimisticQuantity(cfg.DeductQuantity),
			lockperf.WithPessimisticEventBus(bus),
			lockperf.WithPessimisticMetrics(m),
		), nil
	case lockperf.ModeOptimisticMultiLock:
		inner := lockperf.NewOptimisticStrategy(st,
			lockperf.WithOptimisticQuantity(cfg.DeductQuantity),
			lockperf.WithOptimisticSuppressErrors(cfg.SuppressDeductionErrors),
			lockperf.WithOptimisticEventBus(bus),
			lockperf.WithOptimisticMetrics(m),
		)
		return lockperf.NewGuardedStrategy(inner, locker, cfg.ToLockPolicy(lockperf.ItemIDKeys),
			lockperf.WithGuardEventBus(bus),
			lockperf.WithGuardMetrics(m),
		)
	default:
		return nil, fmt.Errorf("unsupported mode %q", mode)
	}
}

func seedStocks(st store.StockStore, ids []int64, quantity int64) error {
	seeder, ok := st.(*storemem.MemoryStore)
	if !ok {
		// The external backend is seeded out of band, e.g.:
		//   INSERT INTO stock (id, quantity, version, updated_at) VALUES (1, 1000, 1, NOW());
		return errors.New("-seed only applies to the memory backend")
	}
	for _, id := range ids {
		seeder.Seed(store.Stock{ID: id, Quantity: quantity, Version: 1})
	}
	return nil
}

func parseItems(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse item id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("no item ids given")
	}
	return ids, nil
}
