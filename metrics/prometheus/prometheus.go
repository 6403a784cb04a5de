// Package prometheus provides a Prometheus implementation of the metrics interface.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mj950425/lock-performance-test/metrics"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
type PrometheusMetrics struct {
	// Deduction metrics
	deductionStartedTotal    *prometheus.CounterVec
	deductionCompletedTotal  *prometheus.CounterVec
	deductionFailedTotal     *prometheus.CounterVec
	deductionSuppressedTotal *prometheus.CounterVec
	deductionDuration        *prometheus.HistogramVec

	// Key derivation metrics
	keyDerivationFailedTotal prometheus.Counter

	// Lock metrics
	lockAcquiredTotal     prometheus.Counter
	lockFailedTotal       *prometheus.CounterVec
	lockInterruptedTotal  prometheus.Counter
	lockReleasedTotal     prometheus.Counter
	leaseExtendedTotal    prometheus.Counter
	leaseExtendFailed     prometheus.Counter
	lockAcquireDuration   prometheus.Histogram

	// Store metrics
	versionConflictTotal prometheus.Counter
}

var _ metrics.Metrics = (*PrometheusMetrics)(nil)

// Config holds configuration for PrometheusMetrics.
type Config struct {
	// Namespace is the prefix for all metrics (e.g., "lockperf")
	Namespace string
	// Subsystem is an optional subsystem name
	Subsystem string
	// Registry is the Prometheus registry to use. If nil, the default registry is used.
	Registry prometheus.Registerer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "lockperf",
		Subsystem: "",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// New creates a new PrometheusMetrics instance with the given configuration.
func New(cfg Config) *PrometheusMetrics {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(cfg.Registry)

	return &PrometheusMetrics{
		deductionStartedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "deduction_started_total",
			Help:      "Total number of deductions started",
		}, []string{"strategy"}),

		deductionCompletedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "deduction_completed_total",
			Help:      "Total number of deductions completed successfully",
		}, []string{"strategy"}),

		deductionFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "deduction_failed_total",
			Help:      "Total number of deductions failed",
		}, []string{"strategy", "reason"}),

		deductionSuppressedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "deduction_suppressed_total",
			Help:      "Total number of deduction errors swallowed by the optimistic path",
		}, []string{"strategy"}),

		deductionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "deduction_duration_seconds",
			Help:      "Deduction duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		}, []string{"strategy"}),

		keyDerivationFailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "key_derivation_failed_total",
			Help:      "Total number of calls rejected at key derivation",
		}),

		lockAcquiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lock_acquired_total",
			Help:      "Total number of multi-locks acquired",
		}),

		lockFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lock_failed_total",
			Help:      "Total number of lock acquisition failures",
		}, []string{"reason"}),

		lockInterruptedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lock_interrupted_total",
			Help:      "Total number of callers cancelled while waiting for locks",
		}),

		lockReleasedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lock_released_total",
			Help:      "Total number of multi-locks released",
		}),

		leaseExtendedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lease_extended_total",
			Help:      "Total number of lease extensions",
		}),

		leaseExtendFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lease_extend_failed_total",
			Help:      "Total number of lease extension failures",
		}),

		lockAcquireDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lock_acquire_duration_seconds",
			Help:      "Time taken to acquire the multi-lock in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		}),

		versionConflictTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "version_conflict_total",
			Help:      "Total number of optimistic version check rejections",
		}),
	}
}

// Deduction metrics

func (p *PrometheusMetrics) DeductionStarted(strategy string) {
	p.deductionStartedTotal.WithLabelValues(strategy).Inc()
}

func (p *PrometheusMetrics) DeductionCompleted(strategy string, duration time.Duration) {
	p.deductionCompletedTotal.WithLabelValues(strategy).Inc()
	p.deductionDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) DeductionFailed(strategy string, reason string) {
	p.deductionFailedTotal.WithLabelValues(strategy, reason).Inc()
}

func (p *PrometheusMetrics) DeductionSuppressed(strategy string) {
	p.deductionSuppressedTotal.WithLabelValues(strategy).Inc()
}

// Key derivation metrics

func (p *PrometheusMetrics) KeyDerivationFailed() {
	p.keyDerivationFailedTotal.Inc()
}

// Lock metrics

func (p *PrometheusMetrics) LockAcquired(duration time.Duration) {
	p.lockAcquiredTotal.Inc()
	p.lockAcquireDuration.Observe(duration.Seconds())
}

func (p *PrometheusMetrics) LockFailed(reason string) {
	p.lockFailedTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusMetrics) LockInterrupted() {
	p.lockInterruptedTotal.Inc()
}

func (p *PrometheusMetrics) LockReleased() {
	p.lockReleasedTotal.Inc()
}

func (p *PrometheusMetrics) LeaseExtended() {
	p.leaseExtendedTotal.Inc()
}

func (p *PrometheusMetrics) LeaseExtendFailed() {
	p.leaseExtendFailed.Inc()
}

// Store metrics

func (p *PrometheusMetrics) VersionConflict() {
	p.versionConflictTotal.Inc()
}
