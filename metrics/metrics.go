// Package metrics provides the metrics interface for the deduction paths.
package metrics

import (
	"time"
)

// Metrics defines the interface for collecting observability metrics.
// Implementations can use Prometheus, StatsD, or other metrics backends.
type Metrics interface {
	// Deduction metrics
	DeductionStarted(strategy string)
	DeductionCompleted(strategy string, duration time.Duration)
	DeductionFailed(strategy string, reason string)
	DeductionSuppressed(strategy string)

	// Key derivation metrics
	KeyDerivationFailed()

	// Lock metrics
	LockAcquired(duration time.Duration)
	LockFailed(reason string)
	LockInterrupted()
	LockReleased()
	LeaseExtended()
	LeaseExtendFailed()

	// Store metrics
	VersionConflict()
}

// NoopMetrics is a no-op implementation of Metrics for testing or when metrics are disabled.
type NoopMetrics struct{}

var _ Metrics = (*NoopMetrics)(nil)

func (n *NoopMetrics) DeductionStarted(strategy string)                          {}
func (n *NoopMetrics) DeductionCompleted(strategy string, duration time.Duration) {}
func (n *NoopMetrics) DeductionFailed(strategy string, reason string)            {}
func (n *NoopMetrics) DeductionSuppressed(strategy string)                       {}
func (n *NoopMetrics) KeyDerivationFailed()                                      {}
func (n *NoopMetrics) LockAcquired(duration time.Duration)                       {}
func (n *NoopMetrics) LockFailed(reason string)                                  {}
func (n *NoopMetrics) LockInterrupted()                                          {}
func (n *NoopMetrics) LockReleased()                                             {}
func (n *NoopMetrics) LeaseExtended()                                            {}
func (n *NoopMetrics) LeaseExtendFailed()                                        {}
func (n *NoopMetrics) VersionConflict()                                          {}
