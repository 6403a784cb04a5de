// Package lockperf compares two concurrency-control strategies for deducting
// shared stock under concurrent access: distributed multi-key locking combined
// with optimistic row versioning, and pessimistic row-level locking at the
// database alone.
package lockperf

import "errors"

// Key derivation errors
var (
	// ErrKeyDerivation indicates the lock keys could not be derived from the request
	ErrKeyDerivation = errors.New("key derivation failed")
)

// Lock errors
var (
	// ErrLockAcquisitionFailed indicates the multi-lock could not be acquired within the wait bound
	ErrLockAcquisitionFailed = errors.New("lock acquisition failed")

	// ErrLockInterrupted indicates the caller was cancelled while waiting for the multi-lock
	ErrLockInterrupted = errors.New("lock acquisition interrupted")

	// ErrLockExtensionFailed indicates a lease renewal attempt failed while the call ran
	ErrLockExtensionFailed = errors.New("lock extension failed")

	// ErrLockReleaseFailed indicates held locks could not be released cleanly
	ErrLockReleaseFailed = errors.New("lock release failed")
)

// Deduction errors
var (
	// ErrStockNotFound indicates one or more requested stock records do not exist
	ErrStockNotFound = errors.New("stock not found")

	// ErrInsufficientStock indicates a deduction would drive remaining quantity below zero
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Store errors
var (
	// ErrVersionConflict indicates an optimistic version check rejected a write
	ErrVersionConflict = errors.New("version conflict")

	// ErrStoreOperationFailed indicates a store operation failed
	ErrStoreOperationFailed = errors.New("store operation failed")
)

// Configuration errors
var (
	// ErrUnknownMode indicates no strategy is registered for the requested mode
	ErrUnknownMode = errors.New("unknown deduction mode")

	// ErrInvalidConfig indicates the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")
)
