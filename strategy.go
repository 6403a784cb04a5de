package lockperf

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Strategy reduces stock for the items named by a request. Implementations
// differ only in how they serialize concurrent callers touching overlapping
// item sets.
type Strategy interface {
	// Name returns the strategy name used in events and metrics.
	Name() string

	// Deduct removes the configured quantity from every requested item.
	// It fails with ErrStockNotFound if an identifier resolves to no record
	// and with ErrInsufficientStock if a decrement would go negative.
	Deduct(ctx context.Context, req DeductionRequest) error
}

// Mode selects which deduction strategy handles a request.
type Mode string

const (
	// ModeOptimisticMultiLock routes calls through the distributed multi-lock
	// guard with optimistic version checks at the store.
	ModeOptimisticMultiLock Mode = "OPTIMISTIC_MULTI_LOCK"

	// ModePessimistic takes row-level exclusive locks directly from the
	// database for the duration of one transaction.
	ModePessimistic Mode = "PESSIMISTIC"
)

// ParseMode parses a mode string as supplied per deployment or test run.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOptimisticMultiLock, ModePessimistic:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Selector dispatches requests to the strategy registered for a mode.
// Registration happens at startup; a missing registration is a configuration
// error, not a request-time condition.
type Selector struct {
	mu         sync.RWMutex
	strategies map[Mode]Strategy
}

// NewSelector creates an empty Selector.
func NewSelector() *Selector {
	return &Selector{
		strategies: make(map[Mode]Strategy),
	}
}

// Register registers a strategy for a mode, replacing any previous one.
func (s *Selector) Register(mode Mode, strategy Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[mode] = strategy
}

// Select returns the strategy registered for the mode.
func (s *Selector) Select(mode Mode) (Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	strategy, ok := s.strategies[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return strategy, nil
}

// Modes returns the registered modes in sorted order.
func (s *Selector) Modes() []Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	modes := make([]Mode, 0, len(s.strategies))
	for mode := range s.strategies {
		modes = append(modes, mode)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}
