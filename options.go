package lockperf

import "time"

// Config holds the configuration shared by the guard and the strategies.
type Config struct {
	// Lock configuration
	LockWaitTimeout   time.Duration // Bound on waiting for the multi-lock, default 1s
	LockRetryInterval time.Duration // Interval between acquisition attempts, default 50ms
	LeaseTTL          time.Duration // Lease duration after which held locks expire, default 3s

	// Lease extension configuration
	ExtendLease  bool          // Renew the lease while the protected operation runs, default false
	ExtendPeriod time.Duration // Lease renewal interval, default 1s

	// MaxOperationTime is the documented upper bound on the protected
	// operation's duration. When lease extension is disabled, the lease must
	// outlast it or lock ownership can be reassigned mid-operation.
	MaxOperationTime time.Duration

	// Deduction configuration
	DeductQuantity          int64  // Units removed per item per call, default 1
	SuppressDeductionErrors bool   // Swallow business errors on the optimistic path, default true
	KeyPrefix               string // Namespace prefix for lock names, default "stock:"
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		LockWaitTimeout:         1 * time.Second,
		LockRetryInterval:       50 * time.Millisecond,
		LeaseTTL:                3 * time.Second,
		ExtendLease:             false,
		ExtendPeriod:            1 * time.Second,
		MaxOperationTime:        2 * time.Second,
		DeductQuantity:          1,
		SuppressDeductionErrors: true,
		KeyPrefix:               "stock:",
	}
}

// Option is a function that modifies the Config.
type Option func(*Config)

// WithLockWaitTimeout sets the bound on waiting for the multi-lock.
func WithLockWaitTimeout(wait time.Duration) Option {
	return func(c *Config) {
		c.LockWaitTimeout = wait
	}
}

// WithLockRetryInterval sets the interval between acquisition attempts.
func WithLockRetryInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.LockRetryInterval = interval
	}
}

// WithLeaseTTL sets the lease duration for held locks.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.LeaseTTL = ttl
	}
}

// WithLeaseExtension enables or disables lease renewal while the protected
// operation runs.
func WithLeaseExtension(enabled bool) Option {
	return func(c *Config) {
		c.ExtendLease = enabled
	}
}

// WithExtendPeriod sets the lease renewal interval.
func WithExtendPeriod(period time.Duration) Option {
	return func(c *Config) {
		c.ExtendPeriod = period
	}
}

// WithMaxOperationTime sets the documented upper bound on the protected
// operation's duration.
func WithMaxOperationTime(d time.Duration) Option {
	return func(c *Config) {
		c.MaxOperationTime = d
	}
}

// WithDeductQuantity sets the units removed per item per call.
func WithDeductQuantity(quantity int64) Option {
	return func(c *Config) {
		c.DeductQuantity = quantity
	}
}

// WithSuppressDeductionErrors controls whether the optimistic strategy
// swallows business errors instead of propagating them.
func WithSuppressDeductionErrors(suppress bool) Option {
	return func(c *Config) {
		c.SuppressDeductionErrors = suppress
	}
}

// WithKeyPrefix sets the namespace prefix for lock names.
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) {
		c.KeyPrefix = prefix
	}
}

// WithConfig applies a complete Config, overriding all values.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// ApplyOptions applies the given options to a default config and returns the result.
func ApplyOptions(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// ToLockPolicy builds a LockPolicy from the lock-related settings using the
// given key derivation function.
func (c *Config) ToLockPolicy(keys KeyFunc) LockPolicy {
	policy := LockPolicy{
		Keys:        keys,
		WaitTimeout: c.LockWaitTimeout,
		LeaseTTL:    c.LeaseTTL,
		KeyPrefix:   c.KeyPrefix,
	}
	if c.ExtendLease {
		policy.ExtendPeriod = c.ExtendPeriod
	}
	return policy
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.LockWaitTimeout < 0 {
		return ErrInvalidConfig
	}
	if c.LockRetryInterval <= 0 {
		return ErrInvalidConfig
	}
	if c.LeaseTTL <= 0 {
		return ErrInvalidConfig
	}
	if c.ExtendLease {
		if c.ExtendPeriod <= 0 {
			return ErrInvalidConfig
		}
		if c.ExtendPeriod >= c.LeaseTTL {
			return ErrInvalidConfig
		}
	} else if c.MaxOperationTime > 0 && c.LeaseTTL <= c.MaxOperationTime {
		// Without renewal the lease must outlast the operation, or ownership
		// can be reassigned while the first holder is still executing.
		return ErrInvalidConfig
	}
	if c.DeductQuantity <= 0 {
		return ErrInvalidConfig
	}
	if c.KeyPrefix == "" {
		return ErrInvalidConfig
	}
	return nil
}
