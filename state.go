package lockperf

// CallState represents the state of one guarded deduction call
type CallState string

const (
	// CallStateIdle indicates the call has not started
	CallStateIdle CallState = "IDLE"
	// CallStateKeysDerived indicates the lock keys have been derived
	CallStateKeysDerived CallState = "KEYS_DERIVED"
	// CallStateLockAcquired indicates the multi-lock is held
	CallStateLockAcquired CallState = "LOCK_ACQUIRED"
	// CallStateInTransaction indicates the protected operation is running
	CallStateInTransaction CallState = "IN_TRANSACTION"
	// CallStateCompleted indicates the call completed successfully
	CallStateCompleted CallState = "COMPLETED"
	// CallStateRejected indicates the call was rejected before the operation ran
	CallStateRejected CallState = "REJECTED"
	// CallStateFailed indicates the protected operation failed
	CallStateFailed CallState = "FAILED"
	// CallStateInterrupted indicates the caller was cancelled while the guard held or awaited locks
	CallStateInterrupted CallState = "INTERRUPTED"
)

// validCallTransitions defines valid state transitions for a guarded call
var validCallTransitions = map[CallState][]CallState{
	CallStateIdle: {
		CallStateKeysDerived,
		CallStateRejected,
	},
	CallStateKeysDerived: {
		CallStateLockAcquired,
		CallStateRejected,
		CallStateInterrupted,
	},
	CallStateLockAcquired: {
		CallStateInTransaction,
		CallStateInterrupted,
	},
	CallStateInTransaction: {
		CallStateCompleted,
		CallStateFailed,
		CallStateInterrupted,
	},
	CallStateCompleted:   {},
	CallStateRejected:    {},
	CallStateFailed:      {},
	CallStateInterrupted: {},
}

// ValidateCallTransition checks if a call state transition is valid
func ValidateCallTransition(from, to CallState) bool {
	validTargets, ok := validCallTransitions[from]
	if !ok {
		return false
	}
	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// IsCallTerminal returns true if the call state is terminal (no further transitions)
func IsCallTerminal(state CallState) bool {
	switch state {
	case CallStateCompleted, CallStateRejected, CallStateFailed, CallStateInterrupted:
		return true
	default:
		return false
	}
}

// IsCallRejection returns true if the call never reached its protected operation
func IsCallRejection(state CallState) bool {
	switch state {
	case CallStateRejected, CallStateInterrupted:
		return true
	default:
		return false
	}
}

// callTracker follows one guarded call through the transition table.
// A step the table does not allow leaves the state unchanged.
type callTracker struct {
	state CallState
}

func newCallTracker() *callTracker {
	return &callTracker{state: CallStateIdle}
}

func (c *callTracker) to(next CallState) CallState {
	if ValidateCallTransition(c.state, next) {
		c.state = next
	}
	return c.state
}

func (c *callTracker) current() CallState {
	return c.state
}
