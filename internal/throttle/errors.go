package throttle

import "errors"

var (
	// ErrPolicyNotFound is returned when a scope has no policy and no default exists
	ErrPolicyNotFound = errors.New("throttle policy not found")

	// ErrInvalidPolicy is returned when a policy violates its invariants
	ErrInvalidPolicy = errors.New("invalid throttle policy")

	// ErrStoreUnavailable is returned by counter stores when the backing store cannot be reached
	ErrStoreUnavailable = errors.New("counter store unavailable")

	// ErrThrottleUnavailable is returned by the engine when a decision could not be made
	ErrThrottleUnavailable = errors.New("throttle unavailable")
)

// unavailable wraps a store failure so that it matches both ErrThrottleUnavailable
// and the original cause.
func unavailable(op string, err error) error {
	return &unavailableError{op: op, err: err}
}

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return ErrThrottleUnavailable.Error() + ": " + e.op + ": " + e.err.Error()
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrThrottleUnavailable, e.err}
}
