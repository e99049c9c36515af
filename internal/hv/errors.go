package hv

import "errors"

var (
	// ErrBackendUnavailable means no hardware virtualization backend can
	// run on this CPU: neither VT-x nor AMD-V is present, enabled and
	// unlocked.
	ErrBackendUnavailable = errors.New("hv: no usable virtualization backend")

	// ErrAllocationFailed wraps host page allocation failures during
	// machine construction.
	ErrAllocationFailed = errors.New("hv: control structure allocation failed")

	// ErrInvalidState is returned when an operation is called in a
	// lifecycle state that does not permit it.
	ErrInvalidState = errors.New("hv: operation not valid in current state")

	// ErrNoPendingAccess is returned when a device access completion
	// arrives without an outstanding device exit.
	ErrNoPendingAccess = errors.New("hv: no device access pending")
)
