package vmm

import "errors"

var (
	// ErrInvalidArgument reports a malformed management request (bad
	// vCPU id, bad register, misaligned or overlapping range). Nothing
	// is mutated.
	ErrInvalidArgument = errors.New("vmm: invalid argument")

	// ErrBusy reports an operation that requires a quiescent vCPU (or
	// VM) observing one that is not. Recoverable by retry.
	ErrBusy = errors.New("vmm: busy")

	// ErrExists reports creation over an occupied identifier.
	ErrExists = errors.New("vmm: already exists")

	// ErrNoSpace reports exhaustion of a fixed-capacity table
	// (mappings, MMIO regions). The caller must free a slot.
	ErrNoSpace = errors.New("vmm: no free slot")

	// ErrSuspendInProgress reports a second suspend request while one
	// is pending.
	ErrSuspendInProgress = errors.New("vmm: suspend already in progress")

	// ErrClosed reports use of a destroyed VM.
	ErrClosed = errors.New("vmm: virtual machine closed")
)
