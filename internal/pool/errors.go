package pool

import (
	"errors"
	"fmt"

	"github.com/loykin/simpool/internal/device"
)

var (
	// ErrAllocation matches any *AllocationError.
	ErrAllocation = errors.New("allocation failed")
	// ErrNotAllocated matches any *FreeError.
	ErrNotAllocated = errors.New("simulator not allocated")
	// ErrNotFound is returned when a UDID is unknown to the pool.
	ErrNotFound = errors.New("simulator not found")
	// ErrClosed is returned by operations on a closed pool.
	ErrClosed = errors.New("pool closed")
	// ErrLeaseToken is returned when a lease token does not match the lease.
	ErrLeaseToken = errors.New("lease token mismatch")
)

// Reason classifies an allocation failure.
type Reason string

const (
	ReasonNoMatch           Reason = "no_match"
	ReasonCapacityExhausted Reason = "capacity_exhausted"
	ReasonCreateFailed      Reason = "create_failed"
	ReasonClosed            Reason = "closed"
	ReasonInvalidConfig     Reason = "invalid_configuration"
)

// AllocationError carries enough detail for the caller to retry or choose a
// different configuration.
type AllocationError struct {
	Config device.Configuration
	Reason Reason
	Err    error
}

func (e *AllocationError) Error() string {
	msg := fmt.Sprintf("allocate %s: %s", e.Config, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AllocationError) Is(target error) bool {
	return target == ErrAllocation || (e.Reason == ReasonClosed && target == ErrClosed)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// FreeError reports a release of a simulator the caller does not hold.
type FreeError struct {
	UDID   string
	Reason string
}

func (e *FreeError) Error() string {
	return fmt.Sprintf("free %s: %s", e.UDID, e.Reason)
}

func (e *FreeError) Is(target error) bool { return target == ErrNotAllocated }
