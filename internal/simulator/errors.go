package simulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/simpool/internal/state"
)

var (
	// ErrTransition matches any *TransitionError.
	ErrTransition = errors.New("invalid state transition")
	// ErrTimeout matches any *TimeoutError.
	ErrTimeout = errors.New("timed out")
)

// TransitionError reports a status that fits no defined transition. The
// simulator has already been moved to Unknown when this is returned from Observe.
type TransitionError struct {
	UDID string
	From state.State
	To   state.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("simulator %s: invalid transition %s -> %s", e.UDID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrTransition }

// TimeoutError reports a bounded wait that ran out.
type TimeoutError struct {
	Op    string
	UDID  string
	After time.Duration
	Last  state.State
	Err   error
}

func (e *TimeoutError) Error() string {
	if e.UDID == "" {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.After.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s of %s timed out after %s (last state %s)", e.Op, e.UDID, e.After.Round(time.Millisecond), e.Last)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error {
	if e.Err == nil {
		return context.DeadlineExceeded
	}
	return e.Err
}
