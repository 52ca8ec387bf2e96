package termination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrTeardown matches any *TeardownError via errors.Is.
var ErrTeardown = errors.New("teardown failed")

// Handle is an obligation to release a resource when a simulator is freed.
// The release function runs at most once; later calls return the first result.
type Handle struct {
	id   string
	kind string
	fn   func(context.Context) error

	once    sync.Once
	mu      sync.Mutex
	invoked bool
	err     error
}

// New wraps fn. kind is a short label used in logs and errors (e.g. "monitor", "agent").
func New(kind string, fn func(context.Context) error) *Handle {
	return &Handle{id: uuid.NewString(), kind: kind, fn: fn}
}

func (h *Handle) ID() string   { return h.id }
func (h *Handle) Kind() string { return h.kind }

// Terminate runs the release function once.
func (h *Handle) Terminate(ctx context.Context) error {
	h.once.Do(func() {
		var err error
		if h.fn != nil {
			err = safeCall(ctx, h.fn)
		}
		h.mu.Lock()
		h.invoked = true
		h.err = err
		h.mu.Unlock()
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Invoked reports whether Terminate has run.
func (h *Handle) Invoked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.invoked
}

func (h *Handle) String() string { return h.kind + ":" + h.id }

// safeCall converts a panic in a release function into an error so one broken
// handle cannot prevent the remaining ones from running.
func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// HandleError ties a failure to the handle that produced it.
type HandleError struct {
	Handle string
	Err    error
}

func (e *HandleError) Error() string { return e.Handle + ": " + e.Err.Error() }
func (e *HandleError) Unwrap() error { return e.Err }

// TeardownError collects the failures of one teardown pass.
type TeardownError struct {
	UDID   string
	Errors []error
}

func (e *TeardownError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("teardown of %s: %d handle(s) failed: %s", e.UDID, len(e.Errors), strings.Join(msgs, "; "))
}

func (e *TeardownError) Unwrap() []error { return e.Errors }

func (e *TeardownError) Is(target error) bool { return target == ErrTeardown }

// TeardownAll terminates every handle in order. A failing handle never stops
// the remaining ones. The returned slice holds one *HandleError per failure.
func TeardownAll(ctx context.Context, handles []*Handle) []error {
	var errs []error
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Terminate(ctx); err != nil {
			errs = append(errs, &HandleError{Handle: h.String(), Err: err})
		}
	}
	return errs
}
