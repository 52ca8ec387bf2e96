package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/simpool/internal/event"
)

// Listener persists state changes of simulators as they happen.
type Listener struct {
	st      Store
	timeout time.Duration
	logger  *slog.Logger
}

func NewListener(st Store, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{st: st, timeout: 3 * time.Second, logger: logger}
}

func (l *Listener) HandleEvent(e event.Event) {
	if e.Kind != event.StateChange {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.st.UpdateState(ctx, e.UDID, e.State.String()); err != nil {
		l.logger.Warn("persist simulator state failed", "udid", e.UDID, "state", e.State.String(), "error", err)
	}
}

var _ event.Listener = (*Listener)(nil)
