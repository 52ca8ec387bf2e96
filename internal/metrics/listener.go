package metrics

import (
	"sync"

	"github.com/loykin/simpool/internal/event"
	"github.com/loykin/simpool/internal/state"
)

// Listener counts simulator events. One Listener may be shared by every
// simulator of a pool; it tracks the last state per UDID to label transitions.
type Listener struct {
	mu   sync.Mutex
	last map[string]state.State
}

func NewListener() *Listener {
	return &Listener{last: make(map[string]state.State)}
}

func (l *Listener) HandleEvent(e event.Event) {
	IncEvent(string(e.Kind))
	switch {
	case e.Kind == event.StateChange:
		l.mu.Lock()
		from, seen := l.last[e.UDID]
		l.last[e.UDID] = e.State
		l.mu.Unlock()
		if seen {
			RecordStateTransition(from.String(), e.State.String())
		}
	case e.Kind.IsTermination() && !e.Expected:
		IncUnexpectedTermination(string(e.Kind))
	}
}

// Forget drops per-simulator state once a simulator is deleted.
func (l *Listener) Forget(udid string) {
	l.mu.Lock()
	delete(l.last, udid)
	l.mu.Unlock()
}

var _ event.Listener = (*Listener)(nil)
