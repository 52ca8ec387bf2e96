package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/simpool/internal/event"
	"github.com/loykin/simpool/internal/metrics"
)

// EventType defines the kind of exported lifecycle event.
type EventType string

const (
	EventLaunch    EventType = "launch"
	EventTerminate EventType = "terminate"
	EventState     EventType = "state"
	EventOther     EventType = "other"
)

// Record is the flat row exported to analytics systems.
type Record struct {
	UDID       string    `json:"udid"`
	Name       string    `json:"name"`
	Seq        uint64    `json:"seq"`
	Kind       string    `json:"kind"`
	State      string    `json:"state"`
	PID        int       `json:"pid"`
	LaunchPath string    `json:"launch_path,omitempty"`
	Expected   bool      `json:"expected"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// NamedSink labels a sink for logs and metrics.
type NamedSink struct {
	Name string
	Sink Sink
}

// Exporter forwards simulator events to external sinks.
type Exporter struct {
	name    string
	sinks   []NamedSink
	timeout time.Duration
	logger  *slog.Logger

	mu  sync.Mutex
	seq map[string]uint64
}

// NewExporter returns an exporter for the named simulator set. timeout bounds
// each Send; 0 means 5s.
func NewExporter(name string, timeout time.Duration, logger *slog.Logger, sinks ...NamedSink) *Exporter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{name: name, sinks: sinks, timeout: timeout, logger: logger, seq: make(map[string]uint64)}
}

// HandleEvent converts e and sends it to every sink. Failures are logged and
// counted; they never reach the emitter.
func (x *Exporter) HandleEvent(e event.Event) {
	if len(x.sinks) == 0 {
		return
	}
	x.mu.Lock()
	x.seq[e.UDID]++
	seq := x.seq[e.UDID]
	x.mu.Unlock()

	he := Convert(e, x.name, seq)
	for _, s := range x.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), x.timeout)
		err := s.Sink.Send(ctx, he)
		cancel()
		if err != nil {
			metrics.IncHistoryExportFailure(s.Name)
			x.logger.Warn("history export failed", "sink", s.Name, "udid", e.UDID, "kind", string(e.Kind), "error", err)
		}
	}
}

// Convert flattens a simulator event into an export event.
func Convert(e event.Event, name string, seq uint64) Event {
	rec := Record{
		UDID:       e.UDID,
		Name:       name,
		Seq:        seq,
		Kind:       string(e.Kind),
		Expected:   e.Expected,
		OccurredAt: e.OccurredAt.UTC(),
	}
	if e.Process != nil {
		rec.PID = e.Process.PID()
		rec.LaunchPath = e.Process.LaunchPath()
	}
	typ := EventOther
	switch e.Kind {
	case event.ContainerLaunch, event.RuntimeLaunch, event.AgentLaunch, event.ApplicationLaunch, event.FramebufferStart:
		typ = EventLaunch
	case event.ContainerTerminate, event.RuntimeTerminate, event.AgentTerminate, event.ApplicationTerminate, event.FramebufferStop:
		typ = EventTerminate
	case event.StateChange:
		typ = EventState
		rec.State = e.State.String()
	}
	switch {
	case e.Launch != nil:
		rec.Detail = e.Launch.String()
	case e.Framebuffer != nil:
		rec.Detail = fmt.Sprintf("framebuffer %s %dx%d", e.Framebuffer.ID, e.Framebuffer.Width, e.Framebuffer.Height)
	case e.Diagnostic != nil:
		rec.Detail = fmt.Sprintf("%s=%v", e.Diagnostic.Name, e.Diagnostic.Value)
	case e.Handle != nil:
		rec.Detail = e.Handle.String()
	}
	return Event{Type: typ, OccurredAt: rec.OccurredAt, Record: rec}
}

var _ event.Listener = (*Exporter)(nil)
