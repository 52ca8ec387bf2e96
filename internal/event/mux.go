package event

import (
	"sync"
	"time"

	"github.com/loykin/simpool/internal/launch"
	"github.com/loykin/simpool/internal/process"
	"github.com/loykin/simpool/internal/state"
	"github.com/loykin/simpool/internal/termination"
)

// Mux fans events for one simulator out to its listeners.
//
// Delivery is synchronous and in registration order. The emission lock is held
// for the whole delivery, so events produced concurrently by independent
// monitors still reach every listener in one total order.
type Mux struct {
	udid string
	now  func() time.Time

	emitMu sync.Mutex
	closed bool

	mu        sync.RWMutex
	listeners []Listener
}

// NewMux returns a mux stamping events with udid.
func NewMux(udid string, listeners ...Listener) *Mux {
	return &Mux{udid: udid, now: time.Now, listeners: append([]Listener(nil), listeners...)}
}

func (m *Mux) UDID() string { return m.udid }

// Add appends a listener. It receives only events emitted after Add returns.
func (m *Mux) Add(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Len returns the number of registered listeners.
func (m *Mux) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// Close stops delivery. Later emissions are dropped.
func (m *Mux) Close() {
	m.emitMu.Lock()
	m.closed = true
	m.emitMu.Unlock()
}

// Closed reports whether Close has been called.
func (m *Mux) Closed() bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	return m.closed
}

// Emit stamps and delivers e. It reports false when the mux is closed.
func (m *Mux) Emit(e Event) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	if m.closed {
		return false
	}
	e.UDID = m.udid
	if e.OccurredAt.IsZero() {
		e.OccurredAt = m.now()
	}
	m.mu.RLock()
	ls := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range ls {
		l.HandleEvent(e)
	}
	return true
}

func procPtr(p process.Info) *process.Info { return &p }

func (m *Mux) ContainerDidLaunch(p process.Info) {
	m.Emit(Event{Kind: ContainerLaunch, Process: procPtr(p)})
}

func (m *Mux) ContainerDidTerminate(p process.Info, expected bool) {
	m.Emit(Event{Kind: ContainerTerminate, Process: procPtr(p), Expected: expected})
}

func (m *Mux) RuntimeDidLaunch(p process.Info) {
	m.Emit(Event{Kind: RuntimeLaunch, Process: procPtr(p)})
}

func (m *Mux) RuntimeDidTerminate(p process.Info, expected bool) {
	m.Emit(Event{Kind: RuntimeTerminate, Process: procPtr(p), Expected: expected})
}

func (m *Mux) AgentDidLaunch(cfg launch.Config, p process.Info, out Streams) {
	m.Emit(Event{Kind: AgentLaunch, Launch: cfg, Process: procPtr(p), Streams: out})
}

func (m *Mux) AgentDidTerminate(p process.Info, expected bool) {
	m.Emit(Event{Kind: AgentTerminate, Process: procPtr(p), Expected: expected})
}

func (m *Mux) ApplicationDidLaunch(cfg launch.Config, p process.Info, out Streams) {
	m.Emit(Event{Kind: ApplicationLaunch, Launch: cfg, Process: procPtr(p), Streams: out})
}

func (m *Mux) ApplicationDidTerminate(p process.Info, expected bool) {
	m.Emit(Event{Kind: ApplicationTerminate, Process: procPtr(p), Expected: expected})
}

func (m *Mux) FramebufferDidStart(fb Framebuffer) {
	m.Emit(Event{Kind: FramebufferStart, Framebuffer: &fb})
}

func (m *Mux) FramebufferDidTerminate(fb Framebuffer, expected bool) {
	m.Emit(Event{Kind: FramebufferStop, Framebuffer: &fb, Expected: expected})
}

func (m *Mux) DiagnosticAvailable(name string, p *process.Info, value any) {
	d := &DiagnosticInfo{Name: name, Value: value}
	if p != nil {
		d.Process = procPtr(*p)
	}
	m.Emit(Event{Kind: Diagnostic, Diagnostic: d, Process: d.Process})
}

func (m *Mux) DidChangeState(s state.State) {
	m.Emit(Event{Kind: StateChange, State: s})
}

func (m *Mux) TerminationHandleAvailable(h *termination.Handle) {
	if h == nil {
		return
	}
	m.Emit(Event{Kind: TerminationHandle, Handle: h})
}

var _ Sink = (*Mux)(nil)
