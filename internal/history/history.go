package history

import (
	"sync"

	"github.com/loykin/simpool/internal/event"
	"github.com/loykin/simpool/internal/launch"
	"github.com/loykin/simpool/internal/process"
	"github.com/loykin/simpool/internal/state"
)

// Entry is one appended event with its position in the log.
type Entry struct {
	Seq   uint64      `json:"seq"`
	Event event.Event `json:"event"`
}

// ProcessState is the last known record of a process category.
type ProcessState struct {
	Info    process.Info  `json:"info"`
	Launch  launch.Config `json:"launch,omitempty"`
	Running bool          `json:"running"`
}

// FramebufferState is the last known framebuffer and whether it is still live.
type FramebufferState struct {
	Framebuffer event.Framebuffer `json:"framebuffer"`
	Running     bool              `json:"running"`
}

// History is the append-only timeline of one simulator. It is an event.Listener;
// sequence numbers start at 1 and wall-clock times are advisory.
type History struct {
	udid string

	mu      sync.RWMutex
	entries []Entry
}

func New(udid string) *History {
	return &History{udid: udid}
}

func (h *History) UDID() string { return h.udid }

// HandleEvent appends e. Events are never dropped or reordered.
func (h *History) HandleEvent(e event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, Entry{Seq: uint64(len(h.entries)) + 1, Event: e})
}

// Entries returns a copy of the full ordered log.
func (h *History) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Entry(nil), h.entries...)
}

// Since returns entries with Seq greater than seq.
func (h *History) Since(seq uint64) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if seq >= uint64(len(h.entries)) {
		return nil
	}
	return append([]Entry(nil), h.entries[seq:]...)
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// CurrentState is the most recently recorded state, or Unknown when none was.
func (h *History) CurrentState() state.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stateAtLocked(uint64(len(h.entries)))
}

// StateAt returns the state as of entry seq, inclusive.
func (h *History) StateAt(seq uint64) state.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if seq > uint64(len(h.entries)) {
		seq = uint64(len(h.entries))
	}
	return h.stateAtLocked(seq)
}

func (h *History) stateAtLocked(seq uint64) state.State {
	for i := int(seq) - 1; i >= 0; i-- {
		if e := h.entries[i].Event; e.Kind == event.StateChange {
			return e.State
		}
	}
	return state.Unknown
}

// StateChanges returns the recorded states in order.
func (h *History) StateChanges() []state.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []state.State
	for _, en := range h.entries {
		if en.Event.Kind == event.StateChange {
			out = append(out, en.Event.State)
		}
	}
	return out
}

func (h *History) LastContainer() (ProcessState, bool) {
	return h.last(event.ContainerLaunch, event.ContainerTerminate)
}

func (h *History) LastRuntime() (ProcessState, bool) {
	return h.last(event.RuntimeLaunch, event.RuntimeTerminate)
}

func (h *History) LastAgent() (ProcessState, bool) {
	return h.last(event.AgentLaunch, event.AgentTerminate)
}

func (h *History) LastApplication() (ProcessState, bool) {
	return h.last(event.ApplicationLaunch, event.ApplicationTerminate)
}

func (h *History) last(launchKind, terminateKind event.Kind) (ProcessState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		e := h.entries[i].Event
		if e.Kind != launchKind || e.Process == nil {
			continue
		}
		ps := ProcessState{Info: *e.Process, Launch: e.Launch, Running: true}
		for _, later := range h.entries[i+1:] {
			if later.Event.Kind == terminateKind && later.Event.Process != nil && later.Event.Process.PID() == e.Process.PID() {
				ps.Running = false
				break
			}
		}
		return ps, true
	}
	return ProcessState{}, false
}

func (h *History) RunningAgents() []ProcessState {
	return h.running(event.AgentLaunch, event.AgentTerminate)
}

func (h *History) RunningApplications() []ProcessState {
	return h.running(event.ApplicationLaunch, event.ApplicationTerminate)
}

// running replays launches and terminations of one category, in launch order.
func (h *History) running(launchKind, terminateKind event.Kind) []ProcessState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var live []ProcessState
	for _, en := range h.entries {
		e := en.Event
		if e.Process == nil {
			continue
		}
		switch e.Kind {
		case launchKind:
			live = append(live, ProcessState{Info: *e.Process, Launch: e.Launch, Running: true})
		case terminateKind:
			for i := range live {
				if live[i].Info.PID() == e.Process.PID() {
					live = append(live[:i], live[i+1:]...)
					break
				}
			}
		}
	}
	return live
}

// Diagnostics returns diagnostics scoped to pid, or instance-level ones when
// pid is 0.
func (h *History) Diagnostics(pid int) []event.DiagnosticInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []event.DiagnosticInfo
	for _, en := range h.entries {
		d := en.Event.Diagnostic
		if en.Event.Kind != event.Diagnostic || d == nil {
			continue
		}
		switch {
		case pid == 0 && d.Process == nil:
			out = append(out, *d)
		case pid != 0 && d.Process != nil && d.Process.PID() == pid:
			out = append(out, *d)
		}
	}
	return out
}

func (h *History) LastFramebuffer() (FramebufferState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		e := h.entries[i].Event
		if e.Framebuffer == nil {
			continue
		}
		switch e.Kind {
		case event.FramebufferStart:
			return FramebufferState{Framebuffer: *e.Framebuffer, Running: true}, true
		case event.FramebufferStop:
			return FramebufferState{Framebuffer: *e.Framebuffer}, true
		}
	}
	return FramebufferState{}, false
}

var _ event.Listener = (*History)(nil)
