package event

import (
	"io"
	"time"

	"github.com/loykin/simpool/internal/launch"
	"github.com/loykin/simpool/internal/process"
	"github.com/loykin/simpool/internal/state"
	"github.com/loykin/simpool/internal/termination"
)

// Kind identifies the category of a lifecycle event.
type Kind string

const (
	ContainerLaunch      Kind = "container_launch"
	ContainerTerminate   Kind = "container_terminate"
	RuntimeLaunch        Kind = "runtime_launch"
	RuntimeTerminate     Kind = "runtime_terminate"
	AgentLaunch          Kind = "agent_launch"
	AgentTerminate       Kind = "agent_terminate"
	ApplicationLaunch    Kind = "application_launch"
	ApplicationTerminate Kind = "application_terminate"
	FramebufferStart     Kind = "framebuffer_start"
	FramebufferStop      Kind = "framebuffer_stop"
	Diagnostic           Kind = "diagnostic"
	StateChange          Kind = "state_change"
	TerminationHandle    Kind = "termination_handle"
)

// IsTermination reports whether k ends the life of a process or framebuffer.
func (k Kind) IsTermination() bool {
	switch k {
	case ContainerTerminate, RuntimeTerminate, AgentTerminate, ApplicationTerminate, FramebufferStop:
		return true
	}
	return false
}

// Framebuffer describes a simulator framebuffer. The live pixel stream stays with
// the capture component; events only carry this descriptor.
type Framebuffer struct {
	ID     string `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Scale  string `json:"scale,omitempty"`
}

// DiagnosticInfo is a named value, optionally scoped to a process.
// A nil Process means the diagnostic belongs to the simulator itself.
type DiagnosticInfo struct {
	Name    string        `json:"name"`
	Process *process.Info `json:"process,omitempty"`
	Value   any           `json:"value"`
}

// Streams are optional output handles of a launched agent or application.
type Streams struct {
	Stdout io.Reader `json:"-"`
	Stderr io.Reader `json:"-"`
}

// Event is an immutable snapshot of one lifecycle change. Fields irrelevant to
// Kind are zero.
type Event struct {
	Kind        Kind                `json:"kind"`
	UDID        string              `json:"udid"`
	OccurredAt  time.Time           `json:"occurred_at"`
	Process     *process.Info       `json:"process,omitempty"`
	Expected    bool                `json:"expected"`
	Launch      launch.Config       `json:"launch,omitempty"`
	Streams     Streams             `json:"-"`
	Framebuffer *Framebuffer        `json:"framebuffer,omitempty"`
	Diagnostic  *DiagnosticInfo     `json:"diagnostic,omitempty"`
	State       state.State         `json:"state"`
	Handle      *termination.Handle `json:"-"`
}

// Listener receives events. HandleEvent runs synchronously on the emitting
// goroutine and must not emit into the same sink.
type Listener interface {
	HandleEvent(e Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(e Event) { f(e) }

// Sink is the producer surface: the only channel through which launches,
// terminations and state changes are reported into the core.
type Sink interface {
	ContainerDidLaunch(p process.Info)
	ContainerDidTerminate(p process.Info, expected bool)
	RuntimeDidLaunch(p process.Info)
	RuntimeDidTerminate(p process.Info, expected bool)
	AgentDidLaunch(cfg launch.Config, p process.Info, out Streams)
	AgentDidTerminate(p process.Info, expected bool)
	ApplicationDidLaunch(cfg launch.Config, p process.Info, out Streams)
	ApplicationDidTerminate(p process.Info, expected bool)
	FramebufferDidStart(fb Framebuffer)
	FramebufferDidTerminate(fb Framebuffer, expected bool)
	DiagnosticAvailable(name string, p *process.Info, value any)
	DidChangeState(s state.State)
	TerminationHandleAvailable(h *termination.Handle)
}
