package simulator

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/loykin/simpool/internal/device"
	"github.com/loykin/simpool/internal/event"
	"github.com/loykin/simpool/internal/history"
	"github.com/loykin/simpool/internal/process"
	"github.com/loykin/simpool/internal/state"
	"github.com/loykin/simpool/internal/termination"
)

// Params describes a simulator being put under management.
type Params struct {
	UDID          string
	Name          string
	Configuration device.Configuration
	DataDir       string
	PoolID        string
	// Initial is recorded as the first state_change. Pools pass Creating for
	// fresh devices and the platform status for adopted ones.
	Initial   state.State
	Listeners []event.Listener
	Logger    *slog.Logger
}

// Simulator is the state machine and property bag of one managed device.
//
// Fields are written only by the bookkeeping listener, which runs first in
// delivery order, so every other listener observes fields that already reflect
// the event it is handling.
type Simulator struct {
	udid    string
	name    string
	cfg     device.Configuration
	dataDir string
	poolID  string
	logger  *slog.Logger

	history *history.History
	mux     *event.Mux
	sink    *sink

	// transMu serializes transitions so the check and the emitted event agree.
	transMu sync.Mutex

	mu           sync.RWMutex
	st           state.State
	allocated    bool
	container    *process.Info
	runtime      *process.Info
	framebuffer  *event.Framebuffer
	agents       map[string]process.Info
	applications map[string]process.Info
	handles      []*termination.Handle
	changed      chan struct{}
}

func New(p Params) *Simulator {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Simulator{
		udid:         p.UDID,
		name:         p.Name,
		cfg:          p.Configuration,
		dataDir:      p.DataDir,
		poolID:       p.PoolID,
		logger:       logger.With("udid", p.UDID),
		history:      history.New(p.UDID),
		st:           state.Unknown,
		agents:       make(map[string]process.Info),
		applications: make(map[string]process.Info),
		changed:      make(chan struct{}),
	}
	s.mux = event.NewMux(p.UDID, bookkeeper{s}, s.history)
	for _, l := range p.Listeners {
		s.mux.Add(l)
	}
	s.sink = &sink{Mux: s.mux, s: s}
	s.mux.DidChangeState(p.Initial)
	return s
}

func (s *Simulator) UDID() string                        { return s.udid }
func (s *Simulator) Name() string                        { return s.name }
func (s *Simulator) Configuration() device.Configuration { return s.cfg }
func (s *Simulator) Family() device.Family               { return s.cfg.Family }
func (s *Simulator) DataDir() string                     { return s.dataDir }
func (s *Simulator) PoolID() string                      { return s.poolID }
func (s *Simulator) History() *history.History           { return s.history }

// Sink is the producer surface for this simulator. State changes reported
// through it are treated as platform observations and validated.
func (s *Simulator) Sink() event.Sink { return s.sink }

// AddListener attaches l after the existing listeners.
func (s *Simulator) AddListener(l event.Listener) { s.mux.Add(l) }

// Close stops event delivery. Used when the backing device is deleted.
func (s *Simulator) Close() { s.mux.Close() }

func (s *Simulator) Closed() bool { return s.mux.Closed() }

func (s *Simulator) State() state.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

func (s *Simulator) Allocated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allocated
}

// SetAllocated flips the lease flag. Only the owning pool calls it, under the
// pool lock, together with the matching set move.
func (s *Simulator) SetAllocated(v bool) {
	s.mu.Lock()
	s.allocated = v
	s.mu.Unlock()
}

// RuntimeAlive reports whether a runtime process is currently recorded.
func (s *Simulator) RuntimeAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runtime != nil
}

// RegisterTerminationHandle emits termination_handle; the handle is recorded
// by the bookkeeping listener and invoked once when the simulator is freed.
func (s *Simulator) RegisterTerminationHandle(h *termination.Handle) {
	s.mux.TerminationHandleAvailable(h)
}

// TakeTerminationHandles transfers ownership of the live handles to the caller
// and clears the list.
func (s *Simulator) TakeTerminationHandles() []*termination.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := s.handles
	s.handles = nil
	return hs
}

// ResetTransient clears per-lease records. History is kept.
func (s *Simulator) ResetTransient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.container = nil
	s.runtime = nil
	s.framebuffer = nil
	s.agents = make(map[string]process.Info)
	s.applications = make(map[string]process.Info)
	s.handles = nil
}

// Observe feeds a platform status report into the state machine. A report that
// fits no transition moves the simulator to Unknown and returns *TransitionError.
// While Unknown, reports are ignored until Resync. A report of the state an
// initiated boot or shutdown started from is treated as lag, not as a change.
func (s *Simulator) Observe(platform state.State, runtimeAlive bool) error {
	s.transMu.Lock()
	defer s.transMu.Unlock()
	return s.observeLocked(platform, runtimeAlive)
}

func (s *Simulator) observeLocked(platform state.State, runtimeAlive bool) error {
	cur := s.State()
	switch {
	case platform == cur:
		return nil
	case !platform.IsKnown():
		s.logger.Warn("platform reported unrecognized status", "from", cur.String())
		s.mux.DidChangeState(state.Unknown)
		return nil
	case cur == state.Unknown:
		return nil
	case cur == state.Booting && platform == state.Booted && !runtimeAlive:
		return nil
	case cur == state.ShuttingDown && platform == state.Shutdown && runtimeAlive:
		return nil
	case cur == state.Booting && platform == state.Shutdown,
		cur == state.ShuttingDown && platform == state.Booted:
		// the platform has not caught up with an initiated transition yet
		return nil
	case state.Allowed(cur, platform):
		s.mux.DidChangeState(platform)
		return nil
	}
	s.logger.Warn("inconsistent platform status", "from", cur.String(), "reported", platform.String())
	s.mux.DidChangeState(state.Unknown)
	return &TransitionError{UDID: s.udid, From: cur, To: platform}
}

// BeginBoot records that a boot was initiated.
func (s *Simulator) BeginBoot() error {
	return s.begin(state.Shutdown, state.Booting)
}

// BeginShutdown records that a shutdown was initiated.
func (s *Simulator) BeginShutdown() error {
	return s.begin(state.Booted, state.ShuttingDown)
}

func (s *Simulator) begin(from, to state.State) error {
	s.transMu.Lock()
	defer s.transMu.Unlock()
	if cur := s.State(); cur != from {
		return &TransitionError{UDID: s.udid, From: cur, To: to}
	}
	s.mux.DidChangeState(to)
	return nil
}

// Resync re-derives state from the platform. From Unknown it moves straight to
// the reported known state; otherwise it behaves as Observe.
func (s *Simulator) Resync(platform state.State, runtimeAlive bool) error {
	s.transMu.Lock()
	defer s.transMu.Unlock()
	if s.State() == state.Unknown {
		if platform.IsKnown() {
			s.mux.DidChangeState(platform)
		}
		return nil
	}
	return s.observeLocked(platform, runtimeAlive)
}

// ForceShutdown drives the simulator to Shutdown after its device was reset.
// States with no direct edge to Shutdown pass through Unknown so every recorded
// pair stays valid.
func (s *Simulator) ForceShutdown() {
	s.transMu.Lock()
	defer s.transMu.Unlock()
	switch s.State() {
	case state.Shutdown:
		return
	case state.Unknown, state.ShuttingDown:
	default:
		s.mux.DidChangeState(state.Unknown)
	}
	s.mux.DidChangeState(state.Shutdown)
}

// WaitState blocks until the state is one of targets or ctx ends.
func (s *Simulator) WaitState(ctx context.Context, op string, targets ...state.State) (state.State, error) {
	start := time.Now()
	for {
		s.mu.RLock()
		cur, ch := s.st, s.changed
		s.mu.RUnlock()
		if slices.Contains(targets, cur) {
			return cur, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return cur, &TimeoutError{Op: op, UDID: s.udid, After: time.Since(start), Last: cur, Err: ctx.Err()}
		}
	}
}

// Snapshot is an immutable copy of a simulator's fields.
type Snapshot struct {
	UDID          string                  `json:"udid"`
	Name          string                  `json:"name"`
	Family        device.Family           `json:"family"`
	State         state.State             `json:"state"`
	Allocated     bool                    `json:"allocated"`
	DataDir       string                  `json:"data_dir"`
	PoolID        string                  `json:"pool_id"`
	Configuration device.Configuration    `json:"configuration"`
	Container     *process.Info           `json:"container,omitempty"`
	Runtime       *process.Info           `json:"runtime,omitempty"`
	Framebuffer   *event.Framebuffer      `json:"framebuffer,omitempty"`
	Agents        map[string]process.Info `json:"agents,omitempty"`
	Applications  map[string]process.Info `json:"applications,omitempty"`
	Handles       []string                `json:"handles,omitempty"`
	HistoryLen    int                     `json:"history_len"`
}

func (s *Simulator) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		UDID:          s.udid,
		Name:          s.name,
		Family:        s.cfg.Family,
		State:         s.st,
		Allocated:     s.allocated,
		DataDir:       s.dataDir,
		PoolID:        s.poolID,
		Configuration: s.cfg,
		Agents:        maps.Clone(s.agents),
		Applications:  maps.Clone(s.applications),
		HistoryLen:    s.history.Len(),
	}
	if s.container != nil {
		c := *s.container
		snap.Container = &c
	}
	if s.runtime != nil {
		r := *s.runtime
		snap.Runtime = &r
	}
	if s.framebuffer != nil {
		fb := *s.framebuffer
		snap.Framebuffer = &fb
	}
	for _, h := range s.handles {
		snap.Handles = append(snap.Handles, h.String())
	}
	return snap
}

func (s *Simulator) String() string {
	return s.name + " (" + s.udid + ")"
}

// sink routes producer state reports through validation; everything else goes
// straight to the mux.
type sink struct {
	*event.Mux
	s *Simulator
}

func (k *sink) DidChangeState(st state.State) {
	if err := k.s.Observe(st, k.s.RuntimeAlive()); err != nil {
		k.s.logger.Warn("state report rejected", "error", err)
	}
}

// bookkeeper keeps the simulator fields in step with its own event stream.
type bookkeeper struct{ s *Simulator }

func (b bookkeeper) HandleEvent(e event.Event) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Kind {
	case event.StateChange:
		s.st = e.State
		close(s.changed)
		s.changed = make(chan struct{})
	case event.ContainerLaunch:
		s.container = e.Process
	case event.ContainerTerminate:
		if samePID(s.container, e.Process) {
			s.container = nil
		}
	case event.RuntimeLaunch:
		s.runtime = e.Process
	case event.RuntimeTerminate:
		if samePID(s.runtime, e.Process) {
			s.runtime = nil
		}
	case event.AgentLaunch:
		if e.Launch != nil && e.Process != nil {
			s.agents[e.Launch.Key()] = *e.Process
		}
	case event.AgentTerminate:
		removeByPID(s.agents, e.Process)
	case event.ApplicationLaunch:
		if e.Launch != nil && e.Process != nil {
			s.applications[e.Launch.Key()] = *e.Process
		}
	case event.ApplicationTerminate:
		removeByPID(s.applications, e.Process)
	case event.FramebufferStart:
		s.framebuffer = e.Framebuffer
	case event.FramebufferStop:
		s.framebuffer = nil
	case event.TerminationHandle:
		s.handles = append(s.handles, e.Handle)
	}
}

func samePID(a, b *process.Info) bool {
	return a != nil && b != nil && a.PID() == b.PID()
}

func removeByPID(m map[string]process.Info, p *process.Info) {
	if p == nil {
		return
	}
	for k, v := range m {
		if v.PID() == p.PID() {
			delete(m, k)
		}
	}
}
