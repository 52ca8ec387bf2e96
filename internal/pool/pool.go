package pool

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/simpool/internal/device"
	"github.com/loykin/simpool/internal/event"
	"github.com/loykin/simpool/internal/metrics"
	"github.com/loykin/simpool/internal/monitor"
	"github.com/loykin/simpool/internal/process"
	"github.com/loykin/simpool/internal/simulator"
	"github.com/loykin/simpool/internal/state"
	"github.com/loykin/simpool/internal/store"
	"github.com/loykin/simpool/internal/termination"
)

const storeTimeout = 3 * time.Second

type lease struct {
	sim         *simulator.Simulator
	mon         *monitor.Monitor
	token       string
	disposition Disposition
	releasing   bool
	// ready is closed once the monitor runs and its handle is registered.
	ready chan struct{}
}

func newLease(sim *simulator.Simulator, disp Disposition) *lease {
	return &lease{sim: sim, token: uuid.NewString(), disposition: disp, ready: make(chan struct{})}
}

// Pool owns a set of simulators, split into a free set and an allocated set.
// Every simulator is in exactly one of them; set moves and the simulator's
// allocated flag change together under the pool lock.
type Pool struct {
	set    device.Set
	query  process.Query
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	free      []*simulator.Simulator
	allocated map[string]*lease
	listeners []event.Listener
	reserved  int
	closed    bool
	changed   chan struct{}
	created   int
	reused    int
}

// New creates an empty pool on top of set. query locates runtime and launched
// processes; it is usually the host process table or the set itself.
func New(set device.Set, query process.Query, opts Options) *Pool {
	opts = opts.withDefaults()
	p := &Pool{
		set:       set,
		query:     query,
		opts:      opts,
		logger:    opts.Logger.With("pool", opts.Name),
		allocated: make(map[string]*lease),
		changed:   make(chan struct{}),
	}
	p.listeners = append(p.listeners, opts.Listeners...)
	if opts.Store != nil {
		p.listeners = append(p.listeners, store.NewListener(opts.Store, p.logger))
	}
	return p
}

func (p *Pool) Name() string { return p.opts.Name }

// Allocate hands out a simulator for cfg. With Reuse a matching free simulator
// in Shutdown state is preferred; with Create a new device is created when
// nothing matches and capacity allows. A flag set naming neither Reuse nor
// Create falls back to both.
func (p *Pool) Allocate(ctx context.Context, cfg device.Configuration, opts AllocOptions) (*simulator.Simulator, error) {
	if !opts.Has(Reuse) && !opts.Has(Create) {
		opts |= DefaultAllocOptions
	}
	if err := cfg.Validate(); err != nil {
		metrics.IncAllocation(string(ReasonInvalidConfig))
		return nil, &AllocationError{Config: cfg, Reason: ReasonInvalidConfig, Err: err}
	}
	disp := opts.disposition(p.opts.Disposition)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		metrics.IncAllocation(string(ReasonClosed))
		return nil, &AllocationError{Config: cfg, Reason: ReasonClosed, Err: ErrClosed}
	}
	if opts.Has(Reuse) {
		if i := p.matchLocked(cfg); i >= 0 {
			sim := p.free[i]
			p.free = slices.Delete(p.free, i, i+1)
			l := newLease(sim, disp)
			p.allocated[sim.UDID()] = l
			sim.SetAllocated(true)
			p.reused++
			p.changedLocked()
			p.mu.Unlock()

			sim.ResetTransient()
			p.startLease(l)
			p.persist(sim)
			metrics.IncAllocation("reused")
			p.logger.Info("simulator allocated", "udid", sim.UDID(), "config", cfg.String(), "reused", true)
			return sim, nil
		}
	}
	if !opts.Has(Create) {
		p.mu.Unlock()
		metrics.IncAllocation(string(ReasonNoMatch))
		return nil, &AllocationError{Config: cfg, Reason: ReasonNoMatch}
	}
	if p.opts.Capacity > 0 && len(p.free)+len(p.allocated)+p.reserved >= p.opts.Capacity {
		p.mu.Unlock()
		metrics.IncAllocation(string(ReasonCapacityExhausted))
		return nil, &AllocationError{Config: cfg, Reason: ReasonCapacityExhausted}
	}
	p.reserved++
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()

	info, err := p.set.Create(ctx, cfg)
	if err != nil {
		p.mu.Lock()
		p.reserved--
		p.changedLocked()
		p.mu.Unlock()
		metrics.IncAllocation(string(ReasonCreateFailed))
		return nil, &AllocationError{Config: cfg, Reason: ReasonCreateFailed, Err: err}
	}
	sim := simulator.New(simulator.Params{
		UDID:          info.UDID,
		Name:          info.Name,
		Configuration: cfg,
		DataDir:       info.DataDir,
		PoolID:        p.opts.Name,
		Initial:       state.Creating,
		Listeners:     listeners,
		Logger:        p.opts.Logger,
	})
	l := newLease(sim, disp)

	p.mu.Lock()
	p.reserved--
	// listeners added while the device was being created
	for _, late := range p.listeners[len(listeners):] {
		sim.AddListener(late)
	}
	p.allocated[sim.UDID()] = l
	sim.SetAllocated(true)
	p.created++
	p.changedLocked()
	p.mu.Unlock()

	p.startLease(l)
	p.persist(sim)
	metrics.IncAllocation("created")
	p.logger.Info("simulator allocated", "udid", sim.UDID(), "config", cfg.String(), "reused", false)
	return sim, nil
}

func (p *Pool) startLease(l *lease) {
	mon := monitor.New(l.sim, p.set, p.query, monitor.Options{
		PollInterval: p.opts.PollInterval,
		UDIDEnv:      p.opts.UDIDEnv,
		Logger:       p.opts.Logger,
	})
	p.mu.Lock()
	l.mon = mon
	p.mu.Unlock()
	mon.Start(context.Background())
	l.sim.RegisterTerminationHandle(mon.Handle())
	close(l.ready)
}

// Release reports how a Free completed.
type Release struct {
	UDID        string      `json:"udid"`
	Disposition Disposition `json:"disposition"`
	// Warnings lists non-fatal problems; the simulator was released regardless.
	Warnings []string                  `json:"warnings,omitempty"`
	Teardown *termination.TeardownError `json:"-"`
}

// Free releases an allocated simulator. Termination handles are invoked once
// each, the monitor first; their failures become warnings. The device is then
// erased back into the free set or deleted according to the lease's
// disposition. A failed erase falls back to deletion. Freeing a simulator the
// pool does not hold returns *FreeError and changes nothing.
func (p *Pool) Free(ctx context.Context, sim *simulator.Simulator) (Release, error) {
	if sim == nil {
		return Release{}, &FreeError{Reason: "nil simulator"}
	}
	udid := sim.UDID()
	p.mu.Lock()
	l, ok := p.allocated[udid]
	if !ok || l.sim != sim {
		p.mu.Unlock()
		return Release{}, &FreeError{UDID: udid, Reason: "not allocated"}
	}
	if l.releasing {
		p.mu.Unlock()
		return Release{}, &FreeError{UDID: udid, Reason: "release already in progress"}
	}
	l.releasing = true
	p.mu.Unlock()
	// a Free racing Allocate must see the monitor handle
	<-l.ready

	rel := Release{UDID: udid}
	handles := sim.TakeTerminationHandles()
	if errs := termination.TeardownAll(ctx, handles); len(errs) > 0 {
		rel.Teardown = &termination.TeardownError{UDID: udid, Errors: errs}
		for _, err := range errs {
			rel.Warnings = append(rel.Warnings, err.Error())
		}
		metrics.AddTeardownFailures(len(errs))
		p.logger.Warn("teardown incomplete", "udid", udid, "failures", len(errs))
	}
	retire(sim)

	disp := l.disposition
	if disp == DispositionErase {
		if err := p.reset(ctx, sim); err != nil {
			rel.Warnings = append(rel.Warnings, fmt.Sprintf("reset failed, deleting device: %v", err))
			p.logger.Warn("reset failed, deleting device", "udid", udid, "error", err)
			disp = DispositionDelete
		}
	}
	if disp == DispositionDelete {
		if err := p.set.Delete(ctx, udid); err != nil && !errors.Is(err, device.ErrNotFound) {
			rel.Warnings = append(rel.Warnings, fmt.Sprintf("delete device: %v", err))
			p.logger.Warn("delete device failed", "udid", udid, "error", err)
		}
		if sim.State() == state.Booted {
			_ = sim.BeginShutdown()
		}
		sim.ForceShutdown()
	}
	rel.Disposition = disp

	p.mu.Lock()
	delete(p.allocated, udid)
	sim.SetAllocated(false)
	if disp == DispositionErase {
		p.free = append(p.free, sim)
	}
	p.changedLocked()
	p.mu.Unlock()

	if disp == DispositionDelete {
		sim.Close()
		p.forget(udid)
	} else {
		p.persist(sim)
	}
	metrics.IncFree(disp.String())
	p.logger.Info("simulator freed", "udid", udid, "disposition", disp.String(), "warnings", len(rel.Warnings))
	return rel, nil
}

// retire reports every process still on record as an expected exit, since
// nothing watches the simulator any more.
func retire(sim *simulator.Simulator) {
	snap := sim.Snapshot()
	sink := sim.Sink()
	for _, app := range sortedByPID(snap.Applications) {
		sink.ApplicationDidTerminate(app, true)
	}
	for _, agent := range sortedByPID(snap.Agents) {
		sink.AgentDidTerminate(agent, true)
	}
	if snap.Framebuffer != nil {
		sink.FramebufferDidTerminate(*snap.Framebuffer, true)
	}
	if snap.Runtime != nil {
		sink.RuntimeDidTerminate(*snap.Runtime, true)
	}
	if snap.Container != nil {
		sink.ContainerDidTerminate(*snap.Container, true)
	}
}

func sortedByPID(m map[string]process.Info) []process.Info {
	out := make([]process.Info, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID() < out[j].PID() })
	return out
}

// reset brings the device to Shutdown, erases it and clears the per-lease
// records of sim.
func (p *Pool) reset(ctx context.Context, sim *simulator.Simulator) error {
	udid := sim.UDID()
	ctx, cancel := context.WithTimeout(ctx, p.opts.ShutdownTimeout)
	defer cancel()

	st, err := p.set.Status(ctx, udid)
	if err != nil {
		return err
	}
	if sim.State() == state.Booted {
		_ = sim.BeginShutdown()
	}
	switch st {
	case state.Shutdown:
	case state.Creating, state.ShuttingDown:
		if err := p.waitPlatform(ctx, udid, state.Shutdown); err != nil {
			return err
		}
	default:
		if err := p.set.Shutdown(ctx, udid); err != nil {
			return err
		}
		if err := p.waitPlatform(ctx, udid, state.Shutdown); err != nil {
			return err
		}
	}
	if err := p.set.Erase(ctx, udid); err != nil {
		return err
	}
	sim.ResetTransient()
	sim.ForceShutdown()
	return nil
}

func (p *Pool) waitPlatform(ctx context.Context, udid string, target state.State) error {
	start := time.Now()
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	last := state.Unknown
	for {
		st, err := p.set.Status(ctx, udid)
		if err == nil {
			if st == target {
				return nil
			}
			last = st
		} else if errors.Is(err, device.ErrNotFound) {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return &simulator.TimeoutError{Op: "wait for " + target.String(), UDID: udid, After: time.Since(start), Last: last, Err: ctx.Err()}
		}
	}
}

// Boot initiates a boot and waits until the simulator is Booted, bounded by
// the pool's boot timeout. A simulator still being created is waited on first.
func (p *Pool) Boot(ctx context.Context, sim *simulator.Simulator) error {
	if err := p.checkLeased(sim); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.BootTimeout)
	defer cancel()
	if err := p.resyncUnknown(ctx, sim); err != nil {
		return err
	}
	if sim.State() == state.Booted {
		return nil
	}
	udid := sim.UDID()
	if sim.State() == state.Creating {
		if _, err := sim.WaitState(ctx, "create", state.Shutdown, state.Unknown); err != nil {
			return err
		}
	}
	if err := sim.BeginBoot(); err != nil && sim.State() != state.Booting {
		return err
	}
	start := time.Now()
	if err := p.set.Boot(ctx, udid); err != nil {
		return fmt.Errorf("boot %s: %w", udid, err)
	}
	got, err := sim.WaitState(ctx, "boot", state.Booted, state.Unknown)
	if err != nil {
		return err
	}
	if got == state.Unknown {
		return &simulator.TransitionError{UDID: udid, From: state.Booting, To: state.Unknown}
	}
	metrics.ObserveBootDuration(time.Since(start).Seconds())
	p.logger.Info("simulator booted", "udid", udid, "took", time.Since(start))
	return nil
}

// Shutdown initiates a shutdown and waits until the simulator is Shutdown,
// bounded by the pool's shutdown timeout.
func (p *Pool) Shutdown(ctx context.Context, sim *simulator.Simulator) error {
	if err := p.checkLeased(sim); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.ShutdownTimeout)
	defer cancel()
	if err := p.resyncUnknown(ctx, sim); err != nil {
		return err
	}
	if sim.State() == state.Shutdown {
		return nil
	}
	udid := sim.UDID()
	if err := sim.BeginShutdown(); err != nil && sim.State() != state.ShuttingDown {
		return err
	}
	if err := p.set.Shutdown(ctx, udid); err != nil {
		return fmt.Errorf("shutdown %s: %w", udid, err)
	}
	got, err := sim.WaitState(ctx, "shutdown", state.Shutdown, state.Unknown)
	if err != nil {
		return err
	}
	if got == state.Unknown {
		return &simulator.TransitionError{UDID: udid, From: state.ShuttingDown, To: state.Unknown}
	}
	return nil
}

// Resync re-derives the state of sim from a fresh platform status report. It
// is the only way out of Unknown; from a known state it behaves like a
// regular status poll.
func (p *Pool) Resync(ctx context.Context, sim *simulator.Simulator) (state.State, error) {
	if sim == nil {
		return state.Unknown, &FreeError{Reason: "nil simulator"}
	}
	if _, ok := p.Get(sim.UDID()); !ok {
		return sim.State(), fmt.Errorf("%w: %s", ErrNotFound, sim.UDID())
	}
	st, err := p.set.Status(ctx, sim.UDID())
	if err != nil {
		return sim.State(), fmt.Errorf("status %s: %w", sim.UDID(), err)
	}
	err = sim.Resync(st, sim.RuntimeAlive())
	p.persist(sim)
	if err == nil {
		p.logger.Info("simulator resynced", "udid", sim.UDID(), "platform", st.String(), "state", sim.State().String())
	}
	return sim.State(), err
}

func (p *Pool) resyncUnknown(ctx context.Context, sim *simulator.Simulator) error {
	if sim.State() != state.Unknown {
		return nil
	}
	_, err := p.Resync(ctx, sim)
	return err
}

// ExpectExit marks pid of a leased simulator as stopping on request, so its
// termination is recorded with expected=true. Launchers call it before they
// stop an agent or application.
func (p *Pool) ExpectExit(sim *simulator.Simulator, pid int) error {
	if err := p.checkLeased(sim); err != nil {
		return err
	}
	p.mu.Lock()
	l, ok := p.allocated[sim.UDID()]
	p.mu.Unlock()
	if !ok {
		return &FreeError{UDID: sim.UDID(), Reason: "not allocated"}
	}
	<-l.ready
	l.mon.ExpectExit(pid)
	return nil
}

// LeaseToken returns the token identifying the current lease of sim. Remote
// callers present it to act on the lease.
func (p *Pool) LeaseToken(sim *simulator.Simulator) (string, error) {
	if sim == nil {
		return "", &FreeError{Reason: "nil simulator"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.allocated[sim.UDID()]
	if !ok || l.sim != sim {
		return "", &FreeError{UDID: sim.UDID(), Reason: "not allocated"}
	}
	return l.token, nil
}

// Leased returns the simulator leased under token.
func (p *Pool) Leased(udid, token string) (*simulator.Simulator, error) {
	p.mu.Lock()
	l, ok := p.allocated[udid]
	p.mu.Unlock()
	if !ok {
		if _, known := p.Get(udid); known {
			return nil, &FreeError{UDID: udid, Reason: "not allocated"}
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, udid)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(l.token)) != 1 {
		return nil, fmt.Errorf("%w: %s", ErrLeaseToken, udid)
	}
	return l.sim, nil
}

func (p *Pool) checkLeased(sim *simulator.Simulator) error {
	if sim == nil {
		return &FreeError{Reason: "nil simulator"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.allocated[sim.UDID()]
	if !ok || l.sim != sim || l.releasing {
		return &FreeError{UDID: sim.UDID(), Reason: "not allocated"}
	}
	return nil
}

// Drain waits until no simulator is allocated.
func (p *Pool) Drain(ctx context.Context) error {
	start := time.Now()
	for {
		p.mu.Lock()
		n, ch := len(p.allocated), p.changed
		p.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return &simulator.TimeoutError{Op: "drain", After: time.Since(start), Err: ctx.Err()}
		}
	}
}

// Close refuses further allocations, drains outstanding leases and deletes
// the free devices unless RetainDevices is set.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	err := p.Drain(ctx)
	if p.opts.RetainDevices {
		return err
	}
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.changedLocked()
	p.mu.Unlock()
	// free devices are deleted even when the drain ran out of time
	dctx := context.WithoutCancel(ctx)
	for _, sim := range free {
		if derr := p.set.Delete(dctx, sim.UDID()); derr != nil && !errors.Is(derr, device.ErrNotFound) {
			p.logger.Warn("delete device failed", "udid", sim.UDID(), "error", derr)
		}
		sim.Close()
		p.forget(sim.UDID())
	}
	p.logger.Info("pool closed", "deleted", len(free))
	return err
}

// AddListener attaches l to every current and future simulator.
func (p *Pool) AddListener(l event.Listener) {
	if l == nil {
		return
	}
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	sims := p.instancesLocked()
	p.mu.Unlock()
	for _, sim := range sims {
		sim.AddListener(l)
	}
}

// Route returns the event sink of the simulator with the given UDID.
func (p *Pool) Route(udid string) (event.Sink, error) {
	sim, ok := p.Get(udid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, udid)
	}
	return sim.Sink(), nil
}

func (p *Pool) Get(udid string) (*simulator.Simulator, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.allocated[udid]; ok {
		return l.sim, true
	}
	for _, sim := range p.free {
		if sim.UDID() == udid {
			return sim, true
		}
	}
	return nil, false
}

// Instances returns all simulators ordered by UDID.
func (p *Pool) Instances() []*simulator.Simulator {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instancesLocked()
}

func (p *Pool) instancesLocked() []*simulator.Simulator {
	out := make([]*simulator.Simulator, 0, len(p.free)+len(p.allocated))
	out = append(out, p.free...)
	for _, l := range p.allocated {
		out = append(out, l.sim)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UDID() < out[j].UDID() })
	return out
}

// FreeSet returns the free simulators in the order they were released.
func (p *Pool) FreeSet() []*simulator.Simulator {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.free)
}

// AllocatedSet returns the allocated simulators ordered by UDID.
func (p *Pool) AllocatedSet() []*simulator.Simulator {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*simulator.Simulator, 0, len(p.allocated))
	for _, l := range p.allocated {
		out = append(out, l.sim)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UDID() < out[j].UDID() })
	return out
}

type Stats struct {
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	Free      int    `json:"free"`
	Allocated int    `json:"allocated"`
	Pending   int    `json:"pending"`
	Created   int    `json:"created"`
	Reused    int    `json:"reused"`
	Closed    bool   `json:"closed"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:      p.opts.Name,
		Capacity:  p.opts.Capacity,
		Free:      len(p.free),
		Allocated: len(p.allocated),
		Pending:   p.reserved,
		Created:   p.created,
		Reused:    p.reused,
		Closed:    p.closed,
	}
}

// changedLocked verifies the set invariants, publishes gauges and wakes Drain.
func (p *Pool) changedLocked() {
	p.checkLocked()
	close(p.changed)
	p.changed = make(chan struct{})
	metrics.SetInstances(len(p.free), len(p.allocated))
}

// checkLocked panics when the free and allocated sets are inconsistent. Such a
// state can only come from a bug in the pool.
func (p *Pool) checkLocked() {
	seen := make(map[string]struct{}, len(p.free))
	for _, sim := range p.free {
		udid := sim.UDID()
		if _, dup := seen[udid]; dup {
			panic(fmt.Sprintf("pool %s: simulator %s is free twice", p.opts.Name, udid))
		}
		seen[udid] = struct{}{}
		if _, both := p.allocated[udid]; both {
			panic(fmt.Sprintf("pool %s: simulator %s is both free and allocated", p.opts.Name, udid))
		}
		if sim.Allocated() {
			panic(fmt.Sprintf("pool %s: free simulator %s is flagged allocated", p.opts.Name, udid))
		}
	}
	for udid, l := range p.allocated {
		if l.sim.UDID() != udid || !l.sim.Allocated() {
			panic(fmt.Sprintf("pool %s: allocated simulator %s is not flagged allocated", p.opts.Name, udid))
		}
	}
}

func (p *Pool) persist(sim *simulator.Simulator) {
	if p.opts.Store == nil {
		return
	}
	snap := sim.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	rec := store.Record{
		UDID:       snap.UDID,
		Name:       snap.Name,
		DeviceType: snap.Configuration.DeviceType,
		OSVersion:  snap.Configuration.OSVersion,
		Family:     snap.Family.String(),
		State:      snap.State.String(),
		Allocated:  snap.Allocated,
		DataDir:    snap.DataDir,
		PoolID:     snap.PoolID,
	}
	if err := p.opts.Store.Upsert(ctx, rec); err != nil {
		p.logger.Warn("persist simulator failed", "udid", snap.UDID, "error", err)
	}
}

// Forgetter is implemented by listeners that keep per-simulator state; the
// pool calls Forget once the simulator's device is gone.
type Forgetter interface {
	Forget(udid string)
}

func (p *Pool) forget(udid string) {
	p.mu.Lock()
	listeners := append([]event.Listener(nil), p.listeners...)
	p.mu.Unlock()
	for _, l := range listeners {
		if f, ok := l.(Forgetter); ok {
			f.Forget(udid)
		}
	}
	if p.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := p.opts.Store.Delete(ctx, udid); err != nil {
		p.logger.Warn("forget simulator failed", "udid", udid, "error", err)
	}
}
