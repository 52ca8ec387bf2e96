package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/simpool/internal/device"
	"github.com/loykin/simpool/internal/process"
	"github.com/loykin/simpool/internal/simulator"
	"github.com/loykin/simpool/internal/state"
	"github.com/loykin/simpool/internal/termination"
)

// DefaultUDIDEnv is the environment key identifying a simulator's runtime.
const DefaultUDIDEnv = "SIMULATOR_UDID"

type Options struct {
	// PollInterval paces all three watchers. Defaults to 250ms.
	PollInterval time.Duration
	// UDIDEnv names the environment variable used to find the runtime process.
	UDIDEnv string
	// Container, when set, locates the host-side container process.
	Container func(udid string) process.Criterion
	Logger    *slog.Logger
}

// Monitor runs the watchers of one simulator. Every detection is emitted
// synchronously through the simulator's sink before the watcher continues.
type Monitor struct {
	sim    *simulator.Simulator
	set    device.Set
	query  process.Query
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	expected map[int]struct{}
	lastErr  error
}

func New(sim *simulator.Simulator, set device.Set, query process.Query, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.UDIDEnv == "" {
		opts.UDIDEnv = DefaultUDIDEnv
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		sim:      sim,
		set:      set,
		query:    query,
		opts:     opts,
		logger:   logger.With("udid", sim.UDID(), "component", "monitor"),
		expected: make(map[int]struct{}),
	}
}

// Start launches the status poller, the runtime watcher and the launched
// process watcher. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	cctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for _, step := range []func(context.Context){m.PollStatus, m.WatchRuntime, m.WatchLaunched} {
		m.wg.Add(1)
		go m.loop(cctx, step)
	}
}

// Stop cancels the watchers and waits for them to return. It must not be
// called from an event listener.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Handle wraps Stop as a termination handle.
func (m *Monitor) Handle() *termination.Handle {
	return termination.New("monitor", func(context.Context) error {
		m.Stop()
		return nil
	})
}

// ExpectExit marks pid as going away on request, so its termination is
// reported with expected=true.
func (m *Monitor) ExpectExit(pid int) {
	m.mu.Lock()
	m.expected[pid] = struct{}{}
	m.mu.Unlock()
}

// LastError is the most recent platform or introspection failure.
func (m *Monitor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Monitor) loop(ctx context.Context, step func(context.Context)) {
	defer m.wg.Done()
	t := time.NewTicker(m.opts.PollInterval)
	defer t.Stop()
	for {
		step(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// PollStatus feeds one device status report into the state machine.
func (m *Monitor) PollStatus(ctx context.Context) {
	st, err := m.set.Status(ctx, m.sim.UDID())
	if err != nil {
		if ctx.Err() == nil {
			m.fail("status poll failed", err)
			if errors.Is(err, device.ErrNotFound) {
				_ = m.sim.Observe(state.Unknown, false)
			}
		}
		return
	}
	if err := m.sim.Observe(st, m.sim.RuntimeAlive()); err != nil {
		m.fail("state transition rejected", err)
	}
}

// WatchRuntime reports launches and exits of the runtime and, when configured,
// the container process.
func (m *Monitor) WatchRuntime(ctx context.Context) {
	udid := m.sim.UDID()
	snap := m.sim.Snapshot()
	sink := m.sim.Sink()

	cur, found, err := m.query.Find(ctx, process.Criterion{EnvKey: m.opts.UDIDEnv, EnvValue: udid})
	if err != nil {
		if ctx.Err() == nil {
			m.fail("runtime lookup failed", err)
		}
		return
	}
	m.reconcile(snap.Runtime, cur, found, sink.RuntimeDidLaunch, sink.RuntimeDidTerminate)

	if m.opts.Container == nil {
		return
	}
	cur, found, err = m.query.Find(ctx, m.opts.Container(udid))
	if err != nil {
		if ctx.Err() == nil {
			m.fail("container lookup failed", err)
		}
		return
	}
	m.reconcile(snap.Container, cur, found, sink.ContainerDidLaunch, sink.ContainerDidTerminate)
}

func (m *Monitor) reconcile(known *process.Info, cur process.Info, found bool, launched func(process.Info), terminated func(process.Info, bool)) {
	switch {
	case known != nil && found && known.PID() == cur.PID():
	case known != nil:
		terminated(*known, m.isExpected(known.PID()))
		if found {
			launched(cur)
		}
	case found:
		launched(cur)
	}
}

// WatchLaunched reports agents and applications whose process is gone.
func (m *Monitor) WatchLaunched(ctx context.Context) {
	snap := m.sim.Snapshot()
	sink := m.sim.Sink()
	check := func(procs map[string]process.Info, terminated func(process.Info, bool)) {
		for _, p := range procs {
			_, alive, err := m.query.Find(ctx, process.Criterion{PID: p.PID(), Name: p.Name(), StartedAt: p.StartedAt()})
			if err != nil {
				if ctx.Err() == nil {
					m.fail("process lookup failed", err)
				}
				return
			}
			if !alive {
				terminated(p, m.isExpected(p.PID()))
			}
		}
	}
	check(snap.Agents, sink.AgentDidTerminate)
	check(snap.Applications, sink.ApplicationDidTerminate)
}

func (m *Monitor) isExpected(pid int) bool {
	m.mu.Lock()
	_, ok := m.expected[pid]
	delete(m.expected, pid)
	m.mu.Unlock()
	if ok {
		return true
	}
	st := m.sim.State()
	return st == state.ShuttingDown || st == state.Shutdown
}

func (m *Monitor) fail(msg string, err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.logger.Warn(msg, "error", err)
}
