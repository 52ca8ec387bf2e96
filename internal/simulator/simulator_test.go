package simulator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/simpool/internal/device"
	"github.com/loykin/simpool/internal/event"
	"github.com/loykin/simpool/internal/launch"
	"github.com/loykin/simpool/internal/process"
	"github.com/loykin/simpool/internal/state"
	"github.com/loykin/simpool/internal/termination"
)

type stateLog struct {
	mu     sync.Mutex
	states []state.State
}

func (l *stateLog) HandleEvent(e event.Event) {
	if e.Kind != event.StateChange {
		return
	}
	l.mu.Lock()
	l.states = append(l.states, e.State)
	l.mu.Unlock()
}

func (l *stateLog) all() []state.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]state.State(nil), l.states...)
}

func newSim(t *testing.T, initial state.State) (*Simulator, *stateLog) {
	t.Helper()
	log := &stateLog{}
	s := New(Params{
		UDID:          "SIM-1",
		Name:          "iPhone 6s",
		Configuration: device.Configuration{DeviceType: "iPhone 6s", Family: device.FamilyPhone, OSVersion: "iOS 9.3"},
		DataDir:       t.TempDir(),
		PoolID:        "default",
		Initial:       initial,
		Listeners:     []event.Listener{log},
	})
	return s, log
}

func runtimeProc() process.Info {
	return process.NewInfo(300, "/sbin/launchd_sim", nil, map[string]string{"SIMULATOR_UDID": "SIM-1"})
}

func TestNewRecordsInitialState(t *testing.T) {
	s, log := newSim(t, state.Creating)
	assert.Equal(t, state.Creating, s.State())
	assert.Equal(t, []state.State{state.Creating}, log.all())
	assert.Equal(t, state.Creating, s.History().CurrentState())
	assert.Equal(t, "default", s.PoolID())
	assert.Equal(t, device.FamilyPhone, s.Family())
}

func TestFullLifecycle(t *testing.T) {
	s, log := newSim(t, state.Creating)
	rt := runtimeProc()

	require.NoError(t, s.Observe(state.Shutdown, false))
	require.NoError(t, s.BeginBoot())
	// booted status without a live runtime keeps the simulator booting
	require.NoError(t, s.Observe(state.Booted, false))
	assert.Equal(t, state.Booting, s.State())

	s.Sink().RuntimeDidLaunch(rt)
	require.NoError(t, s.Observe(state.Booted, s.RuntimeAlive()))
	assert.Equal(t, state.Booted, s.State())

	require.NoError(t, s.BeginShutdown())
	require.NoError(t, s.Observe(state.Shutdown, s.RuntimeAlive()))
	assert.Equal(t, state.ShuttingDown, s.State())
	s.Sink().RuntimeDidTerminate(rt, true)
	require.NoError(t, s.Observe(state.Shutdown, s.RuntimeAlive()))
	assert.Equal(t, state.Shutdown, s.State())

	got := log.all()
	assert.Equal(t, []state.State{state.Creating, state.Shutdown, state.Booting, state.Booted, state.ShuttingDown, state.Shutdown}, got)
	assertConsistent(t, s.History().StateChanges())
}

func TestObserveSameStateEmitsNothing(t *testing.T) {
	s, log := newSim(t, state.Shutdown)
	require.NoError(t, s.Observe(state.Shutdown, false))
	assert.Len(t, log.all(), 1)
}

func TestObserveInconsistentMovesToUnknown(t *testing.T) {
	s, log := newSim(t, state.Shutdown)
	err := s.Observe(state.Booted, true)
	require.Error(t, err)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, state.Shutdown, te.From)
	assert.Equal(t, state.Booted, te.To)
	assert.True(t, errors.Is(err, ErrTransition))
	assert.Equal(t, state.Unknown, s.State())

	// ignored until resync
	require.NoError(t, s.Observe(state.Shutdown, false))
	assert.Equal(t, state.Unknown, s.State())

	require.NoError(t, s.Resync(state.Shutdown, false))
	assert.Equal(t, state.Shutdown, s.State())
	assert.Equal(t, []state.State{state.Shutdown, state.Unknown, state.Shutdown}, log.all())
	assertConsistent(t, s.History().StateChanges())
}

func TestObserveToleratesPlatformLag(t *testing.T) {
	s, log := newSim(t, state.Shutdown)
	require.NoError(t, s.BeginBoot())
	require.NoError(t, s.Observe(state.Shutdown, false))
	assert.Equal(t, state.Booting, s.State())

	s.Sink().RuntimeDidLaunch(runtimeProc())
	require.NoError(t, s.Observe(state.Booted, true))
	require.NoError(t, s.BeginShutdown())
	require.NoError(t, s.Observe(state.Booted, true))
	assert.Equal(t, state.ShuttingDown, s.State())
	assert.Len(t, log.all(), 4)
}

func TestObserveUnrecognizedStatus(t *testing.T) {
	s, _ := newSim(t, state.Booted)
	require.NoError(t, s.Observe(state.FromRaw(17), true))
	assert.Equal(t, state.Unknown, s.State())
	require.NoError(t, s.Resync(state.FromRaw(17), true))
	assert.Equal(t, state.Unknown, s.State())
	require.NoError(t, s.Resync(state.Booted, true))
	assert.Equal(t, state.Booted, s.State())
}

func TestResyncFromKnownBehavesAsObserve(t *testing.T) {
	s, _ := newSim(t, state.Creating)
	require.NoError(t, s.Resync(state.Shutdown, false))
	assert.Equal(t, state.Shutdown, s.State())
}

func TestBeginRejectsWrongState(t *testing.T) {
	s, log := newSim(t, state.Creating)
	err := s.BeginBoot()
	require.ErrorIs(t, err, ErrTransition)
	err = s.BeginShutdown()
	require.ErrorIs(t, err, ErrTransition)
	assert.Equal(t, state.Creating, s.State())
	assert.Len(t, log.all(), 1)
}

func TestForceShutdown(t *testing.T) {
	s, log := newSim(t, state.Shutdown)
	s.ForceShutdown()
	assert.Len(t, log.all(), 1)

	require.NoError(t, s.BeginBoot())
	s.ForceShutdown()
	assert.Equal(t, state.Shutdown, s.State())
	assert.Equal(t, []state.State{state.Shutdown, state.Booting, state.Unknown, state.Shutdown}, log.all())
	assertConsistent(t, s.History().StateChanges())
}

func TestForceShutdownFromShuttingDown(t *testing.T) {
	s, log := newSim(t, state.Booted)
	require.NoError(t, s.BeginShutdown())
	s.ForceShutdown()
	assert.Equal(t, []state.State{state.Booted, state.ShuttingDown, state.Shutdown}, log.all())
}

func TestSinkStateReportIsValidated(t *testing.T) {
	s, _ := newSim(t, state.Shutdown)
	s.Sink().DidChangeState(state.Booted)
	assert.Equal(t, state.Unknown, s.State())
}

func TestBookkeepingTracksProcesses(t *testing.T) {
	s, _ := newSim(t, state.Booted)
	sink := s.Sink()
	c := process.NewInfo(10, "/Simulator", nil, nil)
	agentCfg := launch.Agent{LaunchPath: "/bin/agent"}
	appCfg := launch.Application{BundleID: "com.example"}
	a := process.NewInfo(11, "/bin/agent", nil, nil)
	app := process.NewInfo(12, "/apps/Example", nil, nil)

	sink.ContainerDidLaunch(c)
	sink.AgentDidLaunch(agentCfg, a, event.Streams{})
	sink.ApplicationDidLaunch(appCfg, app, event.Streams{})
	sink.FramebufferDidStart(event.Framebuffer{ID: "fb"})

	snap := s.Snapshot()
	require.NotNil(t, snap.Container)
	assert.Equal(t, 10, snap.Container.PID())
	assert.Equal(t, 11, snap.Agents[agentCfg.Key()].PID())
	assert.Equal(t, 12, snap.Applications[appCfg.Key()].PID())
	require.NotNil(t, snap.Framebuffer)

	sink.ApplicationDidTerminate(app, false)
	sink.AgentDidTerminate(a, true)
	sink.FramebufferDidTerminate(event.Framebuffer{ID: "fb"}, true)
	sink.ContainerDidTerminate(process.NewInfo(99, "/other", nil, nil), true)

	snap = s.Snapshot()
	assert.Empty(t, snap.Applications)
	assert.Empty(t, snap.Agents)
	assert.Nil(t, snap.Framebuffer)
	assert.NotNil(t, snap.Container, "terminate of another pid must not clear the record")

	last, ok := s.History().LastApplication()
	require.True(t, ok)
	assert.False(t, last.Running)
}

func TestTerminationHandlesAndReset(t *testing.T) {
	s, _ := newSim(t, state.Booted)
	h1 := termination.New("a", nil)
	h2 := termination.New("b", nil)
	s.RegisterTerminationHandle(h1)
	s.Sink().TerminationHandleAvailable(h2)
	s.Sink().RuntimeDidLaunch(runtimeProc())

	assert.Len(t, s.Snapshot().Handles, 2)
	hs := s.TakeTerminationHandles()
	require.Equal(t, []*termination.Handle{h1, h2}, hs)
	assert.Empty(t, s.TakeTerminationHandles())

	s.RegisterTerminationHandle(termination.New("stale", nil))
	n := s.History().Len()
	s.ResetTransient()
	snap := s.Snapshot()
	assert.Nil(t, snap.Runtime)
	assert.Empty(t, snap.Handles)
	assert.Equal(t, n, s.History().Len())
}

func TestWaitState(t *testing.T) {
	s, _ := newSim(t, state.Shutdown)
	require.NoError(t, s.BeginBoot())

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Sink().RuntimeDidLaunch(runtimeProc())
		_ = s.Observe(state.Booted, true)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := s.WaitState(ctx, "boot", state.Booted, state.Unknown)
	require.NoError(t, err)
	assert.Equal(t, state.Booted, got)
}

func TestWaitStateTimeout(t *testing.T) {
	s, _ := newSim(t, state.Shutdown)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := s.WaitState(ctx, "boot", state.Booted)
	require.Error(t, err)
	assert.Equal(t, state.Shutdown, got)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "boot", te.Op)
	assert.Equal(t, state.Shutdown, te.Last)
}

func TestClosedSimulatorEmitsNothing(t *testing.T) {
	s, log := newSim(t, state.Shutdown)
	s.Close()
	assert.True(t, s.Closed())
	require.NoError(t, s.BeginBoot())
	assert.Len(t, log.all(), 1)
}

func TestConcurrentProducersKeepTotalOrder(t *testing.T) {
	s, _ := newSim(t, state.Booted)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				p := process.NewInfo(base*100+j+1, "/bin/agent", nil, nil)
				cfg := launch.Agent{LaunchPath: "/bin/agent", Arguments: []string{p.ShortDescription()}}
				s.Sink().AgentDidLaunch(cfg, p, event.Streams{})
				s.Sink().AgentDidTerminate(p, true)
			}
		}(i)
	}
	wg.Wait()
	entries := s.History().Entries()
	assert.Len(t, entries, 1+200)
	assert.Empty(t, s.Snapshot().Agents)
	assert.Empty(t, s.History().RunningAgents())
}

func assertConsistent(t *testing.T, states []state.State) {
	t.Helper()
	for i := 1; i < len(states); i++ {
		assert.True(t, state.Allowed(states[i-1], states[i]), "%s -> %s", states[i-1], states[i])
	}
}
