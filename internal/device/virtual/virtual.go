// Package virtual is an in-process device platform. Devices live in memory with
// a data directory on disk; create, boot and shutdown complete asynchronously
// after configurable delays, and each booted device runs a synthetic runtime
// process visible through Find.
package virtual

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/simpool/internal/device"
	"github.com/loykin/simpool/internal/process"
	"github.com/loykin/simpool/internal/state"
)

// RuntimeLaunchPath is the launch path of synthetic runtime processes.
const RuntimeLaunchPath = "/usr/libexec/launchd_sim"

// UDIDEnv is the environment key carrying the owning device UDID.
const UDIDEnv = "SIMULATOR_UDID"

type Options struct {
	Root          string
	CreateDelay   time.Duration
	BootDelay     time.Duration
	ShutdownDelay time.Duration
	Logger        *slog.Logger
}

type vdev struct {
	info    device.Info
	raw     *int
	runtime *process.Info
	gen     int
}

// Set implements device.Set and process.Query.
type Set struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	devices    map[string]*vdev
	procs      map[int]process.Info
	nextPID    int
	creates    int
	failCreate error
}

func New(opts Options) (*Set, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("virtual device set: root directory required")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("virtual device set: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		opts:    opts,
		logger:  logger.With("component", "virtual-devices"),
		devices: make(map[string]*vdev),
		procs:   make(map[int]process.Info),
		nextPID: 1000,
	}, nil
}

func (s *Set) Create(ctx context.Context, cfg device.Configuration) (device.Info, error) {
	if err := ctx.Err(); err != nil {
		return device.Info{}, err
	}
	if err := cfg.Validate(); err != nil {
		return device.Info{}, err
	}
	s.mu.Lock()
	if err := s.failCreate; err != nil {
		s.failCreate = nil
		s.mu.Unlock()
		return device.Info{}, err
	}
	udid := strings.ToUpper(uuid.NewString())
	dir := filepath.Join(s.opts.Root, udid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.mu.Unlock()
		return device.Info{}, fmt.Errorf("create data dir: %w", err)
	}
	s.creates++
	d := &vdev{info: device.Info{
		UDID:          udid,
		Name:          fmt.Sprintf("%s (%d)", cfg.DeviceType, s.creates),
		Configuration: cfg,
		DataDir:       dir,
		State:         state.Creating,
	}}
	s.devices[udid] = d
	gen := d.gen
	info := d.info
	s.mu.Unlock()

	s.after(s.opts.CreateDelay, udid, gen, func(d *vdev) {
		d.info.State = state.Shutdown
	})
	return info, nil
}

func (s *Set) Boot(ctx context.Context, udid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[udid]
	if !ok {
		return device.ErrNotFound
	}
	switch d.info.State {
	case state.Booting, state.Booted:
		return nil
	case state.Shutdown:
	default:
		return fmt.Errorf("boot %s: device is %s", udid, d.info.State)
	}
	d.info.State = state.Booting
	d.gen++
	gen := d.gen
	go s.after(s.opts.BootDelay, udid, gen, func(d *vdev) {
		p := s.spawnLocked(RuntimeLaunchPath, []string{"--udid", udid}, map[string]string{UDIDEnv: udid})
		d.runtime = &p
		d.info.State = state.Booted
	})
	return nil
}

func (s *Set) Shutdown(ctx context.Context, udid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[udid]
	if !ok {
		return device.ErrNotFound
	}
	switch d.info.State {
	case state.Shutdown, state.ShuttingDown:
		return nil
	case state.Creating:
		return fmt.Errorf("shutdown %s: device is %s", udid, d.info.State)
	}
	d.info.State = state.ShuttingDown
	d.gen++
	gen := d.gen
	go s.after(s.opts.ShutdownDelay, udid, gen, func(d *vdev) {
		s.stopProcsLocked(d)
		d.info.State = state.Shutdown
	})
	return nil
}

// Erase wipes the data directory of a shut down device.
func (s *Set) Erase(ctx context.Context, udid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[udid]
	if !ok {
		return device.ErrNotFound
	}
	if d.info.State != state.Shutdown {
		return fmt.Errorf("erase %s: device is %s", udid, d.info.State)
	}
	if err := os.RemoveAll(d.info.DataDir); err != nil {
		return fmt.Errorf("erase %s: %w", udid, err)
	}
	return os.MkdirAll(d.info.DataDir, 0o755)
}

func (s *Set) Delete(ctx context.Context, udid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[udid]
	if !ok {
		return device.ErrNotFound
	}
	s.stopProcsLocked(d)
	delete(s.devices, udid)
	if err := os.RemoveAll(d.info.DataDir); err != nil {
		return fmt.Errorf("delete %s: %w", udid, err)
	}
	return nil
}

func (s *Set) Status(ctx context.Context, udid string) (state.State, error) {
	if err := ctx.Err(); err != nil {
		return state.Unknown, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[udid]
	if !ok {
		return state.Unknown, device.ErrNotFound
	}
	if d.raw != nil {
		return state.FromRaw(*d.raw), nil
	}
	return d.info.State, nil
}

func (s *Set) List(ctx context.Context) ([]device.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]device.Info, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UDID < out[j].UDID })
	return out, nil
}

// Find searches the synthetic process table.
func (s *Set) Find(ctx context.Context, c process.Criterion) (process.Info, bool, error) {
	if err := ctx.Err(); err != nil {
		return process.Info{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]int, 0, len(s.procs))
	for pid := range s.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	for _, pid := range pids {
		if p := s.procs[pid]; c.Matches(p) {
			return p, true, nil
		}
	}
	return process.Info{}, false, nil
}

// Spawn starts a synthetic process inside a booted device, the way an agent or
// application launcher would.
func (s *Set) Spawn(udid, launchPath string, args []string, env map[string]string) (process.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[udid]
	if !ok {
		return process.Info{}, device.ErrNotFound
	}
	if d.info.State != state.Booted {
		return process.Info{}, fmt.Errorf("spawn in %s: device is %s", udid, d.info.State)
	}
	merged := map[string]string{UDIDEnv: udid}
	for k, v := range env {
		merged[k] = v
	}
	return s.spawnLocked(launchPath, args, merged), nil
}

// Kill removes a synthetic process. It reports whether pid existed.
func (s *Set) Kill(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[pid]; !ok {
		return false
	}
	delete(s.procs, pid)
	for _, d := range s.devices {
		if d.runtime != nil && d.runtime.PID() == pid {
			d.runtime = nil
		}
	}
	return true
}

// CrashRuntime kills the runtime of udid without changing the device status.
func (s *Set) CrashRuntime(udid string) bool {
	s.mu.Lock()
	d, ok := s.devices[udid]
	var pid int
	if ok && d.runtime != nil {
		pid = d.runtime.PID()
	}
	s.mu.Unlock()
	return pid != 0 && s.Kill(pid)
}

// Runtime returns the live runtime process of udid.
func (s *Set) Runtime(udid string) (process.Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[udid]
	if !ok || d.runtime == nil {
		return process.Info{}, false
	}
	return *d.runtime, true
}

// SetRawStatus makes Status report FromRaw(code) until ClearRawStatus.
func (s *Set) SetRawStatus(udid string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[udid]; ok {
		d.raw = &code
	}
}

func (s *Set) ClearRawStatus(udid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[udid]; ok {
		d.raw = nil
	}
}

// FailNextCreate makes the next Create return err.
func (s *Set) FailNextCreate(err error) {
	s.mu.Lock()
	s.failCreate = err
	s.mu.Unlock()
}

// Creates is the number of devices created so far.
func (s *Set) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

func (s *Set) spawnLocked(launchPath string, args []string, env map[string]string) process.Info {
	s.nextPID++
	p := process.NewInfo(s.nextPID, launchPath, args, env).WithStartedAt(time.Now())
	s.procs[p.PID()] = p
	return p
}

// stopProcsLocked kills the runtime and every process spawned inside d.
func (s *Set) stopProcsLocked(d *vdev) {
	for pid, p := range s.procs {
		if v, _ := p.Env(UDIDEnv); v == d.info.UDID {
			delete(s.procs, pid)
		}
	}
	d.runtime = nil
}

// after applies fn once delay has passed, unless the device was deleted or
// moved on to another operation meanwhile.
func (s *Set) after(delay time.Duration, udid string, gen int, fn func(*vdev)) {
	apply := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		d, ok := s.devices[udid]
		if !ok || d.gen != gen {
			return
		}
		fn(d)
		s.logger.Debug("device status", "udid", udid, "state", d.info.State.String())
	}
	if delay <= 0 {
		apply()
		return
	}
	time.AfterFunc(delay, apply)
}

var (
	_ device.Set    = (*Set)(nil)
	_ process.Query = (*Set)(nil)
)
