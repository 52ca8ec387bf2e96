package process

import (
	"context"
	"errors"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// HostQuery searches the host process table through gopsutil.
// Zombie processes are treated as gone.
type HostQuery struct{}

func (HostQuery) Find(ctx context.Context, c Criterion) (Info, bool, error) {
	if c.PID > 0 {
		ok, err := gopsproc.PidExistsWithContext(ctx, int32(c.PID))
		if err != nil || !ok {
			return Info{}, false, err
		}
		p, err := gopsproc.NewProcessWithContext(ctx, int32(c.PID))
		if err != nil {
			if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
				return Info{}, false, nil
			}
			return Info{}, false, err
		}
		info, live := snapshot(ctx, p)
		if !live || !c.Matches(info) {
			return Info{}, false, nil
		}
		return info, true, nil
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return Info{}, false, err
	}
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return Info{}, false, err
		}
		info, live := snapshot(ctx, p)
		if live && c.Matches(info) {
			return info, true, nil
		}
	}
	return Info{}, false, nil
}

// snapshot reads what it can about p. Permission errors on individual fields
// leave them empty rather than failing the whole lookup.
func snapshot(ctx context.Context, p *gopsproc.Process) (Info, bool) {
	if st, err := p.StatusWithContext(ctx); err == nil {
		for _, s := range st {
			if s == gopsproc.Zombie {
				return Info{}, false
			}
		}
	}
	exe, _ := p.ExeWithContext(ctx)
	args, _ := p.CmdlineSliceWithContext(ctx)
	if exe == "" && len(args) > 0 {
		exe = args[0]
	}
	if len(args) > 0 {
		args = args[1:]
	}
	env := map[string]string{}
	if kvs, err := p.EnvironWithContext(ctx); err == nil {
		for _, kv := range kvs {
			if i := strings.IndexByte(kv, '='); i > 0 {
				env[kv[:i]] = kv[i+1:]
			}
		}
	}
	info := NewInfo(int(p.Pid), exe, args, env)
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		info = info.WithStartedAt(time.UnixMilli(ms))
	}
	return info, true
}
