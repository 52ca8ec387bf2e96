package process

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Criterion selects processes. Zero-valued fields are wildcards; every set field must match.
type Criterion struct {
	PID int
	// Name is the base name of the launch path, or of the first argument for
	// scripts started through an interpreter.
	Name        string
	ArgContains string // substring of any single argument
	EnvKey      string
	EnvValue    string // only checked when EnvKey is set
	// StartedAt rejects a reused PID: a process whose known start time is
	// further than startSlack from it does not match.
	StartedAt time.Time
}

const startSlack = 2 * time.Second

// Query finds processes. The core only consumes this capability; it never walks
// the process table itself.
type Query interface {
	Find(ctx context.Context, c Criterion) (Info, bool, error)
}

// Matches reports whether info satisfies the criterion.
func (c Criterion) Matches(info Info) bool {
	if c.PID != 0 && info.pid != c.PID {
		return false
	}
	if c.Name != "" && !c.nameMatches(info) {
		return false
	}
	if !c.StartedAt.IsZero() && !info.startedAt.IsZero() {
		if d := info.startedAt.Sub(c.StartedAt); d > startSlack || d < -startSlack {
			return false
		}
	}
	if c.ArgContains != "" {
		found := false
		for _, a := range info.args {
			if strings.Contains(a, c.ArgContains) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.EnvKey != "" {
		v, ok := info.env[c.EnvKey]
		if !ok {
			return false
		}
		if c.EnvValue != "" && v != c.EnvValue {
			return false
		}
	}
	return true
}

func (c Criterion) nameMatches(info Info) bool {
	if info.Name() == c.Name {
		return true
	}
	return len(info.args) > 0 && filepath.Base(info.args[0]) == c.Name
}

// IsZero reports whether the criterion matches everything.
func (c Criterion) IsZero() bool { return c == Criterion{} }

// Static is an in-memory process table. It is safe for concurrent use.
type Static struct {
	mu    sync.RWMutex
	procs []Info
}

// NewStatic returns a table seeded with procs.
func NewStatic(procs ...Info) *Static {
	return &Static{procs: append([]Info(nil), procs...)}
}

// Add inserts or replaces (by PID) a process.
func (s *Static) Add(p Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.procs {
		if s.procs[i].pid == p.pid {
			s.procs[i] = p
			return
		}
	}
	s.procs = append(s.procs, p)
}

// Remove drops the process with pid. It returns false when absent.
func (s *Static) Remove(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.procs {
		if s.procs[i].pid == pid {
			s.procs = append(s.procs[:i], s.procs[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Static) Find(ctx context.Context, c Criterion) (Info, bool, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.procs {
		if c.Matches(p) {
			return p, true, nil
		}
	}
	return Info{}, false, nil
}

// Chain asks each query in turn and returns the first match. It lets a device
// layer that tracks its own runtime processes sit in front of the host table.
type Chain []Query

func (c Chain) Find(ctx context.Context, cr Criterion) (Info, bool, error) {
	for _, q := range c {
		info, ok, err := q.Find(ctx, cr)
		if err != nil || ok {
			return info, ok, err
		}
	}
	return Info{}, false, nil
}
