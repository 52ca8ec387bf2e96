package process

import (
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"
)

// Info is an immutable snapshot of a running process: identity, launch path,
// arguments and environment. The PID is only unique while the process is alive.
// Construct with NewInfo; the zero value describes no process.
type Info struct {
	pid        int
	launchPath string
	args       []string
	env        map[string]string
	startedAt  time.Time
}

// NewInfo copies args and env so later mutation by the caller cannot leak in.
func NewInfo(pid int, launchPath string, args []string, env map[string]string) Info {
	return Info{
		pid:        pid,
		launchPath: launchPath,
		args:       slices.Clone(args),
		env:        maps.Clone(env),
	}
}

// WithStartedAt returns a copy carrying the advisory start time.
func (i Info) WithStartedAt(t time.Time) Info {
	c := i
	c.startedAt = t
	return c
}

func (i Info) PID() int           { return i.pid }
func (i Info) LaunchPath() string { return i.launchPath }

// StartedAt is advisory only; it is not part of the identity.
func (i Info) StartedAt() time.Time { return i.startedAt }

// Arguments returns a copy of the launch arguments.
func (i Info) Arguments() []string { return slices.Clone(i.args) }

// Environment returns a copy of the environment.
func (i Info) Environment() map[string]string { return maps.Clone(i.env) }

// Env looks up a single environment variable.
func (i Info) Env(key string) (string, bool) {
	v, ok := i.env[key]
	return v, ok
}

// Name is the base name of the launch path.
func (i Info) Name() string {
	if i.launchPath == "" {
		return ""
	}
	return filepath.Base(i.launchPath)
}

// IsZero reports whether i describes no process.
func (i Info) IsZero() bool { return i.pid == 0 && i.launchPath == "" }

// Equal compares identity fields by value.
func (i Info) Equal(o Info) bool {
	return i.pid == o.pid &&
		i.launchPath == o.launchPath &&
		slices.Equal(i.args, o.args) &&
		maps.Equal(i.env, o.env)
}

// ShortDescription is the compact form used in log lines.
func (i Info) ShortDescription() string {
	return fmt.Sprintf("%s(%d)", i.Name(), i.pid)
}

func (i Info) String() string {
	keys := make([]string, 0, len(i.env))
	for k := range i.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("pid=%d path=%s args=[%s] env=[%s]",
		i.pid, i.launchPath, strings.Join(i.args, " "), strings.Join(keys, ","))
}

type infoJSON struct {
	PID         int               `json:"pid"`
	Name        string            `json:"name"`
	LaunchPath  string            `json:"launch_path"`
	Arguments   []string          `json:"arguments,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (i Info) MarshalJSON() ([]byte, error) {
	v := infoJSON{
		PID:         i.pid,
		Name:        i.Name(),
		LaunchPath:  i.launchPath,
		Arguments:   i.args,
		Environment: i.env,
	}
	if !i.startedAt.IsZero() {
		t := i.startedAt.UTC()
		v.StartedAt = &t
	}
	return json.Marshal(v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Info) UnmarshalJSON(b []byte) error {
	var v infoJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*i = NewInfo(v.PID, v.LaunchPath, v.Arguments, v.Environment)
	if v.StartedAt != nil {
		i.startedAt = *v.StartedAt
	}
	return nil
}
