package launch

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
)

// Config is an opaque, hashable launch configuration carried by agent and
// application launch events.
type Config interface {
	Key() string
	String() string
}

// Agent describes a helper process started inside a booted simulator.
type Agent struct {
	LaunchPath  string            `json:"launch_path"`
	Arguments   []string          `json:"arguments,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

func (a Agent) Key() string {
	return "agent:" + a.LaunchPath + "|" + strings.Join(a.Arguments, "\x1f") + "|" + envKey(a.Environment)
}

func (a Agent) String() string {
	return fmt.Sprintf("agent %s %s", a.LaunchPath, strings.Join(a.Arguments, " "))
}

// Clone deep-copies the slices and maps.
func (a Agent) Clone() Agent {
	return Agent{LaunchPath: a.LaunchPath, Arguments: slices.Clone(a.Arguments), Environment: maps.Clone(a.Environment)}
}

// Application describes an end-user app launched inside a booted simulator.
type Application struct {
	BundleID    string            `json:"bundle_id"`
	BundleName  string            `json:"bundle_name,omitempty"`
	Arguments   []string          `json:"arguments,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

func (a Application) Key() string {
	return "app:" + a.BundleID + "|" + strings.Join(a.Arguments, "\x1f") + "|" + envKey(a.Environment)
}

func (a Application) String() string {
	name := a.BundleName
	if name == "" {
		name = a.BundleID
	}
	return fmt.Sprintf("app %s (%s)", name, a.BundleID)
}

// Clone deep-copies the slices and maps.
func (a Application) Clone() Application {
	return Application{BundleID: a.BundleID, BundleName: a.BundleName, Arguments: slices.Clone(a.Arguments), Environment: maps.Clone(a.Environment)}
}

func envKey(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte(';')
	}
	return b.String()
}
