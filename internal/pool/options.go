package pool

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/simpool/internal/event"
	"github.com/loykin/simpool/internal/store"
)

// MatchPolicy decides which free simulators may satisfy an allocation.
type MatchPolicy int

const (
	// MatchExact reuses only simulators created for an identical configuration.
	MatchExact MatchPolicy = iota
	// MatchCompatible also accepts the same family and OS major version,
	// preferring the closest candidate.
	MatchCompatible
)

func (m MatchPolicy) String() string {
	if m == MatchCompatible {
		return "compatible"
	}
	return "exact"
}

func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exact":
		return MatchExact, nil
	case "compatible":
		return MatchCompatible, nil
	}
	return MatchExact, fmt.Errorf("unknown match policy %q", s)
}

// Disposition is what happens to a simulator's device when it is freed.
type Disposition int

const (
	// DispositionErase shuts the device down, erases it and returns it to the free set.
	DispositionErase Disposition = iota
	// DispositionDelete deletes the device and drops the simulator.
	DispositionDelete
)

func (d Disposition) String() string {
	if d == DispositionDelete {
		return "delete"
	}
	return "erase"
}

func (d Disposition) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func ParseDisposition(s string) (Disposition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "erase", "reset":
		return DispositionErase, nil
	case "delete":
		return DispositionDelete, nil
	}
	return DispositionErase, fmt.Errorf("unknown disposition %q", s)
}

// AllocOptions are bit flags controlling one allocation.
type AllocOptions uint

const (
	// Reuse permits handing out a matching free simulator.
	Reuse AllocOptions = 1 << iota
	// Create permits creating a new device when nothing free matches.
	Create
	// EraseOnFree overrides the pool disposition for this lease.
	EraseOnFree
	// DeleteOnFree overrides the pool disposition for this lease. It wins over EraseOnFree.
	DeleteOnFree

	DefaultAllocOptions = Reuse | Create
)

func (o AllocOptions) Has(f AllocOptions) bool { return o&f == f }

func (o AllocOptions) String() string {
	var parts []string
	for _, f := range []struct {
		flag AllocOptions
		name string
	}{{Reuse, "reuse"}, {Create, "create"}, {EraseOnFree, "erase_on_free"}, {DeleteOnFree, "delete_on_free"}} {
		if o.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseAllocOptions parses names joined by '|' or ','.
func ParseAllocOptions(s string) (AllocOptions, error) {
	var o AllocOptions
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "reuse":
			o |= Reuse
		case "create":
			o |= Create
		case "erase_on_free", "erase":
			o |= EraseOnFree
		case "delete_on_free", "delete":
			o |= DeleteOnFree
		case "":
		default:
			return 0, fmt.Errorf("unknown allocation option %q", part)
		}
	}
	return o, nil
}

func (o AllocOptions) disposition(def Disposition) Disposition {
	switch {
	case o.Has(DeleteOnFree):
		return DispositionDelete
	case o.Has(EraseOnFree):
		return DispositionErase
	}
	return def
}

type Options struct {
	// Name identifies the pool; simulators refer to it by this ID.
	Name string
	// Capacity bounds the number of simulators; 0 means unlimited.
	Capacity        int
	Match           MatchPolicy
	Disposition     Disposition
	PollInterval    time.Duration
	BootTimeout     time.Duration
	ShutdownTimeout time.Duration
	// UDIDEnv names the variable that tags runtime processes with their UDID.
	UDIDEnv string
	// RetainDevices keeps backing devices when the pool is closed.
	RetainDevices bool
	// PrewarmParallelism bounds concurrent creations in Prewarm.
	PrewarmParallelism int
	Store              store.Store
	Logger             *slog.Logger
	Listeners          []event.Listener
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.BootTimeout <= 0 {
		o.BootTimeout = 2 * time.Minute
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = time.Minute
	}
	if o.PrewarmParallelism <= 0 {
		o.PrewarmParallelism = 4
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
