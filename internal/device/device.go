package device

import (
	"context"
	"errors"

	"github.com/loykin/simpool/internal/state"
)

// ErrNotFound is returned by a Set for an unknown UDID.
var ErrNotFound = errors.New("device not found")

// Info describes a backing device as the platform reports it.
type Info struct {
	UDID          string        `json:"udid"`
	Name          string        `json:"name"`
	Configuration Configuration `json:"configuration"`
	DataDir       string        `json:"data_dir"`
	State         state.State   `json:"state"`
}

// Set is the platform device layer: it owns the emulated hardware behind each simulator.
// Boot and Shutdown only initiate; completion is observed through Status.
// Implementations must be safe for concurrent use.
type Set interface {
	Create(ctx context.Context, cfg Configuration) (Info, error)
	Boot(ctx context.Context, udid string) error
	Shutdown(ctx context.Context, udid string) error
	Erase(ctx context.Context, udid string) error
	Delete(ctx context.Context, udid string) error
	Status(ctx context.Context, udid string) (state.State, error)
	List(ctx context.Context) ([]Info, error)
}
