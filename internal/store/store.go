package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record exists for a UDID.
var ErrNotFound = errors.New("store: record not found")

// Record is the persisted inventory row of one simulator. UDID is unique.
// UpdatedAt is set by the store in UTC.
type Record struct {
	UDID       string    `json:"udid"`
	Name       string    `json:"name"`
	DeviceType string    `json:"device_type"`
	OSVersion  string    `json:"os_version"`
	Family     string    `json:"family"`
	State      string    `json:"state"`
	Allocated  bool      `json:"allocated"`
	DataDir    string    `json:"data_dir"`
	PoolID     string    `json:"pool_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store keeps the inventory of simulators a pool has created, so devices can
// be reconciled after a restart.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, rec Record) error
	// UpdateState changes only the state column; unknown UDIDs are ignored.
	UpdateState(ctx context.Context, udid, state string) error
	Get(ctx context.Context, udid string) (Record, error)
	// List returns the records of poolID, or all records when poolID is empty.
	List(ctx context.Context, poolID string) ([]Record, error)
	Delete(ctx context.Context, udid string) error
	Close() error
}
