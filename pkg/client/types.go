package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// Configuration describes the device a simulator must provide.
type Configuration struct {
	DeviceType string `json:"device_type"`
	Family     string `json:"family"`
	OSVersion  string `json:"os_version"`
	Locale     string `json:"locale,omitempty"`
	Scale      string `json:"scale,omitempty"`
}

// AllocateRequest represents a request to lease a simulator
type AllocateRequest struct {
	Configuration Configuration `json:"configuration"`
	// Options is a '|' separated list of reuse, create, erase_on_free and
	// delete_on_free. Empty means reuse|create.
	Options string `json:"options,omitempty"`
}

// PrewarmRequest asks the daemon to create Count free simulators.
type PrewarmRequest struct {
	Configuration Configuration `json:"configuration"`
	Count         int           `json:"count"`
}

// Process is a process record as reported by the daemon.
type Process struct {
	PID         int               `json:"pid"`
	Name        string            `json:"name"`
	LaunchPath  string            `json:"launch_path"`
	Arguments   []string          `json:"arguments,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
}

type Framebuffer struct {
	ID     string `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Scale  string `json:"scale,omitempty"`
}

// Simulator is a point-in-time view of one pooled simulator.
type Simulator struct {
	UDID          string             `json:"udid"`
	Name          string             `json:"name"`
	Family        string             `json:"family"`
	State         string             `json:"state"`
	Allocated     bool               `json:"allocated"`
	DataDir       string             `json:"data_dir"`
	PoolID        string             `json:"pool_id"`
	Configuration Configuration      `json:"configuration"`
	Container     *Process           `json:"container,omitempty"`
	Runtime       *Process           `json:"runtime,omitempty"`
	Framebuffer   *Framebuffer       `json:"framebuffer,omitempty"`
	Agents        map[string]Process `json:"agents,omitempty"`
	Applications  map[string]Process `json:"applications,omitempty"`
	Handles       []string           `json:"handles,omitempty"`
	HistoryLen    int                `json:"history_len"`
	// LeaseToken is only returned by Allocate. Free, Boot and Shutdown need it.
	LeaseToken string `json:"lease_token,omitempty"`
}

// Release reports how a free completed.
type Release struct {
	UDID        string   `json:"udid"`
	Disposition string   `json:"disposition"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Event is one lifecycle event. Launch is left raw since its shape depends
// on Kind.
type Event struct {
	Kind        string          `json:"kind"`
	UDID        string          `json:"udid"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Process     *Process        `json:"process,omitempty"`
	Expected    bool            `json:"expected"`
	Launch      json.RawMessage `json:"launch,omitempty"`
	Framebuffer *Framebuffer    `json:"framebuffer,omitempty"`
	Diagnostic  json.RawMessage `json:"diagnostic,omitempty"`
	State       string          `json:"state"`
}

type HistoryEntry struct {
	Seq   uint64 `json:"seq"`
	Event Event  `json:"event"`
}

type Stats struct {
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	Free      int    `json:"free"`
	Allocated int    `json:"allocated"`
	Pending   int    `json:"pending"`
	Created   int    `json:"created"`
	Reused    int    `json:"reused"`
	Closed    bool   `json:"closed"`
}

type ReconcileReport struct {
	DeletedDevices []string `json:"deleted_devices,omitempty"`
	DroppedRecords []string `json:"dropped_records,omitempty"`
	Missing        []string `json:"missing,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// APIError is returned for any non-200 response.
type APIError struct {
	Status  int
	Reason  string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}
