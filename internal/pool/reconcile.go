package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/simpool/internal/device"
)

// ReconcileReport lists what Reconcile changed or found.
type ReconcileReport struct {
	// DeletedDevices were recorded as owned by this pool but not held by it.
	DeletedDevices []string `json:"deleted_devices,omitempty"`
	// DroppedRecords had no backing device left.
	DroppedRecords []string `json:"dropped_records,omitempty"`
	// Missing are held simulators whose device disappeared.
	Missing []string `json:"missing,omitempty"`
}

// Reconcile compares the platform's devices with the pool and its inventory
// store. Devices this pool created in an earlier run are deleted, and records
// of devices that no longer exist are dropped. Devices not recorded for this
// pool are never touched. Without a store only Missing is reported.
func (p *Pool) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	devices, err := p.set.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list devices: %w", err)
	}
	present := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		present[d.UDID] = struct{}{}
	}

	known := make(map[string]struct{})
	for _, sim := range p.Instances() {
		known[sim.UDID()] = struct{}{}
		if _, ok := present[sim.UDID()]; !ok {
			rep.Missing = append(rep.Missing, sim.UDID())
		}
	}
	if p.opts.Store == nil {
		return rep, nil
	}

	records, err := p.opts.Store.List(ctx, p.opts.Name)
	if err != nil {
		return rep, fmt.Errorf("list inventory: %w", err)
	}
	var errs []error
	for _, rec := range records {
		if _, ok := known[rec.UDID]; ok {
			continue
		}
		if _, ok := present[rec.UDID]; ok {
			if err := p.set.Delete(ctx, rec.UDID); err != nil && !errors.Is(err, device.ErrNotFound) {
				errs = append(errs, fmt.Errorf("delete %s: %w", rec.UDID, err))
				continue
			}
			rep.DeletedDevices = append(rep.DeletedDevices, rec.UDID)
		} else {
			rep.DroppedRecords = append(rep.DroppedRecords, rec.UDID)
		}
		if err := p.opts.Store.Delete(ctx, rec.UDID); err != nil {
			errs = append(errs, fmt.Errorf("forget %s: %w", rec.UDID, err))
		}
	}
	p.logger.Info("pool reconciled",
		"deleted", len(rep.DeletedDevices), "dropped", len(rep.DroppedRecords), "missing", len(rep.Missing))
	return rep, errors.Join(errs...)
}
