package main

import (
	"context"
	"fmt"
	"io"

	"github.com/loykin/simpool/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:8085/api"

// command binds client handlers to an output stream.
type command struct {
	out io.Writer
}

func (c command) client(ctx context.Context, f APIFlags) (*client.Client, error) {
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = defaultAPIUrl
	}
	cfg := client.Config{BaseURL: apiUrl, Timeout: f.APITimeout, Insecure: f.Insecure}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	cl := client.New(cfg)
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'simpool serve'", apiUrl)
	}
	return cl, nil
}

func (c command) Allocate(ctx context.Context, f AllocateFlags) error {
	if f.DeviceType == "" || f.OSVersion == "" {
		return fmt.Errorf("--device-type and --os-version are required")
	}
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	sim, err := cl.Allocate(ctx, client.AllocateRequest{
		Configuration: client.Configuration{
			DeviceType: f.DeviceType,
			Family:     f.Family,
			OSVersion:  f.OSVersion,
			Locale:     f.Locale,
			Scale:      f.Scale,
		},
		Options: f.Options,
	})
	if err != nil {
		return err
	}
	if f.Boot {
		udid, token := sim.UDID, sim.LeaseToken
		if sim, err = cl.Boot(ctx, udid, token); err != nil {
			return fmt.Errorf("allocated %s (lease token %s) but boot failed: %w", udid, token, err)
		}
		sim.LeaseToken = token
	}
	return printJSON(c.out, sim)
}

func (c command) Free(ctx context.Context, f UDIDFlags) error {
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	rel, err := cl.Free(ctx, f.UDID, f.Token)
	if err != nil {
		return err
	}
	return printJSON(c.out, rel)
}

func (c command) Boot(ctx context.Context, f UDIDFlags) error {
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	sim, err := cl.Boot(ctx, f.UDID, f.Token)
	if err != nil {
		return err
	}
	return printJSON(c.out, sim)
}

func (c command) Shutdown(ctx context.Context, f UDIDFlags) error {
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	sim, err := cl.Shutdown(ctx, f.UDID, f.Token)
	if err != nil {
		return err
	}
	return printJSON(c.out, sim)
}

// Resync re-reads the platform state of a simulator the daemon lost track of.
func (c command) Resync(ctx context.Context, f UDIDFlags) error {
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	sim, err := cl.Resync(ctx, f.UDID)
	if err != nil {
		return err
	}
	return printJSON(c.out, sim)
}

// List prints a table of simulators, or one snapshot when a UDID is given.
func (c command) List(ctx context.Context, f ListFlags, udid string) error {
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	if udid != "" {
		sim, err := cl.Get(ctx, udid)
		if err != nil {
			return err
		}
		return printJSON(c.out, sim)
	}
	sims, err := cl.List(ctx, f.Set)
	if err != nil {
		return err
	}
	printSimulators(c.out, sims)
	return nil
}

func (c command) History(ctx context.Context, f HistoryFlags) error {
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	entries, err := cl.History(ctx, f.UDID, f.Since)
	if err != nil {
		return err
	}
	printHistory(c.out, entries)
	return nil
}

func (c command) Stats(ctx context.Context, f APIFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	st, err := cl.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.out, st)
}

func (c command) Prewarm(ctx context.Context, f PrewarmFlags) error {
	if f.Count <= 0 {
		return fmt.Errorf("--count must be positive")
	}
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	n, err := cl.Prewarm(ctx, client.PrewarmRequest{
		Configuration: client.Configuration{DeviceType: f.DeviceType, Family: f.Family, OSVersion: f.OSVersion},
		Count:         f.Count,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "created %d of %d\n", n, f.Count)
	return err
}

func (c command) Reconcile(ctx context.Context, f APIFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	rep, err := cl.Reconcile(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.out, rep)
}
