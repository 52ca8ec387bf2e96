package pool

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/simpool/internal/device"
	"github.com/loykin/simpool/internal/state"
)

// Prewarm creates up to n devices for cfg and leaves them erased in the free
// set, at most PrewarmParallelism at a time. Hitting capacity stops creation
// without an error. It returns the number of simulators added.
func (p *Pool) Prewarm(ctx context.Context, cfg device.Configuration, n int) (int, error) {
	var added atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.PrewarmParallelism)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			sim, err := p.Allocate(gctx, cfg, Create|EraseOnFree)
			if err != nil {
				var ae *AllocationError
				if errors.As(err, &ae) && ae.Reason == ReasonCapacityExhausted {
					return nil
				}
				return err
			}
			wctx, cancel := context.WithTimeout(gctx, p.opts.BootTimeout)
			_, werr := sim.WaitState(wctx, "create", state.Shutdown, state.Unknown)
			cancel()
			rel, ferr := p.Free(context.WithoutCancel(ctx), sim)
			if ferr != nil {
				return ferr
			}
			if werr != nil {
				return werr
			}
			if rel.Disposition == DispositionErase {
				added.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("pool prewarmed", "config", cfg.String(), "requested", n, "added", added.Load())
	return int(added.Load()), err
}
