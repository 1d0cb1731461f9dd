package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"grimm.is/bulwark/internal/backup"
	"grimm.is/bulwark/internal/marker"
	"grimm.is/bulwark/internal/report"
	"grimm.is/bulwark/internal/safety"
	"grimm.is/bulwark/internal/state"
	"grimm.is/bulwark/internal/system"
	"grimm.is/bulwark/internal/txn"
)

// Host bundles everything a run needs for one target. Hosts share no
// mutable state, so runs on different hosts proceed in parallel.
type Host struct {
	Name     string
	Executor system.Executor
	Manager  *txn.Manager
	Monitor  *safety.Monitor
	Markers  marker.Store
	Backups  *backup.Store
	State    state.Store
	Sinks    []report.Sink
}

// RunAll runs every host with at most parallelism at once and returns the
// reports in host order.
func (o *Orchestrator) RunAll(ctx context.Context, hosts []*Host, parallelism int) []*report.Run {
	runs := make([]*report.Run, len(hosts))
	g, gctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for i, h := range hosts {
		i, h := i, h
		g.Go(func() error {
			runs[i] = o.Run(gctx, h)
			return nil // a failed host does not stop the others
		})
	}
	_ = g.Wait()
	return runs
}
