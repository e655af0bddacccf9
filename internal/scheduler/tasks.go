package scheduler

import (
	"context"

	"github.com/cloudmount/cloudmount/internal/reconciler"
	"github.com/cloudmount/cloudmount/internal/status"
	"github.com/cloudmount/cloudmount/internal/worker"
	"golang.org/x/sync/errgroup"
)

// NameSyncCycle and NameStatusBroadcast are the task names registered by
// NewSyncCycleTask and NewStatusBroadcastTask, for use with TriggerNow.
const (
	NameSyncCycle       = "sync_cycle"
	NameStatusBroadcast = "status_broadcast"
)

// NewSyncCycleTask builds the sync_cycle task body: one reconciler pass
// followed by draining the download and upload queues. The reconciler
// runs alone first since it is what discovers the work the two drains
// then consume; once it has committed, nothing downstream depends on
// which of the two queues empties first, so they drain concurrently.
func NewSyncCycleTask(rec *reconciler.Reconciler, dl *worker.DownloadWorker, ul *worker.UploadWorker) TaskFunc {
	return func(ctx context.Context) error {
		if err := rec.Run(ctx); err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return drainAll(gctx, dl.DrainOnce) })
		g.Go(func() error { return drainAll(gctx, ul.DrainOnce) })
		return g.Wait()
	}
}

// drainAll repeatedly calls drainOnce until it processes nothing further,
// so a sync_cycle tick fully empties whatever the reconciler queued
// rather than handing off one batch per tick.
func drainAll(ctx context.Context, drainOnce func(context.Context) (int, error)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := drainOnce(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// NewStatusBroadcastTask builds the status_broadcast task body: recompute
// DaemonStatus from in and push it to broadcaster, which itself only
// emits the D-Bus signal when the tuple actually changed.
func NewStatusBroadcastTask(broadcaster *status.Broadcaster, in status.Inputs) TaskFunc {
	return func(ctx context.Context) error {
		broadcaster.Update(status.Compute(ctx, in))
		return nil
	}
}
