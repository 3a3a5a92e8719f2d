// Package dispatch implements the base stream worker shared by both
// upload dispatchers (§4.3): consumer-group creation, pending-entry
// reclaim before serving new messages, and the poll/backoff main loop.
// Generalized from the teacher's SmartScheduler/DownloadQueue polling
// shape (internal/queue/scheduler.go), which backs off on empty batches
// and tracks per-resource concurrency the same way this worker tracks
// per-provider dispatch.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"jobpipeline/internal/backgroundjobs"
	"jobpipeline/internal/coordination"
	"jobpipeline/internal/netutil"
	"jobpipeline/internal/pipelineerrors"
	"jobpipeline/internal/store"
)

const (
	batchSize  = 10
	blockWait  = 5 * time.Second
	emptySleep = 1 * time.Second

	minErrorBackoff = 1 * time.Second
	maxErrorBackoff = 30 * time.Second
)

// Dispatcher reads one provider's stream and idempotently hands each job
// to an upload executor.
type Dispatcher struct {
	stream     *coordination.Stream
	db         *store.Store
	engine     backgroundjobs.Engine
	run        func(ctx context.Context, jobID uint) error
	provider   store.ProviderType
	logger     *slog.Logger
	congestion *netutil.CongestionController
}

// New builds a Dispatcher. run is the provider's Executor.Run, injected
// so this package has no direct dependency on the upload package.
func New(stream *coordination.Stream, db *store.Store, engine backgroundjobs.Engine, provider store.ProviderType, run func(ctx context.Context, jobID uint) error, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		stream:     stream,
		db:         db,
		engine:     engine,
		provider:   provider,
		run:        run,
		logger:     logger,
		congestion: netutil.NewCongestionController(minErrorBackoff, maxErrorBackoff),
	}
}

// Serve runs the main loop until ctx is cancelled.
func (d *Dispatcher) Serve(ctx context.Context) error {
	if err := d.stream.EnsureGroup(ctx); err != nil {
		return err
	}

	reclaimed, err := d.stream.ReclaimPending(ctx, batchSize)
	if err != nil {
		d.logger.Warn("reclaim failed", "error", err)
	}
	for _, entry := range reclaimed {
		d.processEntry(ctx, entry)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		entries, err := d.stream.ReadNew(ctx, batchSize, blockWait)
		if err != nil {
			d.congestion.RecordOutcome(string(d.provider), err)
			backoff := d.congestion.NextBackoff(string(d.provider))
			d.logger.Warn("stream read failed, backing off", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		d.congestion.RecordOutcome(string(d.provider), nil)
		if len(entries) == 0 {
			time.Sleep(emptySleep)
			continue
		}
		for _, entry := range entries {
			d.processEntry(ctx, entry)
		}
	}
}

func (d *Dispatcher) processEntry(ctx context.Context, entry coordination.Entry) {
	ok := d.processJob(ctx, entry)
	if !ok {
		return // left pending for reclaim
	}
	if err := d.stream.Ack(ctx, entry.ID); err != nil {
		d.logger.Error("ack failed after successful processing", "entryId", entry.ID, "error", err)
	}
}

// processJob implements the idempotency guard of §4.3: if the job
// already has a hangfireUploadJobId, ack and skip. Otherwise enqueue the
// executor, persist the handle, and if that DB write fails, delete the
// just-enqueued background job so the stream entry is retried.
func (d *Dispatcher) processJob(ctx context.Context, entry coordination.Entry) bool {
	jobID := entry.Record.JobID
	if jobID == 0 {
		d.logger.Warn("dropping malformed stream entry", "entryId", entry.ID)
		return true // drain to prevent a poison loop
	}

	job, err := d.db.GetJob(ctx, jobID)
	if err != nil {
		d.logger.Warn("job not found, dropping entry", "jobId", jobID, "error", err)
		return true
	}
	if job.HangfireUploadJobID != "" {
		return true // already dispatched; at-most-one handoff
	}

	handle, err := d.engine.Enqueue(ctx, string(d.provider)+":upload", map[string]interface{}{"jobId": jobID})
	if err != nil {
		d.logger.Error("enqueue failed, leaving pending", "jobId", jobID, "error", err)
		return false
	}

	job.HangfireUploadJobID = handle
	if err := d.db.SaveJob(ctx, job); err != nil {
		d.logger.Error("persisting background job handle failed, rolling back enqueue", "jobId", jobID, "error", err)
		if delErr := d.engine.Delete(ctx, handle); delErr != nil {
			d.logger.Error("rollback delete failed", "jobId", jobID, "handle", handle, "error", delErr)
		}
		return false
	}

	if err := d.run(ctx, jobID); err != nil {
		if pipelineerrors.Retryable(err) {
			return false
		}
		d.logger.Error("executor failed terminally", "jobId", jobID, "error", err)
		return true // terminal failure already recorded by the executor; don't retry the stream entry
	}

	return true
}
