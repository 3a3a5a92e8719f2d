// Package health implements the staleness-based recovery loop (§4.6),
// running on its own DB scope, separate from any worker's execution
// scope, per the concurrency model's "separate DB scope" rule.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jobpipeline/internal/backgroundjobs"
	"jobpipeline/internal/store"
)

var monitoredByJobType = map[string][]store.JobStatus{
	"default": {store.StatusDownloading, store.StatusUploading},
}

// Monitor periodically scans for stale jobs and recovers them.
type Monitor struct {
	db             *store.Store
	engine         backgroundjobs.Engine
	checkInterval  time.Duration
	staleThreshold time.Duration
	logger         *slog.Logger
}

func New(db *store.Store, engine backgroundjobs.Engine, checkInterval, staleThreshold time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{db: db, engine: engine, checkInterval: checkInterval, staleThreshold: staleThreshold, logger: logger}
}

// Run loops until ctx is cancelled, with an initial tick at startup.
func (m *Monitor) Run(ctx context.Context) {
	m.tick(ctx)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	scope := m.db.NewScope()

	monitored := monitoredByJobType["default"]
	jobs, err := scope.StaleJobs(ctx, monitored, m.staleThreshold)
	if err != nil {
		m.logger.Error("listing stale jobs failed", "error", err)
		return
	}

	for _, job := range jobs {
		m.recover(ctx, scope, job)
	}
}

func (m *Monitor) recover(ctx context.Context, scope *store.Store, job store.UserJob) {
	handle := job.HangfireUploadJobID
	if handle == "" {
		handle = job.HangfireJobID
	}

	decision := m.decide(ctx, handle)
	if decision == decisionSkip {
		return
	}

	target := string(job.Status) + ":resume"
	newHandle, err := m.engine.Enqueue(ctx, target, map[string]interface{}{"jobId": job.ID})
	if err != nil {
		m.logger.Error("health monitor re-enqueue failed", "jobId", job.ID, "error", err)
		return
	}

	err = scope.Commit(ctx, func(tx *store.Store) error {
		j, err := tx.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if j.Status.Terminal() {
			return fmt.Errorf("job %d went terminal before recovery could apply", job.ID)
		}
		j.ErrorMessage = ""
		now := time.Now().UTC()
		j.LastHeartbeat = &now
		if job.Status == store.StatusUploading || job.Status == store.StatusUploadRetry {
			j.HangfireUploadJobID = newHandle
		} else {
			j.HangfireJobID = newHandle
		}
		if err := tx.DB.Save(j).Error; err != nil {
			return err
		}
		hist := store.JobStatusHistory{
			JobID:      job.ID,
			FromStatus: job.Status,
			ToStatus:   job.Status,
			Source:     store.SourceHealthMonitor,
			ChangedAt:  time.Now().UTC(),
		}
		return tx.DB.Create(&hist).Error
	})
	if err != nil {
		m.logger.Error("health monitor recovery commit failed", "jobId", job.ID, "error", err)
	}
}

type recoveryDecision int

const (
	decisionRecover recoveryDecision = iota
	decisionSkip
)

// decide implements the recovery-decision table of §4.6.
func (m *Monitor) decide(ctx context.Context, handle string) recoveryDecision {
	if handle == "" {
		return decisionRecover
	}
	desc, err := m.engine.Describe(ctx, handle)
	if err != nil {
		return decisionRecover
	}
	switch desc.State {
	case backgroundjobs.StateProcessing:
		return decisionRecover // worker died mid-run; DB heartbeat is already known stale by the caller
	case backgroundjobs.StateEnqueued, backgroundjobs.StateScheduled:
		return decisionSkip
	case backgroundjobs.StateSucceeded:
		return decisionRecover // DB not terminal despite engine success: force sync-recovery
	case backgroundjobs.StateFailed, backgroundjobs.StateDeleted:
		return decisionRecover
	default:
		return decisionRecover
	}
}
