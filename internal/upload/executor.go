// Package upload implements the shared envelope around both provider
// executors (§4.5): lock acquisition, phase transition, a heartbeat loop
// on its own DB scope, provider dispatch, and the success/failure exits.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"jobpipeline/internal/coordination"
	"jobpipeline/internal/pipelineerrors"
	"jobpipeline/internal/selection"
	"jobpipeline/internal/store"
)

// Uploader is implemented by each provider's executor.
type Uploader interface {
	// ProviderType is the store.ProviderType this uploader handles.
	ProviderType() store.ProviderType
	// Upload transfers every eligible file under downloadPath for job,
	// reporting byte-level progress via report. It must itself be
	// cancellation-aware via ctx.
	Upload(ctx context.Context, job *store.UserJob, downloadPath string, report ProgressReport) error
	// Cleanup runs provider-specific cleanup on failure (e.g. aborting
	// in-flight S3 multipart uploads).
	Cleanup(ctx context.Context, job *store.UserJob)
}

// ProgressReport is called by an Uploader as bytes are transferred.
type ProgressReport func(bytesUploaded int64)

const (
	heartbeatPeriod = 15 * time.Second
	lockTTL         = coordination.LockTTL
)

// Executor runs the shared envelope for one provider.
type Executor struct {
	db             *store.Store
	lock           *coordination.Lock
	uploader       Uploader
	logger         *slog.Logger
	backblazeMount string
}

// NewExecutor builds an Executor. backblazeMount is the configured
// BACKBLAZE_MOUNT_PATH; pass "" when Backblaze isn't configured so Run
// skips the mount-existence check entirely.
func NewExecutor(db *store.Store, lock *coordination.Lock, uploader Uploader, logger *slog.Logger, backblazeMount string) *Executor {
	return &Executor{db: db, lock: lock, uploader: uploader, logger: logger, backblazeMount: backblazeMount}
}

func lockKey(provider store.ProviderType, jobID uint) string {
	if provider == store.ProviderGoogleDrive {
		return coordination.GDriveLockKey(jobID)
	}
	return coordination.S3LockKey(jobID)
}

// Run executes the envelope for jobID.
func (e *Executor) Run(ctx context.Context, jobID uint) error {
	provider := e.uploader.ProviderType()

	if e.backblazeMount != "" {
		if _, err := os.Stat(e.backblazeMount); err != nil {
			return pipelineerrors.New(pipelineerrors.KindValidation, "validate backblaze mount", fmt.Errorf("backblaze mount %s unavailable: %w", e.backblazeMount, err))
		}
	}

	lease, err := e.lock.AcquireLock(ctx, lockKey(provider, jobID), lockTTL)
	if err != nil {
		return fmt.Errorf("acquiring lock for job %d: %w", jobID, err)
	}
	if lease == nil {
		e.logger.Info("lock unavailable, exiting quietly", "jobId", jobID, "provider", provider)
		return nil
	}
	defer lease.Release(context.Background())

	job, err := e.db.GetJob(ctx, jobID)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.KindNotFound, "load job", err)
	}
	if job.Status.Terminal() {
		return nil
	}

	profile, err := e.db.GetStorageProfile(ctx, job.StorageProfileID)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.KindNotFound, "load storage profile", err)
	}
	if profile.ProviderType != provider {
		return pipelineerrors.New(pipelineerrors.KindValidation, "validate provider", fmt.Errorf("job %d storage profile is %s, executor is %s", jobID, profile.ProviderType, provider))
	}
	if !profile.Usable() {
		return pipelineerrors.New(pipelineerrors.KindAuthorization, "validate profile", fmt.Errorf("storage profile %d is inactive or needs reauth", profile.ID))
	}

	if err := e.validateDownloadPath(job.DownloadPath); err != nil {
		return pipelineerrors.New(pipelineerrors.KindNotFound, "validate download path", err)
	}

	if job.Status == store.StatusPendingUpload || job.Status == store.StatusUploadRetry {
		if err := e.db.Transition(ctx, jobID, store.StatusUploading, store.SourceWorker, "", func(j *store.UserJob) {
			if j.StartedAt == nil {
				now := time.Now().UTC()
				j.StartedAt = &now
			}
			j.CurrentState = "Starting upload"
		}); err != nil {
			return fmt.Errorf("transitioning to UPLOADING: %w", err)
		}
	} else if job.Status == store.StatusUploading && job.StartedAt == nil {
		now := time.Now().UTC()
		job.StartedAt = &now
		if err := e.db.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("setting startedAt on recovery: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go e.heartbeatLoop(runCtx, cancel, jobID, lease, heartbeatDone)
	defer func() { cancel(); <-heartbeatDone }()

	var uploadedTotal int64
	report := func(bytesUploaded int64) { uploadedTotal = bytesUploaded }

	uploadErr := e.uploader.Upload(runCtx, job, job.DownloadPath, report)
	if uploadErr != nil {
		e.uploader.Cleanup(context.Background(), job)
		_ = lease.Release(context.Background())
		hasRetries := pipelineerrors.Retryable(uploadErr)
		target := store.MarkFailedStatus(job.Status, hasRetries)
		_ = e.db.Transition(context.Background(), jobID, target, store.SourceWorker, uploadErr.Error(), func(j *store.UserJob) {
			if !hasRetries {
				now := time.Now().UTC()
				j.CompletedAt = &now
			} else {
				retry := time.Now().UTC().Add(1 * time.Minute)
				j.NextRetryAt = &retry
			}
		})
		return uploadErr
	}

	return e.db.Transition(ctx, jobID, store.StatusCompleted, store.SourceWorker, "", func(j *store.UserJob) {
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.NextRetryAt = nil
		j.BytesUploaded = uploadedTotal
		j.CurrentState = "Upload complete"
	})
}

func (e *Executor) validateDownloadPath(path string) error {
	if path == "" {
		return fmt.Errorf("download path is empty")
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("reading download path %s: %w", path, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && !selection.IsEngineMetadata(entry.Name()) {
			return nil
		}
		if entry.IsDir() {
			return nil // depth-first walk at upload time will find eligible files
		}
	}
	return fmt.Errorf("download path %s has no eligible files", path)
}

func (e *Executor) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, jobID uint, lease *coordination.Lease, done chan<- struct{}) {
	defer close(done)
	scope := e.db.NewScope()
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := lease.Refresh(ctx)
			if err != nil || !ok {
				e.logger.Warn("lock lease lost, cancelling executor", "jobId", jobID, "error", err)
				cancel()
				return
			}
			job, err := scope.GetJob(ctx, jobID)
			if err != nil {
				e.logger.Warn("heartbeat job load failed", "jobId", jobID, "error", err)
				continue
			}
			now := time.Now().UTC()
			job.LastHeartbeat = &now
			if err := scope.SaveJob(ctx, job); err != nil {
				e.logger.Warn("heartbeat write failed", "jobId", jobID, "error", err)
			}
		}
	}
}

// WalkEligibleFiles performs the depth-first traversal shared by both
// provider executors: engine metadata is excluded, and only files
// matching the job's selection are visited.
func WalkEligibleFiles(root string, selected []string, visit func(absPath, relPath string, size int64) error) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if selection.IsEngineMetadata(info.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if !selection.Matches(rel, selected) {
			return nil
		}
		return visit(path, filepath.ToSlash(rel), info.Size())
	})
}
