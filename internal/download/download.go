// Package download implements the crash-resilient download worker:
// ExecuteDownload drives a torrent engine session with fast-resume,
// persists progress, and publishes a completion record to the
// appropriate upload stream.
package download

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"jobpipeline/internal/backgroundjobs"
	"jobpipeline/internal/coordination"
	"jobpipeline/internal/filesystem"
	"jobpipeline/internal/integrity"
	"jobpipeline/internal/pipelineerrors"
	"jobpipeline/internal/selection"
	"jobpipeline/internal/store"
	"jobpipeline/internal/torrentengine"
)

// StreamPublisher is the subset of coordination.Stream the download
// worker needs, keyed by provider so it can publish to whichever stream
// the job's storage profile targets.
type StreamPublisher interface {
	Publish(ctx context.Context, rec coordination.UploadStreamRecord) (string, error)
}

// Worker drives downloads for a single process instance.
type Worker struct {
	db       *store.Store
	engine   *torrentengine.Engine
	streams  map[store.ProviderType]StreamPublisher
	baseDir  string
	logger   *slog.Logger
}

// New builds a download Worker. streams maps each provider to the
// publisher for its upload stream.
func New(db *store.Store, engine *torrentengine.Engine, streams map[store.ProviderType]StreamPublisher, baseDir string, logger *slog.Logger) *Worker {
	return &Worker{db: db, engine: engine, streams: streams, baseDir: baseDir, logger: logger}
}

const (
	settleTimeout  = 10 * time.Second
	settlePoll     = 250 * time.Millisecond
	monitorPoll    = 2 * time.Second
	heartbeatEvery = 5 * time.Second
	stateSaveEvery = 30 * time.Second
	speedLogDelta  = 100 * 1024 * 1024

	downloadBatchSize    = 10
	downloadPollInterval = 5 * time.Second
	downloadErrorBackoff = 5 * time.Second
)

// Serve polls the store for dispatchable jobs (the control flow's
// API -> DB(QUEUED) -> DownloadWorker step) and drives each one through
// ExecuteDownload. It mirrors the upload dispatcher's idempotency-guarded
// enqueue-then-run shape (§4.3) against a DB poll instead of a Redis
// stream, since jobs enter QUEUED via a direct DB write rather than a
// stream record.
func (w *Worker) Serve(ctx context.Context, engine backgroundjobs.Engine) error {
	return w.serve(ctx, engine, w.ExecuteDownload)
}

func (w *Worker) serve(ctx context.Context, engine backgroundjobs.Engine, run func(ctx context.Context, jobID uint) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		jobs, err := w.db.QueuedJobs(ctx, downloadBatchSize)
		if err != nil {
			w.logger.Warn("queued job poll failed, backing off", "error", err)
			time.Sleep(downloadErrorBackoff)
			continue
		}
		if len(jobs) == 0 {
			time.Sleep(downloadPollInterval)
			continue
		}
		for _, job := range jobs {
			w.dispatchJob(ctx, engine, job.ID, run)
		}
	}
}

// dispatchJob implements the same idempotency guard as the upload
// dispatcher's processJob (§4.3): skip if already dispatched, otherwise
// enqueue the background job, persist the handle, and roll the enqueue
// back if persisting fails so the next poll retries cleanly.
func (w *Worker) dispatchJob(ctx context.Context, engine backgroundjobs.Engine, jobID uint, run func(ctx context.Context, jobID uint) error) {
	job, err := w.db.GetJob(ctx, jobID)
	if err != nil {
		w.logger.Warn("job not found, skipping", "jobId", jobID, "error", err)
		return
	}
	if job.HangfireJobID != "" {
		return // already dispatched; at-most-one handoff
	}

	handle, err := engine.Enqueue(ctx, "download", map[string]interface{}{"jobId": jobID})
	if err != nil {
		w.logger.Error("enqueue failed, will retry next poll", "jobId", jobID, "error", err)
		return
	}

	job.HangfireJobID = handle
	if err := w.db.SaveJob(ctx, job); err != nil {
		w.logger.Error("persisting background job handle failed, rolling back enqueue", "jobId", jobID, "error", err)
		if delErr := engine.Delete(ctx, handle); delErr != nil {
			w.logger.Error("rollback delete failed", "jobId", jobID, "handle", handle, "error", delErr)
		}
		return
	}

	if err := run(ctx, jobID); err != nil {
		w.logger.Error("download execution failed", "jobId", jobID, "error", err)
	}
}

// ExecuteDownload runs the full download algorithm for jobID (§4.4).
func (w *Worker) ExecuteDownload(ctx context.Context, jobID uint) error {
	job, err := w.db.GetJob(ctx, jobID)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.KindNotFound, "load job", err)
	}
	if job.Status.Terminal() {
		w.logger.Info("job already terminal, skipping", "jobId", jobID, "status", job.Status)
		return nil
	}

	profile, err := w.db.GetStorageProfile(ctx, job.StorageProfileID)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.KindNotFound, "load storage profile", err)
	}

	downloadPath, err := w.resolveDownloadPath(job)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.KindValidation, "resolve download path", err)
	}

	torrentSrc, err := w.materializeTorrentDescriptor(ctx, job)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.KindTransient, "materialize torrent descriptor", err)
	}

	if err := filesystem.CheckSpace(downloadPath, estimatedSize(job)); err != nil {
		return pipelineerrors.New(pipelineerrors.KindValidation, "preflight disk space check", err)
	}

	sess, err := w.engine.Open(ctx, torrentSrc, downloadPath)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.KindTransient, "open torrent session", err)
	}

	totalBytes := computeSelectedSize(sess, job.SelectedFilePaths)

	if err := w.db.Transition(ctx, jobID, store.StatusDownloading, store.SourceWorker, "", func(j *store.UserJob) {
		if j.StartedAt == nil {
			now := time.Now().UTC()
			j.StartedAt = &now
		}
		j.TotalBytes = totalBytes
		j.DownloadPath = downloadPath
		j.CurrentState = "Starting download"
	}); err != nil {
		return fmt.Errorf("transitioning to DOWNLOADING: %w", err)
	}

	for _, f := range sess.Files() {
		sess.SetFilePriority(f.Path, selection.Matches(f.Path, job.SelectedFilePaths))
	}
	sess.Start()

	if err := w.settle(ctx, sess); err != nil {
		_ = sess.SaveState()
		return pipelineerrors.New(pipelineerrors.KindTransient, "settle", err)
	}

	if err := w.monitor(ctx, jobID, sess, totalBytes); err != nil {
		_ = sess.SaveState()
		return err
	}

	if err := w.verifyCompletedFiles(sess, job.SelectedFilePaths); err != nil {
		return pipelineerrors.New(pipelineerrors.KindIntegrityViolation, "verify completed files", err)
	}

	if err := w.db.Transition(ctx, jobID, store.StatusPendingUpload, store.SourceWorker, "", func(j *store.UserJob) {
		j.CurrentState = "Download complete"
		j.BytesDownloaded = j.TotalBytes
	}); err != nil {
		return fmt.Errorf("transitioning to PENDING_UPLOAD: %w", err)
	}

	publisher, ok := w.streams[profile.ProviderType]
	if !ok {
		return pipelineerrors.New(pipelineerrors.KindValidation, "publish upload trigger", fmt.Errorf("no stream configured for provider %s", profile.ProviderType))
	}
	_, err = publisher.Publish(ctx, coordination.UploadStreamRecord{
		JobID:            jobID,
		DownloadPath:     downloadPath,
		StorageProfileID: job.StorageProfileID,
		UserID:           job.UserID,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		return pipelineerrors.New(pipelineerrors.KindTransient, "publish upload trigger", err)
	}

	return nil
}

// verifyCompletedFiles guards against the torrent engine reporting 100%
// completion while a selected file is missing or truncated on disk.
func (w *Worker) verifyCompletedFiles(sess *torrentengine.Session, selected []string) error {
	for _, f := range sess.Files() {
		if !selection.Matches(f.Path, selected) {
			continue
		}
		if err := integrity.VerifySize(filepath.Join(sess.DataDir(), f.Path), f.Length); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) resolveDownloadPath(job *store.UserJob) (string, error) {
	if job.DownloadPath != "" {
		if info, err := os.Stat(job.DownloadPath); err == nil && info.IsDir() {
			return job.DownloadPath, nil
		}
	}
	path := filepath.Join(w.baseDir, fmt.Sprintf("%d", job.ID))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}
	return path, nil
}

// materializeTorrentDescriptor returns the job's engine-openable torrent
// source. Resolving a RequestFile into a magnet URI or .torrent path is the
// ingest collaborator's job (§1); by the time a job reaches DOWNLOADING that
// resolution is expected to already be stored on TorrentSource.
func (w *Worker) materializeTorrentDescriptor(_ context.Context, job *store.UserJob) (string, error) {
	if job.TorrentSource == "" {
		return "", fmt.Errorf("job %d has no resolvable torrent source", job.ID)
	}
	return job.TorrentSource, nil
}

// estimatedSize returns the best guess at total download size available
// before the torrent session is opened: a prior attempt's recorded total,
// or zero if this is the first attempt (the preflight check then no-ops).
func estimatedSize(job *store.UserJob) int64 {
	return job.TotalBytes
}

func computeSelectedSize(sess *torrentengine.Session, selected []string) int64 {
	var total int64
	for _, f := range sess.Files() {
		if selection.Matches(f.Path, selected) {
			total += f.Length
		}
	}
	return total
}

func (w *Worker) settle(ctx context.Context, sess *torrentengine.Session) error {
	deadline := time.Now().Add(settleTimeout)
	for {
		switch sess.State() {
		case torrentengine.StateDownloading:
			return nil
		case torrentengine.StateSeeding:
			if sess.Progress() >= 1.0 {
				return nil
			}
		case torrentengine.StateError:
			return fmt.Errorf("engine reported error while settling")
		case torrentengine.StateStopped:
			return fmt.Errorf("engine stopped while settling")
		}
		if time.Now().After(deadline) {
			return nil // proceed to monitor loop regardless; it re-checks state
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(settlePoll):
		}
	}
}

func (w *Worker) monitor(ctx context.Context, jobID uint, sess *torrentengine.Session, totalBytes int64) error {
	heartbeatTicker := time.NewTicker(heartbeatEvery)
	defer heartbeatTicker.Stop()
	stateSaveTicker := time.NewTicker(stateSaveEvery)
	defer stateSaveTicker.Stop()
	pollTicker := time.NewTicker(monitorPoll)
	defer pollTicker.Stop()

	var lastLoggedBytes int64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-heartbeatTicker.C:
			actual := sess.BytesCompleted()
			percent := percentOf(actual, totalBytes)
			if err := w.db.SaveJob(ctx, jobMutation(ctx, w, jobID, actual, percent)); err != nil {
				w.logger.Warn("heartbeat write failed", "jobId", jobID, "error", err)
			}

		case <-stateSaveTicker.C:
			if err := sess.SaveState(); err != nil {
				w.logger.Warn("fast-resume save failed", "jobId", jobID, "error", err)
			}

		case <-pollTicker.C:
			actual := sess.BytesCompleted()
			if actual-lastLoggedBytes >= speedLogDelta {
				w.logger.Info("download progress", "jobId", jobID,
					"downloaded", humanize.Bytes(uint64(actual)), "total", humanize.Bytes(uint64(totalBytes)))
				lastLoggedBytes = actual
			}

			switch sess.State() {
			case torrentengine.StateError:
				return pipelineerrors.New(pipelineerrors.KindTransient, "monitor", fmt.Errorf("engine entered error state"))
			case torrentengine.StateStopped:
				return pipelineerrors.New(pipelineerrors.KindTransient, "monitor", fmt.Errorf("engine stopped unexpectedly"))
			}

			if sess.Progress() >= 1.0 || sess.State() == torrentengine.StateSeeding {
				_ = sess.SaveState()
				return nil
			}
		}
	}
}

func percentOf(actual, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(actual * 100 / total)
}

// jobMutation loads the job fresh and applies the progress fields; kept
// as a small helper so monitor's heartbeat branch stays a one-liner.
func jobMutation(ctx context.Context, w *Worker, jobID uint, bytesDownloaded int64, percent int) *store.UserJob {
	job, err := w.db.GetJob(ctx, jobID)
	if err != nil {
		return &store.UserJob{ID: jobID}
	}
	now := time.Now().UTC()
	job.BytesDownloaded = bytesDownloaded
	job.LastHeartbeat = &now
	job.CurrentState = fmt.Sprintf("Downloading: %d%%", percent)
	return job
}
