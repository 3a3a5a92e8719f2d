package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps a *gorm.DB with typed repository methods. The heartbeat
// loop of an upload executor always opens its own Store from a fresh
// *gorm.DB session rather than sharing the main execution's instance.
type Store struct {
	DB *gorm.DB
}

// Open connects to Postgres and runs AutoMigrate, mirroring the teacher's
// db_test.go gorm.Open(...)+AutoMigrate(...) shape with the driver swapped.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{DB: db}, nil
}

// NewScope opens a fresh session against the same underlying connection
// pool, used wherever the design calls for "a distinct DB scope" (the
// heartbeat loop, the health monitor).
func (s *Store) NewScope() *Store {
	return &Store{DB: s.DB.Session(&gorm.Session{})}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Commit runs fn inside one transaction, batching every write fn performs.
func (s *Store) Commit(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id uint) (*UserJob, error) {
	var job UserJob
	if err := s.DB.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, fmt.Errorf("loading job %d: %w", id, err)
	}
	return &job, nil
}

// GetStorageProfile loads a storage profile by id.
func (s *Store) GetStorageProfile(ctx context.Context, id uint) (*UserStorageProfile, error) {
	var profile UserStorageProfile
	if err := s.DB.WithContext(ctx).First(&profile, id).Error; err != nil {
		return nil, fmt.Errorf("loading storage profile %d: %w", id, err)
	}
	return &profile, nil
}

// SaveStorageProfile persists profile, used after a token refresh writes
// back a new access token/expiry.
func (s *Store) SaveStorageProfile(ctx context.Context, profile *UserStorageProfile) error {
	if err := s.DB.WithContext(ctx).Save(profile).Error; err != nil {
		return fmt.Errorf("saving storage profile %d: %w", profile.ID, err)
	}
	return nil
}

// SaveJob persists the full row (used for progress/heartbeat updates that
// do not themselves constitute a status transition).
func (s *Store) SaveJob(ctx context.Context, job *UserJob) error {
	if err := s.DB.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("saving job %d: %w", job.ID, err)
	}
	return nil
}

// Transition moves job.Status to toStatus and appends the matching
// JobStatusHistory row inside a single transaction, satisfying the
// transition-audit invariant: every status change has a matching history
// row within the same DB transaction. A terminal current status refuses
// the transition outright.
func (s *Store) Transition(ctx context.Context, jobID uint, toStatus JobStatus, source HistorySource, errMsg string, mutate func(job *UserJob)) error {
	return s.Commit(ctx, func(tx *Store) error {
		q := tx.DB
		if q.Dialector.Name() == "postgres" {
			// Row locking only applies against Postgres; the sqlite driver
			// used in tests has no FOR UPDATE support and needs none, since
			// it already serializes writers at the database level.
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var job UserJob
		if err := q.First(&job, jobID).Error; err != nil {
			return fmt.Errorf("loading job %d for transition: %w", jobID, err)
		}
		if job.Status.Terminal() {
			return fmt.Errorf("job %d is terminal at %s, refusing transition to %s", jobID, job.Status, toStatus)
		}

		from := job.Status
		job.Status = toStatus
		if mutate != nil {
			mutate(&job)
		}
		if err := tx.DB.Save(&job).Error; err != nil {
			return fmt.Errorf("saving job %d: %w", jobID, err)
		}

		hist := JobStatusHistory{
			JobID:        jobID,
			FromStatus:   from,
			ToStatus:     toStatus,
			Source:       source,
			ErrorMessage: errMsg,
			ChangedAt:    time.Now().UTC(),
		}
		if err := tx.DB.Create(&hist).Error; err != nil {
			return fmt.Errorf("recording history for job %d: %w", jobID, err)
		}
		return nil
	})
}

// MarkFailedStatus selects the retry or terminal failure status by current
// phase per §4.1: DOWNLOADING|QUEUED -> TORRENT_DOWNLOAD_RETRY or
// TORRENT_FAILED; UPLOADING -> UPLOAD_RETRY or UPLOAD_FAILED.
func MarkFailedStatus(current JobStatus, hasRetries bool) JobStatus {
	switch current {
	case StatusQueued, StatusDownloading, StatusTorrentDownloadRetry:
		if hasRetries {
			return StatusTorrentDownloadRetry
		}
		return StatusTorrentFailed
	case StatusUploading, StatusUploadRetry, StatusPendingUpload:
		if hasRetries {
			return StatusUploadRetry
		}
		return StatusUploadFailed
	default:
		if hasRetries {
			return current
		}
		return StatusFailed
	}
}

// UpsertS3Progress inserts or updates a progress row keyed by (JobID, LocalFilePath).
func (s *Store) UpsertS3Progress(ctx context.Context, p *S3UploadProgress) error {
	var existing S3UploadProgress
	err := s.DB.WithContext(ctx).
		Where("job_id = ? AND local_file_path = ?", p.JobID, p.LocalFilePath).
		First(&existing).Error
	switch {
	case err == nil:
		p.ID = existing.ID
		return s.DB.WithContext(ctx).Save(p).Error
	case err == gorm.ErrRecordNotFound:
		return s.DB.WithContext(ctx).Create(p).Error
	default:
		return fmt.Errorf("loading s3 progress: %w", err)
	}
}

// GetS3Progress looks up a progress row by (jobID, s3Key's local path).
func (s *Store) GetS3Progress(ctx context.Context, jobID uint, localFilePath string) (*S3UploadProgress, error) {
	var p S3UploadProgress
	err := s.DB.WithContext(ctx).
		Where("job_id = ? AND local_file_path = ?", jobID, localFilePath).
		First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading s3 progress: %w", err)
	}
	return &p, nil
}

// DeleteS3Progress removes the row once a file finishes uploading.
func (s *Store) DeleteS3Progress(ctx context.Context, id uint) error {
	return s.DB.WithContext(ctx).Delete(&S3UploadProgress{}, id).Error
}

// InProgressS3Uploads lists every InProgress row for a job, used to abort
// multipart uploads on executor failure.
func (s *Store) InProgressS3Uploads(ctx context.Context, jobID uint) ([]S3UploadProgress, error) {
	var rows []S3UploadProgress
	err := s.DB.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, UploadInProgress).
		Find(&rows).Error
	return rows, err
}

// QueuedJobs returns up to limit jobs ready for the download worker to pick
// up (QUEUED or TORRENT_DOWNLOAD_RETRY with no background job handle yet),
// oldest first, per the control flow's API -> DB(QUEUED) -> DownloadWorker
// step.
func (s *Store) QueuedJobs(ctx context.Context, limit int) ([]UserJob, error) {
	var jobs []UserJob
	err := s.DB.WithContext(ctx).
		Where("status IN ?", []JobStatus{StatusQueued, StatusTorrentDownloadRetry}).
		Where("hangfire_job_id = ?", "").
		Order("created_at").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// StaleJobs returns jobs in statuses whose heartbeat is older than threshold,
// or unset while startedAt predates the threshold, per §4.6.
func (s *Store) StaleJobs(ctx context.Context, monitored []JobStatus, threshold time.Duration) ([]UserJob, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	var jobs []UserJob
	err := s.DB.WithContext(ctx).
		Where("status IN ?", monitored).
		Where("(last_heartbeat IS NOT NULL AND last_heartbeat < ?) OR (last_heartbeat IS NULL AND started_at < ?)", cutoff, cutoff).
		Find(&jobs).Error
	return jobs, err
}
