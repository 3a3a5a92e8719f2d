// Package store is the durable relational model: UserJob, JobStatusHistory,
// UserStorageProfile and S3UploadProgress, plus a Store type exposing
// typed repository methods and a Commit() that batches writes in one
// transaction.
package store

import (
	"time"

	"gorm.io/gorm"
)

// JobStatus is one state in the job state machine (§4.1 of the pipeline's
// own design notes). Stored as a plain string column.
type JobStatus string

const (
	StatusQueued               JobStatus = "QUEUED"
	StatusDownloading          JobStatus = "DOWNLOADING"
	StatusTorrentDownloadRetry JobStatus = "TORRENT_DOWNLOAD_RETRY"
	StatusTorrentFailed        JobStatus = "TORRENT_FAILED"
	StatusPendingUpload        JobStatus = "PENDING_UPLOAD"
	StatusUploading            JobStatus = "UPLOADING"
	StatusUploadRetry          JobStatus = "UPLOAD_RETRY"
	StatusUploadFailed         JobStatus = "UPLOAD_FAILED"
	StatusCompleted            JobStatus = "COMPLETED"
	StatusCancelled            JobStatus = "CANCELLED"
	StatusFailed               JobStatus = "FAILED"
)

// Terminal reports whether no transition is legal out of this status.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusTorrentFailed, StatusUploadFailed, StatusFailed:
		return true
	default:
		return false
	}
}

// ProviderType identifies the cloud object store a storage profile targets.
type ProviderType string

const (
	ProviderGoogleDrive ProviderType = "GoogleDrive"
	ProviderS3          ProviderType = "S3"
)

// HistorySource names who performed a status transition.
type HistorySource string

const (
	SourceWorker       HistorySource = "Worker"
	SourceHealthMonitor HistorySource = "HealthMonitor"
	SourceUser         HistorySource = "User"
	SourceSystem       HistorySource = "System"
)

// StringSlice is a string array stored as JSON text (via gorm's json
// serializer), used for SelectedFilePaths since not every SQL backend has
// a native array type.
type StringSlice []string

// UserJob is the root aggregate of the pipeline.
type UserJob struct {
	ID uint `gorm:"primaryKey"`

	UserID           uint
	StorageProfileID uint
	RequestFileID    uint
	TorrentSource    string // magnet URI or on-disk .torrent path, resolved by the ingest collaborator (§1)
	Type             string

	Status       JobStatus `gorm:"index;not null"`
	CurrentState string
	ErrorMessage string

	BytesDownloaded int64
	TotalBytes      int64
	BytesUploaded   int64

	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastHeartbeat *time.Time
	NextRetryAt   *time.Time

	HangfireJobID       string
	HangfireUploadJobID string

	SelectedFilePaths StringSlice `gorm:"serializer:json"`
	DownloadPath      string

	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (UserJob) TableName() string { return "user_jobs" }

// AllFiles reports whether SelectedFilePaths is unset, meaning "all files".
func (j *UserJob) AllFiles() bool { return len(j.SelectedFilePaths) == 0 }

// JobStatusHistory is append-only: rows are never updated or deleted.
type JobStatusHistory struct {
	ID uint `gorm:"primaryKey"`

	JobID        uint `gorm:"index"`
	FromStatus   JobStatus
	ToStatus     JobStatus
	Source       HistorySource
	ErrorMessage string
	MetadataJSON string
	ChangedAt    time.Time
}

func (JobStatusHistory) TableName() string { return "job_status_histories" }

// UserStorageProfile holds opaque per-provider credentials.
type UserStorageProfile struct {
	ID uint `gorm:"primaryKey"`

	UserID          uint
	ProviderType    ProviderType
	CredentialsJSON string
	IsActive        bool
	NeedsReauth     bool
}

func (UserStorageProfile) TableName() string { return "user_storage_profiles" }

// Usable reports the uploader invariant: must not be invoked against an
// inactive or reauth-pending profile.
func (p *UserStorageProfile) Usable() bool {
	return p.IsActive && !p.NeedsReauth
}

// UploadProgressStatus is the per-file lifecycle for S3UploadProgress.
type UploadProgressStatus string

const (
	UploadInProgress UploadProgressStatus = "InProgress"
	UploadCompleted  UploadProgressStatus = "Completed"
	UploadFailed     UploadProgressStatus = "Failed"
)

// S3UploadProgress tracks one in-flight multipart upload for one file of
// one job.
type S3UploadProgress struct {
	ID uint `gorm:"primaryKey"`

	JobID         uint   `gorm:"index:idx_job_file,unique"`
	LocalFilePath string `gorm:"index:idx_job_file,unique"`
	S3Key         string
	UploadID      string
	PartSize      int64
	TotalParts    int
	PartsCompleted int
	BytesUploaded int64
	TotalBytes    int64
	PartETags     StringSlice `gorm:"serializer:json"`
	Status        UploadProgressStatus

	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (S3UploadProgress) TableName() string { return "s3_upload_progresses" }

// AllModels is passed to AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&UserJob{},
		&JobStatusHistory{},
		&UserStorageProfile{},
		&S3UploadProgress{},
	}
}
