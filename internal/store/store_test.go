package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(AllModels()...))
	return &Store{DB: db}
}

func TestTransitionRefusesTerminalJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &UserJob{Status: StatusCompleted}
	require.NoError(t, s.DB.Create(job).Error)

	err := s.Transition(ctx, job.ID, StatusUploading, SourceWorker, "", nil)
	require.Error(t, err)
}

func TestTransitionRecordsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &UserJob{Status: StatusQueued}
	require.NoError(t, s.DB.Create(job).Error)

	err := s.Transition(ctx, job.ID, StatusDownloading, SourceWorker, "", func(j *UserJob) {
		j.CurrentState = "starting"
	})
	require.NoError(t, err)

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDownloading, loaded.Status)
	require.Equal(t, "starting", loaded.CurrentState)

	var histories []JobStatusHistory
	require.NoError(t, s.DB.Where("job_id = ?", job.ID).Find(&histories).Error)
	require.Len(t, histories, 1)
	require.Equal(t, StatusQueued, histories[0].FromStatus)
	require.Equal(t, StatusDownloading, histories[0].ToStatus)
}

func TestMarkFailedStatus(t *testing.T) {
	require.Equal(t, StatusTorrentDownloadRetry, MarkFailedStatus(StatusDownloading, true))
	require.Equal(t, StatusTorrentFailed, MarkFailedStatus(StatusDownloading, false))
	require.Equal(t, StatusUploadRetry, MarkFailedStatus(StatusUploading, true))
	require.Equal(t, StatusUploadFailed, MarkFailedStatus(StatusUploading, false))
}

func TestStaleJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-10 * time.Minute)
	fresh := time.Now().UTC()

	staleJob := &UserJob{Status: StatusDownloading, LastHeartbeat: &stale}
	freshJob := &UserJob{Status: StatusDownloading, LastHeartbeat: &fresh}
	require.NoError(t, s.DB.Create(staleJob).Error)
	require.NoError(t, s.DB.Create(freshJob).Error)

	jobs, err := s.StaleJobs(ctx, []JobStatus{StatusDownloading}, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, staleJob.ID, jobs[0].ID)
}

