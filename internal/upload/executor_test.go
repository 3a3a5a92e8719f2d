package upload

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"jobpipeline/internal/coordination"
	"jobpipeline/internal/pipelineerrors"
	"jobpipeline/internal/store"
)

type fakeUploader struct {
	provider store.ProviderType
	uploadFn func(ctx context.Context, job *store.UserJob, downloadPath string, report ProgressReport) error
	cleaned  bool
}

func (f *fakeUploader) ProviderType() store.ProviderType { return f.provider }
func (f *fakeUploader) Upload(ctx context.Context, job *store.UserJob, downloadPath string, report ProgressReport) error {
	return f.uploadFn(ctx, job, downloadPath, report)
}
func (f *fakeUploader) Cleanup(ctx context.Context, job *store.UserJob) { f.cleaned = true }

func testEnv(t *testing.T) (*store.Store, *coordination.Lock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.AllModels()...))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return &store.Store{DB: db}, coordination.NewLock(rdb)
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seedJob(t *testing.T, db *store.Store, status store.JobStatus) (*store.UserJob, *store.UserStorageProfile) {
	t.Helper()
	profile := &store.UserStorageProfile{ProviderType: store.ProviderS3, IsActive: true}
	require.NoError(t, db.DB.Create(profile).Error)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.mkv"), []byte("data"), 0o644))

	job := &store.UserJob{Status: status, StorageProfileID: profile.ID, DownloadPath: dir}
	require.NoError(t, db.DB.Create(job).Error)
	return job, profile
}

func TestRunCompletesOnSuccessfulUpload(t *testing.T) {
	db, lock := testEnv(t)
	job, _ := seedJob(t, db, store.StatusPendingUpload)

	uploader := &fakeUploader{provider: store.ProviderS3, uploadFn: func(ctx context.Context, j *store.UserJob, downloadPath string, report ProgressReport) error {
		report(4)
		return nil
	}}

	exec := NewExecutor(db, lock, uploader, testLogger(), "")
	require.NoError(t, exec.Run(context.Background(), job.ID))

	reloaded, err := db.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, reloaded.Status)
	require.Equal(t, int64(4), reloaded.BytesUploaded)
}

func TestRunMarksRetryOnTransientFailure(t *testing.T) {
	db, lock := testEnv(t)
	job, _ := seedJob(t, db, store.StatusPendingUpload)

	uploader := &fakeUploader{provider: store.ProviderS3, uploadFn: func(ctx context.Context, j *store.UserJob, downloadPath string, report ProgressReport) error {
		return pipelineerrors.New(pipelineerrors.KindTransient, "upload", os.ErrDeadlineExceeded)
	}}

	exec := NewExecutor(db, lock, uploader, testLogger(), "")
	err := exec.Run(context.Background(), job.ID)
	require.Error(t, err)
	require.True(t, uploader.cleaned)

	reloaded, err := db.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusUploadRetry, reloaded.Status)
}

func TestRunSkipsTerminalJob(t *testing.T) {
	db, lock := testEnv(t)
	job, _ := seedJob(t, db, store.StatusCompleted)

	uploader := &fakeUploader{provider: store.ProviderS3, uploadFn: func(ctx context.Context, j *store.UserJob, downloadPath string, report ProgressReport) error {
		t.Fatal("upload should not run for a terminal job")
		return nil
	}}

	exec := NewExecutor(db, lock, uploader, testLogger(), "")
	require.NoError(t, exec.Run(context.Background(), job.ID))
}

func TestRunFailsWhenBackblazeMountMissing(t *testing.T) {
	db, lock := testEnv(t)
	job, _ := seedJob(t, db, store.StatusPendingUpload)

	uploader := &fakeUploader{provider: store.ProviderS3, uploadFn: func(ctx context.Context, j *store.UserJob, downloadPath string, report ProgressReport) error {
		t.Fatal("upload should not run when the backblaze mount is missing")
		return nil
	}}

	exec := NewExecutor(db, lock, uploader, testLogger(), filepath.Join(t.TempDir(), "does-not-exist"))
	err := exec.Run(context.Background(), job.ID)
	require.Error(t, err)
}

func TestRunProceedsWhenBackblazeMountPresent(t *testing.T) {
	db, lock := testEnv(t)
	job, _ := seedJob(t, db, store.StatusPendingUpload)

	uploader := &fakeUploader{provider: store.ProviderS3, uploadFn: func(ctx context.Context, j *store.UserJob, downloadPath string, report ProgressReport) error {
		report(1)
		return nil
	}}

	exec := NewExecutor(db, lock, uploader, testLogger(), t.TempDir())
	require.NoError(t, exec.Run(context.Background(), job.ID))
}

func TestWalkEligibleFilesExcludesEngineMetadataAndUnselected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.mkv"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.fresume"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "extras"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extras", "poster.jpg"), []byte("x"), 0o644))

	var visited []string
	err := WalkEligibleFiles(dir, []string{"movie.mkv"}, func(absPath, relPath string, size int64) error {
		visited = append(visited, relPath)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"movie.mkv"}, visited)
}
