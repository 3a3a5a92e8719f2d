package health

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"jobpipeline/internal/backgroundjobs"
	"jobpipeline/internal/store"
)

type fakeEngine struct {
	describeFunc func(ctx context.Context, handle string) (backgroundjobs.Description, error)
	enqueued     []string
}

func (f *fakeEngine) Enqueue(ctx context.Context, target string, args map[string]interface{}) (string, error) {
	handle := "handle-1"
	f.enqueued = append(f.enqueued, handle)
	return handle, nil
}

func (f *fakeEngine) Delete(ctx context.Context, handle string) error { return nil }

func (f *fakeEngine) Describe(ctx context.Context, handle string) (backgroundjobs.Description, error) {
	return f.describeFunc(ctx, handle)
}

func newTestDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.AllModels()...))
	return &store.Store{DB: db}
}

func TestTickRecoversStaleDownload(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-10 * time.Minute)
	job := &store.UserJob{Status: store.StatusDownloading, LastHeartbeat: &stale}
	require.NoError(t, db.DB.Create(job).Error)

	engine := &fakeEngine{describeFunc: func(ctx context.Context, handle string) (backgroundjobs.Description, error) {
		return backgroundjobs.Description{State: backgroundjobs.StateFailed}, nil
	}}

	m := New(db, engine, time.Minute, 5*time.Minute, testLogger())
	m.tick(ctx)

	require.Len(t, engine.enqueued, 1)

	reloaded, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "handle-1", reloaded.HangfireJobID)
}

func TestTickSkipsJobStillEnqueued(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-10 * time.Minute)
	job := &store.UserJob{Status: store.StatusDownloading, LastHeartbeat: &stale, HangfireJobID: "handle-x"}
	require.NoError(t, db.DB.Create(job).Error)

	engine := &fakeEngine{describeFunc: func(ctx context.Context, handle string) (backgroundjobs.Description, error) {
		return backgroundjobs.Description{State: backgroundjobs.StateEnqueued}, nil
	}}

	m := New(db, engine, time.Minute, 5*time.Minute, testLogger())
	m.tick(ctx)

	require.Empty(t, engine.enqueued)
}
