package backgroundjobs

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"jobpipeline/internal/store"
)

func newTestEngine(t *testing.T) *StoreBackedEngine {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&BackgroundJob{}))
	return NewStoreBackedEngine(&store.Store{DB: db})
}

func TestEnqueueThenDescribeReturnsEnqueuedState(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	handle, err := e.Enqueue(ctx, "s3:upload", map[string]interface{}{"jobId": 42})
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	desc, err := e.Describe(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, StateEnqueued, desc.State)
	require.Len(t, desc.History, 1)
	require.Equal(t, StateEnqueued, desc.History[0].State)
}

func TestDeleteRemovesJob(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	handle, err := e.Enqueue(ctx, "s3:upload", nil)
	require.NoError(t, err)
	require.NoError(t, e.Delete(ctx, handle))

	desc, err := e.Describe(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, StateDeleted, desc.State)
}

func TestDescribeUnknownHandleReportsDeleted(t *testing.T) {
	e := newTestEngine(t)
	desc, err := e.Describe(context.Background(), "9999")
	require.NoError(t, err)
	require.Equal(t, StateDeleted, desc.State)
}

func TestAdvanceAppendsHistory(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	handle, err := e.Enqueue(ctx, "s3:upload", nil)
	require.NoError(t, err)
	require.NoError(t, e.Advance(ctx, handle, StateProcessing))
	require.NoError(t, e.Advance(ctx, handle, StateSucceeded))

	desc, err := e.Describe(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, StateSucceeded, desc.State)
	require.Len(t, desc.History, 3)
}
