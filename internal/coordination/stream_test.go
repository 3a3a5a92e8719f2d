package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewStream(rdb, "uploads:test:stream", "test-workers", "host1")
	require.NoError(t, s.EnsureGroup(context.Background()))
	return s
}

func TestEnsureGroupIdempotent(t *testing.T) {
	s := newTestStream(t)
	require.NoError(t, s.EnsureGroup(context.Background()))
}

func TestPublishAndReadNew(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	rec := UploadStreamRecord{JobID: 42, DownloadPath: "/downloads/42", StorageProfileID: 3, UserID: 9, CreatedAt: time.Now().UTC()}
	id, err := s.Publish(ctx, rec)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := s.ReadNew(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint(42), entries[0].Record.JobID)
	require.Equal(t, "/downloads/42", entries[0].Record.DownloadPath)

	require.NoError(t, s.Ack(ctx, entries[0].ID))
}

func TestParseJobIDRejectsGarbage(t *testing.T) {
	_, ok := ParseJobID(map[string]interface{}{})
	require.False(t, ok)

	_, ok = ParseJobID(map[string]interface{}{"jobId": "not-a-number"})
	require.False(t, ok)

	id, ok := ParseJobID(map[string]interface{}{"jobId": "7"})
	require.True(t, ok)
	require.Equal(t, uint(7), id)
}
