package coordination

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCache(rdb)
}

func TestCacheSetGetDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSanitizePath(t *testing.T) {
	short := "movies/file.mkv"
	require.Equal(t, short, SanitizePath(short))

	backslashes := `movies\sub\file.mkv`
	require.Equal(t, "movies/sub/file.mkv", SanitizePath(backslashes))

	long := strings.Repeat("a", 150) + ".mkv"
	sanitized := SanitizePath(long)
	require.Len(t, sanitized, 20)
	require.NotEqual(t, long, sanitized)
}

func TestResumeAndCompletedKeysAreStable(t *testing.T) {
	k1 := ResumeKey(7, "a/b.mkv")
	k2 := ResumeKey(7, "a/b.mkv")
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, CompletedKey(7, "a/b.mkv"))
}
