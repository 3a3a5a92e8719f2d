package netutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandwidthManagerDisabledByDefault(t *testing.T) {
	bm := NewBandwidthManager()
	start := time.Now()
	require.NoError(t, bm.Wait(context.Background(), 10_000_000))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestBandwidthManagerSetLimitZeroDisables(t *testing.T) {
	bm := NewBandwidthManager()
	bm.SetLimit(1024)
	bm.SetLimit(0)
	start := time.Now()
	require.NoError(t, bm.Wait(context.Background(), 10_000_000))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestBandwidthManagerThrottlesAboveLimit(t *testing.T) {
	bm := NewBandwidthManager()
	bm.SetLimit(1000) // 1000 bytes/sec, burst 1000

	ctx := context.Background()
	require.NoError(t, bm.Wait(ctx, 1000)) // bucket starts empty after SetLimit: waits ~1s and leaves it drained

	start := time.Now()
	require.NoError(t, bm.Wait(ctx, 500))
	assert.Greater(t, time.Since(start), 200*time.Millisecond)
}

func TestProviderLimitersIsolatesProviders(t *testing.T) {
	pl := NewProviderLimiters()
	gdrive := pl.For("gdrive")
	s3 := pl.For("s3")
	assert.NotSame(t, gdrive, s3)
	assert.Same(t, gdrive, pl.For("gdrive"))
}
