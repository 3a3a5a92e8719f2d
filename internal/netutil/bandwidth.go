// Package netutil carries over the teacher's rate-limiting and
// congestion-backoff primitives, generalized from per-host HTTP download
// shaping to per-provider transfer shaping (each upload executor's
// outbound chunk/part stream; the torrent engine is not rate limited).
package netutil

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// BandwidthManager applies an optional global byte-rate limit with zero
// overhead when disabled.
type BandwidthManager struct {
	limiter      *rate.Limiter
	limitEnabled atomic.Bool
}

func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
}

// SetLimit sets the limit in bytes/sec; 0 disables limiting.
func (bm *BandwidthManager) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		bm.limitEnabled.Store(false)
		bm.limiter.SetLimit(rate.Inf)
		return
	}
	bm.limitEnabled.Store(true)
	bm.limiter.SetLimit(rate.Limit(bytesPerSec))
	bm.limiter.SetBurst(bytesPerSec)
}

// Wait blocks until n bytes may be transferred, returning immediately if
// limiting is disabled.
func (bm *BandwidthManager) Wait(ctx context.Context, n int) error {
	if !bm.limitEnabled.Load() {
		return nil
	}
	return bm.limiter.WaitN(ctx, n)
}

// ProviderLimiters holds one BandwidthManager per upload provider so S3
// and Drive transfers can be shaped independently, keyed by storage
// profile provider type.
type ProviderLimiters struct {
	mu       sync.RWMutex
	managers map[string]*BandwidthManager
}

func NewProviderLimiters() *ProviderLimiters {
	return &ProviderLimiters{managers: make(map[string]*BandwidthManager)}
}

func (p *ProviderLimiters) For(provider string) *BandwidthManager {
	p.mu.RLock()
	bm, ok := p.managers[provider]
	p.mu.RUnlock()
	if ok {
		return bm
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if bm, ok := p.managers[provider]; ok {
		return bm
	}
	bm = NewBandwidthManager()
	p.managers[provider] = bm
	return bm
}
