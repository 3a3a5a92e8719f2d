package netutil

import (
	"sync"
	"time"
)

// CongestionController applies an AIMD (additive increase, multiplicative
// decrease) policy to retry backoff per upload provider, generalized from
// the teacher's per-host download-concurrency controller: instead of
// scaling worker counts, it scales the delay before the next retry.
type CongestionController struct {
	mu         sync.Mutex
	providers  map[string]*providerStats
	minBackoff time.Duration
	maxBackoff time.Duration
}

type providerStats struct {
	backoff      time.Duration
	successCount int
	errorCount   int
}

func NewCongestionController(minBackoff, maxBackoff time.Duration) *CongestionController {
	return &CongestionController{
		providers:  make(map[string]*providerStats),
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// RecordOutcome updates a provider's stats after an attempt (the
// dispatcher records the outcome of each stream read).
func (cc *CongestionController) RecordOutcome(provider string, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	stats, ok := cc.providers[provider]
	if !ok {
		stats = &providerStats{backoff: cc.minBackoff}
		cc.providers[provider] = stats
	}
	if err != nil {
		stats.errorCount++
	} else {
		stats.successCount++
	}
}

// NextBackoff returns the delay to wait before the next retry attempt for
// provider, doubling the backoff once per error recorded since the last
// call (capped at maxBackoff) and halving it after a run of successes.
func (cc *CongestionController) NextBackoff(provider string) time.Duration {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	stats, ok := cc.providers[provider]
	if !ok {
		return cc.minBackoff
	}

	if stats.errorCount > 0 {
		for i := 0; i < stats.errorCount && stats.backoff < cc.maxBackoff; i++ {
			stats.backoff *= 2
		}
		if stats.backoff > cc.maxBackoff {
			stats.backoff = cc.maxBackoff
		}
		stats.errorCount = 0
		return stats.backoff
	}

	if stats.successCount > 3 {
		stats.backoff = stats.backoff / 2
		if stats.backoff < cc.minBackoff {
			stats.backoff = cc.minBackoff
		}
		stats.successCount = 0
	}

	return stats.backoff
}
