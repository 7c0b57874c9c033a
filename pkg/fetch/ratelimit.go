package fetch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateLimiter spaces requests to the same host at least minDelay apart
type RateLimiter struct {
	hostNextSlot   map[string]time.Time // hostname -> earliest time the next request may start
	hostNextSlotMu sync.Mutex
	log            *logrus.Entry
}

// NewRateLimiter creates a RateLimiter
func NewRateLimiter(log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		hostNextSlot: make(map[string]time.Time),
		log:          log,
	}
}

// ApplyDelay reserves the next request slot for host and sleeps until it arrives.
// Concurrent callers get consecutive slots, so bursts are spread out rather than
// released together. The wait carries +/-10% jitter and ends early if ctx is done.
func (rl *RateLimiter) ApplyDelay(ctx context.Context, host string, minDelay time.Duration) {
	if minDelay <= 0 {
		return
	}

	rl.hostNextSlotMu.Lock()
	now := time.Now()
	slot := now
	if next, exists := rl.hostNextSlot[host]; exists && next.After(now) {
		slot = next
	}
	rl.hostNextSlot[host] = slot.Add(minDelay)
	rl.hostNextSlotMu.Unlock()

	sleepDuration := slot.Sub(now)
	if sleepDuration <= 0 {
		return
	}

	var jitter time.Duration
	if jitterRange := int64(sleepDuration) / 5; jitterRange > 0 {
		jitter = time.Duration(rand.Int63n(jitterRange)) - (sleepDuration / 10)
	}
	finalSleep := max(sleepDuration+jitter, 0)

	rl.log.WithFields(logrus.Fields{
		"host": host, "sleep": finalSleep, "required_delay": minDelay,
	}).Debug("Rate limit applying sleep")
	_ = sleepCtx(ctx, finalSleep)
}
