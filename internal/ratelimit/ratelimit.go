package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimit interface {
	Allow(key string) bool
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter is a token bucket per key. Idle keys are pruned lazily.
type KeyedLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mutex     sync.Mutex
	entries   map[string]*entry
	lastPrune time.Time
}

// New allows maxRequests per interval per key, refilling continuously.
// maxRequests of zero denies everything.
func New(maxRequests int, interval time.Duration) *KeyedLimiter {
	limit := rate.Limit(0)
	if maxRequests > 0 && interval > 0 {
		limit = rate.Every(interval / time.Duration(maxRequests))
	}
	return &KeyedLimiter{
		limit:     limit,
		burst:     maxRequests,
		idle:      3 * interval,
		entries:   make(map[string]*entry),
		lastPrune: time.Now(),
	}
}

func (kl *KeyedLimiter) Allow(key string) bool {
	now := time.Now()

	kl.mutex.Lock()
	e, ok := kl.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(kl.limit, kl.burst)}
		kl.entries[key] = e
	}
	e.lastSeen = now
	kl.pruneLocked(now)
	kl.mutex.Unlock()

	return e.limiter.AllowN(now, 1)
}

func (kl *KeyedLimiter) pruneLocked(now time.Time) {
	if kl.idle <= 0 || now.Sub(kl.lastPrune) < kl.idle {
		return
	}
	for k, e := range kl.entries {
		if now.Sub(e.lastSeen) > kl.idle {
			delete(kl.entries, k)
		}
	}
	kl.lastPrune = now
}

// Len is the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mutex.Lock()
	defer kl.mutex.Unlock()
	return len(kl.entries)
}
