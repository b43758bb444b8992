package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Eviction tuning for the in-memory limiter. API keys that go quiet for
// bucketTTL are forgotten, so the map stays proportional to the set of
// recently active callers.
const (
	bucketTTL     = 10 * time.Minute
	evictInterval = time.Minute
)

// bucket tracks the token balance for one API key.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter is an in-process token-bucket Limiter keyed by API key.
// Tokens refill continuously at rate per second up to burst; each
// allowed request spends one. State lives only in this process, which
// is fine for a single-node deployment.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter with the given sustained rate
// (requests per second per key) and burst capacity. A background
// goroutine evicts idle keys; call Close to stop it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow spends one token from key's bucket. A first-seen key starts
// full, so a new caller always gets its initial request through.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &bucket{tokens: m.burst - 1, lastAccess: now}
		return true, nil
	}

	b.tokens += now.Sub(b.lastAccess).Seconds() * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.lastAccess = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-bucketTTL)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
