package ratelimit

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter enforces a per-model cap on in-flight requests. Acquire is
// deliberately non-blocking: a full model is rejected immediately rather
// than queued, so tail latency stays predictable and waiting happens only in
// the account pool.
type Limiter struct {
	defaultCap int
	caps       map[string]int

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

// New creates a limiter with the given default capacity and per-model
// overrides.
func New(defaultCap int, caps map[string]int) *Limiter {
	if defaultCap <= 0 {
		defaultCap = 1
	}
	return &Limiter{
		defaultCap: defaultCap,
		caps:       caps,
		slots:      make(map[string]*semaphore.Weighted),
	}
}

func (l *Limiter) semFor(model string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.slots[model]
	if !ok {
		capacity := l.defaultCap
		if override, exists := l.caps[model]; exists && override > 0 {
			capacity = override
		}
		sem = semaphore.NewWeighted(int64(capacity))
		l.slots[model] = sem
	}
	return sem
}

// Acquire takes a slot for model without blocking. Returns false when the
// model is at capacity.
func (l *Limiter) Acquire(model string) bool {
	return l.semFor(model).TryAcquire(1)
}

// Release returns a slot for model. Must be called on every exit path of a
// request that acquired one.
func (l *Limiter) Release(model string) {
	l.semFor(model).Release(1)
}
