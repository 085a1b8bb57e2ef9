package worker

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limit defines per-queue throttling applied by the local pool before
// a delivered task executes.
type Limit struct {
	// Queue is the queue name the limit applies to.
	Queue string

	// MaxConcurrency caps how many tasks from this queue may run
	// simultaneously in this process. Zero means no queue-specific cap
	// (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained executions per second. Zero
	// disables rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst size. Defaults to 1 when
	// RateLimit is set and RateBurst is zero.
	RateBurst int
}

type limitState struct {
	limit   Limit
	limiter *rate.Limiter
	active  int
}

// Limiter enforces per-queue rate and concurrency limits. It is safe
// for concurrent use. Queues without a configured Limit are unlimited.
type Limiter struct {
	mu     sync.Mutex
	queues map[string]*limitState
}

// NewLimiter creates a Limiter with the given per-queue limits.
func NewLimiter(limits ...Limit) *Limiter {
	l := &Limiter{queues: make(map[string]*limitState, len(limits))}
	for _, lim := range limits {
		st := &limitState{limit: lim}
		if lim.RateLimit > 0 {
			burst := lim.RateBurst
			if burst <= 0 {
				burst = 1
			}
			st.limiter = rate.NewLimiter(rate.Limit(lim.RateLimit), burst)
		}
		l.queues[lim.Queue] = st
	}
	return l
}

// Acquire reports whether a task from the queue may execute now. On
// true the active counter is incremented and the caller MUST call
// Release when execution completes. On false the caller leaves the
// task pending for a later attempt.
func (l *Limiter) Acquire(queue string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.queues[queue]
	if st == nil {
		return true
	}
	if st.limit.MaxConcurrency > 0 && st.active >= st.limit.MaxConcurrency {
		return false
	}
	if st.limiter != nil && !st.limiter.Allow() {
		return false
	}
	st.active++
	return true
}

// Release decrements the queue's active counter.
func (l *Limiter) Release(queue string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st := l.queues[queue]; st != nil && st.active > 0 {
		st.active--
	}
}
