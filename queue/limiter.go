package queue

import (
	"golang.org/x/time/rate"

	"github.com/xraph/stash"
)

// Limit configures dequeue rate limiting for one queue.
type Limit struct {
	// Queue is the queue name (compared under the configured comparer).
	Queue string

	// Rate is the maximum sustained dequeues per second. Zero disables
	// limiting for this queue.
	Rate float64

	// Burst is the token-bucket burst size. Defaults to 1 if Rate is
	// set but Burst is zero.
	Burst int
}

// Limiter rate-limits fetches per queue. Queues without a Limit are
// unlimited. Safe for concurrent use.
type Limiter struct {
	cmp      stash.StringComparer
	limiters map[string]*rate.Limiter
}

// NewLimiter builds a Limiter from the given per-queue limits.
func NewLimiter(cmp stash.StringComparer, limits ...Limit) *Limiter {
	l := &Limiter{cmp: cmp, limiters: make(map[string]*rate.Limiter, len(limits))}
	for _, lim := range limits {
		if lim.Rate <= 0 {
			continue
		}
		burst := lim.Burst
		if burst <= 0 {
			burst = 1
		}
		l.limiters[cmp.Key(lim.Queue)] = rate.NewLimiter(rate.Limit(lim.Rate), burst)
	}
	return l
}

// Allow reports whether a dequeue from the named queue may proceed now.
func (l *Limiter) Allow(queueName string) bool {
	if l == nil {
		return true
	}
	lim, ok := l.limiters[l.cmp.Key(queueName)]
	if !ok {
		return true
	}
	return lim.Allow()
}
