// Package lock implements the named reentrant lock primitive. Locks do
// not flow through the dispatcher — a command must never block — so the
// registry is the one piece of shared-mutable state guarded by its own
// mutex. Owner identity is an opaque value of the caller's choosing,
// typically the owning connection; never a goroutine.
package lock

import (
	"sync"
	"time"

	"github.com/xraph/stash"
)

// held is one acquired lock entry. Depth is at least 1 while the entry
// exists; a depth of zero removes the entry, so "no entry" and "no
// owner" are the same fact.
type held struct {
	owner any
	depth int
}

// Registry holds all named locks. Safe for concurrent use. The waiter
// queues are keyed by resource rather than attached to an entry so that
// waiters survive the release-and-reacquire churn of a contended lock.
type Registry struct {
	cmp     stash.StringComparer
	mu      sync.Mutex
	locks   map[string]*held
	waiters map[string][]chan struct{}
}

// NewRegistry returns an empty lock registry with resources compared
// under cmp.
func NewRegistry(cmp stash.StringComparer) *Registry {
	return &Registry{
		cmp:     cmp,
		locks:   make(map[string]*held),
		waiters: make(map[string][]chan struct{}),
	}
}

// Acquire takes the named lock for owner, waiting up to timeout if
// another owner holds it. Re-acquisition by the same owner increments
// the reentrance depth. On timeout it fails with stash.ErrLockTimeout.
func (r *Registry) Acquire(resource string, owner any, timeout time.Duration) (*Handle, error) {
	if resource == "" || owner == nil {
		return nil, stash.ErrInvalidArgument
	}

	key := r.cmp.Key(resource)
	deadline := time.Now().Add(timeout)
	var wake chan struct{}

	r.mu.Lock()
	for {
		e, ok := r.locks[key]
		if !ok {
			r.locks[key] = &held{owner: owner, depth: 1}
			r.mu.Unlock()
			return &Handle{r: r, key: key, owner: owner}, nil
		}
		if e.owner == owner {
			e.depth++
			r.mu.Unlock()
			return &Handle{r: r, key: key, owner: owner}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			r.mu.Unlock()
			return nil, stash.ErrLockTimeout
		}

		if wake == nil {
			wake = make(chan struct{}, 1)
			r.waiters[key] = append(r.waiters[key], wake)
		} else {
			// Woken but lost the race to a newcomer: rejoin at the
			// head to keep waiter order FIFO.
			r.waiters[key] = append([]chan struct{}{wake}, r.waiters[key]...)
		}
		r.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			r.mu.Lock()
			r.dropWaiter(key, wake)
			r.mu.Unlock()
			return nil, stash.ErrLockTimeout
		}

		r.mu.Lock()
	}
}

// dropWaiter removes wake from the resource's waiter queue. Caller
// holds r.mu.
func (r *Registry) dropWaiter(key string, wake chan struct{}) {
	queue := r.waiters[key]
	for i, w := range queue {
		if w == wake {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(r.waiters, key)
	} else {
		r.waiters[key] = queue
	}
}

// release decrements the entry's depth for owner; at zero the entry is
// removed and the longest-waiting acquirer is woken to retry.
func (r *Registry) release(key string, owner any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.locks[key]
	if !ok || e.owner != owner {
		return
	}
	e.depth--
	if e.depth > 0 {
		return
	}
	delete(r.locks, key)

	if queue := r.waiters[key]; len(queue) > 0 {
		wake := queue[0]
		r.dropWaiter(key, wake)
		wake <- struct{}{}
	}
}

// Depth returns the current reentrance depth of the named lock, zero if
// unheld. Intended for tests and diagnostics.
func (r *Registry) Depth(resource string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.locks[r.cmp.Key(resource)]; ok {
		return e.depth
	}
	return 0
}

// Handle releases one acquisition of a lock. Release is idempotent:
// releasing the same handle twice is a no-op.
type Handle struct {
	r     *Registry
	key   string
	owner any
	once  sync.Once
}

// Release gives back this acquisition. The lock itself is freed once
// every handle of the owning chain has been released.
func (h *Handle) Release() {
	h.once.Do(func() { h.r.release(h.key, h.owner) })
}
