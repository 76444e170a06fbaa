// Package queue implements the per-queue FIFO engine with blocking
// fetch. Each named queue owns a FIFO of job keys, mutated only on the
// dispatcher goroutine, and a wait-list of signalable waiters shared
// with fetcher goroutines. The wait-list is the only part guarded by a
// mutex; the FIFO relies on the dispatcher's single-writer discipline.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/xraph/stash"
)

// Queue is one named FIFO of job keys plus its wait-list.
type Queue struct {
	name  string
	items []string

	mu      sync.Mutex
	waiters []*Waiter
}

// Name returns the queue's name as first registered.
func (q *Queue) Name() string { return q.name }

// Enqueue appends a job key to the tail. Dispatcher goroutine only.
func (q *Queue) Enqueue(jobKey string) {
	q.items = append(q.items, jobKey)
}

// TryDequeue pops the head job key. Dispatcher goroutine only.
func (q *Queue) TryDequeue() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	head := q.items[0]
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return head, true
}

// Len returns the number of queued keys. Dispatcher goroutine only.
func (q *Queue) Len() int { return len(q.items) }

// Top returns up to n keys from the head without removing them.
// Dispatcher goroutine only.
func (q *Queue) Top(n int) []string {
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]string, n)
	copy(out, q.items[:n])
	return out
}

// Register appends w to the wait-list in FIFO order.
func (q *Queue) Register(w *Waiter) {
	q.mu.Lock()
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()
}

// Unregister removes w from the wait-list if still present.
func (q *Queue) Unregister(w *Waiter) {
	q.mu.Lock()
	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
}

// SignalOne wakes at most one waiter, the one registered longest ago,
// and removes it from the wait-list.
func (q *Queue) SignalOne() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiters) == 0 {
		return
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	w.signal()
}

// Waiter is a one-shot wake handle shared across the queues a fetcher
// blocks on.
type Waiter struct {
	ch chan struct{}
}

// NewWaiter returns a fresh waiter.
func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan struct{}, 1)}
}

// Woken returns the channel that receives the wake signal.
func (w *Waiter) Woken() <-chan struct{} { return w.ch }

func (w *Waiter) signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Registry holds the named queues, keyed under the configured comparer.
type Registry struct {
	cmp    stash.StringComparer
	queues map[string]*Queue
}

// NewRegistry returns an empty queue registry.
func NewRegistry(cmp stash.StringComparer) *Registry {
	return &Registry{cmp: cmp, queues: make(map[string]*Queue)}
}

// GetOrAdd returns the named queue, creating it if absent. Dispatcher
// goroutine only.
func (r *Registry) GetOrAdd(name string) *Queue {
	k := r.cmp.Key(name)
	q, ok := r.queues[k]
	if !ok {
		q = &Queue{name: name}
		r.queues[k] = q
	}
	return q
}

// Get returns the named queue if it exists. Dispatcher goroutine only.
func (r *Registry) Get(name string) (*Queue, bool) {
	q, ok := r.queues[r.cmp.Key(name)]
	return q, ok
}

// All returns every queue sorted by name. Dispatcher goroutine only.
func (r *Registry) All() []*Queue {
	out := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Len returns the number of queues. Dispatcher goroutine only.
func (r *Registry) Len() int { return len(r.queues) }

// Fetched identifies a job popped from a queue.
type Fetched struct {
	JobKey string
	Queue  string
}

// PollFunc attempts one non-blocking dequeue pass over the fetcher's
// queues, in an order of its choosing. It reports ok=false when every
// queue was empty.
type PollFunc func() (Fetched, bool, error)

// FetchNext blocks until poll yields a job, the context is cancelled,
// or its deadline passes. Between polls it parks one shared waiter on
// every given queue; a SignalOne on any of them triggers a retry. A
// deadline expiry surfaces stash.ErrFetchTimeout.
func FetchNext(ctx context.Context, queues []*Queue, poll PollFunc) (Fetched, error) {
	for {
		got, ok, err := poll()
		if err != nil {
			return Fetched{}, err
		}
		if ok {
			return got, nil
		}

		w := NewWaiter()
		for _, q := range queues {
			q.Register(w)
		}

		// Re-poll after registering: an enqueue between the poll above
		// and Register would otherwise be missed.
		got, ok, err = poll()
		if err != nil || ok {
			for _, q := range queues {
				q.Unregister(w)
			}
			return got, err
		}

		select {
		case <-w.Woken():
			for _, q := range queues {
				q.Unregister(w)
			}
		case <-ctx.Done():
			for _, q := range queues {
				q.Unregister(w)
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Fetched{}, stash.ErrFetchTimeout
			}
			return Fetched{}, ctx.Err()
		}
	}
}
