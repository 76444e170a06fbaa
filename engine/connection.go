package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/xraph/stash"
	"github.com/xraph/stash/dispatcher"
	"github.com/xraph/stash/entry"
	"github.com/xraph/stash/id"
	"github.com/xraph/stash/lock"
	"github.com/xraph/stash/queue"
	"github.com/xraph/stash/state"
)

// NoExpiration is returned by the TTL read operations for entries that
// exist without an expiration set.
const NoExpiration time.Duration = -1

// JobData is the read projection of a stored job.
type JobData struct {
	Invocation []byte
	State      string
	CreatedAt  time.Time
	Parameters map[string]string
}

// StateData is the read projection of a job's current state.
type StateData struct {
	Name   string
	Reason string
	Data   map[string]string
}

// FetchedJob identifies a job handed to a worker. Once fetched, a job is
// considered delivered; there is no invisibility timeout or ack.
type FetchedJob struct {
	JobID string
	Queue string
}

// Connection is the per-client façade. Its identity is the lock owner
// for distributed locks acquired through it, so locks follow the
// connection across goroutines.
type Connection struct {
	eng *Engine
}

// AcquireDistributedLock takes the named lock on behalf of this
// connection, waiting up to timeout. Fails with stash.ErrLockTimeout.
func (c *Connection) AcquireDistributedLock(resource string, timeout time.Duration) (*lock.Handle, error) {
	return c.eng.locks.Acquire(resource, c, timeout)
}

// CreateTransaction starts a new write transaction bound to this
// connection.
func (c *Connection) CreateTransaction() *Transaction {
	return &Transaction{eng: c.eng, conn: c}
}

// ──────────────────────────────────────────────────
// Job reads
// ──────────────────────────────────────────────────

// GetJobData returns the job's payload, current state name, creation
// time and parameters, or nil when the id is unknown or unparseable.
func (c *Connection) GetJobData(ctx context.Context, jobID string) (*JobData, error) {
	if jobID == "" {
		return nil, stash.ErrInvalidArgument
	}
	key, err := id.Parse(jobID)
	if err != nil {
		return nil, nil
	}

	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) (*JobData, error) {
		j, ok := m.JobGet(key)
		if !ok {
			return nil, nil
		}
		data := &JobData{
			Invocation: append([]byte(nil), j.Invocation...),
			CreatedAt:  j.CreatedAt.UTC(),
			Parameters: copyStrings(j.Parameters),
		}
		if j.State != nil {
			data.State = j.State.Name
		}
		return data, nil
	})
}

// GetStateData returns the job's current state name, reason and data, or
// nil when the id is unknown or the job has no state yet.
func (c *Connection) GetStateData(ctx context.Context, jobID string) (*StateData, error) {
	if jobID == "" {
		return nil, stash.ErrInvalidArgument
	}
	key, err := id.Parse(jobID)
	if err != nil {
		return nil, nil
	}

	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) (*StateData, error) {
		j, ok := m.JobGet(key)
		if !ok || j.State == nil {
			return nil, nil
		}
		return &StateData{
			Name:   j.State.Name,
			Reason: j.State.Reason,
			Data:   copyStrings(j.State.Data),
		}, nil
	})
}

// GetJobParameter returns a job parameter value, "" when the job or
// parameter is unknown.
func (c *Connection) GetJobParameter(ctx context.Context, jobID, name string) (string, error) {
	if jobID == "" || name == "" {
		return "", stash.ErrInvalidArgument
	}
	key, err := id.Parse(jobID)
	if err != nil {
		return "", nil
	}

	cmp := c.eng.cfg.Comparer
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) (string, error) {
		j, ok := m.JobGet(key)
		if !ok {
			return "", nil
		}
		return j.Parameters[cmp.Key(name)], nil
	})
}

// ──────────────────────────────────────────────────
// Hash reads
// ──────────────────────────────────────────────────

// GetAllEntriesFromHash returns a copy of the hash's fields, nil when
// the hash does not exist.
func (c *Connection) GetAllEntriesFromHash(ctx context.Context, key string) (map[string]string, error) {
	if key == "" {
		return nil, stash.ErrInvalidArgument
	}
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) (map[string]string, error) {
		h, ok := m.HashGet(key)
		if !ok {
			return nil, nil
		}
		return copyStrings(h.Fields), nil
	})
}

// GetHashCount returns the number of fields in the hash.
func (c *Connection) GetHashCount(ctx context.Context, key string) (int, error) {
	if key == "" {
		return 0, stash.ErrInvalidArgument
	}
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) (int, error) {
		if h, ok := m.HashGet(key); ok {
			return h.Len(), nil
		}
		return 0, nil
	})
}

// GetHashTTL returns the hash's remaining time to live, NoExpiration
// when the hash exists without an expiration or does not exist.
func (c *Connection) GetHashTTL(ctx context.Context, key string) (time.Duration, error) {
	if key == "" {
		return 0, stash.ErrInvalidArgument
	}
	clk := c.eng.clk
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) (time.Duration, error) {
		h, ok := m.HashGet(key)
		if !ok || h.ExpireAt == nil {
			return NoExpiration, nil
		}
		return h.ExpireAt.Sub(clk.Now()), nil
	})
}

// GetValueFromHash returns a single field value, "" when the hash or
// field is unknown.
func (c *Connection) GetValueFromHash(ctx context.Context, key, field string) (string, error) {
	if key == "" || field == "" {
		return "", stash.ErrInvalidArgument
	}
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) (string, error) {
		h, ok := m.HashGet(key)
		if !ok {
			return "", nil
		}
		v, _ := h.Get(field)
		return v, nil
	})
}

// ──────────────────────────────────────────────────
// List reads
// ──────────────────────────────────────────────────

// GetAllItemsFromList returns the list's items, most recently inserted
// first. Nil when the list does not exist.
func (c *Connection) GetAllItemsFromList(ctx context.Context, key string) ([]string, error) {
	if key == "" {
		return nil, stash.ErrInvalidArgument
	}
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) ([]string, error) {
		l, ok := m.ListGet(key)
		if !ok {
			return nil, nil
		}
		return l.Range(0, l.Len()-1), nil
	})
}

// GetListCount returns the number of items in the list.
func (c *Connection) GetListCount(ctx context.Context, key string) (int, error) {
	if key == "" {
		return 0, stash.ErrInvalidArgument
	}
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) (int, error) {
		if l, ok := m.ListGet(key); ok {
			return l.Len(), nil
		}
		return 0, nil
	})
}

// GetListTTL returns the list's remaining time to live, NoExpiration
// when the list exists without an expiration or does not exist.
func (c *Connection) GetListTTL(ctx context.Context, key string) (time.Duration, error) {
	if key == "" {
		return 0, stash.ErrInvalidArgument
	}
	clk := c.eng.clk
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) (time.Duration, error) {
		l, ok := m.ListGet(key)
		if !ok || l.ExpireAt == nil {
			return NoExpiration, nil
		}
		return l.ExpireAt.Sub(clk.Now()), nil
	})
}

// GetRangeFromList returns the items with indexes in [from, to], counted
// from the most recently inserted item.
func (c *Connection) GetRangeFromList(ctx context.Context, key string, from, to int) ([]string, error) {
	if key == "" {
		return nil, stash.ErrInvalidArgument
	}
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) ([]string, error) {
		l, ok := m.ListGet(key)
		if !ok {
			return nil, nil
		}
		return l.Range(from, to), nil
	})
}

// ──────────────────────────────────────────────────
// Sorted-set reads
// ──────────────────────────────────────────────────

// GetAllItemsFromSet returns every member value in (score, value) order.
func (c *Connection) GetAllItemsFromSet(ctx context.Context, key string) ([]string, error) {
	if key == "" {
		return nil, stash.ErrInvalidArgument
	}
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) ([]string, error) {
		s, ok := m.SetGet(key)
		if !ok {
			return nil, nil
		}
		items := s.Items()
		out := make([]string, len(items))
		for i, item := range items {
			out[i] = item.Value
		}
		return out, nil
	})
}

// GetSetCount returns the number of members in the set.
func (c *Connection) GetSetCount(ctx context.Context, key string) (int, error) {
	if key == "" {
		return 0, stash.ErrInvalidArgument
	}
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) (int, error) {
		if s, ok := m.SetGet(key); ok {
			return s.Len(), nil
		}
		return 0, nil
	})
}

// GetSetContains reports whether value is a member of the set.
func (c *Connection) GetSetContains(ctx context.Context, key, value string) (bool, error) {
	if key == "" {
		return false, stash.ErrInvalidArgument
	}
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) (bool, error) {
		s, ok := m.SetGet(key)
		if !ok {
			return false, nil
		}
		return s.Contains(value), nil
	})
}

// GetSetTTL returns the set's remaining time to live, NoExpiration when
// the set exists without an expiration or does not exist.
func (c *Connection) GetSetTTL(ctx context.Context, key string) (time.Duration, error) {
	if key == "" {
		return 0, stash.ErrInvalidArgument
	}
	clk := c.eng.clk
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) (time.Duration, error) {
		s, ok := m.SetGet(key)
		if !ok || s.ExpireAt == nil {
			return NoExpiration, nil
		}
		return s.ExpireAt.Sub(clk.Now()), nil
	})
}

// GetRangeFromSet returns member values with positions in [from, to] of
// the (score, value) order.
func (c *Connection) GetRangeFromSet(ctx context.Context, key string, from, to int) ([]string, error) {
	if key == "" {
		return nil, stash.ErrInvalidArgument
	}
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) ([]string, error) {
		s, ok := m.SetGet(key)
		if !ok {
			return nil, nil
		}
		return s.Range(from, to), nil
	})
}

// GetFirstByLowestScoreFromSet returns the member with the lowest score
// in [fromScore, toScore], "" when no member's score falls in range.
func (c *Connection) GetFirstByLowestScoreFromSet(ctx context.Context, key string, fromScore, toScore float64) (string, error) {
	if key == "" {
		return "", stash.ErrInvalidArgument
	}
	if toScore < fromScore {
		return "", stash.ErrInvalidArgument
	}
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) (string, error) {
		s, ok := m.SetGet(key)
		if !ok {
			return "", nil
		}
		v, _ := s.FirstByLowestScore(fromScore, toScore)
		return v, nil
	})
}

// ──────────────────────────────────────────────────
// Counter reads
// ──────────────────────────────────────────────────

// GetCounter returns the counter's value, zero when absent.
func (c *Connection) GetCounter(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, stash.ErrInvalidArgument
	}
	return dispatcher.Read(ctx, c.eng.d, func(m *state.Memory) (int64, error) {
		return m.CounterValue(key), nil
	})
}

// ──────────────────────────────────────────────────
// Servers
// ──────────────────────────────────────────────────

// AnnounceServer registers a processing server, replacing any previous
// registration under the same id.
func (c *Connection) AnnounceServer(ctx context.Context, serverID string, sctx entry.ServerContext) error {
	if serverID == "" {
		return stash.ErrInvalidArgument
	}
	clk := c.eng.clk
	_, err := c.eng.d.Write(ctx, func(m *state.Memory, _ *dispatcher.Signals) (any, error) {
		m.ServerAdd(serverID, sctx, clk.Now())
		return nil, nil
	})
	return err
}

// RemoveServer unregisters a processing server. Unknown servers are a
// no-op.
func (c *Connection) RemoveServer(ctx context.Context, serverID string) error {
	if serverID == "" {
		return stash.ErrInvalidArgument
	}
	_, err := c.eng.d.Write(ctx, func(m *state.Memory, _ *dispatcher.Signals) (any, error) {
		m.ServerRemove(serverID)
		return nil, nil
	})
	return err
}

// Heartbeat refreshes a server's heartbeat. Fails with
// stash.ErrKeyNotFound when the server is not registered.
func (c *Connection) Heartbeat(ctx context.Context, serverID string) error {
	if serverID == "" {
		return stash.ErrInvalidArgument
	}
	clk := c.eng.clk
	_, err := c.eng.d.Write(ctx, func(m *state.Memory, _ *dispatcher.Signals) (any, error) {
		if !m.ServerHeartbeat(serverID, clk.Now()) {
			return nil, stash.ErrKeyNotFound
		}
		return nil, nil
	})
	return err
}

// RemoveTimedOutServers drops every server whose heartbeat is older
// than olderThan and returns how many were removed.
func (c *Connection) RemoveTimedOutServers(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, stash.ErrInvalidArgument
	}
	clk := c.eng.clk
	return dispatcher.Write(ctx, c.eng.d, func(m *state.Memory, _ *dispatcher.Signals) (int, error) {
		return m.ServerRemoveInactive(olderThan, clk.Now()), nil
	})
}

// ──────────────────────────────────────────────────
// Queue fetch
// ──────────────────────────────────────────────────

// FetchNextJob blocks until a job is available on any of the given
// queues, the context is cancelled, or its deadline passes (surfaced as
// stash.ErrFetchTimeout). Queue names are presented in a new random
// order on every poll so no queue starves the others.
func (c *Connection) FetchNextJob(ctx context.Context, queueNames []string) (*FetchedJob, error) {
	if len(queueNames) == 0 {
		return nil, stash.ErrInvalidArgument
	}
	for _, name := range queueNames {
		if name == "" {
			return nil, stash.ErrInvalidArgument
		}
	}

	// Resolve the queue objects up front so waiters can be registered
	// on them outside the dispatcher.
	qs, err := dispatcher.Write(ctx, c.eng.d, func(m *state.Memory, _ *dispatcher.Signals) ([]*queue.Queue, error) {
		out := make([]*queue.Queue, len(queueNames))
		for i, name := range queueNames {
			out[i] = m.Queues().GetOrAdd(name)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	limiter := c.eng.limiter
	poll := func() (queue.Fetched, bool, error) {
		order := rand.Perm(len(qs))
		return dispatcherPoll(ctx, c.eng.d, qs, order, limiter)
	}

	got, err := queue.FetchNext(ctx, qs, poll)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, stash.ErrFetchTimeout
		}
		return nil, err
	}
	return &FetchedJob{JobID: got.JobKey, Queue: got.Queue}, nil
}

// dispatcherPoll runs one non-blocking dequeue pass as a write command.
func dispatcherPoll(ctx context.Context, d *dispatcher.Dispatcher, qs []*queue.Queue, order []int, limiter *queue.Limiter) (queue.Fetched, bool, error) {
	type pollResult struct {
		got queue.Fetched
		ok  bool
	}
	res, err := dispatcher.Write(ctx, d, func(_ *state.Memory, _ *dispatcher.Signals) (pollResult, error) {
		for _, i := range order {
			q := qs[i]
			if q.Len() == 0 {
				continue
			}
			if !limiter.Allow(q.Name()) {
				continue
			}
			if key, ok := q.TryDequeue(); ok {
				return pollResult{got: queue.Fetched{JobKey: key, Queue: q.Name()}, ok: true}, nil
			}
		}
		return pollResult{}, nil
	})
	if err != nil {
		return queue.Fetched{}, false, err
	}
	return res.got, res.ok, nil
}

// copyStrings returns a shallow copy of m, nil-preserving.
func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
