package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/stash"
	"github.com/xraph/stash/clock"
	"github.com/xraph/stash/dispatcher"
	"github.com/xraph/stash/entry"
	"github.com/xraph/stash/id"
	"github.com/xraph/stash/lock"
	"github.com/xraph/stash/state"
)

// txOp is one accumulated sub-command. All ops of a transaction execute
// in order against the same state, under a single command.
type txOp struct {
	name  string
	apply func(m *state.Memory, sig *dispatcher.Signals, now clock.Time) error
}

// Transaction accumulates write sub-commands and applies them
// atomically with respect to every other command on Commit. If a
// sub-command fails, the remaining ones are skipped but the already
// applied ones are NOT rolled back; the design trades rollback for
// throughput and simplicity. Not safe for concurrent use.
type Transaction struct {
	eng  *Engine
	conn *Connection

	ops       []txOp
	handles   []*lock.Handle
	committed bool
}

func (t *Transaction) add(name string, apply func(m *state.Memory, sig *dispatcher.Signals, now clock.Time) error) {
	t.ops = append(t.ops, txOp{name: name, apply: apply})
}

// addJobOp appends an op that silently no-ops when the id is unknown,
// matching the degrade-to-nothing semantics mutation callers depend on.
// Unparseable ids count as unknown. Returns ErrInvalidArgument only for
// an empty id.
func (t *Transaction) addJobOp(jobID, name string, apply func(j *entry.Job, m *state.Memory, now clock.Time)) error {
	if jobID == "" {
		return stash.ErrInvalidArgument
	}
	key, err := id.Parse(jobID)
	if err != nil {
		return nil
	}
	t.add(name, func(m *state.Memory, _ *dispatcher.Signals, now clock.Time) error {
		if j, ok := m.JobGet(key); ok {
			apply(j, m, now)
		}
		return nil
	})
	return nil
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

// CreateJob records a new job with the given payload and parameters,
// expiring after expireIn. The returned id is final even though the job
// is only stored on Commit.
func (t *Transaction) CreateJob(invocation []byte, params map[string]string, expireIn time.Duration) (string, error) {
	if expireIn <= 0 {
		return "", stash.ErrInvalidArgument
	}

	key := id.NewKey()
	cmp := t.eng.cfg.Comparer
	stored := make(map[string]string, len(params))
	for k, v := range params {
		stored[cmp.Key(k)] = v
	}
	payload := append([]byte(nil), invocation...)

	t.add("create job", func(m *state.Memory, _ *dispatcher.Signals, now clock.Time) error {
		d := expireIn
		m.JobCreate(&entry.Job{
			Key:        key,
			Invocation: payload,
			Parameters: stored,
			CreatedAt:  now,
		}, now, &d)
		return nil
	})
	return key.String(), nil
}

// SetJobParameter stores a job parameter. Unknown jobs are a no-op.
func (t *Transaction) SetJobParameter(jobID, name, value string) error {
	if name == "" {
		return stash.ErrInvalidArgument
	}
	cmp := t.eng.cfg.Comparer
	return t.addJobOp(jobID, "set job parameter", func(j *entry.Job, _ *state.Memory, _ clock.Time) {
		if j.Parameters == nil {
			j.Parameters = make(map[string]string)
		}
		j.Parameters[cmp.Key(name)] = value
	})
}

// ExpireJob arms the job's expiration. Unknown jobs are a no-op.
func (t *Transaction) ExpireJob(jobID string, expireIn time.Duration) error {
	return t.addJobOp(jobID, "expire job", func(j *entry.Job, m *state.Memory, now clock.Time) {
		d := expireIn
		m.JobExpire(j, now, &d)
	})
}

// PersistJob clears the job's expiration. Unknown jobs are a no-op.
func (t *Transaction) PersistJob(jobID string) error {
	return t.addJobOp(jobID, "persist job", func(j *entry.Job, m *state.Memory, now clock.Time) {
		m.JobExpire(j, now, nil)
	})
}

// SetJobState makes the given state the job's current one, recording it
// in the history and moving the job between state-index buckets.
func (t *Transaction) SetJobState(jobID, stateName, reason string, data map[string]string) error {
	if stateName == "" {
		return stash.ErrInvalidArgument
	}
	stored := copyStrings(data)
	return t.addJobOp(jobID, "set job state", func(j *entry.Job, m *state.Memory, now clock.Time) {
		m.JobSetState(j, &entry.StateRecord{
			Name:      stateName,
			Reason:    reason,
			CreatedAt: now,
			Data:      stored,
		})
	})
}

// AddJobState records a state in the job's history without changing the
// current state.
func (t *Transaction) AddJobState(jobID, stateName, reason string, data map[string]string) error {
	if stateName == "" {
		return stash.ErrInvalidArgument
	}
	stored := copyStrings(data)
	return t.addJobOp(jobID, "add job state", func(j *entry.Job, m *state.Memory, now clock.Time) {
		m.JobAddHistory(j, &entry.StateRecord{
			Name:      stateName,
			Reason:    reason,
			CreatedAt: now,
			Data:      stored,
		})
	})
}

// ──────────────────────────────────────────────────
// Queues
// ──────────────────────────────────────────────────

// AddToQueue appends the job id to the named queue's FIFO and marks the
// queue for post-commit signaling.
func (t *Transaction) AddToQueue(queueName, jobID string) error {
	if queueName == "" || jobID == "" {
		return stash.ErrInvalidArgument
	}
	t.add("add to queue", func(m *state.Memory, sig *dispatcher.Signals, _ clock.Time) error {
		q := m.Queues().GetOrAdd(queueName)
		q.Enqueue(jobID)
		sig.Mark(q)
		return nil
	})
	return nil
}

// RemoveFromQueue is a no-op: fetch is destructive, so a fetched job is
// no longer queued and there is nothing to remove.
func (t *Transaction) RemoveFromQueue(queueName, jobID string) error {
	if queueName == "" || jobID == "" {
		return stash.ErrInvalidArgument
	}
	return nil
}

// ──────────────────────────────────────────────────
// Counters
// ──────────────────────────────────────────────────

func (t *Transaction) counterOp(name, key string, delta int64, expireIn *time.Duration) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	t.add(name, func(m *state.Memory, _ *dispatcher.Signals, now clock.Time) error {
		m.CounterIncrement(key, delta, now, expireIn)
		return nil
	})
	return nil
}

// IncrementCounter adds one to the counter, creating it at one.
func (t *Transaction) IncrementCounter(key string) error {
	return t.counterOp("increment counter", key, 1, nil)
}

// IncrementCounterWithExpiry adds one to the counter and re-arms its
// expiration. Counter TTLs bypass the configured cap.
func (t *Transaction) IncrementCounterWithExpiry(key string, expireIn time.Duration) error {
	return t.counterOp("increment counter", key, 1, &expireIn)
}

// DecrementCounter subtracts one from the counter. A counter reaching
// zero is removed.
func (t *Transaction) DecrementCounter(key string) error {
	return t.counterOp("decrement counter", key, -1, nil)
}

// DecrementCounterWithExpiry subtracts one from the counter and re-arms
// its expiration.
func (t *Transaction) DecrementCounterWithExpiry(key string, expireIn time.Duration) error {
	return t.counterOp("decrement counter", key, -1, &expireIn)
}

// ──────────────────────────────────────────────────
// Sorted sets
// ──────────────────────────────────────────────────

// AddToSet adds value to the set at score zero, re-scoring an existing
// member.
func (t *Transaction) AddToSet(key, value string) error {
	return t.AddToSetWithScore(key, value, 0)
}

// AddToSetWithScore adds value to the set at the given score,
// re-scoring an existing member.
func (t *Transaction) AddToSetWithScore(key, value string, score float64) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	t.add("add to set", func(m *state.Memory, _ *dispatcher.Signals, _ clock.Time) error {
		m.SetGetOrAdd(key).Add(value, score)
		return nil
	})
	return nil
}

// AddRangeToSet adds every value at score zero.
func (t *Transaction) AddRangeToSet(key string, values []string) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	stored := append([]string(nil), values...)
	t.add("add range to set", func(m *state.Memory, _ *dispatcher.Signals, _ clock.Time) error {
		s := m.SetGetOrAdd(key)
		for _, v := range stored {
			s.Add(v, 0)
		}
		return nil
	})
	return nil
}

// RemoveFromSet removes value from the set; a set losing its last
// member is dropped.
func (t *Transaction) RemoveFromSet(key, value string) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	t.add("remove from set", func(m *state.Memory, _ *dispatcher.Signals, _ clock.Time) error {
		if s, ok := m.SetGet(key); ok {
			s.Remove(value)
			m.SetCompact(s)
		}
		return nil
	})
	return nil
}

// RemoveSet deletes the whole set.
func (t *Transaction) RemoveSet(key string) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	t.add("remove set", func(m *state.Memory, _ *dispatcher.Signals, _ clock.Time) error {
		if s, ok := m.SetGet(key); ok {
			m.SetDelete(s)
		}
		return nil
	})
	return nil
}

// ExpireSet arms the set's expiration.
func (t *Transaction) ExpireSet(key string, expireIn time.Duration) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	t.add("expire set", func(m *state.Memory, _ *dispatcher.Signals, now clock.Time) error {
		if s, ok := m.SetGet(key); ok {
			d := expireIn
			m.SetExpire(s, now, &d)
		}
		return nil
	})
	return nil
}

// PersistSet clears the set's expiration.
func (t *Transaction) PersistSet(key string) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	t.add("persist set", func(m *state.Memory, _ *dispatcher.Signals, now clock.Time) error {
		if s, ok := m.SetGet(key); ok {
			m.SetExpire(s, now, nil)
		}
		return nil
	})
	return nil
}

// ──────────────────────────────────────────────────
// Lists
// ──────────────────────────────────────────────────

// InsertToList prepends value to the list.
func (t *Transaction) InsertToList(key, value string) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	t.add("insert to list", func(m *state.Memory, _ *dispatcher.Signals, _ clock.Time) error {
		m.ListGetOrAdd(key).Prepend(value)
		return nil
	})
	return nil
}

// RemoveFromList removes every item equal to value; a list emptied by
// the removal is dropped.
func (t *Transaction) RemoveFromList(key, value string) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	t.add("remove from list", func(m *state.Memory, _ *dispatcher.Signals, _ clock.Time) error {
		if l, ok := m.ListGet(key); ok {
			l.Remove(value)
			m.ListCompact(l)
		}
		return nil
	})
	return nil
}

// TrimList keeps only the items with indexes in [keepFrom, keepTo],
// counted from the most recently inserted item.
func (t *Transaction) TrimList(key string, keepFrom, keepTo int) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	t.add("trim list", func(m *state.Memory, _ *dispatcher.Signals, _ clock.Time) error {
		if l, ok := m.ListGet(key); ok {
			l.Trim(keepFrom, keepTo)
			m.ListCompact(l)
		}
		return nil
	})
	return nil
}

// ExpireList arms the list's expiration.
func (t *Transaction) ExpireList(key string, expireIn time.Duration) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	t.add("expire list", func(m *state.Memory, _ *dispatcher.Signals, now clock.Time) error {
		if l, ok := m.ListGet(key); ok {
			d := expireIn
			m.ListExpire(l, now, &d)
		}
		return nil
	})
	return nil
}

// PersistList clears the list's expiration.
func (t *Transaction) PersistList(key string) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	t.add("persist list", func(m *state.Memory, _ *dispatcher.Signals, now clock.Time) error {
		if l, ok := m.ListGet(key); ok {
			m.ListExpire(l, now, nil)
		}
		return nil
	})
	return nil
}

// ──────────────────────────────────────────────────
// Hashes
// ──────────────────────────────────────────────────

// SetRangeInHash stores every given field on the hash.
func (t *Transaction) SetRangeInHash(key string, fields map[string]string) error {
	if key == "" || fields == nil {
		return stash.ErrInvalidArgument
	}
	stored := copyStrings(fields)
	t.add("set range in hash", func(m *state.Memory, _ *dispatcher.Signals, _ clock.Time) error {
		h := m.HashGetOrAdd(key)
		for f, v := range stored {
			h.Set(f, v)
		}
		return nil
	})
	return nil
}

// RemoveHash deletes the whole hash.
func (t *Transaction) RemoveHash(key string) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	t.add("remove hash", func(m *state.Memory, _ *dispatcher.Signals, _ clock.Time) error {
		if h, ok := m.HashGet(key); ok {
			m.HashDelete(h)
		}
		return nil
	})
	return nil
}

// ExpireHash arms the hash's expiration.
func (t *Transaction) ExpireHash(key string, expireIn time.Duration) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	t.add("expire hash", func(m *state.Memory, _ *dispatcher.Signals, now clock.Time) error {
		if h, ok := m.HashGet(key); ok {
			d := expireIn
			m.HashExpire(h, now, &d)
		}
		return nil
	})
	return nil
}

// PersistHash clears the hash's expiration.
func (t *Transaction) PersistHash(key string) error {
	if key == "" {
		return stash.ErrInvalidArgument
	}
	t.add("persist hash", func(m *state.Memory, _ *dispatcher.Signals, now clock.Time) error {
		if h, ok := m.HashGet(key); ok {
			m.HashExpire(h, now, nil)
		}
		return nil
	})
	return nil
}

// ──────────────────────────────────────────────────
// Locks and lifecycle
// ──────────────────────────────────────────────────

// AcquireDistributedLock takes a lock on behalf of the owning
// connection, tracked by the transaction. Locks never flow through the
// dispatcher, so acquisition happens immediately, not on Commit.
func (t *Transaction) AcquireDistributedLock(resource string, timeout time.Duration) (*lock.Handle, error) {
	h, err := t.conn.AcquireDistributedLock(resource, timeout)
	if err != nil {
		return nil, err
	}
	t.handles = append(t.handles, h)
	return h, nil
}

// Commit executes the accumulated sub-commands in order as one command.
// On a sub-command error the remaining sub-commands are skipped, the
// applied ones persist, and the error is returned; queues already
// enqueued into are still signaled.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.committed {
		return stash.ErrInvalidArgument
	}
	t.committed = true

	ops := t.ops
	t.ops = nil
	clk := t.eng.clk

	_, err := t.eng.d.Write(ctx, func(m *state.Memory, sig *dispatcher.Signals) (any, error) {
		now := clk.Now()
		for _, op := range ops {
			if err := op.apply(m, sig, now); err != nil {
				return nil, fmt.Errorf("stash: transaction %s: %w", op.name, err)
			}
		}
		return nil, nil
	})
	return err
}

// Close releases any locks acquired through the transaction. It must be
// called whether or not the transaction committed; releasing is
// idempotent.
func (t *Transaction) Close() {
	for _, h := range t.handles {
		h.Release()
	}
	t.handles = nil
}
