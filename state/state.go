// Package state implements the memory state: the single mutable owner of
// every entry and secondary index. All mutation goes through the
// primitives here, and only ever on the dispatcher goroutine; the
// single-writer discipline is what keeps the five indexes consistent
// without locks.
package state

import (
	"sort"
	"time"

	"github.com/xraph/stash"
	"github.com/xraph/stash/clock"
	"github.com/xraph/stash/entry"
	"github.com/xraph/stash/id"
	"github.com/xraph/stash/index"
	"github.com/xraph/stash/queue"
)

// Memory aggregates the entity collections, their expiration indexes,
// the job state index and the queue registry.
type Memory struct {
	cfg stash.Config

	jobs     map[string]*entry.Job
	hashes   map[string]*entry.Hash
	lists    map[string]*entry.List
	sets     map[string]*entry.Set
	counters map[string]*entry.Counter
	servers  map[string]*entry.Server

	queues *queue.Registry
	states *index.States

	expJobs     *index.Expiration
	expHashes   *index.Expiration
	expLists    *index.Expiration
	expSets     *index.Expiration
	expCounters *index.Expiration
}

// New returns an empty memory state configured by cfg.
func New(cfg stash.Config) *Memory {
	return &Memory{
		cfg:         cfg,
		jobs:        make(map[string]*entry.Job),
		hashes:      make(map[string]*entry.Hash),
		lists:       make(map[string]*entry.List),
		sets:        make(map[string]*entry.Set),
		counters:    make(map[string]*entry.Counter),
		servers:     make(map[string]*entry.Server),
		queues:      queue.NewRegistry(cfg.Comparer),
		states:      index.NewStates(),
		expJobs:     index.NewExpiration(),
		expHashes:   index.NewExpiration(),
		expLists:    index.NewExpiration(),
		expSets:     index.NewExpiration(),
		expCounters: index.NewExpiration(),
	}
}

// Config returns the state's configuration.
func (m *Memory) Config() stash.Config { return m.cfg }

// Queues returns the queue registry.
func (m *Memory) Queues() *queue.Registry { return m.queues }

// States returns the job state index.
func (m *Memory) States() *index.States { return m.states }

func (m *Memory) key(s string) string { return m.cfg.Comparer.Key(s) }

// entryExpire applies the common expiration algorithm: drop the entry
// from idx if indexed, then either re-index it at now+expireIn (capped
// by MaxExpirationTime unless ignoreMax), clear the expiration when
// expireIn is nil, or report that the entry must be deleted immediately
// when the effective duration is not positive.
func (m *Memory) entryExpire(e entry.Expirable, idx *index.Expiration, key string, now clock.Time, expireIn *time.Duration, ignoreMax bool) (deleteNow bool) {
	if at := e.ExpiresAt(); at != nil {
		idx.Remove(*at, key)
	}

	if expireIn != nil {
		d := *expireIn
		if !ignoreMax && m.cfg.MaxExpirationTime != nil && d > *m.cfg.MaxExpirationTime {
			d = *m.cfg.MaxExpirationTime
		}
		if d <= 0 {
			e.SetExpiresAt(nil)
			return true
		}
		at := now.Add(d)
		e.SetExpiresAt(&at)
		idx.Add(at, key)
		return false
	}

	e.SetExpiresAt(nil)
	return false
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

// JobGet returns the job stored under key.
func (m *Memory) JobGet(key id.Key) (*entry.Job, bool) {
	j, ok := m.jobs[key.String()]
	return j, ok
}

// JobCreate stores a new job and applies its initial expiration.
func (m *Memory) JobCreate(j *entry.Job, now clock.Time, expireIn *time.Duration) {
	m.jobs[j.Key.String()] = j
	m.JobExpire(j, now, expireIn)
}

// JobSetState makes rec the job's current state, moving it between
// state-index buckets.
func (m *Memory) JobSetState(j *entry.Job, rec *entry.StateRecord) {
	key := j.Key.String()
	if j.State != nil {
		m.states.Remove(j.State.Name, j.State.CreatedAt, key)
	}
	j.SetState(rec, m.cfg.MaxStateHistoryLength)
	m.states.Add(rec.Name, rec.CreatedAt, key)
}

// JobAddHistory records rec in the job's history without changing the
// current state or the state index.
func (m *Memory) JobAddHistory(j *entry.Job, rec *entry.StateRecord) {
	j.AddHistory(rec, m.cfg.MaxStateHistoryLength)
}

// JobExpire applies the expiration algorithm to the job, deleting it
// when the effective TTL is not positive.
func (m *Memory) JobExpire(j *entry.Job, now clock.Time, expireIn *time.Duration) {
	if m.entryExpire(j, m.expJobs, j.Key.String(), now, expireIn, false) {
		m.JobDelete(j)
	}
}

// JobDelete removes the job from every index it is a member of, then
// from the primary collection.
func (m *Memory) JobDelete(j *entry.Job) {
	key := j.Key.String()
	if j.ExpireAt != nil {
		m.expJobs.Remove(*j.ExpireAt, key)
		j.ExpireAt = nil
	}
	if j.State != nil {
		m.states.Remove(j.State.Name, j.State.CreatedAt, key)
	}
	delete(m.jobs, key)
}

// ──────────────────────────────────────────────────
// Hashes
// ──────────────────────────────────────────────────

// HashGet returns the hash stored under key.
func (m *Memory) HashGet(key string) (*entry.Hash, bool) {
	h, ok := m.hashes[m.key(key)]
	return h, ok
}

// HashGetOrAdd returns the hash stored under key, creating it if absent.
func (m *Memory) HashGetOrAdd(key string) *entry.Hash {
	k := m.key(key)
	h, ok := m.hashes[k]
	if !ok {
		h = entry.NewHash(key, m.cfg.Comparer)
		m.hashes[k] = h
	}
	return h
}

// HashExpire applies the expiration algorithm to the hash.
func (m *Memory) HashExpire(h *entry.Hash, now clock.Time, expireIn *time.Duration) {
	if m.entryExpire(h, m.expHashes, m.key(h.Key), now, expireIn, false) {
		m.HashDelete(h)
	}
}

// HashDelete removes the hash and its expiration-index membership.
func (m *Memory) HashDelete(h *entry.Hash) {
	k := m.key(h.Key)
	if h.ExpireAt != nil {
		m.expHashes.Remove(*h.ExpireAt, k)
		h.ExpireAt = nil
	}
	delete(m.hashes, k)
}

// ──────────────────────────────────────────────────
// Lists
// ──────────────────────────────────────────────────

// ListGet returns the list stored under key.
func (m *Memory) ListGet(key string) (*entry.List, bool) {
	l, ok := m.lists[m.key(key)]
	return l, ok
}

// ListGetOrAdd returns the list stored under key, creating it if absent.
func (m *Memory) ListGetOrAdd(key string) *entry.List {
	k := m.key(key)
	l, ok := m.lists[k]
	if !ok {
		l = entry.NewList(key, m.cfg.Comparer)
		m.lists[k] = l
	}
	return l
}

// ListExpire applies the expiration algorithm to the list.
func (m *Memory) ListExpire(l *entry.List, now clock.Time, expireIn *time.Duration) {
	if m.entryExpire(l, m.expLists, m.key(l.Key), now, expireIn, false) {
		m.ListDelete(l)
	}
}

// ListDelete removes the list and its expiration-index membership.
func (m *Memory) ListDelete(l *entry.List) {
	k := m.key(l.Key)
	if l.ExpireAt != nil {
		m.expLists.Remove(*l.ExpireAt, k)
		l.ExpireAt = nil
	}
	delete(m.lists, k)
}

// ListCompact drops the list entirely once it has no items left.
func (m *Memory) ListCompact(l *entry.List) {
	if l.Len() == 0 {
		m.ListDelete(l)
	}
}

// ──────────────────────────────────────────────────
// Sorted sets
// ──────────────────────────────────────────────────

// SetGet returns the sorted set stored under key.
func (m *Memory) SetGet(key string) (*entry.Set, bool) {
	s, ok := m.sets[m.key(key)]
	return s, ok
}

// SetGetOrAdd returns the sorted set stored under key, creating it if
// absent.
func (m *Memory) SetGetOrAdd(key string) *entry.Set {
	k := m.key(key)
	s, ok := m.sets[k]
	if !ok {
		s = entry.NewSet(key, m.cfg.Comparer)
		m.sets[k] = s
	}
	return s
}

// SetExpire applies the expiration algorithm to the set.
func (m *Memory) SetExpire(s *entry.Set, now clock.Time, expireIn *time.Duration) {
	if m.entryExpire(s, m.expSets, m.key(s.Key), now, expireIn, false) {
		m.SetDelete(s)
	}
}

// SetDelete removes the set and its expiration-index membership.
func (m *Memory) SetDelete(s *entry.Set) {
	k := m.key(s.Key)
	if s.ExpireAt != nil {
		m.expSets.Remove(*s.ExpireAt, k)
		s.ExpireAt = nil
	}
	delete(m.sets, k)
}

// SetCompact drops the set entirely once it has no members left.
func (m *Memory) SetCompact(s *entry.Set) {
	if s.Len() == 0 {
		m.SetDelete(s)
	}
}

// ──────────────────────────────────────────────────
// Counters
// ──────────────────────────────────────────────────

// CounterGet returns the counter stored under key.
func (m *Memory) CounterGet(key string) (*entry.Counter, bool) {
	c, ok := m.counters[m.key(key)]
	return c, ok
}

// CounterValue returns the counter's value, zero when absent.
func (m *Memory) CounterValue(key string) int64 {
	if c, ok := m.counters[m.key(key)]; ok {
		return c.Value
	}
	return 0
}

// CounterIncrement adjusts the counter by delta, creating it on first
// use and removing it when the value reaches zero. A non-nil expireIn
// re-arms the counter's expiration; counters bypass the TTL cap because
// timeline statistics need multi-day retention. An untouched expireIn
// leaves any existing expiration in place.
func (m *Memory) CounterIncrement(key string, delta int64, now clock.Time, expireIn *time.Duration) int64 {
	k := m.key(key)
	c, ok := m.counters[k]
	if !ok {
		c = &entry.Counter{Key: key}
		m.counters[k] = c
	}
	c.Value += delta

	if c.Value == 0 {
		m.CounterDelete(c)
		return 0
	}
	if expireIn != nil {
		if m.entryExpire(c, m.expCounters, k, now, expireIn, true) {
			m.CounterDelete(c)
			return 0
		}
	}
	return c.Value
}

// CounterExpire applies the expiration algorithm to the counter,
// bypassing the TTL cap.
func (m *Memory) CounterExpire(c *entry.Counter, now clock.Time, expireIn *time.Duration) {
	if m.entryExpire(c, m.expCounters, m.key(c.Key), now, expireIn, true) {
		m.CounterDelete(c)
	}
}

// CounterDelete removes the counter and its expiration-index membership.
func (m *Memory) CounterDelete(c *entry.Counter) {
	k := m.key(c.Key)
	if c.ExpireAt != nil {
		m.expCounters.Remove(*c.ExpireAt, k)
		c.ExpireAt = nil
	}
	delete(m.counters, k)
}

// ──────────────────────────────────────────────────
// Servers
// ──────────────────────────────────────────────────

// ServerAdd registers a server, replacing any previous registration
// under the same id.
func (m *Memory) ServerAdd(serverID string, ctx entry.ServerContext, now clock.Time) {
	m.servers[serverID] = &entry.Server{
		ID:          serverID,
		Context:     ctx,
		StartedAt:   now,
		HeartbeatAt: now,
	}
}

// ServerRemove unregisters a server. Returns false if it was unknown.
func (m *Memory) ServerRemove(serverID string) bool {
	if _, ok := m.servers[serverID]; !ok {
		return false
	}
	delete(m.servers, serverID)
	return true
}

// ServerHeartbeat refreshes a server's heartbeat instant. Returns false
// if the server is unknown.
func (m *Memory) ServerHeartbeat(serverID string, now clock.Time) bool {
	s, ok := m.servers[serverID]
	if !ok {
		return false
	}
	s.HeartbeatAt = now
	return true
}

// ServerRemoveInactive drops every server whose heartbeat is older than
// olderThan and returns how many were removed.
func (m *Memory) ServerRemoveInactive(olderThan time.Duration, now clock.Time) int {
	removed := 0
	for idStr, s := range m.servers {
		if now.Sub(s.HeartbeatAt) > olderThan {
			delete(m.servers, idStr)
			removed++
		}
	}
	return removed
}

// ServerAll returns every registered server sorted by id.
func (m *Memory) ServerAll() []*entry.Server {
	out := make([]*entry.Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ServerCount returns the number of registered servers.
func (m *Memory) ServerCount() int { return len(m.servers) }

// ──────────────────────────────────────────────────
// Eviction
// ──────────────────────────────────────────────────

// EvictExpired deletes every entry whose expiration is at or before now,
// per kind, through the normal delete paths so all indexes stay
// consistent. Returns the number of entries evicted.
func (m *Memory) EvictExpired(now clock.Time) int {
	evicted := 0
	evicted += m.evict(m.expJobs, now, func(key string) {
		if j, ok := m.jobs[key]; ok {
			m.JobDelete(j)
		}
	})
	evicted += m.evict(m.expHashes, now, func(key string) {
		if h, ok := m.hashes[key]; ok {
			m.HashDelete(h)
		}
	})
	evicted += m.evict(m.expLists, now, func(key string) {
		if l, ok := m.lists[key]; ok {
			m.ListDelete(l)
		}
	})
	evicted += m.evict(m.expSets, now, func(key string) {
		if s, ok := m.sets[key]; ok {
			m.SetDelete(s)
		}
	})
	evicted += m.evict(m.expCounters, now, func(key string) {
		if c, ok := m.counters[key]; ok {
			m.CounterDelete(c)
		}
	})
	return evicted
}

func (m *Memory) evict(idx *index.Expiration, now clock.Time, del func(key string)) int {
	evicted := 0
	for {
		ref, ok := idx.Min()
		if !ok || ref.At.After(now) {
			return evicted
		}
		del(ref.Key)
		if next, stillOK := idx.Min(); stillOK && next == ref {
			// Stale reference: the entry is already gone from its
			// primary collection.
			idx.Remove(ref.At, ref.Key)
		}
		evicted++
	}
}
