// Package index holds the secondary indexes owned by the memory state:
// one expiration index per expirable kind and the per-state job index.
// Both are ordered B-trees so that lookups by minimum stay cheap and the
// collections never grow as one contiguous allocation. Indexes store
// entry keys, never entry references.
package index

import (
	"strings"

	"github.com/google/btree"

	"github.com/xraph/stash/clock"
)

const treeDegree = 32

// Ref locates an entry from an index: the instant it is ordered by and
// its primary-collection key.
type Ref struct {
	At  clock.Time
	Key string
}

func refLess(a, b Ref) bool {
	if c := a.At.Compare(b.At); c != 0 {
		return c < 0
	}
	return a.Key < b.Key
}

// Expiration is the per-kind expiration index, ordered by (expireAt, key).
// Only entries with a non-nil expiration are members.
type Expiration struct {
	tree *btree.BTreeG[Ref]
}

// NewExpiration returns an empty expiration index.
func NewExpiration() *Expiration {
	return &Expiration{tree: btree.NewG(treeDegree, refLess)}
}

// Add inserts the entry reference.
func (x *Expiration) Add(at clock.Time, key string) {
	x.tree.ReplaceOrInsert(Ref{At: at, Key: key})
}

// Remove deletes the entry reference.
func (x *Expiration) Remove(at clock.Time, key string) {
	x.tree.Delete(Ref{At: at, Key: key})
}

// Min returns the reference expiring soonest.
func (x *Expiration) Min() (Ref, bool) { return x.tree.Min() }

// Len returns the number of indexed entries.
func (x *Expiration) Len() int { return x.tree.Len() }

// States is the per-state-name job index, ordered by (state createdAt,
// key). State names are compared case-insensitively regardless of the
// configured comparer; the index is framework-internal, not user data.
type States struct {
	buckets map[string]*btree.BTreeG[Ref]
}

// NewStates returns an empty state index.
func NewStates() *States {
	return &States{buckets: make(map[string]*btree.BTreeG[Ref])}
}

func stateKey(name string) string { return strings.ToLower(name) }

// Add indexes a job under the given state name.
func (x *States) Add(stateName string, at clock.Time, key string) {
	k := stateKey(stateName)
	bucket, ok := x.buckets[k]
	if !ok {
		bucket = btree.NewG(treeDegree, refLess)
		x.buckets[k] = bucket
	}
	bucket.ReplaceOrInsert(Ref{At: at, Key: key})
}

// Remove drops a job from the given state's bucket. Empty buckets are
// discarded so state churn does not leak.
func (x *States) Remove(stateName string, at clock.Time, key string) {
	k := stateKey(stateName)
	bucket, ok := x.buckets[k]
	if !ok {
		return
	}
	bucket.Delete(Ref{At: at, Key: key})
	if bucket.Len() == 0 {
		delete(x.buckets, k)
	}
}

// Count returns the number of jobs currently in the given state.
func (x *States) Count(stateName string) int {
	if bucket, ok := x.buckets[stateKey(stateName)]; ok {
		return bucket.Len()
	}
	return 0
}

// Range returns up to count references from the given state's bucket,
// skipping the first from, in ascending (createdAt, key) order, or
// descending when descending is true.
func (x *States) Range(stateName string, from, count int, descending bool) []Ref {
	bucket, ok := x.buckets[stateKey(stateName)]
	if !ok || count <= 0 {
		return nil
	}

	var out []Ref
	pos := 0
	visit := func(item Ref) bool {
		if pos >= from+count {
			return false
		}
		if pos >= from {
			out = append(out, item)
		}
		pos++
		return true
	}
	if descending {
		bucket.Descend(visit)
	} else {
		bucket.Ascend(visit)
	}
	return out
}
