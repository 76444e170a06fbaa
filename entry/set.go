package entry

import (
	"github.com/google/btree"

	"github.com/xraph/stash"
	"github.com/xraph/stash/clock"
)

// setTreeDegree keeps tree nodes small so the set never needs a single
// large contiguous allocation as it grows.
const setTreeDegree = 32

// SetItem is one sorted-set member.
type SetItem struct {
	Value string
	Score float64
}

// Set is a keyed collection of (value, score) members where values are
// unique under the comparer. It maintains two synchronized structures: a
// value-to-member map for O(1) membership and an ordered tree keyed by
// (score, value) for range queries. Mutation happens only on the
// dispatcher goroutine, so no locking is needed here.
type Set struct {
	Key      string
	ExpireAt *clock.Time

	cmp     stash.StringComparer
	members map[string]SetItem
	tree    *btree.BTreeG[SetItem]
}

// NewSet returns an empty sorted set with values compared under cmp.
func NewSet(key string, cmp stash.StringComparer) *Set {
	s := &Set{
		Key:     key,
		cmp:     cmp,
		members: make(map[string]SetItem),
	}
	s.tree = btree.NewG(setTreeDegree, func(a, b SetItem) bool {
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		return cmp.Compare(a.Value, b.Value) < 0
	})
	return s
}

// Add inserts value with the given score. A value already present under
// the comparer is re-scored: its old tree node is removed before the new
// one is inserted so the two structures stay synchronized.
func (s *Set) Add(value string, score float64) {
	k := s.cmp.Key(value)
	if old, ok := s.members[k]; ok {
		s.tree.Delete(old)
	}
	item := SetItem{Value: value, Score: score}
	s.members[k] = item
	s.tree.ReplaceOrInsert(item)
}

// Remove deletes value from the set. Returns true if it was a member.
func (s *Set) Remove(value string) bool {
	k := s.cmp.Key(value)
	old, ok := s.members[k]
	if !ok {
		return false
	}
	delete(s.members, k)
	s.tree.Delete(old)
	return true
}

// Contains reports membership via the value map.
func (s *Set) Contains(value string) bool {
	_, ok := s.members[s.cmp.Key(value)]
	return ok
}

// Score returns the member's current score.
func (s *Set) Score(value string) (float64, bool) {
	item, ok := s.members[s.cmp.Key(value)]
	return item.Score, ok
}

// Len returns the number of members.
func (s *Set) Len() int { return len(s.members) }

// Items returns all members in (score, value) order.
func (s *Set) Items() []SetItem {
	out := make([]SetItem, 0, s.tree.Len())
	s.tree.Ascend(func(item SetItem) bool {
		out = append(out, item)
		return true
	})
	return out
}

// Range returns the member values with positions in [from, to] of the
// (score, value) order. Out-of-range bounds are clamped.
func (s *Set) Range(from, to int) []string {
	if from < 0 {
		from = 0
	}
	if from >= s.tree.Len() || to < from {
		return nil
	}
	var out []string
	pos := 0
	s.tree.Ascend(func(item SetItem) bool {
		if pos > to {
			return false
		}
		if pos >= from {
			out = append(out, item.Value)
		}
		pos++
		return true
	})
	return out
}

// FirstByLowestScore returns the value with the lowest score within
// [fromScore, toScore], or false if no member's score falls in range.
func (s *Set) FirstByLowestScore(fromScore, toScore float64) (string, bool) {
	var (
		value string
		found bool
	)
	s.tree.AscendGreaterOrEqual(SetItem{Score: fromScore}, func(item SetItem) bool {
		if item.Score > toScore {
			return false
		}
		value, found = item.Value, true
		return false
	})
	return value, found
}

// ExpiresAt implements Expirable.
func (s *Set) ExpiresAt() *clock.Time { return s.ExpireAt }

// SetExpiresAt implements Expirable.
func (s *Set) SetExpiresAt(t *clock.Time) { s.ExpireAt = t }
