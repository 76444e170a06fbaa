package entry

import (
	"github.com/xraph/stash"
	"github.com/xraph/stash/clock"
)

// Hash is a keyed string-to-string mapping.
type Hash struct {
	Key      string
	ExpireAt *clock.Time
	Fields   map[string]string

	cmp stash.StringComparer
}

// NewHash returns an empty hash with fields keyed under cmp.
func NewHash(key string, cmp stash.StringComparer) *Hash {
	return &Hash{Key: key, Fields: make(map[string]string), cmp: cmp}
}

// Set stores a field value, replacing any field equal under the comparer.
func (h *Hash) Set(field, value string) {
	h.Fields[h.cmp.Key(field)] = value
}

// Get returns a field value.
func (h *Hash) Get(field string) (string, bool) {
	v, ok := h.Fields[h.cmp.Key(field)]
	return v, ok
}

// Len returns the number of fields.
func (h *Hash) Len() int { return len(h.Fields) }

// ExpiresAt implements Expirable.
func (h *Hash) ExpiresAt() *clock.Time { return h.ExpireAt }

// SetExpiresAt implements Expirable.
func (h *Hash) SetExpiresAt(t *clock.Time) { h.ExpireAt = t }

// List is a keyed ordered sequence of strings. Inserts prepend, so index
// zero is always the most recently inserted item.
type List struct {
	Key      string
	ExpireAt *clock.Time
	Items    []string

	cmp stash.StringComparer
}

// NewList returns an empty list.
func NewList(key string, cmp stash.StringComparer) *List {
	return &List{Key: key, cmp: cmp}
}

// Prepend inserts value at the head.
func (l *List) Prepend(value string) {
	l.Items = append([]string{value}, l.Items...)
}

// Remove deletes every item equal to value under the comparer and
// returns the number removed.
func (l *List) Remove(value string) int {
	kept := l.Items[:0]
	removed := 0
	for _, v := range l.Items {
		if l.cmp.Equal(v, value) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	l.Items = kept
	return removed
}

// Trim keeps only the items whose indexes fall within [keepFrom, keepTo]
// and discards the rest. Indexes count from the head.
func (l *List) Trim(keepFrom, keepTo int) {
	if keepFrom < 0 {
		keepFrom = 0
	}
	if keepFrom >= len(l.Items) || keepTo < keepFrom {
		l.Items = nil
		return
	}
	if keepTo >= len(l.Items) {
		keepTo = len(l.Items) - 1
	}
	l.Items = l.Items[keepFrom : keepTo+1]
}

// Len returns the number of items.
func (l *List) Len() int { return len(l.Items) }

// Range returns the items with indexes in [from, to], counted from the
// head. Out-of-range bounds are clamped.
func (l *List) Range(from, to int) []string {
	if from < 0 {
		from = 0
	}
	if from >= len(l.Items) || to < from {
		return nil
	}
	if to >= len(l.Items) {
		to = len(l.Items) - 1
	}
	out := make([]string, to-from+1)
	copy(out, l.Items[from:to+1])
	return out
}

// ExpiresAt implements Expirable.
func (l *List) ExpiresAt() *clock.Time { return l.ExpireAt }

// SetExpiresAt implements Expirable.
func (l *List) SetExpiresAt(t *clock.Time) { l.ExpireAt = t }

// Counter is a keyed signed 64-bit value.
type Counter struct {
	Key      string
	ExpireAt *clock.Time
	Value    int64
}

// ExpiresAt implements Expirable.
func (c *Counter) ExpiresAt() *clock.Time { return c.ExpireAt }

// SetExpiresAt implements Expirable.
func (c *Counter) SetExpiresAt(t *clock.Time) { c.ExpireAt = t }
