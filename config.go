package stash

import (
	"strings"
	"time"
)

// StringComparer selects how user-supplied string keys are compared.
// It applies to entry keys, hash fields, sorted-set values and queue
// names. It does NOT apply to the job state-name index, which is always
// case-insensitive.
type StringComparer int

const (
	// CaseSensitive compares keys byte-for-byte (Redis-like). Default.
	CaseSensitive StringComparer = iota
	// CaseInsensitive folds keys to lower case before comparing
	// (SQL-Server-like).
	CaseInsensitive
)

// Key returns the canonical map key for s under the comparer.
func (c StringComparer) Key(s string) string {
	if c == CaseInsensitive {
		return strings.ToLower(s)
	}
	return s
}

// Compare orders a and b under the comparer. The result follows
// strings.Compare conventions.
func (c StringComparer) Compare(a, b string) int {
	return strings.Compare(c.Key(a), c.Key(b))
}

// Equal reports whether a and b compare equal under the comparer.
func (c StringComparer) Equal(a, b string) bool {
	return c.Key(a) == c.Key(b)
}

// Config holds configuration for a storage instance.
type Config struct {
	// MaxExpirationTime caps any user-requested TTL. Counters are exempt
	// so that timeline statistics can be retained for days. A nil value
	// disables capping; a zero value forces immediate deletion semantics.
	MaxExpirationTime *time.Duration

	// Comparer selects case sensitivity for user-supplied string keys.
	Comparer StringComparer

	// MaxStateHistoryLength bounds the retained state records per job.
	MaxStateHistoryLength int

	// CommandTimeout is the maximum time a submitter waits for a command
	// to complete.
	CommandTimeout time.Duration

	// EvictionInterval is how often the dispatcher evicts expired entries.
	EvictionInterval time.Duration
}

// DefaultMaxExpirationTime is the default TTL cap.
const DefaultMaxExpirationTime = 3 * time.Hour

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	maxExp := DefaultMaxExpirationTime
	return Config{
		MaxExpirationTime:     &maxExp,
		Comparer:              CaseSensitive,
		MaxStateHistoryLength: 10,
		CommandTimeout:        30 * time.Second,
		EvictionInterval:      time.Second,
	}
}
