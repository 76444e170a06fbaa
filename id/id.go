// Package id provides TypeID-based job keys.
//
// Keys are K-sortable (UUIDv7-based), globally unique and URL-safe in the
// format "job_suffix". Key order is total and deterministic; the engine
// uses it only as a tie-break in ordered indexes.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// prefix identifies job keys.
const prefix = "job"

// Key is the opaque identifier of a stored job.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receiver for UnmarshalText.
type Key struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value Key. Parse returns it for unparseable input;
// callers treat it as "unknown job".
var Nil Key

// NewKey generates a fresh globally unique job key.
func NewKey() Key {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("id: generate key: %v", err))
	}
	return Key{inner: tid, valid: true}
}

// Parse parses a canonical key string (e.g. "job_01h2xcejqtf2nbrexx3vqjhp41").
// Parsing failure returns Nil and an error, never panics; callers treat an
// unparseable id as an unknown job.
func Parse(s string) (Key, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	if tid.Prefix() != prefix {
		return Nil, fmt.Errorf("id: parse %q: expected prefix %q, got %q", s, prefix, tid.Prefix())
	}

	return Key{inner: tid, valid: true}, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded keys.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}
	return k
}

// String returns the canonical string form, or "" for the Nil key.
func (k Key) String() string {
	if !k.valid {
		return ""
	}
	return k.inner.String()
}

// IsNil reports whether the key is the zero value.
func (k Key) IsNil() bool { return !k.valid }

// Compare totally orders keys by their canonical string form.
func (k Key) Compare(other Key) int {
	a, b := k.String(), other.String()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	if !k.valid {
		return []byte{}, nil
	}
	return []byte(k.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*k = Nil
		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*k = parsed
	return nil
}
