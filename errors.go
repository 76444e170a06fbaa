package stash

import "errors"

var (
	// Input errors.
	ErrInvalidArgument = errors.New("stash: invalid argument")

	// Blocking-operation timeouts.
	ErrLockTimeout  = errors.New("stash: lock acquisition timed out")
	ErrFetchTimeout = errors.New("stash: queue fetch timed out")

	// Lookup errors.
	ErrKeyNotFound = errors.New("stash: key not found")

	// Lifecycle errors.
	ErrStorageClosed = errors.New("stash: storage closed")

	// Internal errors.
	ErrInvariantViolation = errors.New("stash: index invariant violated")
)
