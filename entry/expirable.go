package entry

import "github.com/xraph/stash/clock"

// Expirable is any entry supporting an optional expiration instant.
// An entry with a non-nil expiration is a member of exactly one
// expiration index; with nil it is a member of none.
type Expirable interface {
	ExpiresAt() *clock.Time
	SetExpiresAt(*clock.Time)
}
