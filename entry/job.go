package entry

import (
	"github.com/xraph/stash/clock"
	"github.com/xraph/stash/id"
)

// StateRecord captures one state a job entered.
type StateRecord struct {
	Name      string
	Reason    string
	CreatedAt clock.Time
	Data      map[string]string
}

// Job is the stored form of a background job. Invariant: if State is
// non-nil, the same record is the head of History.
type Job struct {
	Key        id.Key
	Invocation []byte
	Parameters map[string]string
	CreatedAt  clock.Time
	ExpireAt   *clock.Time
	State      *StateRecord
	History    []*StateRecord
}

// SetState makes rec the job's current state and pushes it onto the
// history head, truncating to maxHistory records. maxHistory <= 0 means
// unbounded.
func (j *Job) SetState(rec *StateRecord, maxHistory int) {
	j.State = rec
	j.History = append([]*StateRecord{rec}, j.History...)
	j.truncateHistory(maxHistory)
}

// AddHistory records rec in the history without changing the current
// state. The current state record keeps the history head slot.
func (j *Job) AddHistory(rec *StateRecord, maxHistory int) {
	if j.State != nil && len(j.History) > 0 && j.History[0] == j.State {
		rest := append([]*StateRecord{rec}, j.History[1:]...)
		j.History = append(j.History[:1:1], rest...)
	} else {
		j.History = append([]*StateRecord{rec}, j.History...)
	}
	j.truncateHistory(maxHistory)
}

func (j *Job) truncateHistory(maxHistory int) {
	if maxHistory > 0 && len(j.History) > maxHistory {
		j.History = j.History[:maxHistory]
	}
}

// ExpiresAt implements Expirable.
func (j *Job) ExpiresAt() *clock.Time { return j.ExpireAt }

// SetExpiresAt implements Expirable.
func (j *Job) SetExpiresAt(t *clock.Time) { j.ExpireAt = t }
