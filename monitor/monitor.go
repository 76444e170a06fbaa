// Package monitor provides the read-only monitoring façade: DTO
// projections of queues, servers, jobs, per-state listings with
// pagination, aggregate statistics and the succeeded/failed timelines.
// Every operation that reads the state runs as a read command on the
// dispatcher, so it observes a consistent snapshot of the state.
// FetchedJobs and FetchedCount read nothing and return empty results.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/stash"
	"github.com/xraph/stash/dispatcher"
	"github.com/xraph/stash/entry"
	"github.com/xraph/stash/id"
	"github.com/xraph/stash/state"
)

// Conventional state names used by the statistics and listing
// projections. The state index itself is name-agnostic and
// case-insensitive.
const (
	StateEnqueued   = "Enqueued"
	StateScheduled  = "Scheduled"
	StateProcessing = "Processing"
	StateSucceeded  = "Succeeded"
	StateFailed     = "Failed"
	StateDeleted    = "Deleted"
	StateAwaiting   = "Awaiting"
)

// Well-known auxiliary keys the statistics projection reads.
const (
	succeededCounterKey = "stats:succeeded"
	deletedCounterKey   = "stats:deleted"
	recurringSetKey     = "recurring-jobs"
	retriesSetKey       = "retries"
)

// topEnqueuedCount is how many queued ids each queue projection carries.
const topEnqueuedCount = 5

// QueueDetails describes one queue with its first few enqueued job ids.
type QueueDetails struct {
	Name     string
	Length   int
	Enqueued []string
}

// ServerDetails describes one registered processing server.
type ServerDetails struct {
	ID          string
	WorkerCount int
	Queues      []string
	StartedAt   time.Time
	HeartbeatAt time.Time
}

// StateEntry is one record of a job's state history.
type StateEntry struct {
	Name      string
	Reason    string
	CreatedAt time.Time
	Data      map[string]string
}

// JobDetails is the full projection of one job.
type JobDetails struct {
	ID         string
	Invocation []byte
	CreatedAt  time.Time
	ExpireAt   *time.Time
	Parameters map[string]string
	History    []StateEntry
}

// JobSummary is one row of a per-state listing.
type JobSummary struct {
	ID             string
	StateName      string
	Reason         string
	CreatedAt      time.Time
	StateCreatedAt time.Time
	StateData      map[string]string
}

// Statistics aggregates the counts shown on a monitoring dashboard.
type Statistics struct {
	Enqueued   int64
	Scheduled  int64
	Processing int64
	Failed     int64
	Succeeded  int64
	Deleted    int64
	Recurring  int64
	Retries    int64
	Awaiting   int64
	Servers    int64
	Queues     int64
}

// Monitor is the monitoring façade.
type Monitor struct {
	d *dispatcher.Dispatcher
}

// New returns a Monitor reading through d.
func New(d *dispatcher.Dispatcher) *Monitor {
	return &Monitor{d: d}
}

// Queues returns every queue with its length and first few enqueued ids.
func (mon *Monitor) Queues(ctx context.Context) ([]QueueDetails, error) {
	return dispatcher.Read(ctx, mon.d, func(m *state.Memory) ([]QueueDetails, error) {
		qs := m.Queues().All()
		out := make([]QueueDetails, len(qs))
		for i, q := range qs {
			out[i] = QueueDetails{
				Name:     q.Name(),
				Length:   q.Len(),
				Enqueued: q.Top(topEnqueuedCount),
			}
		}
		return out, nil
	})
}

// Servers returns every registered server.
func (mon *Monitor) Servers(ctx context.Context) ([]ServerDetails, error) {
	return dispatcher.Read(ctx, mon.d, func(m *state.Memory) ([]ServerDetails, error) {
		servers := m.ServerAll()
		out := make([]ServerDetails, len(servers))
		for i, s := range servers {
			out[i] = ServerDetails{
				ID:          s.ID,
				WorkerCount: s.Context.WorkerCount,
				Queues:      append([]string(nil), s.Context.Queues...),
				StartedAt:   s.StartedAt.UTC(),
				HeartbeatAt: s.HeartbeatAt.UTC(),
			}
		}
		return out, nil
	})
}

// JobDetails returns the full projection of one job, nil when the id is
// unknown or unparseable.
func (mon *Monitor) JobDetails(ctx context.Context, jobID string) (*JobDetails, error) {
	if jobID == "" {
		return nil, stash.ErrInvalidArgument
	}
	key, err := id.Parse(jobID)
	if err != nil {
		return nil, nil
	}

	return dispatcher.Read(ctx, mon.d, func(m *state.Memory) (*JobDetails, error) {
		j, ok := m.JobGet(key)
		if !ok {
			return nil, nil
		}
		details := &JobDetails{
			ID:         j.Key.String(),
			Invocation: append([]byte(nil), j.Invocation...),
			CreatedAt:  j.CreatedAt.UTC(),
			Parameters: copyStrings(j.Parameters),
			History:    make([]StateEntry, len(j.History)),
		}
		if j.ExpireAt != nil {
			at := j.ExpireAt.UTC()
			details.ExpireAt = &at
		}
		for i, rec := range j.History {
			details.History[i] = StateEntry{
				Name:      rec.Name,
				Reason:    rec.Reason,
				CreatedAt: rec.CreatedAt.UTC(),
				Data:      copyStrings(rec.Data),
			}
		}
		return details, nil
	})
}

// Statistics returns the aggregate dashboard counts.
func (mon *Monitor) Statistics(ctx context.Context) (Statistics, error) {
	return dispatcher.Read(ctx, mon.d, func(m *state.Memory) (Statistics, error) {
		stats := Statistics{
			Enqueued:   int64(m.States().Count(StateEnqueued)),
			Scheduled:  int64(m.States().Count(StateScheduled)),
			Processing: int64(m.States().Count(StateProcessing)),
			Failed:     int64(m.States().Count(StateFailed)),
			Awaiting:   int64(m.States().Count(StateAwaiting)),
			Succeeded:  m.CounterValue(succeededCounterKey),
			Deleted:    m.CounterValue(deletedCounterKey),
			Servers:    int64(m.ServerCount()),
			Queues:     int64(m.Queues().Len()),
		}
		if s, ok := m.SetGet(recurringSetKey); ok {
			stats.Recurring = int64(s.Len())
		}
		if s, ok := m.SetGet(retriesSetKey); ok {
			stats.Retries = int64(s.Len())
		}
		return stats, nil
	})
}

// ──────────────────────────────────────────────────
// Listings
// ──────────────────────────────────────────────────

// EnqueuedJobs pages through the named queue's FIFO, oldest first.
func (mon *Monitor) EnqueuedJobs(ctx context.Context, queueName string, from, count int) ([]JobSummary, error) {
	if queueName == "" {
		return nil, stash.ErrInvalidArgument
	}
	return dispatcher.Read(ctx, mon.d, func(m *state.Memory) ([]JobSummary, error) {
		q, ok := m.Queues().Get(queueName)
		if !ok {
			return nil, nil
		}
		ids := q.Top(from + count)
		if from >= len(ids) {
			return nil, nil
		}
		return projectJobs(m, ids[from:]), nil
	})
}

// FetchedJobs always returns an empty listing: fetched jobs are not
// tracked distinctly from queued jobs.
func (mon *Monitor) FetchedJobs(_ context.Context, queueName string, _, _ int) ([]JobSummary, error) {
	if queueName == "" {
		return nil, stash.ErrInvalidArgument
	}
	return nil, nil
}

// ScheduledJobs pages through jobs in the Scheduled state, oldest first.
func (mon *Monitor) ScheduledJobs(ctx context.Context, from, count int) ([]JobSummary, error) {
	return mon.stateListing(ctx, StateScheduled, from, count, false)
}

// ProcessingJobs pages through jobs in the Processing state, oldest
// first.
func (mon *Monitor) ProcessingJobs(ctx context.Context, from, count int) ([]JobSummary, error) {
	return mon.stateListing(ctx, StateProcessing, from, count, false)
}

// AwaitingJobs pages through jobs in the Awaiting state, oldest first.
func (mon *Monitor) AwaitingJobs(ctx context.Context, from, count int) ([]JobSummary, error) {
	return mon.stateListing(ctx, StateAwaiting, from, count, false)
}

// SucceededJobs pages through jobs in the Succeeded state, newest first.
func (mon *Monitor) SucceededJobs(ctx context.Context, from, count int) ([]JobSummary, error) {
	return mon.stateListing(ctx, StateSucceeded, from, count, true)
}

// FailedJobs pages through jobs in the Failed state, newest first.
func (mon *Monitor) FailedJobs(ctx context.Context, from, count int) ([]JobSummary, error) {
	return mon.stateListing(ctx, StateFailed, from, count, true)
}

// DeletedJobs pages through jobs in the Deleted state, newest first.
func (mon *Monitor) DeletedJobs(ctx context.Context, from, count int) ([]JobSummary, error) {
	return mon.stateListing(ctx, StateDeleted, from, count, true)
}

func (mon *Monitor) stateListing(ctx context.Context, stateName string, from, count int, descending bool) ([]JobSummary, error) {
	return dispatcher.Read(ctx, mon.d, func(m *state.Memory) ([]JobSummary, error) {
		refs := m.States().Range(stateName, from, count, descending)
		ids := make([]string, len(refs))
		for i, ref := range refs {
			ids[i] = ref.Key
		}
		return projectJobs(m, ids), nil
	})
}

// ──────────────────────────────────────────────────
// Counts
// ──────────────────────────────────────────────────

// EnqueuedCount returns the named queue's length.
func (mon *Monitor) EnqueuedCount(ctx context.Context, queueName string) (int64, error) {
	if queueName == "" {
		return 0, stash.ErrInvalidArgument
	}
	return dispatcher.Read(ctx, mon.d, func(m *state.Memory) (int64, error) {
		if q, ok := m.Queues().Get(queueName); ok {
			return int64(q.Len()), nil
		}
		return 0, nil
	})
}

// FetchedCount always returns zero; fetched jobs are not tracked.
func (mon *Monitor) FetchedCount(_ context.Context, queueName string) (int64, error) {
	if queueName == "" {
		return 0, stash.ErrInvalidArgument
	}
	return 0, nil
}

// ScheduledCount returns the number of jobs in the Scheduled state.
func (mon *Monitor) ScheduledCount(ctx context.Context) (int64, error) {
	return mon.stateCount(ctx, StateScheduled)
}

// ProcessingCount returns the number of jobs in the Processing state.
func (mon *Monitor) ProcessingCount(ctx context.Context) (int64, error) {
	return mon.stateCount(ctx, StateProcessing)
}

// SucceededListCount returns the number of jobs in the Succeeded state.
func (mon *Monitor) SucceededListCount(ctx context.Context) (int64, error) {
	return mon.stateCount(ctx, StateSucceeded)
}

// FailedCount returns the number of jobs in the Failed state.
func (mon *Monitor) FailedCount(ctx context.Context) (int64, error) {
	return mon.stateCount(ctx, StateFailed)
}

// DeletedListCount returns the number of jobs in the Deleted state.
func (mon *Monitor) DeletedListCount(ctx context.Context) (int64, error) {
	return mon.stateCount(ctx, StateDeleted)
}

// AwaitingCount returns the number of jobs in the Awaiting state.
func (mon *Monitor) AwaitingCount(ctx context.Context) (int64, error) {
	return mon.stateCount(ctx, StateAwaiting)
}

func (mon *Monitor) stateCount(ctx context.Context, stateName string) (int64, error) {
	return dispatcher.Read(ctx, mon.d, func(m *state.Memory) (int64, error) {
		return int64(m.States().Count(stateName)), nil
	})
}

// ──────────────────────────────────────────────────
// Timelines
// ──────────────────────────────────────────────────

// SucceededByDatesCount returns succeeded-job counts for the last seven
// days, keyed by UTC date.
func (mon *Monitor) SucceededByDatesCount(ctx context.Context) (map[time.Time]int64, error) {
	return mon.dailyTimeline(ctx, "succeeded")
}

// FailedByDatesCount returns failed-job counts for the last seven days,
// keyed by UTC date.
func (mon *Monitor) FailedByDatesCount(ctx context.Context) (map[time.Time]int64, error) {
	return mon.dailyTimeline(ctx, "failed")
}

// HourlySucceededJobs returns succeeded-job counts for the last 24
// hours, keyed by UTC hour.
func (mon *Monitor) HourlySucceededJobs(ctx context.Context) (map[time.Time]int64, error) {
	return mon.hourlyTimeline(ctx, "succeeded")
}

// HourlyFailedJobs returns failed-job counts for the last 24 hours,
// keyed by UTC hour.
func (mon *Monitor) HourlyFailedJobs(ctx context.Context) (map[time.Time]int64, error) {
	return mon.hourlyTimeline(ctx, "failed")
}

func (mon *Monitor) dailyTimeline(ctx context.Context, kind string) (map[time.Time]int64, error) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	buckets := make(map[time.Time]string, 7)
	for i := 0; i < 7; i++ {
		day := today.AddDate(0, 0, -i)
		buckets[day] = fmt.Sprintf("stats:%s:%s", kind, day.Format("2006-01-02"))
	}
	return mon.timeline(ctx, buckets)
}

func (mon *Monitor) hourlyTimeline(ctx context.Context, kind string) (map[time.Time]int64, error) {
	hour := time.Now().UTC().Truncate(time.Hour)
	buckets := make(map[time.Time]string, 24)
	for i := 0; i < 24; i++ {
		h := hour.Add(-time.Duration(i) * time.Hour)
		buckets[h] = fmt.Sprintf("stats:%s:%s", kind, h.Format("2006-01-02-15"))
	}
	return mon.timeline(ctx, buckets)
}

func (mon *Monitor) timeline(ctx context.Context, buckets map[time.Time]string) (map[time.Time]int64, error) {
	return dispatcher.Read(ctx, mon.d, func(m *state.Memory) (map[time.Time]int64, error) {
		out := make(map[time.Time]int64, len(buckets))
		for at, key := range buckets {
			out[at] = m.CounterValue(key)
		}
		return out, nil
	})
}

// projectJobs maps job ids to listing rows, skipping ids whose job no
// longer exists.
func projectJobs(m *state.Memory, ids []string) []JobSummary {
	var out []JobSummary
	for _, jobID := range ids {
		key, err := id.Parse(jobID)
		if err != nil {
			continue
		}
		j, ok := m.JobGet(key)
		if !ok {
			continue
		}
		out = append(out, summarize(j))
	}
	return out
}

func summarize(j *entry.Job) JobSummary {
	s := JobSummary{
		ID:        j.Key.String(),
		CreatedAt: j.CreatedAt.UTC(),
	}
	if j.State != nil {
		s.StateName = j.State.Name
		s.Reason = j.State.Reason
		s.StateCreatedAt = j.State.CreatedAt.UTC()
		s.StateData = copyStrings(j.State.Data)
	}
	return s
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
