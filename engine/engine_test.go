package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xraph/stash"
	"github.com/xraph/stash/clock"
	"github.com/xraph/stash/dispatcher"
	"github.com/xraph/stash/entry"
	"github.com/xraph/stash/id"
	"github.com/xraph/stash/state"
)

// jobByString resolves a job by its canonical string id. Test helper;
// production code parses at the façade boundary.
func jobByString(m *state.Memory, jobID string) (*entry.Job, bool) {
	key, err := id.Parse(jobID)
	if err != nil {
		return nil, false
	}
	return m.JobGet(key)
}

func serverContext(workers int, queues ...string) entry.ServerContext {
	return entry.ServerContext{WorkerCount: workers, Queues: queues}
}

func openEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng := Open(opts...)
	t.Cleanup(eng.Close)
	return eng
}

// ──────────────────────────────────────────────────
// Create, enqueue, fetch
// ──────────────────────────────────────────────────

func TestCreateEnqueueFetch(t *testing.T) {
	t.Parallel()
	eng := openEngine(t)
	conn := eng.Connection()
	ctx := context.Background()

	tx := conn.CreateTransaction()
	defer tx.Close()

	jobID, err := tx.CreateJob([]byte(`{"method":"Send"}`), map[string]string{"k": "v"}, time.Hour)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := tx.SetJobState(jobID, "Enqueued", "", nil); err != nil {
		t.Fatalf("SetJobState: %v", err)
	}
	if err := tx.AddToQueue("default", jobID); err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	fetched, err := conn.FetchNextJob(fetchCtx, []string{"default"})
	if err != nil {
		t.Fatalf("FetchNextJob: %v", err)
	}
	if fetched.JobID != jobID {
		t.Fatalf("fetched %q, want %q", fetched.JobID, jobID)
	}
	if fetched.Queue != "default" {
		t.Fatalf("fetched from %q, want default", fetched.Queue)
	}

	// The job data round-trips.
	data, err := conn.GetJobData(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJobData: %v", err)
	}
	if data == nil {
		t.Fatal("job data missing after fetch")
	}
	if data.State != "Enqueued" {
		t.Fatalf("state = %q, want Enqueued", data.State)
	}
	if data.Parameters["k"] != "v" {
		t.Fatalf("parameter k = %q, want v", data.Parameters["k"])
	}
}

func TestFetchBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()
	eng := openEngine(t)
	conn := eng.Connection()
	ctx := context.Background()

	type result struct {
		fetched *FetchedJob
		err     error
	}
	done := make(chan result, 1)
	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		f, err := conn.FetchNextJob(fetchCtx, []string{"critical"})
		done <- result{f, err}
	}()

	// Let the fetcher park, then commit an enqueue.
	time.Sleep(50 * time.Millisecond)
	tx := conn.CreateTransaction()
	defer tx.Close()
	jobID, err := tx.CreateJob([]byte(`{}`), nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.AddToQueue("critical", jobID); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("FetchNextJob: %v", r.err)
		}
		if r.fetched.JobID != jobID {
			t.Fatalf("fetched %q, want %q", r.fetched.JobID, jobID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("fetcher was not woken by the commit signal")
	}
}

func TestFetchTimesOutOnEmptyQueue(t *testing.T) {
	t.Parallel()
	eng := openEngine(t)
	conn := eng.Connection()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := conn.FetchNextJob(ctx, []string{"default"})
	if !errors.Is(err, stash.ErrFetchTimeout) {
		t.Fatalf("got %v, want ErrFetchTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("timed out after %v, want >= 200ms", elapsed)
	}
}

// ──────────────────────────────────────────────────
// Locks
// ──────────────────────────────────────────────────

func TestDistributedLockReentrance(t *testing.T) {
	t.Parallel()
	eng := openEngine(t)
	owner := eng.Connection()
	other := eng.Connection()

	h1, err := owner.AcquireDistributedLock("r", time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	h2, err := owner.AcquireDistributedLock("r", time.Second)
	if err != nil {
		t.Fatalf("reentrant acquire: %v", err)
	}

	if _, err := other.AcquireDistributedLock("r", 100*time.Millisecond); !errors.Is(err, stash.ErrLockTimeout) {
		t.Fatalf("got %v, want ErrLockTimeout for the other connection", err)
	}

	h1.Release()
	h2.Release()

	start := time.Now()
	h3, err := other.AcquireDistributedLock("r", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("other connection could not acquire after release: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("acquire after release exceeded its timeout window")
	}
	h3.Release()
}

func TestTransactionCloseReleasesLocks(t *testing.T) {
	t.Parallel()
	eng := openEngine(t)
	conn := eng.Connection()

	tx := conn.CreateTransaction()
	if _, err := tx.AcquireDistributedLock("tx-lock", time.Second); err != nil {
		t.Fatalf("AcquireDistributedLock: %v", err)
	}
	tx.Close()

	other := eng.Connection()
	h, err := other.AcquireDistributedLock("tx-lock", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("lock not released by transaction close: %v", err)
	}
	h.Release()
}

// ──────────────────────────────────────────────────
// Expiration semantics
// ──────────────────────────────────────────────────

func TestExpireJobCappedButCounterExempt(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(clock.At(0))
	eng := openEngine(t,
		WithClock(clk),
		WithMaxExpirationTime(3*time.Hour),
	)
	conn := eng.Connection()
	ctx := context.Background()

	tx := conn.CreateTransaction()
	defer tx.Close()
	jobID, err := tx.CreateJob([]byte(`{}`), nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.ExpireJob(jobID, 7*24*time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := tx.IncrementCounterWithExpiry("stats:succeeded", 7*24*time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	want := clk.Now().Add(3 * time.Hour)
	expireAt, err := dispatcher.Read(ctx, eng.d, func(m *state.Memory) (clock.Time, error) {
		j, ok := jobByString(m, jobID)
		if !ok || j.ExpireAt == nil {
			return clock.Time{}, errors.New("job or expiration missing")
		}
		return *j.ExpireAt, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if expireAt.Compare(want) != 0 {
		t.Fatalf("job expireAt = %v, want capped %v", expireAt, want)
	}

	counterWant := clk.Now().Add(7 * 24 * time.Hour)
	counterAt, err := dispatcher.Read(ctx, eng.d, func(m *state.Memory) (clock.Time, error) {
		c, ok := m.CounterGet("stats:succeeded")
		if !ok || c.ExpireAt == nil {
			return clock.Time{}, errors.New("counter or expiration missing")
		}
		return *c.ExpireAt, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if counterAt.Compare(counterWant) != 0 {
		t.Fatalf("counter expireAt = %v, want uncapped %v", counterAt, counterWant)
	}
}

func TestExpireThenPersistJob(t *testing.T) {
	t.Parallel()
	eng := openEngine(t)
	conn := eng.Connection()
	ctx := context.Background()

	tx := conn.CreateTransaction()
	jobID, err := tx.CreateJob([]byte(`{}`), nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	tx.Close()

	tx2 := conn.CreateTransaction()
	defer tx2.Close()
	if err := tx2.ExpireJob(jobID, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := tx2.PersistJob(jobID); err != nil {
		t.Fatal(err)
	}
	if err := tx2.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	persisted, err := dispatcher.Read(ctx, eng.d, func(m *state.Memory) (bool, error) {
		j, ok := jobByString(m, jobID)
		return ok && j.ExpireAt == nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !persisted {
		t.Fatal("persist did not clear the job's expiration")
	}
}

// ──────────────────────────────────────────────────
// State reads and laws
// ──────────────────────────────────────────────────

func TestSetJobStateThenGetStateData(t *testing.T) {
	t.Parallel()
	eng := openEngine(t)
	conn := eng.Connection()
	ctx := context.Background()

	tx := conn.CreateTransaction()
	defer tx.Close()
	jobID, err := tx.CreateJob([]byte(`{}`), nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.SetJobState(jobID, "Failed", "worker crashed", map[string]string{"attempt": "3"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	sd, err := conn.GetStateData(ctx, jobID)
	if err != nil {
		t.Fatalf("GetStateData: %v", err)
	}
	if sd == nil {
		t.Fatal("state data missing")
	}
	if sd.Name != "Failed" || sd.Reason != "worker crashed" || sd.Data["attempt"] != "3" {
		t.Fatalf("got %+v, want the just-set state", sd)
	}
}

func TestCounterIncrementDecrementLaw(t *testing.T) {
	t.Parallel()
	eng := openEngine(t)
	conn := eng.Connection()
	ctx := context.Background()

	tx := conn.CreateTransaction()
	defer tx.Close()
	if err := tx.IncrementCounter("law"); err != nil {
		t.Fatal(err)
	}
	if err := tx.DecrementCounter("law"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	value, err := conn.GetCounter(ctx, "law")
	if err != nil {
		t.Fatal(err)
	}
	if value != 0 {
		t.Fatalf("counter = %d, want 0", value)
	}

	absent, err := dispatcher.Read(ctx, eng.d, func(m *state.Memory) (bool, error) {
		_, ok := m.CounterGet("law")
		return !ok, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !absent {
		t.Fatal("counter absent before must be absent after increment+decrement")
	}
}

func TestAddToSetLastWriteWins(t *testing.T) {
	t.Parallel()
	eng := openEngine(t)
	conn := eng.Connection()
	ctx := context.Background()

	tx := conn.CreateTransaction()
	defer tx.Close()
	if err := tx.AddToSetWithScore("schedule", "job-1", 1); err != nil {
		t.Fatal(err)
	}
	if err := tx.AddToSetWithScore("schedule", "job-1", 2); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	count, err := conn.GetSetCount(ctx, "schedule")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("set count = %d, want 1", count)
	}

	first, err := conn.GetFirstByLowestScoreFromSet(ctx, "schedule", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if first != "job-1" {
		t.Fatalf("member not found at its re-assigned score, got %q", first)
	}
}

// ──────────────────────────────────────────────────
// Transaction partial failure
// ──────────────────────────────────────────────────

func TestTransactionPartialFailureKeepsAppliedPrefix(t *testing.T) {
	t.Parallel()
	eng := openEngine(t)
	conn := eng.Connection()
	ctx := context.Background()

	tx := conn.CreateTransaction()
	defer tx.Close()
	if err := tx.SetRangeInHash("applied", map[string]string{"a": "1"}); err != nil {
		t.Fatal(err)
	}
	failure := errors.New("sub-command failed")
	tx.add("failing op", func(*state.Memory, *dispatcher.Signals, clock.Time) error {
		return failure
	})
	if err := tx.InsertToList("skipped", "x"); err != nil {
		t.Fatal(err)
	}

	err := tx.Commit(ctx)
	if !errors.Is(err, failure) {
		t.Fatalf("Commit error = %v, want the sub-command failure", err)
	}
	if !strings.Contains(err.Error(), "failing op") {
		t.Fatalf("error %q does not name the failing operation", err)
	}

	// The prefix before the failure is applied; nothing after it is.
	fields, err := conn.GetAllEntriesFromHash(ctx, "applied")
	if err != nil {
		t.Fatal(err)
	}
	if fields["a"] != "1" {
		t.Fatal("op before the failure was not applied")
	}
	items, err := conn.GetAllItemsFromList(ctx, "skipped")
	if err != nil {
		t.Fatal(err)
	}
	if items != nil {
		t.Fatalf("op after the failure was applied: %v", items)
	}
}

func TestCommitTwiceFails(t *testing.T) {
	t.Parallel()
	eng := openEngine(t)
	conn := eng.Connection()
	ctx := context.Background()

	tx := conn.CreateTransaction()
	defer tx.Close()
	if err := tx.IncrementCounter("once"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); !errors.Is(err, stash.ErrInvalidArgument) {
		t.Fatalf("second commit = %v, want ErrInvalidArgument", err)
	}
}

// ──────────────────────────────────────────────────
// Unknown jobs degrade silently
// ──────────────────────────────────────────────────

func TestUnknownJobSemantics(t *testing.T) {
	t.Parallel()
	eng := openEngine(t)
	conn := eng.Connection()
	ctx := context.Background()

	// Reads return nothing rather than failing.
	data, err := conn.GetJobData(ctx, "not-a-job-id")
	if err != nil || data != nil {
		t.Fatalf("GetJobData on garbage id = (%v, %v), want (nil, nil)", data, err)
	}

	// Mutations on unknown ids are silent no-ops.
	tx := conn.CreateTransaction()
	defer tx.Close()
	if err := tx.ExpireJob("not-a-job-id", time.Hour); err != nil {
		t.Fatalf("ExpireJob on garbage id: %v", err)
	}
	if err := tx.SetJobState("not-a-job-id", "Enqueued", "", nil); err != nil {
		t.Fatalf("SetJobState on garbage id: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestFacadeValidation(t *testing.T) {
	t.Parallel()
	eng := openEngine(t)
	conn := eng.Connection()
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"empty job id", func() error { _, err := conn.GetJobData(ctx, ""); return err }},
		{"empty hash key", func() error { _, err := conn.GetAllEntriesFromHash(ctx, ""); return err }},
		{"no queues", func() error { _, err := conn.FetchNextJob(ctx, nil); return err }},
		{"blank queue name", func() error { _, err := conn.FetchNextJob(ctx, []string{""}); return err }},
		{"empty lock resource", func() error { _, err := conn.AcquireDistributedLock("", time.Second); return err }},
		{"negative server timeout", func() error { _, err := conn.RemoveTimedOutServers(ctx, -time.Second); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, stash.ErrInvalidArgument) {
				t.Fatalf("got %v, want ErrInvalidArgument", err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Servers
// ──────────────────────────────────────────────────

func TestServerAnnounceHeartbeatRemove(t *testing.T) {
	t.Parallel()
	eng := openEngine(t)
	conn := eng.Connection()
	ctx := context.Background()

	if err := conn.AnnounceServer(ctx, "srv-1", serverContext(4, "default")); err != nil {
		t.Fatalf("AnnounceServer: %v", err)
	}
	if err := conn.Heartbeat(ctx, "srv-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := conn.Heartbeat(ctx, "ghost"); !errors.Is(err, stash.ErrKeyNotFound) {
		t.Fatalf("Heartbeat on unknown server = %v, want ErrKeyNotFound", err)
	}
	if err := conn.RemoveServer(ctx, "srv-1"); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}

	servers, err := eng.Monitor().Servers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 0 {
		t.Fatalf("%d servers remain, want 0", len(servers))
	}
}

func TestRemoveTimedOutServers(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(clock.At(0))
	eng := openEngine(t, WithClock(clk))
	conn := eng.Connection()
	ctx := context.Background()

	if err := conn.AnnounceServer(ctx, "stale", serverContext(1)); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)
	if err := conn.AnnounceServer(ctx, "fresh", serverContext(1)); err != nil {
		t.Fatal(err)
	}

	removed, err := conn.RemoveTimedOutServers(ctx, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed %d servers, want 1", removed)
	}
}
