package lock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/stash"
)

type owner struct{ name string }

func TestAcquireAndRelease(t *testing.T) {
	t.Parallel()

	r := NewRegistry(stash.CaseSensitive)
	o := &owner{name: "conn-1"}

	h, err := r.Acquire("resource", o, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if r.Depth("resource") != 1 {
		t.Fatalf("depth = %d, want 1", r.Depth("resource"))
	}

	h.Release()
	if r.Depth("resource") != 0 {
		t.Fatalf("depth = %d after release, want 0", r.Depth("resource"))
	}
}

func TestReentrance(t *testing.T) {
	t.Parallel()

	r := NewRegistry(stash.CaseSensitive)
	o := &owner{name: "conn-1"}
	other := &owner{name: "conn-2"}

	h1, err := r.Acquire("r", o, time.Second)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	h2, err := r.Acquire("r", o, time.Second)
	if err != nil {
		t.Fatalf("reentrant Acquire: %v", err)
	}
	if r.Depth("r") != 2 {
		t.Fatalf("depth = %d, want 2", r.Depth("r"))
	}

	// A different owner cannot get in while the chain holds.
	if _, err := r.Acquire("r", other, 100*time.Millisecond); !errors.Is(err, stash.ErrLockTimeout) {
		t.Fatalf("got %v, want ErrLockTimeout", err)
	}

	// One release keeps the lock held.
	h1.Release()
	if r.Depth("r") != 1 {
		t.Fatalf("depth = %d after one release, want 1", r.Depth("r"))
	}

	// The final release frees it for the other owner.
	h2.Release()
	start := time.Now()
	h3, err := r.Acquire("r", other, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("other owner could not acquire after full release: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("acquire after release took %v", elapsed)
	}
	h3.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(stash.CaseSensitive)
	o := &owner{name: "conn-1"}

	h1, _ := r.Acquire("r", o, time.Second)
	h2, _ := r.Acquire("r", o, time.Second)

	h1.Release()
	h1.Release() // no-op
	if r.Depth("r") != 1 {
		t.Fatalf("depth = %d, want 1 (double release must not over-decrement)", r.Depth("r"))
	}
	h2.Release()
	if r.Depth("r") != 0 {
		t.Fatalf("depth = %d, want 0", r.Depth("r"))
	}
}

func TestReleaseWakesWaiter(t *testing.T) {
	t.Parallel()

	r := NewRegistry(stash.CaseSensitive)
	holder := &owner{name: "holder"}
	waiter := &owner{name: "waiter"}

	h, err := r.Acquire("r", holder, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	got := make(chan error, 1)
	go func() {
		defer wg.Done()
		wh, err := r.Acquire("r", waiter, 2*time.Second)
		if err == nil {
			wh.Release()
		}
		got <- err
	}()

	// Give the waiter time to park, then release.
	time.Sleep(50 * time.Millisecond)
	h.Release()

	wg.Wait()
	if err := <-got; err != nil {
		t.Fatalf("waiter should have acquired after release, got %v", err)
	}
}

func TestAcquireZeroTimeoutFailsFast(t *testing.T) {
	t.Parallel()

	r := NewRegistry(stash.CaseSensitive)
	h, _ := r.Acquire("r", &owner{name: "a"}, time.Second)
	defer h.Release()

	start := time.Now()
	_, err := r.Acquire("r", &owner{name: "b"}, 0)
	if !errors.Is(err, stash.ErrLockTimeout) {
		t.Fatalf("got %v, want ErrLockTimeout", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("zero timeout should fail without waiting")
	}
}

func TestInvalidArguments(t *testing.T) {
	t.Parallel()

	r := NewRegistry(stash.CaseSensitive)

	tests := []struct {
		name     string
		resource string
		owner    any
	}{
		{"empty resource", "", &owner{}},
		{"nil owner", "r", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Acquire(tt.resource, tt.owner, time.Second); !errors.Is(err, stash.ErrInvalidArgument) {
				t.Fatalf("got %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestComparerAppliesToResources(t *testing.T) {
	t.Parallel()

	r := NewRegistry(stash.CaseInsensitive)
	o1 := &owner{name: "a"}
	o2 := &owner{name: "b"}

	h, err := r.Acquire("Resource", o1, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	if _, err := r.Acquire("RESOURCE", o2, 50*time.Millisecond); !errors.Is(err, stash.ErrLockTimeout) {
		t.Fatalf("case-insensitive resources should collide, got %v", err)
	}
}
