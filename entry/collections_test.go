package entry

import (
	"testing"

	"github.com/xraph/stash"
	"github.com/xraph/stash/clock"
	"github.com/xraph/stash/id"
)

func TestHashFieldComparer(t *testing.T) {
	t.Parallel()

	sensitive := NewHash("h", stash.CaseSensitive)
	sensitive.Set("Field", "a")
	sensitive.Set("field", "b")
	if sensitive.Len() != 2 {
		t.Fatalf("case-sensitive hash has %d fields, want 2", sensitive.Len())
	}

	insensitive := NewHash("h", stash.CaseInsensitive)
	insensitive.Set("Field", "a")
	insensitive.Set("field", "b")
	if insensitive.Len() != 1 {
		t.Fatalf("case-insensitive hash has %d fields, want 1", insensitive.Len())
	}
	if v, _ := insensitive.Get("FIELD"); v != "b" {
		t.Fatalf("got %q, want %q (last write wins)", v, "b")
	}
}

func TestListPrependOrder(t *testing.T) {
	t.Parallel()

	l := NewList("l", stash.CaseSensitive)
	l.Prepend("first")
	l.Prepend("second")
	l.Prepend("third")

	want := []string{"third", "second", "first"}
	if l.Len() != len(want) {
		t.Fatalf("got %d items, want %d", l.Len(), len(want))
	}
	for i, v := range want {
		if l.Items[i] != v {
			t.Fatalf("Items[%d] = %q, want %q", i, l.Items[i], v)
		}
	}
}

func TestListRemove(t *testing.T) {
	t.Parallel()

	l := NewList("l", stash.CaseInsensitive)
	for _, v := range []string{"a", "B", "b", "c"} {
		l.Prepend(v)
	}

	if removed := l.Remove("b"); removed != 2 {
		t.Fatalf("removed %d items, want 2", removed)
	}
	if l.Len() != 2 {
		t.Fatalf("got %d items after removal, want 2", l.Len())
	}
}

func TestListTrim(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		from, to int
		want     []string
	}{
		{"keep head", 0, 1, []string{"d", "c"}},
		{"keep middle", 1, 2, []string{"c", "b"}},
		{"clamped", 2, 99, []string{"b", "a"}},
		{"inverted clears", 3, 1, nil},
		{"past end clears", 9, 12, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewList("l", stash.CaseSensitive)
			for _, v := range []string{"a", "b", "c", "d"} {
				l.Prepend(v)
			}

			l.Trim(tt.from, tt.to)
			if l.Len() != len(tt.want) {
				t.Fatalf("got %v, want %v", l.Items, tt.want)
			}
			for i := range tt.want {
				if l.Items[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", l.Items, tt.want)
				}
			}
		})
	}
}

func TestJobStateHistoryBound(t *testing.T) {
	t.Parallel()

	j := &Job{Key: id.NewKey(), CreatedAt: clock.At(0)}
	for i := 0; i < 5; i++ {
		j.SetState(&StateRecord{Name: "Processing", CreatedAt: clock.At(0)}, 3)
	}

	if len(j.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(j.History))
	}
	if j.History[0] != j.State {
		t.Fatal("current state must sit at the history head")
	}
}

func TestJobAddHistoryKeepsCurrentStateAtHead(t *testing.T) {
	t.Parallel()

	j := &Job{Key: id.NewKey(), CreatedAt: clock.At(0)}
	j.SetState(&StateRecord{Name: "Processing", CreatedAt: clock.At(0)}, 10)
	j.AddHistory(&StateRecord{Name: "ServerShutdown", CreatedAt: clock.At(1)}, 10)

	if len(j.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(j.History))
	}
	if j.History[0] != j.State {
		t.Fatal("history-only record displaced the current state from the head")
	}
	if j.History[1].Name != "ServerShutdown" {
		t.Fatalf("History[1].Name = %q, want the history-only record", j.History[1].Name)
	}
}
