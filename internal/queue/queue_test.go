package queue

import (
	"reflect"
	"testing"
)

func TestPushEvictsOldest(t *testing.T) {
	q := New[int](3)
	evicted := 0
	for i := 1; i <= 5; i++ {
		evicted += q.Push(i)
	}

	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	if got := q.Items(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Errorf("Items() = %v, want [3 4 5]", got)
	}
	if evicted != 2 || q.Dropped() != 2 {
		t.Errorf("evicted = %d, Dropped() = %d, want 2", evicted, q.Dropped())
	}
}

func TestQueueBoundHolds(t *testing.T) {
	for _, capacity := range []int{1, 2, 7, 50} {
		q := New[int](capacity)
		for i := 0; i < capacity*3+1; i++ {
			q.Push(i)
			if q.Len() > capacity {
				t.Fatalf("cap %d: Len() = %d after %d pushes", capacity, q.Len(), i+1)
			}
		}
		if q.Len() != capacity {
			t.Errorf("cap %d: Len() = %d, want %d", capacity, q.Len(), capacity)
		}
	}
}

func TestPushFrontPreservesOrder(t *testing.T) {
	q := New[string](10)
	q.Push("a")
	q.Push("b")
	q.Push("c")

	batch := q.TakeFront(3)
	q.Push("d")
	q.PushFront(batch)

	if got := q.TakeFront(10); !reflect.DeepEqual(got, []string{"a", "b", "c", "d"}) {
		t.Errorf("after retry got %v, want [a b c d]", got)
	}
}

func TestPushFrontOverflowDropsOldest(t *testing.T) {
	q := New[int](4)
	q.Push(1)
	q.Push(2)
	batch := q.TakeFront(2)
	q.Push(3)
	q.Push(4)
	q.Push(5)

	dropped := q.PushFront(batch)

	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if got := q.Items(); !reflect.DeepEqual(got, []int{2, 3, 4, 5}) {
		t.Errorf("Items() = %v, want [2 3 4 5]", got)
	}
}

func TestTakeFront(t *testing.T) {
	tests := []struct {
		name string
		n    int
		want []int
		left int
	}{
		{"partial", 2, []int{1, 2}, 1},
		{"all", 3, []int{1, 2, 3}, 0},
		{"more than queued", 9, []int{1, 2, 3}, 0},
		{"zero", 0, nil, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New[int](5)
			q.Push(1)
			q.Push(2)
			q.Push(3)

			got := q.TakeFront(tt.n)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("TakeFront(%d) = %v, want %v", tt.n, got, tt.want)
			}
			if q.Len() != tt.left {
				t.Errorf("Len() = %d, want %d", q.Len(), tt.left)
			}
		})
	}
}

func TestTakeWhileStopsAtBoundary(t *testing.T) {
	q := New[string](10)
	for _, s := range []string{"s1", "s1", "s2", "s2"} {
		q.Push(s)
	}

	got := q.TakeWhile(5, func(s string) bool { return s == "s1" })
	if !reflect.DeepEqual(got, []string{"s1", "s1"}) {
		t.Errorf("TakeWhile() = %v, want [s1 s1]", got)
	}
	if front, _ := q.Peek(); front != "s2" {
		t.Errorf("Peek() = %q, want s2", front)
	}
}

func TestCountAndStatefulTakeWhile(t *testing.T) {
	q := New[int](10)
	for _, v := range []int{0, 1, 2, 0, 3, 4} {
		q.Push(v)
	}
	if got := q.Count(func(v int) bool { return v != 0 }); got != 4 {
		t.Fatalf("Count() = %d, want 4", got)
	}

	// zeros are free; take two non-zero values
	taken := 0
	got := q.TakeWhile(q.Len(), func(v int) bool {
		if v == 0 {
			return true
		}
		if taken == 2 {
			return false
		}
		taken++
		return true
	})
	if want := []int{0, 1, 2, 0}; !reflect.DeepEqual(got, want) {
		t.Errorf("TakeWhile() = %v, want %v", got, want)
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
}

func TestDrainEmpties(t *testing.T) {
	q := New[int](3)
	q.Push(1)
	q.Push(2)

	if got := q.Drain(); len(got) != 2 {
		t.Errorf("Drain() returned %d items, want 2", len(got))
	}
	if _, ok := q.Peek(); ok {
		t.Error("Peek() on drained queue reported an item")
	}
}
