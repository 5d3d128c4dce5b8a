// Package queue provides the bounded FIFO buffer used by the capture engine.
package queue

// Queue is an ordered, capacity-bounded sequence. When full, the oldest
// element is evicted. Queue is not safe for concurrent use; callers own the
// locking.
type Queue[T any] struct {
	items    []T
	capacity int
	dropped  int
}

// New creates a queue holding at most capacity items. A capacity below one is
// treated as one.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{capacity: capacity}
}

// Push appends item at the back, evicting from the front when full.
// It returns the number of items evicted.
func (q *Queue[T]) Push(item T) int {
	q.items = append(q.items, item)
	return q.trim()
}

// PushFront re-inserts items ahead of everything queued, preserving their
// relative order. Overflow is resolved the same way as Push: the oldest
// items, which are the re-inserted ones, go first.
func (q *Queue[T]) PushFront(items []T) int {
	if len(items) == 0 {
		return 0
	}
	merged := make([]T, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	q.items = merged
	return q.trim()
}

// TakeFront removes and returns up to n items from the front.
func (q *Queue[T]) TakeFront(n int) []T {
	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	copy(out, q.items[:n])
	var zero T
	for i := 0; i < n; i++ {
		q.items[i] = zero
	}
	q.items = q.items[n:]
	return out
}

// TakeWhile removes up to n items from the front as long as keep reports
// true for each of them. keep is called front to back, once per item, and
// may carry state across calls.
func (q *Queue[T]) TakeWhile(n int, keep func(T) bool) []T {
	count := 0
	for count < n && count < len(q.items) && keep(q.items[count]) {
		count++
	}
	return q.TakeFront(count)
}

// Count reports how many queued items match.
func (q *Queue[T]) Count(match func(T) bool) int {
	n := 0
	for _, item := range q.items {
		if match(item) {
			n++
		}
	}
	return n
}

// Drain removes and returns every queued item.
func (q *Queue[T]) Drain() []T {
	return q.TakeFront(len(q.items))
}

// Peek returns the front item without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

func (q *Queue[T]) Len() int { return len(q.items) }

func (q *Queue[T]) Cap() int { return q.capacity }

// Dropped is the total number of items evicted over the queue's lifetime.
func (q *Queue[T]) Dropped() int { return q.dropped }

// Items returns a copy of the queued items in order.
func (q *Queue[T]) Items() []T {
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue[T]) trim() int {
	over := len(q.items) - q.capacity
	if over <= 0 {
		return 0
	}
	var zero T
	for i := 0; i < over; i++ {
		q.items[i] = zero
	}
	q.items = q.items[over:]
	q.dropped += over
	return over
}
