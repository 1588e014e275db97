// Package ring implements the per-source record queue: a FIFO over a circular
// backing array.
//
// A Ring is NOT safe for concurrent use. The engine guards every ring with
// its single state mutex, so an internal lock would only be taken twice.
package ring

// defaultSize is the initial backing array of an unbounded ring.
const defaultSize = 8

// Ring is a FIFO queue over a circular buffer.
//
// With a limit of 0 the ring grows (doubling) when full and never drops.
// With a positive limit the ring holds at most limit entries; pushing onto a
// full ring drops the oldest entry and hands it back to the caller.
//
// head and tail are monotonic counters; the slot of counter n is
// n % len(buf).
type Ring[T any] struct {
	buf        []T
	head, tail uint64
	limit      int
}

// New creates a ring. limit <= 0 means unbounded.
func New[T any](limit int) *Ring[T] {
	if limit < 0 {
		limit = 0
	}
	size := defaultSize
	if limit > 0 {
		size = limit
	}
	return &Ring[T]{buf: make([]T, size), limit: limit}
}

// Limit returns the configured capacity (0 = unbounded).
func (r *Ring[T]) Limit() int { return r.limit }

// Len returns the number of queued entries.
func (r *Ring[T]) Len() int { return int(r.tail - r.head) }

// Empty reports whether the ring holds no entries.
func (r *Ring[T]) Empty() bool { return r.head == r.tail }

// Push appends v at the tail. If the ring is bounded and full, the oldest
// entry is removed first and returned with dropped = true.
func (r *Ring[T]) Push(v T) (old T, dropped bool) {
	if r.Len() == len(r.buf) {
		if r.limit > 0 {
			old, _ = r.Pop()
			dropped = true
		} else {
			r.grow()
		}
	}
	r.buf[r.tail%uint64(len(r.buf))] = v
	r.tail++
	return old, dropped
}

// Peek returns the head entry without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	if r.Empty() {
		var zero T
		return zero, false
	}
	return r.buf[r.head%uint64(len(r.buf))], true
}

// Pop removes and returns the head entry.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.Empty() {
		return zero, false
	}
	i := r.head % uint64(len(r.buf))
	v := r.buf[i]
	r.buf[i] = zero
	r.head++
	return v, true
}

// Clear discards every entry and returns how many were dropped.
func (r *Ring[T]) Clear() int {
	n := r.Len()
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.tail = 0, 0
	return n
}

// Do calls fn for every entry from head to tail.
func (r *Ring[T]) Do(fn func(T)) {
	for n := r.head; n != r.tail; n++ {
		fn(r.buf[n%uint64(len(r.buf))])
	}
}

// grow doubles the backing array, unrolling the queue to start at slot 0.
func (r *Ring[T]) grow() {
	n := r.Len()
	buf := make([]T, 2*len(r.buf))
	for i := 0; i < n; i++ {
		buf[i] = r.buf[(r.head+uint64(i))%uint64(len(r.buf))]
	}
	r.buf = buf
	r.head, r.tail = 0, uint64(n)
}
