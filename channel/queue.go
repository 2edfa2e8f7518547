package channel

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// fifo is the backing store of an unbounded channel.
// It is not safe for concurrent use; the owning channel state holds the lock.
type fifo[T any] struct {
	items []T
}

func newFIFO[T any]() fifo[T] {
	return fifo[T]{items: make([]T, 0, defaultQueueCap)}
}

func (q *fifo[T]) push(v T) {
	q.items = append(q.items, v)
}

func (q *fifo[T]) pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	v := q.items[0]
	// Zero out the slot so the backing array does not pin the value
	q.items[0] = zero
	q.items = q.items[1:]
	q.maybeCompact()

	return v, true
}

func (q *fifo[T]) len() int {
	return len(q.items)
}

func (q *fifo[T]) clear() {
	q.items = make([]T, 0, defaultQueueCap)
}

func (q *fifo[T]) maybeCompact() {
	n := len(q.items)
	c := cap(q.items)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.items = make([]T, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	compacted := make([]T, n, newCap)
	copy(compacted, q.items)
	q.items = compacted
}
