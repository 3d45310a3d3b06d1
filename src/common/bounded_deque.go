package common

// BoundedDeque is a queue with a maximum size. Pushing past capacity evicts
// the oldest item, calling the onEvict callback on it. When the items are
// cancellable task handles, eviction cancels the oldest task rather than
// rejecting the new one.
type BoundedDeque[T any] struct {
	items   []T
	maxSize int
	onEvict func(T)
}

// NewBoundedDeque creates a BoundedDeque with the given maximum size. onEvict
// may be nil.
func NewBoundedDeque[T any](maxSize int, onEvict func(T)) *BoundedDeque[T] {
	return &BoundedDeque[T]{
		maxSize: maxSize,
		onEvict: onEvict,
	}
}

// Push appends an item, evicting the oldest item first if the deque is full.
func (d *BoundedDeque[T]) Push(item T) {
	if len(d.items) >= d.maxSize {
		oldest := d.items[0]
		d.items = d.items[1:]
		if d.onEvict != nil {
			d.onEvict(oldest)
		}
	}
	d.items = append(d.items, item)
}

// Len returns the number of items currently in the deque.
func (d *BoundedDeque[T]) Len() int {
	return len(d.items)
}

// Drain removes all items, calling onEvict on each of them in order.
func (d *BoundedDeque[T]) Drain() {
	for _, item := range d.items {
		if d.onEvict != nil {
			d.onEvict(item)
		}
	}
	d.items = nil
}
