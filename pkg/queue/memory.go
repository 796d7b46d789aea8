package queue

import (
	"context"
	"sync"
)

// MemoryQueue is a process-local queue for tests and single-node runs. It
// honors the at-least-once contract by re-enqueuing nacked deliveries.
type MemoryQueue struct {
	ch     chan Delivery
	once   sync.Once
	done   chan struct{}
	closed chan struct{}
}

// NewMemoryQueue creates a queue with the given buffer capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryQueue{
		ch:     make(chan Delivery, capacity),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, d Delivery) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- d:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume implements Queue. A handler error triggers immediate redelivery by
// re-enqueuing at the tail.
func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return nil
		case d := <-q.ch:
			if err := h(ctx, d); err != nil {
				select {
				case q.ch <- d:
				case <-ctx.Done():
					return ctx.Err()
				case <-q.closed:
					return nil
				}
			}
		}
	}
}

// Close implements Queue.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

// Len reports the number of buffered deliveries, for tests.
func (q *MemoryQueue) Len() int { return len(q.ch) }
