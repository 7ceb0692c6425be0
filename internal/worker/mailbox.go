package worker

import (
	"context"
	"sync"

	customerrors "github.com/bavix/devpair/internal/errors"
)

// Mailbox is an unbounded FIFO queue with many producers and one consumer.
// Push never blocks.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{}
	closed bool

	onDepth func(int)
}

// NewMailbox returns an empty open mailbox. onDepth, when set, observes the
// queue length after every change.
func NewMailbox[T any](onDepth func(int)) *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1), onDepth: onDepth}
}

// Push appends v. It reports false once the mailbox is closed.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return false
	}

	m.items = append(m.items, v)
	depth := len(m.items)
	m.mu.Unlock()

	m.observe(depth)
	m.signal()

	return true
}

// Pop waits for the oldest item. Items pushed before Close are still
// delivered; after that Pop returns ErrWorkerStopped.
func (m *Mailbox[T]) Pop(ctx context.Context) (T, error) {
	var zero T

	for {
		m.mu.Lock()

		if len(m.items) > 0 {
			v := m.items[0]
			m.items[0] = zero
			m.items = m.items[1:]
			depth := len(m.items)
			m.mu.Unlock()

			m.observe(depth)

			return v, nil
		}

		closed := m.closed
		m.mu.Unlock()

		if closed {
			return zero, customerrors.ErrWorkerStopped
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-m.ready:
		}
	}
}

// Len is the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.items)
}

// Close stops accepting items and wakes the consumer.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.signal()
}

func (m *Mailbox[T]) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *Mailbox[T]) observe(depth int) {
	if m.onDepth != nil {
		m.onDepth(depth)
	}
}
