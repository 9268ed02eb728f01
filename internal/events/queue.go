package events

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("event queue closed")

// queue is a bounded in-memory buffer between the harvest and the publisher.
type queue struct {
	mu     sync.RWMutex
	closed bool
	ch     chan Event
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &queue{ch: make(chan Event, capacity)}
}

func (q *queue) enqueue(ctx context.Context, ev Event) error {
	// Holding the read lock across the send keeps close from racing it.
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errQueueClosed
	}

	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dequeue keeps returning buffered events after close until the buffer is
// empty.
func (q *queue) dequeue(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-q.ch:
		if !ok {
			return Event{}, errQueueClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
