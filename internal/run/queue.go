package run

import (
	"sync"
	"time"
)

// fifo is an unbounded queue with a timed blocking pop. Producers never
// block; the wake channel holds at most one signal and poppers re-signal
// while items remain so parked consumers chain-wake.
type fifo[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{wake: make(chan struct{}, 1)}
}

func (q *fifo[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *fifo[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// popWait pops the head item, waiting up to d for one to arrive.
func (q *fifo[T]) popWait(d time.Duration) (T, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items = q.items[1:]
			rest := len(q.items)
			q.mu.Unlock()
			if rest > 0 {
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}
			return v, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-timer.C:
			var zero T
			return zero, false
		}
	}
}

// drain discards all queued items and returns how many were dropped.
func (q *fifo[T]) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
