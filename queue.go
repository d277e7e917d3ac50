package clsproducer

import (
	"sync"
	"time"
)

// cacheQueue is a fixed capacity ring of items. Push never blocks, Pop waits up to a timeout.
type cacheQueue[T any] struct {
	mu         sync.Mutex
	data       []T
	head       int64
	tail       int64
	size       int64
	notEmptyCh chan struct{}
}

func newCacheQueue[T any](size int) *cacheQueue[T] {
	if size <= 0 {
		size = 1
	}
	return &cacheQueue[T]{
		data:       make([]T, size),
		size:       int64(size),
		notEmptyCh: make(chan struct{}, 1),
	}
}

func (q *cacheQueue[T]) signal() {
	select {
	case q.notEmptyCh <- struct{}{}:
	default:
	}
}

func (q *cacheQueue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.tail-q.head == q.size {
		q.mu.Unlock()
		return false
	}
	q.data[q.tail%q.size] = item
	q.tail++
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *cacheQueue[T]) TryPop() (T, bool) {
	var zero T
	q.mu.Lock()
	if q.tail <= q.head {
		q.mu.Unlock()
		return zero, false
	}
	slot := q.head % q.size
	item := q.data[slot]
	q.data[slot] = zero
	q.head++
	more := q.tail > q.head
	q.mu.Unlock()
	// hand the wakeup on, another waiter may be parked
	if more {
		q.signal()
	}
	return item, true
}

func (q *cacheQueue[T]) Pop(timeout time.Duration) (T, bool) {
	if item, ok := q.TryPop(); ok {
		return item, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notEmptyCh:
			if item, ok := q.TryPop(); ok {
				return item, true
			}
		case <-timer.C:
			return q.TryPop()
		}
	}
}

func (q *cacheQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.tail - q.head)
}

func (q *cacheQueue[T]) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tail-q.head == q.size
}
