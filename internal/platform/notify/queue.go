// Package notify delivers state changes to listeners one at a time and in
// order, while letting a listener safely cause further changes.
package notify

import "sync"

// Queue fans values out to listeners. Values are delivered by whichever
// goroutine finds the queue idle; anyone who pushes while a delivery is
// running only appends, so a listener may push from inside its callback
// without blocking.
//
// Owners call Push while holding their own lock, so values are queued in the
// order the owner changed state, and Drain after releasing it.
type Queue[T any] struct {
	mu        sync.Mutex
	listeners []func(T)
	pending   []T
	draining  bool
}

// Listen registers fn for every value delivered from now on.
func (q *Queue[T]) Listen(fn func(T)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, fn)
}

// Push queues v. It reports whether the caller must call Drain.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, v)
	if q.draining {
		return false
	}
	q.draining = true
	return true
}

// Drain delivers queued values until none are left, including values pushed
// by the listeners themselves.
func (q *Queue[T]) Drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		v := q.pending[0]
		var zero T
		q.pending[0] = zero
		q.pending = q.pending[1:]
		listeners := append([]func(T){}, q.listeners...)
		q.mu.Unlock()

		for _, fn := range listeners {
			fn(v)
		}
	}
}
