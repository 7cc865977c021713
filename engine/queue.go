package engine

import (
	"sync"

	"github.com/bertl4398/MiGBox/fs"
)

// Queue is the multi-producer event queue feeding the reconciler worker.
// It is unbounded; back-pressure is implicit because event production is
// cheap and reconciliation is serialized on the single consumer.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []fs.Event
	closed bool
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues one event. Pushing to a closed queue is a no-op.
func (q *Queue) Push(ev fs.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
}

// PushAll enqueues events in order.
func (q *Queue) PushAll(evs []fs.Event) {
	for _, ev := range evs {
		q.Push(ev)
	}
}

// Pop blocks until an event is available or the queue is closed and
// drained. The closed-and-drained return acts as the worker's shutdown
// sentinel.
func (q *Queue) Pop() (fs.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return fs.Event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

// Close marks the queue closed and wakes the consumer. Queued events are
// still delivered before Pop reports closure.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
