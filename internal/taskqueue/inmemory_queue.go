package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue backed by a min-heap ordered on NotBefore, so
// delayed tasks (timer wakes) stay parked until they are due. It is safe for
// concurrent use.
type InMemoryQueue struct {
	mu     sync.Mutex
	tasks  taskHeap
	seq    int64
	notify chan struct{}
}

// NewInMemoryQueue creates an empty queue. The capacity hint is accepted for
// symmetry with the durable backends but the heap grows as needed.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &InMemoryQueue{
		tasks:  make(taskHeap, 0, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	q.mu.Lock()
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	q.seq++
	heap.Push(&q.tasks, queued{task: t, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		now := time.Now()
		var wait time.Duration
		if len(q.tasks) > 0 {
			head := q.tasks[0]
			if !head.task.NotBefore.After(now) {
				t := heap.Pop(&q.tasks).(queued).task
				t.Attempts++
				q.mu.Unlock()
				return &t, nil
			}
			wait = head.task.NotBefore.Sub(now)
		}
		q.mu.Unlock()

		if wait <= 0 {
			// Queue is empty; block until something is enqueued.
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-q.notify:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type queued struct {
	task Task
	seq  int64
}

// taskHeap orders by NotBefore, breaking ties by enqueue order.
type taskHeap []queued

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.NotBefore.Equal(h[j].task.NotBefore) {
		return h[i].seq < h[j].seq
	}
	return h[i].task.NotBefore.Before(h[j].task.NotBefore)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
