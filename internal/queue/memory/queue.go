// Package memory provides a priority queue implementation for local
// development and single-process deployments.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// ErrQueueFull is returned by Enqueue when the queue holds capacity items.
var ErrQueueFull = errors.New("queue full")

// Queue orders ready items by (priority, arrival) and parks items with a
// future NotBefore until they become due.
type Queue struct {
	mu       sync.Mutex
	capacity int
	seq      uint64
	ready    readyHeap
	delayed  delayedHeap
	wake     chan struct{}
	closed   bool
	now      func() time.Time
}

// NewQueue constructs a new queue. A capacity <= 0 means unbounded.
func NewQueue(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		wake:     make(chan struct{}),
		now:      time.Now,
	}
}

// Enqueue adds an item. It never blocks.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	if q.capacity > 0 && q.ready.Len()+q.delayed.Len() >= q.capacity {
		return ErrQueueFull
	}
	q.seq++
	entry := &entry{item: item, seq: q.seq}
	if item.NotBefore.After(q.now()) {
		heap.Push(&q.delayed, entry)
	} else {
		heap.Push(&q.ready, entry)
	}
	q.broadcastLocked()
	return nil
}

// Dequeue pops the most urgent ready item, waiting for one if necessary.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return crawler.QueueItem{}, crawler.ErrQueueClosed
		}
		now := q.now()
		q.promoteLocked(now)
		if q.ready.Len() > 0 {
			entry := heap.Pop(&q.ready).(*entry)
			q.mu.Unlock()
			return entry.item, nil
		}
		wake := q.wake
		var timer *time.Timer
		var due <-chan time.Time
		if q.delayed.Len() > 0 {
			timer = time.NewTimer(q.delayed[0].item.NotBefore.Sub(now))
			due = timer.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wake:
		case <-due:
		}
		stopTimer(timer)
	}
}

// Ack is a no-op; in-process items do not survive a restart anyway.
func (q *Queue) Ack(context.Context, string) error { return nil }

// Remove drops a waiting item by job ID.
func (q *Queue) Remove(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.ready {
		if e.item.JobID == jobID {
			heap.Remove(&q.ready, i)
			return true, nil
		}
	}
	for i, e := range q.delayed {
		if e.item.JobID == jobID {
			heap.Remove(&q.delayed, i)
			return true, nil
		}
	}
	return false, nil
}

// Len reports ready plus delayed items.
func (q *Queue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len(), nil
}

// Close wakes all waiters; later calls return crawler.ErrQueueClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.broadcastLocked()
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (q *Queue) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].item.NotBefore.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed))
	}
}

func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

type entry struct {
	item crawler.QueueItem
	seq  uint64
}

type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority < h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *readyHeap) Push(x any) {
	*h = append(*h, x.(*entry))
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type delayedHeap []*entry

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	return h[i].item.NotBefore.Before(h[j].item.NotBefore)
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *delayedHeap) Push(x any) {
	*h = append(*h, x.(*entry))
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
