// Package queue implements the priority queue of spec.md §4.4 (C4):
// tasks are ordered by priority first, then by submission time within
// the same priority. The teacher's DAG engine schedules ready nodes
// through a plain buffered channel (dag_engine.go's "ready" channel),
// which has no notion of priority; this generalizes that idea to a
// container/heap so P0 work always drains ahead of P1/P2 regardless of
// arrival order.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/swarmguard/agentd/internal/store"
)

type item struct {
	taskID      string
	priority    store.Priority
	submittedAt time.Time
	index       int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority.Rank() != h[j].priority.Rank() {
		return h[i].priority.Rank() < h[j].priority.Rank()
	}
	return h[i].submittedAt.Before(h[j].submittedAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a priority-ordered, FIFO-within-priority task queue. All
// methods are safe for concurrent use behind a single mutex.
type Queue struct {
	mu    sync.Mutex
	heap  itemHeap
	items map[string]*item
}

func New() *Queue {
	return &Queue{items: make(map[string]*item)}
}

// Enqueue adds taskID if not already present. Re-enqueuing an already
// queued task is a no-op (spec §4.4 "enqueue is idempotent per task").
func (q *Queue) Enqueue(taskID string, priority store.Priority, submittedAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.items[taskID]; exists {
		return
	}
	it := &item{taskID: taskID, priority: priority, submittedAt: submittedAt}
	q.items[taskID] = it
	heap.Push(&q.heap, it)
}

// Dequeue removes and returns the highest-priority, earliest-submitted
// task ID. The second return is false when the queue is empty.
func (q *Queue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return "", false
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.items, it.taskID)
	return it.taskID, true
}

// Peek returns the next task ID without removing it.
func (q *Queue) Peek() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return "", false
	}
	return q.heap[0].taskID, true
}

// Remove drops taskID from the queue if present, reporting whether it
// was found. Used when a task is cancelled while still queued.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, exists := q.items[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.items, taskID)
	return true
}

func (q *Queue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, exists := q.items[taskID]
	return exists
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = nil
	q.items = make(map[string]*item)
}
