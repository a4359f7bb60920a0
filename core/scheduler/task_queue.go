package scheduler

import (
	"container/heap"
	"context"
	"sync"
)

// taskHeap is a max-heap on Task.priority, so each node-local queue
// serves elevated-priority tasks before default ones.
type taskHeap []*Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].priority > h[j].priority }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TaskQueue is one NUMA node's work queue: a priority queue local
// workers pull from first, and the target of work-stealing from other
// nodes' workers. The blocking wait a worker performs when its own queue
// and every peer's queue are empty is a receive on a capacity-1 signal
// channel: pushes arm it without ever blocking, repeated pushes collapse
// into one pending wakeup, and shutdown unblocks waiters through the
// worker's context.
type TaskQueue struct {
	nodeID int

	mu   sync.Mutex
	heap taskHeap

	signal chan struct{}
}

func NewTaskQueue(nodeID int) *TaskQueue {
	return &TaskQueue{
		nodeID: nodeID,
		signal: make(chan struct{}, 1),
	}
}

func (q *TaskQueue) NodeID() int { return q.nodeID }

// Push enqueues t and wakes a worker blocked in WaitForTask.
func (q *TaskQueue) Push(t *Task) {
	q.mu.Lock()
	heap.Push(&q.heap, t)
	q.mu.Unlock()
	q.wake()
}

// wake arms the signal channel without blocking; a wakeup already
// pending absorbs the new one.
func (q *TaskQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryPop returns the highest-priority task without blocking.
func (q *TaskQueue) TryPop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&q.heap).(*Task), true
}

// TrySteal is TryPop for workers on other nodes: it only hands out
// tasks flagged stealable, pushing a non-stealable head back so the
// queue's own node still runs it.
func (q *TaskQueue) TrySteal() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil, false
	}
	t := heap.Pop(&q.heap).(*Task)
	if !t.Stealable() {
		heap.Push(&q.heap, t)
		return nil, false
	}
	return t, true
}

// WaitForTask blocks until either work is pushed or ctx is done, then
// attempts to pop one task. It can return (nil, false) if another
// goroutine won the race for the task the wakeup announced. When tasks
// remain after the pop, the signal is re-armed so one wakeup cannot
// strand queued work behind other sleeping workers.
func (q *TaskQueue) WaitForTask(ctx context.Context) (*Task, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case <-q.signal:
	}
	q.mu.Lock()
	var t *Task
	if q.heap.Len() > 0 {
		t = heap.Pop(&q.heap).(*Task)
	}
	remaining := q.heap.Len()
	q.mu.Unlock()
	if remaining > 0 {
		q.wake()
	}
	return t, t != nil
}

// Len reports the number of tasks currently queued, used for
// determineQueueID's least-loaded-node heuristic. No metric exports it.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}
