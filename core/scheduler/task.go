package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// TaskState is a task's position in its lifecycle.
type TaskState uint32

const (
	TaskCreated TaskState = iota
	TaskScheduled
	TaskReady
	TaskRunning
	TaskDone
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "CREATED"
	case TaskScheduled:
		return "SCHEDULED"
	case TaskReady:
		return "READY"
	case TaskRunning:
		return "RUNNING"
	case TaskDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// TaskID uniquely identifies a task across its lifetime.
type TaskID = uuid.UUID

// AnyNode means a task has no NUMA-node affinity and may run anywhere.
const AnyNode = -1

// Task priorities. Queues serve High before Default; anything above
// PriorityDefault is treated as elevated by the per-node heap.
const (
	PriorityDefault = 0
	PriorityHigh    = 1
)

// TaskFunc is a task's payload: the unit of work the scheduler runs on a
// worker goroutine. It receives the context the scheduler was run with,
// so long-running payloads can observe cancellation.
type TaskFunc func(ctx context.Context) error

// Task is a DAG node carrying a payload, a predecessor count that
// reaches zero exactly once every dependency has finished, and the list
// of successors to notify on completion.
type Task struct {
	id   TaskID
	fn   TaskFunc
	name string

	priority      int
	preferredNode int

	// stealable permits workers on other NUMA nodes to pull this task
	// from its queue. Off for tasks whose payload touches node-local
	// memory the caller wants kept local.
	stealable bool

	predecessorCount atomic.Int32
	state            atomic.Uint32

	mu         sync.Mutex
	successors []*Task

	// enqueued guards against a successor being handed straight to a
	// worker's hand-off slot and also being pushed onto a queue.
	enqueued atomic.Bool

	err  error
	done chan struct{}

	group *taskGroup
}

// NewTask constructs a task with no predecessors, ready to schedule
// immediately once submitted.
func NewTask(name string, fn TaskFunc, priority, preferredNode int) *Task {
	if fn == nil {
		fn = func(context.Context) error { return nil }
	}
	t := &Task{
		id:            uuid.New(),
		fn:            fn,
		name:          name,
		priority:      priority,
		preferredNode: preferredNode,
		stealable:     true,
		done:          make(chan struct{}),
	}
	t.state.Store(uint32(TaskCreated))
	return t
}

func (t *Task) ID() TaskID { return t.id }

func (t *Task) Name() string { return t.name }

func (t *Task) Priority() int { return t.priority }

func (t *Task) PreferredNode() int { return t.preferredNode }

// SetStealable controls whether peer nodes' workers may steal this task.
// Must be called before the task is scheduled.
func (t *Task) SetStealable(stealable bool) { t.stealable = stealable }

func (t *Task) Stealable() bool { return t.stealable }

func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

func (t *Task) setState(s TaskState) { t.state.Store(uint32(s)) }

// Err returns the error the task's payload returned, if any. Valid only
// after Done() has fired.
func (t *Task) Err() error { return t.err }

// Done returns a channel closed once the task has finished running.
func (t *Task) Done() <-chan struct{} { return t.done }

// AddSuccessor records that s depends on t: s will not become READY
// until t (and every other predecessor s has) has finished. Must be
// called before t is submitted to the scheduler.
func (t *Task) AddSuccessor(s *Task) {
	s.predecessorCount.Add(1)
	t.mu.Lock()
	t.successors = append(t.successors, s)
	t.mu.Unlock()
}

// isReady reports whether a task has no unfinished predecessors.
func (t *Task) isReady() bool {
	return t.predecessorCount.Load() == 0
}

// tryMarkEnqueued reports whether this is the first caller to claim
// responsibility for scheduling t, the de-duplication performed before
// handing a successor either directly to a worker's hand-off slot or
// onto a shared queue.
func (t *Task) tryMarkEnqueued() bool {
	return t.enqueued.CompareAndSwap(false, true)
}

// run executes the task's payload and returns the successors that became
// ready as a result; the caller hands the first one straight back to
// its own hand-off slot and pushes the rest onto queues.
func (t *Task) run(ctx context.Context) []*Task {
	t.setState(TaskRunning)
	t.err = t.fn(ctx)
	t.setState(TaskDone)
	close(t.done)

	t.mu.Lock()
	successors := t.successors
	t.mu.Unlock()

	ready := make([]*Task, 0, len(successors))
	for _, s := range successors {
		if s.predecessorCount.Add(-1) == 0 {
			s.setState(TaskReady)
			if s.tryMarkEnqueued() {
				ready = append(ready, s)
			}
		}
	}
	return ready
}
