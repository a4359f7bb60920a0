// Package scheduler implements a NUMA-node-aware work-stealing task
// scheduler over DAGs: tasks carrying a predecessor count and a
// list of successors, one priority queue per NUMA node, workers that
// pull local work before stealing from peers, and the scheduler that
// ties queues and workers together behind Schedule/Wait.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// TaskScheduler is the contract both scheduler implementations satisfy:
// the multi-threaded, queue-backed Scheduler for production use, and
// ImmediateScheduler, which runs everything synchronously on the
// caller's goroutine for tests and tools.
type TaskScheduler interface {
	Begin(ctx context.Context)
	Finish()
	Active() bool
	Schedule(t *Task) error
	ScheduleBatch(tasks []*Task) ([]*Task, error)
	Wait(ctx context.Context, tasks []*Task) error
}

var (
	_ TaskScheduler = (*Scheduler)(nil)
	_ TaskScheduler = (*ImmediateScheduler)(nil)
)

// Scheduler is the queue-backed TaskScheduler: it owns one TaskQueue
// per NUMA node and WorkersPerNode workers pulling from each, and is
// the entry point callers use to submit a DAG of tasks.
type Scheduler struct {
	topology Topology
	logger   *zap.Logger
	metrics  *Metrics

	nodeQueues []*TaskQueue
	workers    []*Worker

	activeWorkers atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
}

func NewScheduler(topology Topology, logger *zap.Logger, meter metric.Meter) (*Scheduler, error) {
	if err := topology.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("scheduler: constructing metrics: %w", err)
	}

	s := &Scheduler{
		topology: topology,
		logger:   logger.Named("scheduler"),
		metrics:  metrics,
	}
	s.nodeQueues = make([]*TaskQueue, topology.NumNodes)
	for n := 0; n < topology.NumNodes; n++ {
		s.nodeQueues[n] = NewTaskQueue(n)
	}
	return s, nil
}

// Begin spawns all workers and starts them pulling from their node's
// queue.
func (s *Scheduler) Begin(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.workers = s.workers[:0]

	id := 0
	for n := 0; n < s.topology.NumNodes; n++ {
		for w := 0; w < s.topology.WorkersPerNode; w++ {
			worker := newWorker(id, n, s.nodeQueues[n], s)
			s.workers = append(s.workers, worker)
			s.wg.Add(1)
			go func(worker *Worker) {
				defer s.wg.Done()
				worker.run(s.ctx)
			}(worker)
			id++
		}
	}
	s.logger.Info("scheduler started", zap.Int("nodes", s.topology.NumNodes), zap.Int("workers_per_node", s.topology.WorkersPerNode))
}

// Finish stops every worker and waits for their loops to exit.
func (s *Scheduler) Finish() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	for _, w := range s.workers {
		w.stop()
	}
	s.wg.Wait()
}

// Active reports whether the scheduler has been started and not yet
// finished.
func (s *Scheduler) Active() bool { return s.started.Load() }

func (s *Scheduler) queues() []*TaskQueue { return s.nodeQueues }

// ActiveWorkerCount reports how many workers are currently running a
// task's payload, used by DetermineGroupCount's load-sensitive policy.
func (s *Scheduler) ActiveWorkerCount() int { return int(s.activeWorkers.Load()) }

func (s *Scheduler) determineQueueID(preferredNode int) int {
	if preferredNode >= 0 && preferredNode < len(s.nodeQueues) {
		return preferredNode
	}
	// No preference: pick the least-loaded queue rather than pure
	// round-robin, so a burst of unscheduled work doesn't pile onto one
	// node's queue while another sits idle.
	best := 0
	bestLen := s.nodeQueues[0].Len()
	for i := 1; i < len(s.nodeQueues); i++ {
		if l := s.nodeQueues[i].Len(); l < bestLen {
			best, bestLen = i, l
		}
	}
	return best
}

func (s *Scheduler) enqueue(t *Task) {
	id := s.determineQueueID(t.PreferredNode())
	s.metrics.recordScheduled(context.Background())
	s.nodeQueues[id].Push(t)
}

// Schedule submits a task. If it has unfinished predecessors it is only
// enqueued once its last predecessor completes; otherwise it is
// enqueued immediately.
func (s *Scheduler) Schedule(t *Task) error {
	if !s.Active() {
		return ErrPoolStopped
	}
	// Scheduling an already-submitted task is a no-op, not an error.
	if !t.state.CompareAndSwap(uint32(TaskCreated), uint32(TaskScheduled)) {
		return nil
	}
	if t.isReady() && t.tryMarkEnqueued() {
		t.setState(TaskReady)
		s.enqueue(t)
	}
	return nil
}

// ScheduleBatch submits a set of independent tasks, grouping them into
// linear chains via DetermineGroupCount/GroupTasks so a large batch
// doesn't flood every node queue at once: at most NumGroups chains for a
// large batch, at most one chain per worker for a small one. It returns
// every task in tasks; callers should Wait on the same slice.
func (s *Scheduler) ScheduleBatch(tasks []*Task) ([]*Task, error) {
	if !s.Active() {
		return nil, ErrPoolStopped
	}
	groupCount := DetermineGroupCount(len(tasks), s.ActiveWorkerCount(), s.topology.TotalWorkers())
	heads := GroupTasks(tasks, groupCount)
	for _, h := range heads {
		if err := s.Schedule(h); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// Wait blocks the calling goroutine (not expected to be a scheduler
// worker) until every task in tasks has finished or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, tasks []*Task) error {
	for _, t := range tasks {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// WaitFromWorker is the nested-spawn variant of Wait: it must only be
// called from inside a task payload running on worker w, and helps drain
// other ready work while waiting instead of blocking the worker.
func (s *Scheduler) WaitFromWorker(ctx context.Context, w *Worker, tasks []*Task) {
	w.WaitForTasks(ctx, tasks)
}

type contextKey int

const workerContextKey contextKey = iota

// FromContext recovers the Scheduler and Worker a task payload is
// running on, threaded through ctx instead of a package-level
// singleton. A task that spawns subtasks and wants to wait on them uses
// this to call WaitFromWorker instead of a plain blocking Wait, so the
// worker keeps helping other queues meanwhile.
func FromContext(ctx context.Context) (*Scheduler, *Worker, bool) {
	w, ok := ctx.Value(workerContextKey).(*Worker)
	if !ok {
		return nil, nil, false
	}
	return w.scheduler, w, true
}
