package scheduler

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// ImmediateScheduler is the synchronous TaskScheduler: Schedule runs the
// task, and every successor that becomes ready as a result, right on the
// caller's goroutine before returning. No queues, no workers. Used by
// tests and single-shot tools where spinning up a worker fleet would
// only add noise.
type ImmediateScheduler struct {
	logger *zap.Logger

	ctx    context.Context
	active atomic.Bool
}

func NewImmediateScheduler(logger *zap.Logger) *ImmediateScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImmediateScheduler{
		logger: logger.Named("immediate_scheduler"),
		ctx:    context.Background(),
	}
}

func (s *ImmediateScheduler) Begin(ctx context.Context) {
	if ctx != nil {
		s.ctx = ctx
	}
	s.active.Store(true)
}

func (s *ImmediateScheduler) Finish() {
	s.active.Store(false)
}

func (s *ImmediateScheduler) Active() bool { return s.active.Load() }

// Schedule runs t synchronously if it is ready, draining the chain of
// successors its completion unblocks depth-first. A task with unfinished
// predecessors is only marked SCHEDULED; it runs later, inside the
// Schedule call that completes its last predecessor.
func (s *ImmediateScheduler) Schedule(t *Task) error {
	if !s.Active() {
		return ErrPoolStopped
	}
	if !t.state.CompareAndSwap(uint32(TaskCreated), uint32(TaskScheduled)) {
		return nil
	}
	if t.isReady() && t.tryMarkEnqueued() {
		s.runInline(t)
	}
	return nil
}

func (s *ImmediateScheduler) runInline(t *Task) {
	stack := []*Task{t}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cur.setState(TaskReady)
		stack = append(stack, cur.run(s.ctx)...)
	}
}

// ScheduleBatch submits each task in order. Grouping would be pointless
// here: execution is serial by construction, so the batch can never
// swamp anything.
func (s *ImmediateScheduler) ScheduleBatch(tasks []*Task) ([]*Task, error) {
	for _, t := range tasks {
		if err := s.Schedule(t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// Wait returns once every task has finished. With this scheduler that is
// usually immediately, since Schedule already ran everything reachable;
// the select still guards against waiting on a task whose predecessors
// were never scheduled.
func (s *ImmediateScheduler) Wait(ctx context.Context, tasks []*Task) error {
	for _, t := range tasks {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
