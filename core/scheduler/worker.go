package scheduler

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// maxStealAttemptsBeforeSleep bounds how many rounds of spinLimit attempts
// (each a local pop plus one rotation through peer queues) a worker makes
// before giving up and blocking on its own queue's wakeup signal.
const maxStealAttemptsBeforeSleep = 10

// Worker is a goroutine bound to one NUMA node's queue that pulls
// local work first, then spins briefly, then steals from peer queues
// before finally blocking.
type Worker struct {
	id        int
	nodeID    int
	queue     *TaskQueue
	scheduler *Scheduler
	logger    *zap.Logger
	metrics   *Metrics

	nextTask *Task
	rng      *rand.Rand

	stopCh chan struct{}
}

func newWorker(id, nodeID int, queue *TaskQueue, s *Scheduler) *Worker {
	return &Worker{
		id:        id,
		nodeID:    nodeID,
		queue:     queue,
		scheduler: s,
		logger:    s.logger.Named("worker").With(zap.Int("worker_id", id), zap.Int("node_id", nodeID)),
		metrics:   s.metrics,
		rng:       rand.New(rand.NewSource(int64(id)*2654435761 + 1)),
		stopCh:    make(chan struct{}),
	}
}

// run is the worker's main loop. It exits when ctx is canceled or Stop
// is called.
func (w *Worker) run(ctx context.Context) {
	unpin := pinToNode(w.nodeID)
	defer unpin()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		task := w.nextTask
		w.nextTask = nil

		if task == nil {
			task, _ = w.queue.TryPop()
		}
		if task == nil {
			task = w.spinAndSteal(ctx)
		}
		if task == nil {
			var ok bool
			task, ok = w.queue.WaitForTask(ctx)
			if !ok {
				continue
			}
		}
		w.execute(ctx, task)
	}
}

// spinAndSteal busy-waits with a growing backoff for
// maxStealAttemptsBeforeSleep rounds of spinLimit attempts each, checking
// its own queue and every peer queue on each attempt, before giving up
// and letting run() fall back to a blocking wait.
func (w *Worker) spinAndSteal(ctx context.Context) *Task {
	var bo backoff
	for round := 0; round < maxStealAttemptsBeforeSleep; round++ {
		for i := 0; i < spinLimit; i++ {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if t, ok := w.queue.TryPop(); ok {
				return t
			}
			if t := w.stealFromPeers(); t != nil {
				return t
			}
			bo.spin()
		}
	}
	return nil
}

// stealFromPeers tries every other node's queue once, starting at a
// random offset so workers contending for the same empty queues don't
// all hammer the same peer first.
func (w *Worker) stealFromPeers() *Task {
	queues := w.scheduler.queues()
	n := len(queues)
	if n <= 1 {
		return nil
	}
	start := w.rng.Intn(n)
	for i := 0; i < n; i++ {
		q := queues[(start+i)%n]
		if q == w.queue {
			continue
		}
		if t, ok := q.TrySteal(); ok {
			w.metrics.recordSteal(context.Background())
			return t
		}
	}
	return nil
}

// execute runs task's payload and hands the first successor that became
// ready straight to this worker's nextTask slot instead of
// round-tripping it through a queue; any further newly-ready successors
// are pushed onto the scheduler.
func (w *Worker) execute(ctx context.Context, task *Task) {
	w.scheduler.activeWorkers.Add(1)
	defer w.scheduler.activeWorkers.Add(-1)

	ctx = context.WithValue(ctx, workerContextKey, w)
	start := time.Now()
	ready := task.run(ctx)
	w.metrics.recordTaskDone(ctx, time.Since(start).Seconds(), task.Err() != nil)

	if len(ready) == 0 {
		return
	}
	// The nextTask slot may already hold a task handed over by a nested
	// execute (a payload that waited on subtasks); never clobber it, a
	// task parked there has already been marked enqueued and would be
	// lost for good.
	if w.nextTask == nil {
		w.nextTask = ready[0]
		ready = ready[1:]
	}
	for _, s := range ready {
		w.scheduler.enqueue(s)
	}
}

// WaitForTasks cooperatively blocks until every task in tasks has
// finished, running ready work from this worker's own queue or stealing
// from peers in the meantime rather than sitting idle, so a payload
// that spawns subtasks and waits on them cannot deadlock its own
// worker.
func (w *Worker) WaitForTasks(ctx context.Context, tasks []*Task) {
	for _, t := range tasks {
		w.helpUntilDone(ctx, t)
	}
}

func (w *Worker) helpUntilDone(ctx context.Context, t *Task) {
	for {
		select {
		case <-t.Done():
			return
		case <-ctx.Done():
			return
		default:
		}
		// Drain the hand-off slot first: the waited-on task (or one of
		// its predecessors) may have been parked there by a previous
		// execute on this worker, and nothing else will ever run it.
		if nt := w.nextTask; nt != nil {
			w.nextTask = nil
			w.execute(ctx, nt)
			continue
		}
		if task, ok := w.queue.TryPop(); ok {
			w.execute(ctx, task)
			continue
		}
		if task := w.stealFromPeers(); task != nil {
			w.execute(ctx, task)
			continue
		}
		select {
		case <-t.Done():
			return
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Microsecond):
		}
	}
}

func (w *Worker) stop() {
	close(w.stopCh)
}
