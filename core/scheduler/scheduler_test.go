package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"
)

func newTestScheduler(t *testing.T, topo Topology) *Scheduler {
	t.Helper()
	s, err := NewScheduler(topo, zaptest.NewLogger(t), noop.NewMeterProvider().Meter(""))
	require.NoError(t, err)
	s.Begin(context.Background())
	t.Cleanup(s.Finish)
	return s
}

// TestLinearChain: a chain of tasks where each one only becomes ready
// once its sole predecessor finishes must execute in order.
func TestLinearChain(t *testing.T) {
	s := newTestScheduler(t, Topology{NumNodes: 2, WorkersPerNode: 2})

	var order []int
	var mu sync.Mutex
	record := func(i int) TaskFunc {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}
	}

	const n = 10
	tasks := make([]*Task, n)
	for i := 0; i < n; i++ {
		tasks[i] = NewTask("chain", record(i), 0, AnyNode)
	}
	for i := 0; i < n-1; i++ {
		tasks[i].AddSuccessor(tasks[i+1])
	}

	require.NoError(t, s.Schedule(tasks[0]))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, tasks))

	require.Equal(t, n, len(order))
	for i := 0; i < n; i++ {
		require.Equal(t, i, order[i], "chain must execute in dependency order")
	}
}

// TestDiamondJoin: a fan-out into two parallel branches that join into
// a single downstream task, which must not run until both branches
// finish.
func TestDiamondJoin(t *testing.T) {
	s := newTestScheduler(t, Topology{NumNodes: 2, WorkersPerNode: 2})

	var aDone, bDone atomic.Bool
	var joinSawBoth atomic.Bool

	root := NewTask("root", func(context.Context) error { return nil }, 0, AnyNode)
	branchA := NewTask("a", func(context.Context) error {
		time.Sleep(5 * time.Millisecond)
		aDone.Store(true)
		return nil
	}, 0, AnyNode)
	branchB := NewTask("b", func(context.Context) error {
		bDone.Store(true)
		return nil
	}, 0, AnyNode)
	join := NewTask("join", func(context.Context) error {
		joinSawBoth.Store(aDone.Load() && bDone.Load())
		return nil
	}, 0, AnyNode)

	root.AddSuccessor(branchA)
	root.AddSuccessor(branchB)
	branchA.AddSuccessor(join)
	branchB.AddSuccessor(join)

	require.NoError(t, s.Schedule(root))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, []*Task{root, branchA, branchB, join}))
	require.True(t, joinSawBoth.Load())
}

// TestNestedSpawnWaitsWithoutBlockingWorker: ten outer tasks each spawn
// three inner counter increments and wait for them via WaitFromWorker,
// which must keep draining other ready work instead of deadlocking
// against its own worker. Runs with a single worker, the hardest case
// for cooperative progress.
func TestNestedSpawnWaitsWithoutBlockingWorker(t *testing.T) {
	s := newTestScheduler(t, Topology{NumNodes: 1, WorkersPerNode: 1})

	var counter atomic.Int32
	const outers, inners = 10, 3

	outer := make([]*Task, outers)
	for i := range outer {
		outer[i] = NewTask("outer", func(ctx context.Context) error {
			_, w, ok := FromContext(ctx)
			require.True(t, ok)

			children := make([]*Task, inners)
			for j := range children {
				children[j] = NewTask("inner", func(context.Context) error {
					counter.Add(1)
					return nil
				}, PriorityDefault, AnyNode)
				require.NoError(t, s.Schedule(children[j]))
			}
			s.WaitFromWorker(ctx, w, children)
			return nil
		}, PriorityDefault, AnyNode)
		require.NoError(t, s.Schedule(outer[i]))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, outer))
	require.Equal(t, int32(outers*inners), counter.Load())
}

func TestScheduleBatchCapsConcurrencyIntoGroups(t *testing.T) {
	s := newTestScheduler(t, Topology{NumNodes: 1, WorkersPerNode: 4})

	const n = 50
	var ran, inFlight, peak atomic.Int32
	tasks := make([]*Task, n)
	for i := 0; i < n; i++ {
		tasks[i] = NewTask("batch", func(context.Context) error {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			ran.Add(1)
			inFlight.Add(-1)
			return nil
		}, 0, AnyNode)
	}
	groups := DetermineGroupCount(n, 0, 4)

	all, err := s.ScheduleBatch(tasks)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, all))
	require.Equal(t, int32(n), ran.Load())
	require.LessOrEqual(t, int(peak.Load()), groups, "no more tasks run at once than there are chains")
}
