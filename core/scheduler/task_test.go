package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskRunNotifiesSuccessorWhenLastPredecessorFinishes(t *testing.T) {
	var ranA, ranB bool
	a := NewTask("a", func(context.Context) error { ranA = true; return nil }, 0, AnyNode)
	b := NewTask("b", func(context.Context) error { ranB = true; return nil }, 0, AnyNode)
	a.AddSuccessor(b)

	require.False(t, b.isReady())
	ready := a.run(context.Background())
	require.True(t, ranA)
	require.False(t, ranB)
	require.Len(t, ready, 1)
	require.Equal(t, b, ready[0])
	require.True(t, b.isReady())
}

func TestTaskOnlyLastPredecessorUnblocksDiamondJoin(t *testing.T) {
	a := NewTask("a", func(context.Context) error { return nil }, 0, AnyNode)
	b := NewTask("b", func(context.Context) error { return nil }, 0, AnyNode)
	join := NewTask("join", func(context.Context) error { return nil }, 0, AnyNode)
	a.AddSuccessor(join)
	b.AddSuccessor(join)

	readyFromA := a.run(context.Background())
	require.Empty(t, readyFromA, "join still waits on b")

	readyFromB := b.run(context.Background())
	require.Len(t, readyFromB, 1)
	require.Equal(t, join, readyFromB[0])
}

func TestTaskSuccessorEnqueuedOnlyOnce(t *testing.T) {
	a := NewTask("a", func(context.Context) error { return nil }, 0, AnyNode)
	b := NewTask("b", func(context.Context) error { return nil }, 0, AnyNode)
	a.AddSuccessor(b)
	require.True(t, b.tryMarkEnqueued())
	require.False(t, b.tryMarkEnqueued())
}
