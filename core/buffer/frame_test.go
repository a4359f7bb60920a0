package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameTransitionLifecycle(t *testing.T) {
	f := newFrame(NewPageID(SizeClass4KiB, 1))
	require.Equal(t, StateEvicted, f.State())

	require.True(t, f.tryTransition(StateEvicted, StateLoading))
	require.False(t, f.tryTransition(StateEvicted, StateLoading), "cannot re-enter LOADING from LOADING")

	data := make([]byte, SizeClass4KiB.Bytes())
	require.True(t, f.setResident(StateLoading, data, 0, TierDRAM))
	require.Equal(t, StateResident, f.State())
	require.Equal(t, TierDRAM, f.Tier())
}

func TestFrameVersionedTransitionRejectsStaleVersion(t *testing.T) {
	f := newFrame(NewPageID(SizeClass4KiB, 1))
	f.setResident(StateEvicted, make([]byte, SizeClass4KiB.Bytes()), 0, TierDRAM)
	v := f.Version()

	require.False(t, f.tryTransitionVersioned(StateResident, StateMarkedForEviction, v+1))
	require.True(t, f.tryTransitionVersioned(StateResident, StateMarkedForEviction, v))
}

func TestFramePinUnpin(t *testing.T) {
	f := newFrame(NewPageID(SizeClass4KiB, 1))
	require.Equal(t, int32(1), f.Pin())
	require.Equal(t, int32(2), f.Pin())
	require.False(t, f.Unpin())
	require.True(t, f.Unpin())
}
