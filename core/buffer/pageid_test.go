package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageIDPackUnpack(t *testing.T) {
	id := NewPageID(SizeClass64KiB, 42)
	require.True(t, id.Valid())
	require.Equal(t, SizeClass64KiB, id.SizeClass())
	require.Equal(t, uint64(42), id.Index())
}

func TestInvalidPageIDIsZero(t *testing.T) {
	require.False(t, InvalidPageID.Valid())
	require.Equal(t, PageID(0), InvalidPageID)
}

func TestPageIDTotalOrder(t *testing.T) {
	a := NewPageID(SizeClass4KiB, 1)
	b := NewPageID(SizeClass4KiB, 2)
	require.True(t, a < b)
	require.True(t, a == a)
}

func TestFindFittingSizeClass(t *testing.T) {
	sc, err := FindFittingSizeClass(100)
	require.NoError(t, err)
	require.Equal(t, SizeClass4KiB, sc)

	sc, err = FindFittingSizeClass(5000)
	require.NoError(t, err)
	require.Equal(t, SizeClass8KiB, sc)

	_, err = FindFittingSizeClass(SizeClass2MiB.Bytes() + 1)
	require.ErrorIs(t, err, ErrValueTooLarge)
}
