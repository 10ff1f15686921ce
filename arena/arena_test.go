package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cursor struct {
	Seq     uint64
	Enqueue uint64
}

func TestArena_AllocGet(t *testing.T) {
	a := New[cursor]()
	i := a.Alloc()
	j := a.Alloc()
	assert.Equal(t, uint32(0), i)
	assert.Equal(t, uint32(1), j)

	c, err := a.Get(j)
	require.NoError(t, err)
	c.Seq = 9

	c, err = a.Get(j)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), c.Seq)
	assert.Equal(t, 2, a.Len())
}

func TestArena_ReleaseIsDeferredUntilReclaim(t *testing.T) {
	a := New[cursor]()
	i := a.Alloc()
	a.Alloc()

	require.NoError(t, a.Release(i))
	assert.Equal(t, 1, a.Pending())

	_, err := a.Get(i)
	assert.ErrorIs(t, err, ErrInvalidSlot)
	assert.ErrorIs(t, a.Release(i), ErrInvalidSlot)

	// not reusable before reclaim
	k := a.Alloc()
	assert.Equal(t, uint32(2), k)

	assert.Equal(t, 1, a.Reclaim())
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, i, a.Alloc())
}

func TestArena_ChurnStaysBounded(t *testing.T) {
	a := New[cursor]()
	keep := a.Alloc()

	for round := 0; round < 500; round++ {
		idx := a.Alloc()
		c, err := a.Get(idx)
		require.NoError(t, err)
		assert.Zero(t, c.Seq, "reused slot must be zeroed")
		c.Seq = uint64(round)
		require.NoError(t, a.Release(idx))
		a.Reclaim()
	}

	assert.LessOrEqual(t, a.Cap(), 2)
	assert.Equal(t, 1, a.Len())
	_, err := a.Get(keep)
	assert.NoError(t, err)
}

func TestArena_ReclaimTrimsTail(t *testing.T) {
	a := New[cursor]()
	for i := 0; i < 10; i++ {
		a.Alloc()
	}
	for i := uint32(3); i < 10; i++ {
		require.NoError(t, a.Release(i))
	}
	assert.Equal(t, 7, a.Reclaim())
	assert.Equal(t, 3, a.Cap())
	assert.Equal(t, uint32(3), a.Alloc())
}

func TestArena_RestoreRebuild(t *testing.T) {
	a := New[cursor]()
	a.Restore(4, cursor{Seq: 40})
	a.Restore(1, cursor{Seq: 10})
	a.Rebuild()

	assert.Equal(t, 5, a.Cap())
	assert.Equal(t, 2, a.Len())

	c, err := a.Get(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), c.Seq)

	// lowest free index first
	assert.Equal(t, uint32(0), a.Alloc())
	assert.Equal(t, uint32(2), a.Alloc())
	assert.Equal(t, uint32(3), a.Alloc())
	assert.Equal(t, uint32(5), a.Alloc())
}
