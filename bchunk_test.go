package hbitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBChunk_SetClearSingleBit(t *testing.T) {
	c := NewBChunk(Width64, 8)
	assert.True(t, c.Set(100))
	assert.False(t, c.Set(100))

	var maybeAllClear bool
	wasSet := c.Clear(100, &maybeAllClear)
	assert.True(t, wasSet)
	assert.True(t, maybeAllClear)
}

func TestBChunk_SetNClearNWithinOneField(t *testing.T) {
	c := NewBChunk(Width64, 4)
	var alreadySet uint64
	full := c.SetN(10, 5, &alreadySet)
	assert.True(t, full)
	assert.Equal(t, uint64(0), alreadySet)
	assert.True(t, c.IsXSetN(true, 10, 5))
	assert.False(t, c.IsXSetN(true, 9, 5))

	var alreadyClear uint64
	full = c.ClearN(10, 5, &alreadyClear)
	assert.True(t, full)
	assert.Equal(t, uint64(0), alreadyClear)
	assert.True(t, c.AllAreClear())
}

func TestBChunk_SetNClearNAcrossFields(t *testing.T) {
	c := NewBChunk(Width64, 4)
	full := c.SetN(60, 10, nil)
	assert.True(t, full)
	assert.True(t, c.IsXSetN(true, 60, 10))

	full = c.ClearN(60, 10, nil)
	assert.True(t, full)
	assert.True(t, c.AllAreClear())
}

func TestBChunk_TryXSetN_SucceedsWhenAllFieldsAgree(t *testing.T) {
	c := NewBChunk(Width64, 4)
	var maybeAllClear bool
	ok := c.TryXSetN(true, 60, 70, &maybeAllClear)
	require.True(t, ok)
	assert.True(t, c.IsXSetN(true, 60, 70))
}

func TestBChunk_TryXSetN_RollsBackOnMidTransactionFailure(t *testing.T) {
	c := NewBChunk(Width64, 4)
	// pre-set one bit inside the third field (indices 128..191) so the
	// transaction's TrySetMask on that field fails partway through a
	// three-field span, and the first two fields must roll back.
	c.Set(150)

	ok := c.TryXSetN(true, 60, 130, nil)
	assert.False(t, ok)
	// every bit outside the one we pre-set must be back to clear
	assert.True(t, c.IsXSetN(false, 60, 90)) // field 0 tail, field 1, field 2 below bit 150
	assert.True(t, c.Fields[2].LoadRelaxed() == uint64(1)<<(150-128))
}

func TestBChunk_TryClearN_RollsBackOnFailure(t *testing.T) {
	c := NewBChunk(Width64, 4)
	c.SetN(0, 192, nil) // fill fields 0..2
	c.Clear(150, nil)   // poke a hole so the clear transaction must fail there

	ok := c.TryClearN(0, 192, nil)
	assert.False(t, ok)
	// rollback must have re-set everything this call had cleared
	assert.True(t, c.IsXSetN(true, 0, 150))
	assert.False(t, c.IsXSetN(true, 150, 1))
	assert.True(t, c.IsXSetN(true, 151, 41))
}

func TestBChunk_TryFindAndClear_PrefersPartiallyFreeFields(t *testing.T) {
	c := NewBChunk(Width64, 4)
	c.Fields[0].SetX(c.allOnes())
	c.Set(70)

	idx, ok := c.TryFindAndClear()
	require.True(t, ok)
	assert.Equal(t, uint64(70), idx)
}

func TestBChunk_TryFindAndClear_FallsBackToAllSetField(t *testing.T) {
	c := NewBChunk(Width64, 4)
	c.Fields[0].SetX(c.allOnes())

	idx, ok := c.TryFindAndClear()
	require.True(t, ok)
	assert.Equal(t, uint64(0), idx)
}

func TestBChunk_TryFindAndClear8(t *testing.T) {
	c := NewBChunk(Width64, 4)
	c.Set8(2)
	idx, ok := c.TryFindAndClear8()
	require.True(t, ok)
	assert.Equal(t, uint64(16), idx)
	assert.True(t, c.AllAreClear())
}

func TestBChunk_TryFindAndClearX(t *testing.T) {
	c := NewBChunk(Width64, 4)
	c.SetX(2)
	idx, ok := c.TryFindAndClearX()
	require.True(t, ok)
	assert.Equal(t, uint64(128), idx)
	assert.True(t, c.AllAreClear())
}

func TestBChunk_TryFindAndClearNX_WithinOneField(t *testing.T) {
	c := NewBChunk(Width64, 4)
	c.SetN(5, 4, nil)
	idx, ok := c.TryFindAndClearNX(4)
	require.True(t, ok)
	assert.Equal(t, uint64(5), idx)
	assert.True(t, c.AllAreClear())
}

func TestBChunk_TryFindAndClearNX_NoRunFound(t *testing.T) {
	c := NewBChunk(Width64, 4)
	c.Set(5)
	c.Set(7)
	_, ok := c.TryFindAndClearNX(4)
	assert.False(t, ok)
}

func TestBChunk_TryFindAndClearN_CrossesFields(t *testing.T) {
	c := NewBChunk(Width64, 4)
	c.SetN(60, 70, nil)
	idx, ok := c.TryFindAndClearN_(70)
	require.True(t, ok)
	assert.Equal(t, uint64(60), idx)
	assert.True(t, c.AllAreClear())
}

func TestBChunk_AllAreClear(t *testing.T) {
	c := NewBChunk(Width64, 4)
	assert.True(t, c.AllAreClear())
	assert.True(t, c.AllAreClearRelaxed())
	c.Set(200)
	assert.False(t, c.AllAreClear())
	assert.False(t, c.AllAreClearRelaxed())
}

func TestBChunk_Bsr(t *testing.T) {
	c := NewBChunk(Width64, 4)
	_, found := c.Bsr()
	assert.False(t, found)

	c.Set(10)
	c.Set(200)
	idx, found := c.Bsr()
	assert.True(t, found)
	assert.Equal(t, uint64(200), idx)
}

func TestBmaskForWidth(t *testing.T) {
	assert.Equal(t, Width32.allOnes(), bmaskForWidth(Width32, 32, 0))
	assert.Equal(t, uint64(0b1110), bmaskForWidth(Width64, 3, 1))
}
