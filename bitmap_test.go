package hbitmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestBitmapSize_RoundsUpToChunkWidth(t *testing.T) {
	chunkBits, chunkCount, totalBits := BitmapSize(Width64, 8, 1000)
	assert.Equal(t, uint64(512), chunkBits)
	assert.Equal(t, uint64(2), chunkCount)
	assert.Equal(t, uint64(1024), totalBits)
}

func TestNewBitmap_AllClear(t *testing.T) {
	bm := NewBitmap(Width64, 8, 2000)
	for i := uint64(0); i < bm.MaxBits(); i += 97 {
		assert.False(t, bm.IsXSetN(true, i, 1))
	}
}

func TestBitmap_SetClearSingleBit(t *testing.T) {
	bm := NewBitmap(Width64, 8, 1024)
	assert.True(t, bm.Set(500))
	assert.False(t, bm.Set(500))
	assert.True(t, bm.IsXSetN(true, 500, 1))

	assert.True(t, bm.Clear(500))
	assert.True(t, bm.IsXSetN(false, 500, 1))
}

func TestBitmap_ChunkmapTracksChunkState(t *testing.T) {
	bm := NewBitmap(Width64, 8, 1024) // two chunks of 512 bits
	bm.Set(10)                       // chunk 0
	assert.True(t, bm.chunkmap.IsXSetN(true, 0, 1))
	assert.False(t, bm.chunkmap.IsXSetN(true, 1, 1))

	bm.Clear(10)
	assert.True(t, bm.chunkmap.IsXSetN(false, 0, 1))
}

func TestBitmap_XSetN_DispatchesByAlignment(t *testing.T) {
	bm := NewBitmap(Width64, 8, 1024)

	var already uint64
	full := bm.XSetN(true, 64, 8, &already)
	assert.True(t, full)
	assert.Equal(t, uint64(0), already)
	assert.True(t, bm.IsXSetN(true, 64, 8))

	full = bm.XSetN(true, 128, 64, &already)
	assert.True(t, full)
	assert.True(t, bm.IsXSetN(true, 128, 64))

	full = bm.XSetN(true, 300, 20, &already)
	assert.True(t, full)
	assert.True(t, bm.IsXSetN(true, 300, 20))
}

func TestBitmap_UnsafeSetN_SpansMultipleChunks(t *testing.T) {
	bm := NewBitmap(Width64, 8, 2048) // four 512-bit chunks
	bm.UnsafeSetN(100, 1500)

	// IsXSetN cannot cross a chunk boundary, so check the [100,1600) span
	// and its complement one chunk at a time.
	for idx := uint64(0); idx < bm.MaxBits(); idx += 512 {
		end := idx + 512
		switch {
		case end <= 100:
			assert.True(t, bm.IsXSetN(false, idx, 512), "chunk at %d should be all clear", idx)
		case idx >= 1600:
			assert.True(t, bm.IsXSetN(false, idx, 512), "chunk at %d should be all clear", idx)
		case idx >= 100 && end <= 1600:
			assert.True(t, bm.IsXSetN(true, idx, 512), "chunk at %d should be all set", idx)
		default:
			// boundary-straddling chunk: check bit by bit
			for b := idx; b < end; b++ {
				want := b >= 100 && b < 1600
				assert.Equal(t, want, bm.IsXSetN(true, b, 1), "bit %d", b)
			}
		}
	}
	// every touched chunk's chunkmap bit must be set
	for c := uint64(0); c < bm.ChunkCount(); c++ {
		if c*bm.chunkBits < 1600 && (c+1)*bm.chunkBits > 100 {
			assert.True(t, bm.chunkmap.IsXSetN(true, c, 1))
		}
	}
}

func TestBitmap_TryFindAndClear(t *testing.T) {
	bm := NewBitmap(Width64, 8, 1024)
	bm.Set(777)
	idx, ok := bm.TryFindAndClear(TSeq(0))
	require.True(t, ok)
	assert.Equal(t, uint64(777), idx)
	assert.True(t, bm.IsXSetN(false, 777, 1))
}

func TestBitmap_TryFindAndClearN_FindsRun(t *testing.T) {
	bm := NewBitmap(Width64, 8, 1024)
	bm.SetN(200, 10, nil)
	idx, ok := bm.TryFindAndClearN(TSeq(1), 10)
	require.True(t, ok)
	assert.Equal(t, uint64(200), idx)
	assert.True(t, bm.IsXSetN(false, 200, 10))
}

func TestBitmap_TryFindAndClear_NoSetBitsFails(t *testing.T) {
	bm := NewBitmap(Width64, 8, 512)
	_, ok := bm.TryFindAndClear(TSeq(0))
	assert.False(t, ok)
}

func TestBitmap_Bsr(t *testing.T) {
	bm := NewBitmap(Width64, 8, 2048)
	_, found := bm.Bsr()
	assert.False(t, found)

	bm.Set(5)
	bm.Set(1999)
	idx, found := bm.Bsr()
	assert.True(t, found)
	assert.Equal(t, uint64(1999), idx)
}

func TestBitmap_ForAllSet(t *testing.T) {
	bm := NewBitmap(Width64, 8, 1024)
	want := []uint64{3, 500, 900}
	for _, idx := range want {
		bm.Set(idx)
	}
	var got []uint64
	bm.ForAllSet(func(idx uint64) bool {
		got = append(got, idx)
		return true
	})
	assert.Equal(t, want, got)
}

func TestBitmap_ForAllSet_EarlyExit(t *testing.T) {
	bm := NewBitmap(Width64, 8, 1024)
	bm.Set(1)
	bm.Set(2)
	var count int
	complete := bm.ForAllSet(func(idx uint64) bool {
		count++
		return false
	})
	assert.False(t, complete)
	assert.Equal(t, 1, count)
}

func TestBitmap_ClearOnceSet(t *testing.T) {
	bm := NewBitmap(Width64, 8, 512)
	done := make(chan struct{})
	go func() {
		bm.ClearOnceSet(42, nil)
		close(done)
	}()
	bm.Set(42)
	<-done
	assert.True(t, bm.IsXSetN(false, 42, 1))
}

// TestBitmap_ConcurrentFindAndClear_NeverDoubleClaims drives many
// goroutines racing TryFindAndClear over a shared bitmap and checks that
// every set bit is claimed by exactly one goroutine.
func TestBitmap_ConcurrentFindAndClear_NeverDoubleClaims(t *testing.T) {
	const n = 2000
	bm := NewBitmap(Width64, 8, n)
	bm.UnsafeSetN(0, n)

	var mu sync.Mutex
	claimed := map[uint64]int{}

	var g errgroup.Group
	for w := 0; w < 16; w++ {
		w := w
		g.Go(func() error {
			for {
				idx, ok := bm.TryFindAndClear(TSeq(w))
				if !ok {
					return nil
				}
				mu.Lock()
				claimed[idx]++
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, claimed, n)
	for idx, count := range claimed {
		assert.Equal(t, 1, count, "bit %d claimed %d times", idx, count)
	}
	assert.True(t, bm.AllAreClearForTest())
	// P2: once every chunk has drained, the chunkmap must have caught up
	// too -- TryFindAndClear's opportunistic chunkmapTryClear on a miss is
	// what's responsible for this, since nothing else clears the
	// chunkmap bit for a chunk that only ever loses bits through the
	// find-and-clear path.
	assert.True(t, bm.chunkmap.AllAreClear())
}

func (bm *Bitmap) AllAreClearForTest() bool {
	for _, c := range bm.chunks {
		if !c.AllAreClear() {
			return false
		}
	}
	return true
}

// TestBitmap_TryFindAndClear_ClearsChunkmapOnDrain exercises P2 directly
// on a single chunk reached only through the find-and-clear path (never
// through Bitmap.Clear/Xset, which already clears the chunkmap itself).
func TestBitmap_TryFindAndClear_ClearsChunkmapOnDrain(t *testing.T) {
	bm := NewBitmap(Width64, 8, 1024) // two 512-bit chunks
	bm.UnsafeSetN(10, 3)              // three bits in chunk 0, nothing in chunk 1

	assert.True(t, bm.chunkmap.IsXSetN(true, 0, 1))

	for i := 0; i < 3; i++ {
		_, ok := bm.TryFindAndClear(TSeq(0))
		require.True(t, ok)
	}
	// chunk 0 is now empty but nothing has re-examined its chunkmap bit
	// yet; one more TryFindAndClear call (a miss, since nothing is left
	// anywhere) must opportunistically clear it.
	_, ok := bm.TryFindAndClear(TSeq(0))
	assert.False(t, ok)
	assert.True(t, bm.chunkmap.IsXSetN(false, 0, 1))
}

// TestBitmap_Find_SpansMultipleChunkmapFields exercises the two-level
// cyclic walk on a bitmap large enough to need more than one chunkmap
// field (more than 64 chunks), with the only set bit living in a chunk
// addressed by the second chunkmap field. Setting that bit advances
// chunk_max_accessed to chunk 70, so the second field is the hint field
// (its inner cycle covers bits 0..6) and the empty first field is the one
// walked with entryCycle == width.
func TestBitmap_Find_SpansMultipleChunkmapFields(t *testing.T) {
	bm := NewBitmap(Width64, 8, 100*512) // 100 chunks -> 2 chunkmap fields
	require.Equal(t, uint64(100), bm.ChunkCount())

	const targetChunk = 70 // field index 70/64 == 1, the second field
	idx := targetChunk*bm.ChunkBits() + 5
	bm.Set(idx)

	got, ok := bm.TryFindAndClear(TSeq(0))
	require.True(t, ok)
	assert.Equal(t, idx, got)
	assert.True(t, bm.IsXSetN(false, idx, 1))
}
