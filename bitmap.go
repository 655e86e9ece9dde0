package hbitmap

import (
	"sync/atomic"

	"github.com/tef-lang/hbitmap/internal/massert"
)

// Bitmap is a header plus C bchunks and one bchunk acting as a chunkmap:
// bit i of the chunkmap is 1 iff chunk i "may" have a set bit (a
// conservative over-approximation per spec I2 -- it is never 0 while the
// chunk has a set bit, but may stay 1 briefly after a chunk drains).
type Bitmap struct {
	width          Width
	fieldsPerChunk int
	chunkBits      uint64

	chunkCount       atomic.Uint64
	chunkMaxAccessed atomic.Uint64

	chunkmap *BChunk
	chunks   []*BChunk
}

// BitmapSize computes the layout of a bitmap with the given shape without
// allocating one: the chunk width in bits, the chunk count the requested
// bit count rounds up to, and the total bit count after rounding. Mirrors
// the original's split between sizing and initialization (mi_bitmap_size
// vs mi_bitmap_init) -- useful for a caller that wants to size an arena
// before committing memory for it.
func BitmapSize(width Width, fieldsPerChunk int, bitCount uint64) (chunkBits, chunkCount, totalBits uint64) {
	massert.Require(width.valid(), "invalid bfield width %d", width)
	massert.Require(validChunkWidth(width, fieldsPerChunk), "invalid chunk shape width=%d fields=%d", width, fieldsPerChunk)
	chunkBits = uint64(width) * uint64(fieldsPerChunk)
	chunkCount = (bitCount + chunkBits - 1) / chunkBits
	if chunkCount == 0 {
		chunkCount = 1
	}
	massert.Require(chunkCount <= MaxChunkCount, "chunk_count %d exceeds MaxChunkCount %d", chunkCount, MaxChunkCount)
	totalBits = chunkCount * chunkBits
	massert.Require(totalBits <= MaxBitCount, "bit_count %d exceeds MaxBitCount %d", totalBits, MaxBitCount)
	return chunkBits, chunkCount, totalBits
}

// NewBitmap allocates and initializes a bitmap of at least bitCount bits
// (rounded up to a multiple of the chunk width), all bits clear.
func NewBitmap(width Width, fieldsPerChunk int, bitCount uint64) *Bitmap {
	_, chunkCount, _ := BitmapSize(width, fieldsPerChunk, bitCount)
	b := &Bitmap{
		width:          width,
		fieldsPerChunk: fieldsPerChunk,
		chunkBits:      uint64(width) * uint64(fieldsPerChunk),
		chunkmap:       NewBChunk(width, fieldsPerChunk),
		chunks:         make([]*BChunk, chunkCount),
	}
	for i := range b.chunks {
		b.chunks[i] = NewBChunk(width, fieldsPerChunk)
	}
	b.chunkCount.Store(chunkCount)
	massert.Require(chunkCount <= b.chunkmap.Bits(), "chunk_count %d does not fit in one chunkmap bchunk (%d bits)", chunkCount, b.chunkmap.Bits())
	return b
}

// ChunkCount returns the number of chunks, fixed at construction.
func (bm *Bitmap) ChunkCount() uint64 { return bm.chunkCount.Load() }

// ChunkBits returns the chunk width B in bits.
func (bm *Bitmap) ChunkBits() uint64 { return bm.chunkBits }

// MaxBits returns chunk_count * B, the total addressable bit count.
func (bm *Bitmap) MaxBits() uint64 { return bm.ChunkCount() * bm.chunkBits }

func (bm *Bitmap) chunkAndOffset(idx uint64) (chunkIdx int, cidx uint64) {
	massert.Index("bitmap bit", idx, bm.MaxBits())
	return int(idx / bm.chunkBits), idx % bm.chunkBits
}

// ---- chunkmap discipline (spec I2 / §4.3) ----

func (bm *Bitmap) chunkmapSetMax(chunkIdx uint64) {
	old := bm.chunkMaxAccessed.Load()
	if chunkIdx > old {
		bm.chunkMaxAccessed.CompareAndSwap(old, chunkIdx)
	}
}

// chunkmapSet marks chunk chunkIdx as possibly-nonempty. Must be called
// strictly after the chunk mutation that may have set a bit, so a
// concurrent chunkmapTryClear cannot observe "chunk empty, chunkmap bit
// already 0" while our setting write is still in flight.
func (bm *Bitmap) chunkmapSet(chunkIdx uint64) {
	bm.chunkmap.Set(chunkIdx)
	bm.chunkmapSetMax(chunkIdx)
}

// chunkmapTryClear attempts to clear the chunkmap bit for chunkIdx. It
// re-reads the chunk after clearing to catch a concurrent setter that
// raced between our "all clear" check and our chunkmap write -- without
// this double-check, that setter's chunkmapSet could be silently
// overwritten by our clear (spec §4.3).
func (bm *Bitmap) chunkmapTryClear(chunkIdx uint64) bool {
	chunk := bm.chunks[chunkIdx]
	if !chunk.AllAreClearRelaxed() {
		return false
	}
	bm.chunkmap.Clear(chunkIdx, nil)
	if !chunk.AllAreClearRelaxed() {
		bm.chunkmap.Set(chunkIdx)
		return false
	}
	bm.chunkmapSetMax(chunkIdx)
	return true
}

// ---- bulk init ----

// UnsafeSetN sets up to n bits starting at idx, which may span multiple
// chunks. Single-thread only: no other goroutine may touch the bitmap
// concurrently while this runs. Full intermediate chunks are set field by
// field (the Go analogue of the original's memset over whole chunks);
// chunkmap bits are force-set, a whole chunkmap field at a time when a
// run of chunks is aligned and wide enough. Resets the chunk_max_accessed
// search-origin hint to 0, since the bulk set touches chunks beyond what
// incremental finds had accessed.
func (bm *Bitmap) UnsafeSetN(idx, n uint64) {
	massert.Require(n > 0, "unsafe_setN: n must be > 0")
	massert.Require(idx+n <= bm.MaxBits(), "unsafe_setN: [%d,%d) exceeds bitmap size %d", idx, idx+n, bm.MaxBits())

	chunkIdx := idx / bm.chunkBits
	cidx := idx % bm.chunkBits
	m := bm.chunkBits - cidx
	if m > n {
		m = n
	}
	bm.chunks[chunkIdx].SetN(cidx, m, nil)
	bm.chunkmapSet(chunkIdx)

	chunkIdx++
	n -= m
	midChunks := n / bm.chunkBits
	if midChunks > 0 {
		endChunk := chunkIdx + midChunks
		for chunkIdx < endChunk {
			w := uint64(bm.width)
			if chunkIdx%w == 0 && chunkIdx+w <= endChunk {
				// a whole chunkmap field's worth of chunks is set at once
				fieldIdx := int(chunkIdx / w)
				bm.chunkmap.Fields[fieldIdx].SetX(bm.chunkmap.allOnes())
				for j := chunkIdx; j < chunkIdx+w; j++ {
					bm.chunks[j].setAll()
				}
				bm.chunkmapSetMax(chunkIdx + w - 1)
				chunkIdx += w
			} else {
				bm.chunks[chunkIdx].setAll()
				bm.chunkmapSet(chunkIdx)
				chunkIdx++
			}
		}
		n -= midChunks * bm.chunkBits
	}

	if n > 0 {
		bm.chunks[chunkIdx].SetN(0, n, nil)
		bm.chunkmapSet(chunkIdx)
	}

	bm.chunkMaxAccessed.Store(0)
}

// setAll sets every bit of the chunk (used by UnsafeSetN for whole
// interior chunks).
func (c *BChunk) setAll() {
	for i := range c.Fields {
		c.Fields[i].SetX(c.allOnes())
	}
}

// ---- xset / xsetN ----

// Xset sets (set=true) or clears (set=false) bit idx. Returns true iff it
// transitioned.
func (bm *Bitmap) Xset(set bool, idx uint64) bool {
	chunkIdx, cidx := bm.chunkAndOffset(idx)
	chunk := bm.chunks[chunkIdx]
	if set {
		wasClear := chunk.Set(cidx)
		bm.chunkmapSet(uint64(chunkIdx)) // set afterwards: spec §4.3
		return wasClear
	}
	var maybeAllClear bool
	wasSet := chunk.Clear(cidx, &maybeAllClear)
	if maybeAllClear {
		bm.chunkmapTryClear(uint64(chunkIdx))
	}
	return wasSet
}

// Set is Xset(true, idx).
func (bm *Bitmap) Set(idx uint64) bool { return bm.Xset(true, idx) }

// Clear is Xset(false, idx).
func (bm *Bitmap) Clear(idx uint64) bool { return bm.Xset(false, idx) }

func (bm *Bitmap) xset8(set bool, idx uint64) bool {
	massert.Require(idx%8 == 0, "xset8: idx %d must be 8-aligned", idx)
	chunkIdx, cidx := bm.chunkAndOffset(idx)
	chunk := bm.chunks[chunkIdx]
	byteIdx := cidx / 8
	if set {
		wasClear := chunk.Set8(byteIdx)
		bm.chunkmapSet(uint64(chunkIdx))
		return wasClear
	}
	var maybeAllClear bool
	wasSet := chunk.Clear8(byteIdx, &maybeAllClear)
	if maybeAllClear {
		bm.chunkmapTryClear(uint64(chunkIdx))
	}
	return wasSet
}

func (bm *Bitmap) xsetX(set bool, idx uint64) bool {
	w := uint64(bm.width)
	massert.Require(idx%w == 0, "xsetX: idx %d must be %d-aligned", idx, w)
	chunkIdx, cidx := bm.chunkAndOffset(idx)
	chunk := bm.chunks[chunkIdx]
	fieldIdx := int(cidx / w)
	if set {
		wasClear := chunk.SetX(fieldIdx)
		bm.chunkmapSet(uint64(chunkIdx))
		return wasClear
	}
	var maybeAllClear bool
	wasSet := chunk.ClearX(fieldIdx, &maybeAllClear)
	if maybeAllClear {
		bm.chunkmapTryClear(uint64(chunkIdx))
	}
	return wasSet
}

// xsetNInChunk handles n bits that do not cross a chunk boundary.
func (bm *Bitmap) xsetNInChunk(set bool, idx, n uint64, alreadyXSet *uint64) bool {
	massert.Require(n > 0 && n <= bm.chunkBits, "xsetN: n=%d out of range", n)
	chunkIdx, cidx := bm.chunkAndOffset(idx)
	massert.Require(cidx+n <= bm.chunkBits, "xsetN: [%d,%d) crosses a chunk boundary", idx, idx+n)
	chunk := bm.chunks[chunkIdx]
	if set {
		allClear := chunk.SetN(cidx, n, alreadyXSet)
		bm.chunkmapSet(uint64(chunkIdx))
		return allClear
	}
	var alreadyClear uint64
	allSet := chunk.ClearN(cidx, n, &alreadyClear)
	if alreadyXSet != nil {
		*alreadyXSet = alreadyClear
	}
	if alreadyClear < n {
		bm.chunkmapTryClear(uint64(chunkIdx))
	}
	return allSet
}

// XSetN dispatches to Xset (n=1), xset8 (n=8, 8-aligned idx), xsetX
// (n=width, width-aligned idx), or the general in-chunk path. The caller
// must ensure [idx, idx+n) lies in a single chunk.
func (bm *Bitmap) XSetN(set bool, idx, n uint64, alreadyXSet *uint64) bool {
	massert.Require(n > 0 && n <= bm.chunkBits, "xsetN: n=%d out of range", n)
	switch {
	case n == 1:
		if alreadyXSet != nil {
			*alreadyXSet = 0
		}
		return bm.Xset(set, idx)
	case n == 8 && idx%8 == 0:
		if alreadyXSet != nil {
			*alreadyXSet = 0
		}
		return bm.xset8(set, idx)
	case n == uint64(bm.width) && idx%uint64(bm.width) == 0:
		if alreadyXSet != nil {
			*alreadyXSet = 0
		}
		return bm.xsetX(set, idx)
	default:
		return bm.xsetNInChunk(set, idx, n, alreadyXSet)
	}
}

// SetN is XSetN(true, ...).
func (bm *Bitmap) SetN(idx, n uint64, alreadySet *uint64) bool {
	return bm.XSetN(true, idx, n, alreadySet)
}

// ClearN is XSetN(false, ...).
func (bm *Bitmap) ClearN(idx, n uint64, alreadyClear *uint64) bool {
	return bm.XSetN(false, idx, n, alreadyClear)
}

// IsXSetN reports whether every bit in [idx, idx+n) is already in the
// target state. n must not cross a chunk boundary.
func (bm *Bitmap) IsXSetN(set bool, idx, n uint64) bool {
	massert.Require(n > 0 && n <= bm.chunkBits, "is_xsetN: n=%d out of range", n)
	chunkIdx, cidx := bm.chunkAndOffset(idx)
	massert.Require(cidx+n <= bm.chunkBits, "is_xsetN: [%d,%d) crosses a chunk boundary", idx, idx+n)
	return bm.chunks[chunkIdx].IsXSetN(set, cidx, n)
}

// ClearOnceSet delegates to the chunk/field-level rendezvous.
func (bm *Bitmap) ClearOnceSet(idx uint64, sink ContentionSink) {
	chunkIdx, cidx := bm.chunkAndOffset(idx)
	bm.chunks[chunkIdx].ClearOnceSet(cidx, sink)
}

// Bsr returns the highest set bit in the bitmap, scanning the chunkmap
// from high to low.
func (bm *Bitmap) Bsr() (uint64, bool) {
	cmapFields := int((bm.ChunkCount() + uint64(bm.width) - 1) / uint64(bm.width))
	for i := cmapFields - 1; i >= 0; i-- {
		cmap := bm.chunkmap.Fields[i].LoadRelaxed()
		for cmap != 0 {
			cmapIdx, _ := highestSetBit(cmap)
			cmap &^= uint64(1) << cmapIdx
			chunkIdx := uint64(i)*uint64(bm.width) + uint64(cmapIdx)
			if cidx, found := bm.chunks[chunkIdx].Bsr(); found {
				return chunkIdx*bm.chunkBits + cidx, true
			}
		}
	}
	return 0, false
}

// ForAllSet visits every currently-set bit in ascending chunk, field, and
// bit order. visit may request early termination by returning false; in
// that case ForAllSet also returns false.
func (bm *Bitmap) ForAllSet(visit func(idx uint64) bool) bool {
	cmapFields := int((bm.ChunkCount() + uint64(bm.width) - 1) / uint64(bm.width))
	for i := 0; i < cmapFields; i++ {
		cmapEntry := bm.chunkmap.Fields[i].LoadRelaxed()
		for cmapEntry != 0 {
			cmapIdx, _ := findLeastBit(cmapEntry)
			cmapEntry = clearLeastBit(cmapEntry)
			chunkIdx := uint64(i)*uint64(bm.width) + uint64(cmapIdx)
			chunk := bm.chunks[chunkIdx]
			for j := 0; j < chunk.FieldsPerChunk; j++ {
				baseIdx := chunkIdx*bm.chunkBits + uint64(j)*uint64(bm.width)
				b := chunk.Fields[j].LoadRelaxed()
				for b != 0 {
					bidx, _ := findLeastBit(b)
					b = clearLeastBit(b)
					if !visit(baseIdx + uint64(bidx)) {
						return false
					}
				}
			}
		}
	}
	return true
}
