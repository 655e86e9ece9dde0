package hbitmap

import "github.com/cespare/xxhash/v2"

// TSeq is a caller-supplied thread/goroutine sequence number used to
// disperse concurrent finders across chunkmap entries, so independent
// goroutines tend to land on different chunks first instead of all
// racing the same CAS (spec §4.3/§9's contention-spacing contract).
type TSeq uint64

// scramble spreads a small, densely-packed sequence number (goroutine
// index 0, 1, 2, ...) across the word so that nearby sequence numbers
// don't collide on the same "start" after the %cycle reduction in
// bfieldCycleIterate for small cycle values. Grounded on the same
// xxhash-for-dispersion idea used elsewhere in the pack for scrambling
// small integer keys before a modulo reduction.
func (t TSeq) scramble() uint64 {
	var buf [8]byte
	v := uint64(t)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return xxhash.Sum64(buf[:])
}

// visitOutcome is a chunk visitor's verdict during a chunkmap walk.
type visitOutcome int

const (
	// visitMiss means this chunk had no usable candidate (or a claim
	// rejected and asked to keep searching); the walk moves on to the
	// next candidate chunk in cyclic order.
	visitMiss visitOutcome = iota
	// visitDone means the visitor succeeded; the walk stops and reports
	// the given chunk-relative index translated to a bitmap-wide one.
	visitDone
	// visitAbort means the visitor wants the entire walk to stop
	// immediately and report overall failure (used by a claim callback's
	// revert-and-drop verdict).
	visitAbort
)

// find walks the chunkmap in a two-level cyclic, thread-dispersed order,
// and for every chunk whose chunkmap bit is set, invokes visit. The outer
// level disperses which chunkmap field is visited first (cycle =
// chunk_max_accessed's field index + 1, so the walk only spreads out over
// as much of the chunkmap as has actually been touched); the inner level
// disperses which bit of that field is visited first, using the full
// field width for every field except the one holding chunk_max_accessed
// itself, which only cycles over the bits up to and including the hint.
// This two-arm order is part of the contention-spacing contract and must
// be preserved exactly (spec.md §4.3/§9).
//
// A visitMiss continues the walk to the next candidate chunk and
// opportunistically calls chunkmapTryClear on the chunk just visited,
// since the chunkmap bit can be stale (briefly 1 after the chunk actually
// drained) per the chunkmap's conservative over-approximation (I2).
func (bm *Bitmap) find(tseq TSeq, visit func(chunkIdx uint64, chunk *BChunk) (uint64, visitOutcome)) (uint64, bool) {
	scrambled := tseq.scramble()

	cmapMaxCount := uint((bm.ChunkCount() + uint64(bm.width) - 1) / uint64(bm.width))
	chunkAcc := bm.chunkMaxAccessed.Load()
	cmapAcc := chunkAcc / uint64(bm.width)
	cmapAccBits := uint(1 + chunkAcc%uint64(bm.width))

	cmapMask := bmask(cmapMaxCount, 0)
	cmapCycle := uint(cmapAcc) + 1

	var resultIdx uint64
	var resultOK bool
	aborted := false

	bfieldCycleIterate(cmapMask, scrambled, cmapCycle, func(cmapIdx uint) bool {
		cmapEntry := bm.chunkmap.Fields[cmapIdx].LoadRelaxed()
		entryCycle := uint(bm.width)
		if uint64(cmapIdx) == cmapAcc {
			entryCycle = cmapAccBits
		}
		return bfieldCycleIterate(cmapEntry, scrambled, entryCycle, func(eidx uint) bool {
			chunkIdx := uint64(cmapIdx)*uint64(bm.width) + uint64(eidx)
			if chunkIdx >= bm.ChunkCount() {
				return false
			}
			chunk := bm.chunks[chunkIdx]
			cidx, outcome := visit(chunkIdx, chunk)
			switch outcome {
			case visitDone:
				resultIdx = chunkIdx*bm.chunkBits + cidx
				resultOK = true
				bm.chunkmapSetMax(chunkIdx)
				return true
			case visitAbort:
				aborted = true
				return true
			default:
				bm.chunkmapTryClear(chunkIdx)
				return false
			}
		})
	})
	if aborted {
		return 0, false
	}
	return resultIdx, resultOK
}

func missOrDone(cidx uint64, ok bool) (uint64, visitOutcome) {
	if ok {
		return cidx, visitDone
	}
	return 0, visitMiss
}

// TryFindAndClear finds and atomically clears one set bit anywhere in the
// bitmap, returning its bitmap-wide index.
func (bm *Bitmap) TryFindAndClear(tseq TSeq) (uint64, bool) {
	return bm.find(tseq, func(_ uint64, c *BChunk) (uint64, visitOutcome) { return missOrDone(c.TryFindAndClear()) })
}

// TryFindAndClear8 finds and atomically clears an 8-bit-aligned octet
// that is entirely set.
func (bm *Bitmap) TryFindAndClear8(tseq TSeq) (uint64, bool) {
	return bm.find(tseq, func(_ uint64, c *BChunk) (uint64, visitOutcome) { return missOrDone(c.TryFindAndClear8()) })
}

// TryFindAndClearX finds and atomically clears a width-aligned field that
// is entirely set.
func (bm *Bitmap) TryFindAndClearX(tseq TSeq) (uint64, bool) {
	return bm.find(tseq, func(_ uint64, c *BChunk) (uint64, visitOutcome) { return missOrDone(c.TryFindAndClearX()) })
}

// TryFindAndClearNX finds and atomically clears n (1 < n < width)
// consecutive set bits within a single field.
func (bm *Bitmap) TryFindAndClearNX(tseq TSeq, n uint64) (uint64, bool) {
	return bm.find(tseq, func(_ uint64, c *BChunk) (uint64, visitOutcome) { return missOrDone(c.TryFindAndClearNX(n)) })
}

// TryFindAndClearN_ finds and atomically clears a run of n set bits
// (n >= width) that may cross field boundaries within a single chunk.
func (bm *Bitmap) TryFindAndClearN_(tseq TSeq, n uint64) (uint64, bool) {
	return bm.find(tseq, func(_ uint64, c *BChunk) (uint64, visitOutcome) { return missOrDone(c.TryFindAndClearN_(n)) })
}

// TryFindAndClearN dispatches to the X/NX/N_ family by n, matching the
// original's size-based specialization.
func (bm *Bitmap) TryFindAndClearN(tseq TSeq, n uint64) (uint64, bool) {
	switch {
	case n == 1:
		return bm.TryFindAndClear(tseq)
	case n == uint64(bm.width):
		return bm.TryFindAndClearX(tseq)
	case n < uint64(bm.width):
		return bm.TryFindAndClearNX(tseq, n)
	default:
		return bm.TryFindAndClearN_(tseq, n)
	}
}

// tryFindAndClearNInChunk is the in-chunk dispatcher TryFindAndClaim uses
// to get one candidate run of n bits from a specific chunk, mirroring
// TryFindAndClearN's size-based specialization.
func tryFindAndClearNInChunk(c *BChunk, n uint64) (uint64, bool) {
	switch {
	case n == 1:
		return c.TryFindAndClear()
	case n == uint64(c.Width):
		return c.TryFindAndClearX()
	case n < uint64(c.Width):
		return c.TryFindAndClearNX(n)
	default:
		return c.TryFindAndClearN_(n)
	}
}
