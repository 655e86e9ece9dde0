package hbitmap

import (
	"github.com/tef-lang/hbitmap/internal/massert"
	"golang.org/x/sys/cpu"
)

// BChunk is F contiguous BFields, a fixed-size, naturally-aligned array
// forming one addressable unit of the bitmap hierarchy (chunk width
// B = F*W bits, 256 or 512). A Bitmap's chunkmap is itself exactly one
// BChunk, bit i summarizing whether chunk i may have any set bit.
type BChunk struct {
	Width          Width
	FieldsPerChunk int
	Fields         []BField
}

// NewBChunk allocates a zeroed chunk for the given width/field count.
// width*fieldsPerChunk (the chunk width B) must be 256 or 512 and
// fieldsPerChunk must be a power of two (spec I1/I4).
func NewBChunk(width Width, fieldsPerChunk int) *BChunk {
	massert.Require(width.valid(), "invalid bfield width %d", width)
	massert.Require(validChunkWidth(width, fieldsPerChunk), "invalid chunk shape width=%d fields=%d", width, fieldsPerChunk)
	return &BChunk{
		Width:          width,
		FieldsPerChunk: fieldsPerChunk,
		Fields:         make([]BField, fieldsPerChunk),
	}
}

// Bits returns the chunk width B in bits.
func (c *BChunk) Bits() uint64 {
	return uint64(c.Width) * uint64(c.FieldsPerChunk)
}

func (c *BChunk) allOnes() uint64 {
	return c.Width.allOnes()
}

func (c *BChunk) decompose(cidx uint64) (field int, bit uint) {
	w := uint64(c.Width)
	return int(cidx / w), uint(cidx % w)
}

// Set sets bit cidx. Returns true iff it transitioned 0->1.
func (c *BChunk) Set(cidx uint64) bool {
	massert.Index("bchunk bit", cidx, c.Bits())
	f, b := c.decompose(cidx)
	return c.Fields[f].Set(b)
}

// Clear clears bit cidx. maybeAllClear (if non-nil) is set to "the
// affected field just became zero" -- callers use this hint to attempt
// clearing the owning chunkmap bit; it is never required to be exact.
func (c *BChunk) Clear(cidx uint64, maybeAllClear *bool) bool {
	massert.Index("bchunk bit", cidx, c.Bits())
	f, b := c.decompose(cidx)
	wasSet, allClear := c.Fields[f].Clear(b)
	if maybeAllClear != nil {
		*maybeAllClear = allClear
	}
	return wasSet
}

// Set8 sets the 8-bit-aligned octet at byteIdx.
func (c *BChunk) Set8(byteIdx uint64) bool {
	fieldBytes := uint64(c.Width) / 8
	massert.Index("bchunk byte", byteIdx, uint64(c.FieldsPerChunk)*fieldBytes)
	f := int(byteIdx / fieldBytes)
	b := uint(byteIdx % fieldBytes)
	return c.Fields[f].SetByte(b)
}

// Clear8 clears the 8-bit-aligned octet at byteIdx.
func (c *BChunk) Clear8(byteIdx uint64, maybeAllClear *bool) bool {
	fieldBytes := uint64(c.Width) / 8
	massert.Index("bchunk byte", byteIdx, uint64(c.FieldsPerChunk)*fieldBytes)
	f := int(byteIdx / fieldBytes)
	b := uint(byteIdx % fieldBytes)
	return c.Fields[f].ClearByte(b, maybeAllClear)
}

// SetX sets every bit of field fieldIdx.
func (c *BChunk) SetX(fieldIdx int) bool {
	massert.Require(fieldIdx >= 0 && fieldIdx < c.FieldsPerChunk, "field index %d out of range", fieldIdx)
	return c.Fields[fieldIdx].SetX(c.allOnes())
}

// ClearX clears every bit of field fieldIdx.
func (c *BChunk) ClearX(fieldIdx int, maybeAllClear *bool) bool {
	massert.Require(fieldIdx >= 0 && fieldIdx < c.FieldsPerChunk, "field index %d out of range", fieldIdx)
	if maybeAllClear != nil {
		*maybeAllClear = true
	}
	return c.Fields[fieldIdx].ClearX(c.allOnes())
}

// XSetN sets (set=true) or clears (set=false) n bits starting at cidx,
// n>0 and cidx+n<=B. Walks the affected fields applying SetMask/ClearMask
// to each; returns true iff every field reported a full transition. Not
// atomic across fields -- another thread may observe a partial state.
func (c *BChunk) XSetN(set bool, cidx, n uint64, alreadyXSet *uint64) bool {
	massert.Require(n > 0, "xsetN: n must be > 0")
	massert.Require(cidx+n <= c.Bits(), "xsetN: [%d,%d) exceeds chunk width %d", cidx, cidx+n, c.Bits())

	allTransition := true
	var total uint64
	w := uint64(c.Width)
	field := int(cidx / w)
	idx := uint(cidx % w)
	for n > 0 {
		m := uint(w) - idx
		if uint64(m) > n {
			m = uint(n)
		}
		mask := bmaskForWidth(c.Width, m, idx)
		var already int
		var transition bool
		if set {
			transition = c.Fields[field].SetMask(mask, &already)
		} else {
			transition = c.Fields[field].ClearMask(mask, &already)
		}
		allTransition = allTransition && transition
		total += uint64(already)
		field++
		idx = 0
		n -= uint64(m)
	}
	if alreadyXSet != nil {
		*alreadyXSet = total
	}
	return allTransition
}

// SetN is XSetN(true, ...).
func (c *BChunk) SetN(cidx, n uint64, alreadySet *uint64) bool {
	return c.XSetN(true, cidx, n, alreadySet)
}

// ClearN is XSetN(false, ...).
func (c *BChunk) ClearN(cidx, n uint64, alreadyClear *uint64) bool {
	return c.XSetN(false, cidx, n, alreadyClear)
}

// IsXSetN reports whether every bit in [cidx, cidx+n) is already in the
// target state (set or clear). May cross field boundaries.
func (c *BChunk) IsXSetN(set bool, cidx, n uint64) bool {
	massert.Require(n > 0, "is_xsetN: n must be > 0")
	massert.Require(cidx+n <= c.Bits(), "is_xsetN: [%d,%d) exceeds chunk width %d", cidx, cidx+n, c.Bits())
	w := uint64(c.Width)
	field := int(cidx / w)
	idx := uint(cidx % w)
	for n > 0 {
		m := uint(w) - idx
		if uint64(m) > n {
			m = uint(n)
		}
		mask := bmaskForWidth(c.Width, m, idx)
		var ok bool
		if set {
			ok = c.Fields[field].IsSetMask(mask)
		} else {
			ok = c.Fields[field].IsClearMask(mask)
		}
		if !ok {
			return false
		}
		field++
		idx = 0
		n -= uint64(m)
	}
	return true
}

// TryXSetN is the atomic-attempt variant of XSetN: either all n bits
// transition and it returns true, or the chunk is left exactly as before
// and it returns false. On a mid-transaction CAS failure it compensates
// by inverting the operation on every field already committed, walking
// backward with the same masks it used going forward.
func (c *BChunk) TryXSetN(set bool, cidx, n uint64, maybeAllClear *bool) bool {
	massert.Require(n > 0, "try_xsetN: n must be > 0")
	massert.Require(cidx+n <= c.Bits(), "try_xsetN: [%d,%d) exceeds chunk width %d", cidx, cidx+n, c.Bits())
	if maybeAllClear != nil {
		*maybeAllClear = false
	}

	w := uint64(c.Width)
	startField := int(cidx / w)
	startIdx := uint(cidx % w)

	field := startField
	m := uint(w) - startIdx
	if uint64(m) > n {
		m = uint(n)
	}
	maskStart := bmaskForWidth(c.Width, m, startIdx)
	var fieldClear bool
	if !c.tryXSetMask(set, field, maskStart, &fieldClear) {
		return false
	}
	maybeClear := fieldClear
	n -= uint64(m)
	if n == 0 {
		if maybeAllClear != nil {
			*maybeAllClear = maybeClear
		}
		return true
	}

	maskMid := c.allOnes()
	endField := -1
	maskEnd := uint64(0)

	for n >= w {
		field++
		if !c.tryXSetMask(set, field, maskMid, &fieldClear) {
			c.rollback(set, startField, field-1, maskStart, maskMid, maskEnd, endField)
			return false
		}
		maybeClear = maybeClear && fieldClear
		n -= w
	}

	if n > 0 {
		field++
		endField = field
		maskEnd = bmaskForWidth(c.Width, uint(n), 0)
		if !c.tryXSetMask(set, field, maskEnd, &fieldClear) {
			c.rollback(set, startField, field-1, maskStart, maskMid, maskEnd, endField)
			return false
		}
		maybeClear = maybeClear && fieldClear
	}

	if maybeAllClear != nil {
		*maybeAllClear = maybeClear
	}
	return true
}

func (c *BChunk) tryXSetMask(set bool, field int, mask uint64, fieldClear *bool) bool {
	if set {
		*fieldClear = false
		return c.Fields[field].TrySetMask(mask)
	}
	return c.Fields[field].TryClearMask(mask, fieldClear)
}

// rollback inverts the operation on every field from lastCommitted down to
// (and including) startField, restoring the chunk to its pre-call state.
func (c *BChunk) rollback(set bool, startField, lastCommitted int, maskStart, maskMid, maskEnd uint64, endField int) {
	for field := lastCommitted; field >= startField; field-- {
		mask := maskMid
		switch field {
		case startField:
			mask = maskStart
		case endField:
			mask = maskEnd
		}
		if set {
			c.Fields[field].ClearMask(mask, nil)
		} else {
			c.Fields[field].SetMask(mask, nil)
		}
	}
}

// TryClearN is the try-variant of ClearN.
func (c *BChunk) TryClearN(cidx, n uint64, maybeAllClear *bool) bool {
	return c.TryXSetN(false, cidx, n, maybeAllClear)
}

// bmaskForWidth is bmask with bitCount clamped to the field width: a count
// of W or more yields the width's all-ones mask shifted left by shift.
func bmaskForWidth(width Width, bitCount, shift uint) uint64 {
	if uint64(bitCount) >= uint64(width) {
		return width.allOnes() << shift
	}
	return bmask(bitCount, shift)
}

// ---- find-and-clear family ----

// tryFindAndClearAt inspects field fieldIdx; if it holds a set bit (and,
// unless allowAllSet, is not entirely 1s, to reduce fragmentation by
// preferring partially-free fields first), tries to clear the least set
// bit atomically.
func (c *BChunk) tryFindAndClearAt(fieldIdx int, allowAllSet bool) (uint64, bool) {
	b := c.Fields[fieldIdx].LoadRelaxed()
	if !allowAllSet && b == c.allOnes() {
		return 0, false
	}
	cidx, found := findLeastBit(b)
	if !found {
		return 0, false
	}
	if c.Fields[fieldIdx].TryClearMask(uint64(1)<<cidx, nil) {
		return uint64(fieldIdx)*uint64(c.Width) + uint64(cidx), true
	}
	return 0, false
}

// TryFindAndClear atomically clears one set bit of the chunk and returns
// its index. A first pass takes the least set bit of the first field that
// is not entirely set (to reduce fragmentation); only if that finds nothing
// does a second pass take the least set bit of the first nonempty field.
// A lost CAS moves on to the next field rather than retrying the same bit.
func (c *BChunk) TryFindAndClear() (uint64, bool) {
	if c.simdEligible() {
		return c.tryFindAndClearVector()
	}
	for i := 0; i < c.FieldsPerChunk; i++ {
		if idx, ok := c.tryFindAndClearAt(i, false); ok {
			return idx, true
		}
	}
	for i := 0; i < c.FieldsPerChunk; i++ {
		if idx, ok := c.tryFindAndClearAt(i, true); ok {
			return idx, true
		}
	}
	return 0, false
}

// tryFindAndClearVector is the word-parallel stand-in for the optional
// AVX2 path: it first collapses the whole chunk into one OR-reduction to
// decide, in a single pass, whether any bit is set at all, before running
// the same two-pass (prefer partially-free fields, then allow all-set
// fields) scan the scalar fallback uses. Go has no portable intrinsic for
// a real vector compare, so this only saves the scan on an already-empty
// chunk; it does not change which bit is found.
func (c *BChunk) tryFindAndClearVector() (uint64, bool) {
	var acc uint64
	for i := range c.Fields {
		acc |= c.Fields[i].LoadRelaxed()
	}
	if acc == 0 {
		return 0, false
	}
	for i := 0; i < c.FieldsPerChunk; i++ {
		if idx, ok := c.tryFindAndClearAt(i, false); ok {
			return idx, true
		}
	}
	for i := 0; i < c.FieldsPerChunk; i++ {
		if idx, ok := c.tryFindAndClearAt(i, true); ok {
			return idx, true
		}
	}
	return 0, false
}

// TryFindAndClear8 atomically clears one byte lane equal to 0xFF and
// returns the index of its lowest bit. As in TryFindAndClear, a first pass
// skips fields that are entirely set and a second pass allows them; within
// a field the least such byte is taken.
func (c *BChunk) TryFindAndClear8() (uint64, bool) {
	for i := 0; i < c.FieldsPerChunk; i++ {
		if idx, ok := c.tryFindAndClear8At(i, false); ok {
			return idx, true
		}
	}
	for i := 0; i < c.FieldsPerChunk; i++ {
		if idx, ok := c.tryFindAndClear8At(i, true); ok {
			return idx, true
		}
	}
	return 0, false
}

func (c *BChunk) tryFindAndClear8At(fieldIdx int, allowAllSet bool) (uint64, bool) {
	b := c.Fields[fieldIdx].LoadRelaxed()
	if !allowAllSet && b == c.allOnes() {
		return 0, false
	}
	set8 := hasSetByte(b)
	idx, found := findLeastBit(set8)
	if !found {
		return 0, false
	}
	byteIdx := idx / 8
	if c.Fields[fieldIdx].TryClearByte(byteIdx, nil) {
		return uint64(fieldIdx)*uint64(c.Width) + uint64(idx), true
	}
	return 0, false
}

// TryFindAndClearX locates the least field equal to all-ones and
// atomically clears it.
func (c *BChunk) TryFindAndClearX() (uint64, bool) {
	for i := 0; i < c.FieldsPerChunk; i++ {
		b := c.Fields[i].LoadRelaxed()
		if b == c.allOnes() && c.Fields[i].TryClearX(c.allOnes()) {
			return uint64(i) * uint64(c.Width), true
		}
	}
	return 0, false
}

// TryFindAndClearNX searches for n (1 < n < W) consecutive set bits
// within a single field (no cross-field runs).
func (c *BChunk) TryFindAndClearNX(n uint64) (uint64, bool) {
	massert.Require(n > 0 && n <= uint64(c.Width), "try_find_and_clearNX: n=%d out of range", n)
	mask := bmask(uint(n), 0)
	for i := 0; i < c.FieldsPerChunk; i++ {
		b := c.Fields[i].LoadRelaxed()
		var bshift uint
		for {
			idx, found := findLeastBit(b)
			if !found {
				break
			}
			b >>= idx
			bshift += idx
			if uint64(bshift)+n > uint64(c.Width) {
				break
			}
			if b&mask == mask {
				if c.Fields[i].TryClearMask(mask<<bshift, nil) {
					return uint64(i)*uint64(c.Width) + uint64(bshift), true
				}
				// lost the CAS: reload from this position and retry
				bshift -= idx
				b = c.Fields[i].LoadRelaxed() >> bshift
				continue
			}
			ones := uint(trailingZeros64(^b))
			b >>= ones
			bshift += ones
		}
	}
	return 0, false
}

// TryFindAndClearN_ handles n >= W. It only considers runs that start at a
// field boundary: ceil(n/W) consecutive fields, each entirely set except
// the last, which needs only its low n-(ceil(n/W)-1)*W bits set. A run
// whose first bit lies inside a field is not found. A relaxed pre-scan
// checks this shape before the atomic commit across fields (with
// rollback) via TryClearN.
func (c *BChunk) TryFindAndClearN_(n uint64) (uint64, bool) {
	massert.Require(n > 0 && n <= c.Bits(), "try_find_and_clearN_: n=%d out of range", n)
	w := uint64(c.Width)
	fieldCount := int((n + w - 1) / w)
	for i := 0; i <= c.FieldsPerChunk-fieldCount; i++ {
		allSet := true
		m := n
		j := 0
		for {
			b := c.Fields[i+j].LoadRelaxed()
			if idx, found := findLeastBit(^b); found {
				if m > uint64(idx) {
					allSet = false
					i += j
					break
				}
			} else {
				m -= w // may "underflow" per original; only allSet's truth matters
			}
			j++
			if j >= fieldCount {
				break
			}
		}
		if allSet {
			cidx := uint64(i) * w
			if c.TryClearN(cidx, n, nil) {
				return cidx, true
			}
		}
	}
	return 0, false
}

// AllAreClear reads every field with a guaranteed-atomic relaxed load.
func (c *BChunk) AllAreClear() bool {
	for i := range c.Fields {
		if c.Fields[i].LoadRelaxed() != 0 {
			return false
		}
	}
	return true
}

// AllAreClearRelaxed is the SIMD-eligible variant: functionally identical
// to AllAreClear, but on AVX2-capable machines it first collapses the
// whole chunk into one OR-reduction before deciding, rather than
// returning eagerly at the first nonzero field.
func (c *BChunk) AllAreClearRelaxed() bool {
	if !c.simdEligible() {
		return c.AllAreClear()
	}
	var acc uint64
	for i := range c.Fields {
		acc |= c.Fields[i].LoadRelaxed()
	}
	return acc == 0
}

func (c *BChunk) simdEligible() bool {
	return cpu.X86.HasAVX2 && (c.Bits() == 256 || c.Bits() == 512)
}

// Bsr scans fields highest-to-lowest for the highest set bit.
func (c *BChunk) Bsr() (uint64, bool) {
	for i := c.FieldsPerChunk - 1; i >= 0; i-- {
		b := c.Fields[i].LoadRelaxed()
		if idx, found := highestSetBit(b); found {
			return uint64(i)*uint64(c.Width) + uint64(idx), true
		}
	}
	return 0, false
}

// ClearOnceSet delegates to the field-level rendezvous primitive.
func (c *BChunk) ClearOnceSet(cidx uint64, sink ContentionSink) {
	massert.Index("bchunk bit", cidx, c.Bits())
	f, b := c.decompose(cidx)
	c.Fields[f].ClearOnceSet(b, sink)
}
