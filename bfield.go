package hbitmap

import (
	"sync/atomic"
)

// BField is one atomic machine word treated as an atomic bit vector. Bits
// are numbered 0 (LSB) upward. Every mutating operation is acquire-release;
// relaxed reads are used only where the spec allows a hint or a pre-scan
// re-validated by a subsequent CAS.
type BField struct {
	v atomic.Uint64
}

// LoadRelaxed reads the current word without establishing ordering beyond
// what the Go memory model guarantees for a plain atomic load. Used for
// hints and pre-scans; any decision made from it must be re-validated by a
// CAS before it is acted on destructively.
func (b *BField) LoadRelaxed() uint64 {
	return b.v.Load()
}

// Set ORs in bit idx. Returns true iff the bit transitioned from 0 to 1.
func (b *BField) Set(idx uint) bool {
	mask := uint64(1) << idx
	old := b.v.Or(mask)
	return old&mask == 0
}

// Clear ANDs out bit idx. Returns true iff the bit transitioned from 1 to
// 0; allClear reports whether the resulting word is all-zero.
func (b *BField) Clear(idx uint) (wasSet bool, allClear bool) {
	mask := uint64(1) << idx
	old := b.v.And(^mask)
	return old&mask == mask, old&^mask == 0
}

// ClearOnceSet blocks until bit idx is observed set, then atomically
// clears it. This is the rendezvous primitive used by a concurrent free
// racing an abandon: the freer must wait for the 0->1 edge before
// clearing, to preserve the 0->1->0 ordering visible to other subsystems.
func (b *BField) ClearOnceSet(idx uint, sink ContentionSink) {
	mask := uint64(1) << idx
	old := b.v.Load()
	for {
		if old&mask == 0 {
			old = b.v.Load()
			if old&mask == 0 && sink != nil {
				sink.BusyWait()
			}
			for old&mask == 0 {
				spinYield()
				old = b.v.Load()
			}
		}
		if b.v.CompareAndSwap(old, old&^mask) {
			return
		}
		old = b.v.Load()
	}
}

// SetMask ORs in every bit of mask via a CAS loop. alreadySet is the
// popcount of mask bits that were already 1 before the call. Returns true
// iff every mask bit transitioned from 0 to 1.
func (b *BField) SetMask(mask uint64, alreadySet *int) bool {
	old := b.v.Load()
	for !b.v.CompareAndSwap(old, old|mask) {
		old = b.v.Load()
	}
	if alreadySet != nil {
		*alreadySet = popcount(old & mask)
	}
	return old&mask == 0
}

// ClearMask ANDs out every bit of mask via a CAS loop. alreadyClear is the
// popcount of mask bits that were already 0 before the call. Returns true
// iff every mask bit transitioned from 1 to 0.
func (b *BField) ClearMask(mask uint64, alreadyClear *int) bool {
	old := b.v.Load()
	for !b.v.CompareAndSwap(old, old&^mask) {
		old = b.v.Load()
	}
	if alreadyClear != nil {
		*alreadyClear = popcount(^old & mask)
	}
	return old&mask == mask
}

// TrySetMask succeeds iff every mask bit is currently 0 and the CAS wins;
// otherwise it fails without side effect.
func (b *BField) TrySetMask(mask uint64) bool {
	old := b.v.Load()
	for {
		if old&mask != 0 {
			return false
		}
		if b.v.CompareAndSwap(old, old|mask) {
			return true
		}
		old = b.v.Load()
	}
}

// TryClearMask succeeds iff every mask bit is currently 1 and the CAS
// wins; otherwise it fails without side effect. allClear reports whether
// the (possibly unchanged) current word is zero.
func (b *BField) TryClearMask(mask uint64, allClear *bool) bool {
	old := b.v.Load()
	for {
		if old&mask != mask {
			if allClear != nil {
				*allClear = old == 0
			}
			return false
		}
		if b.v.CompareAndSwap(old, old&^mask) {
			if allClear != nil {
				*allClear = old&^mask == 0
			}
			return true
		}
		old = b.v.Load()
	}
}

// SetByte ORs in an 8-bit-aligned octet. Returns true iff it transitioned
// from 0x00 to 0xFF.
func (b *BField) SetByte(byteIdx uint) bool {
	return b.SetMask(uint64(0xFF)<<(byteIdx*8), nil)
}

// ClearByte ANDs out an 8-bit-aligned octet. allClear reports whether the
// resulting word is zero. Returns true iff it transitioned from 0xFF to
// 0x00.
func (b *BField) ClearByte(byteIdx uint, allClear *bool) bool {
	mask := uint64(0xFF) << (byteIdx * 8)
	old := b.v.Load()
	for !b.v.CompareAndSwap(old, old&^mask) {
		old = b.v.Load()
	}
	if allClear != nil {
		*allClear = old&^mask == 0
	}
	return old&mask == mask
}

// TryClearByte is the try-variant of ClearByte: all-or-nothing.
func (b *BField) TryClearByte(byteIdx uint, allClear *bool) bool {
	return b.TryClearMask(uint64(0xFF)<<(byteIdx*8), allClear)
}

// SetX exchanges the word with allOnes. Returns true iff the prior value
// was zero.
func (b *BField) SetX(allOnes uint64) bool {
	old := b.v.Swap(allOnes)
	return old == 0
}

// ClearX exchanges the word with zero. Returns true iff the prior value
// was allOnes.
func (b *BField) ClearX(allOnes uint64) bool {
	old := b.v.Swap(0)
	return old == allOnes
}

// TryClearX CASes the word from allOnes to zero; fails without side
// effect if the word isn't currently allOnes.
func (b *BField) TryClearX(allOnes uint64) bool {
	return b.v.CompareAndSwap(allOnes, 0)
}

// IsSetMask is a relaxed, advisory read: every mask bit currently 1.
func (b *BField) IsSetMask(mask uint64) bool {
	return b.v.Load()&mask == mask
}

// IsClearMask is a relaxed, advisory read: every mask bit currently 0.
func (b *BField) IsClearMask(mask uint64) bool {
	return b.v.Load()&mask == 0
}

func popcount(x uint64) int {
	c := 0
	for x != 0 {
		x &= x - 1
		c++
	}
	return c
}

// bmask builds a contiguous mask of bitCount ones shifted left by shift,
// the Go counterpart of mi_bfield_mask.
func bmask(bitCount, shift uint) uint64 {
	if bitCount >= 64 {
		return ^uint64(0) << shift
	}
	return ((uint64(1) << bitCount) - 1) << shift
}

// findLeastBit returns the index of the least significant set bit and
// true, or (0, false) if x is zero.
func findLeastBit(x uint64) (uint, bool) {
	if x == 0 {
		return 0, false
	}
	return uint(trailingZeros64(x)), true
}

// clearLeastBit clears the least significant set bit of x.
func clearLeastBit(x uint64) uint64 {
	return x & (x - 1)
}
