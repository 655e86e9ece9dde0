package hbitmap

// cycleIterate visits the set bits of bits in the order
//
//	[start, cycle) then [0, start) union [cycle, width)
//
// where width is the number of meaningful bits in bits (<=64). This is
// the thread-dispersed scan order spec.md §4.3/§9 calls out as part of
// the contention-spacing contract -- the two-arm order must be preserved
// exactly, so each found index is delivered to visit in turn; visit
// returning true stops the walk early (the walk itself then reports
// true), matching an early exit signal.
func cycleIterate(bits uint64, start, cycle uint, visit func(idx uint) bool) bool {
	cycleMask := bmask(cycle-start, start)
	b := bits & cycleMask
	remaining := popcount(bits)
	for remaining > 0 {
		remaining--
		if b == 0 {
			b = bits &^ cycleMask
		}
		idx, found := findLeastBit(b)
		if !found {
			break
		}
		if visit(idx) {
			return true
		}
		b = clearLeastBit(b)
	}
	return false
}

// bfieldCycleIterate is cycleIterate with start derived from a thread
// sequence number modulo cycle, per spec.md §4.3: "start = tseq mod
// cycle staggers threads so that they tend to touch different chunkmap
// entries first".
func bfieldCycleIterate(bits, tseq uint64, cycle uint, visit func(idx uint) bool) bool {
	start := uint(tseq % uint64(cycle))
	return cycleIterate(bits, start, cycle, visit)
}
