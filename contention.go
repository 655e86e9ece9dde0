package hbitmap

import "runtime"

// ContentionSink is an optional observability hook. The bitmap core never
// requires one: it is the injectable counterpart of the original
// allocator's internal "pages_unabandon_busy_wait" stat counter, passed in
// by a caller that wants to observe ClearOnceSet's busy-wait path without
// the bitmap depending on any particular metrics system (see the
// metrics package for an OpenTelemetry-backed implementation).
type ContentionSink interface {
	// BusyWait is called once per ClearOnceSet call that actually had to
	// spin (i.e. the bit was not already set when first observed).
	BusyWait()
}

// spinYield gives other goroutines a chance to run while a CAS loop spins
// waiting for a bit's 0->1 edge. Go schedules goroutines cooperatively
// onto OS threads, so a plain busy-loop here would starve the very
// goroutine we're waiting on if GOMAXPROCS is constrained; Gosched keeps
// the primitive wait-free in the uncontended case and merely cooperative
// under real contention.
func spinYield() {
	runtime.Gosched()
}
