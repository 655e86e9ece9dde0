// Package massert turns bitmap precondition violations into panics.
//
// The bitmap has no recoverable error path (spec: try_* booleans report
// retryable/not-found, never failure); an out-of-range index or a
// misaligned xset8/xsetX call is a programming error in the caller, not a
// runtime condition to propagate. These helpers exist so that violation is
// at least loud and carries a stack, instead of corrupting memory quietly.
package massert

import "github.com/pkg/errors"

// Require panics with a stack-carrying error if cond is false.
func Require(cond bool, format string, args ...any) {
	if !cond {
		panic(errors.Errorf(format, args...))
	}
}

// Index panics unless 0 <= idx < bound.
func Index(what string, idx, bound uint64) {
	if idx >= bound {
		panic(errors.Errorf("%s index %d out of range [0, %d)", what, idx, bound))
	}
}
