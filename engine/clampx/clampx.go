// Package clampx provides the small generic size-clamping helper shared by
// the transaction table and mmap pool: every buffer a slot allocates is
// grown to at least a fixed floor (spec.md §3's "grown on allocation to the
// larger of that floor and the requested buffer length"). Grounded on the
// teacher's x/mathx/clamp.go, which reaches for golang.org/x/exp/constraints
// for the same generic-ordered-floor shape.
package clampx

import "golang.org/x/exp/constraints"

// Floor returns the larger of n and floor.
func Floor[T constraints.Ordered](n, floor T) T {
	if n < floor {
		return floor
	}
	return n
}
