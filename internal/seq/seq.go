// Package seq implements wrap-safe comparisons over 32-bit TCP sequence
// numbers. Every other package that reasons about sequence or ACK numbers
// goes through these functions rather than comparing uint32 values directly.
package seq

// Num is a 32-bit TCP sequence (or ACK) number that wraps at 2^32.
type Num uint32

// After reports whether a comes strictly after b in sequence-number space,
// accounting for wraparound: the signed difference (a-b) mod 2^32 lies in
// the open interval (0, 2^31).
func After(a, b Num) bool {
	return int32(a-b) > 0
}

// Before reports whether a comes strictly before b.
func Before(a, b Num) bool {
	return After(b, a)
}

// Between reports whether middle lies strictly between lo and hi.
func Between(middle, lo, hi Num) bool {
	return Before(lo, middle) && After(hi, middle)
}

// RangeIncluded reports whether [firstStart, firstEnd) is fully contained in
// [secondStart, secondEnd).
func RangeIncluded(firstStart, firstEnd, secondStart, secondEnd Num) bool {
	return !Before(firstStart, secondStart) && !After(firstEnd, secondEnd)
}

// Overlaps reports whether [leftA, rightA) and [leftB, rightB) share any
// sequence space or touch end to start (e.g. [0,4) and [4,10)), so that
// adjacent ranges also count as overlapping.
func Overlaps(leftA, rightA, leftB, rightB Num) bool {
	return !After(leftA, rightB) && !After(leftB, rightA)
}

// Diff returns the signed distance from b to a (a-b), interpreted as a
// wrap-safe delta. Callers that need to detect implausible jumps (e.g. a
// capture gap) can reject deltas whose magnitude approaches 2^31.
func Diff(a, b Num) int32 {
	return int32(a - b)
}
