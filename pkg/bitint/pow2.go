/*
Package bitint provides power-of-2 helpers for buffer sizing and
decimation-factor math.

All operations are O(1), allocation-free, and safe on the hot path.
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of 2 >= size.
// Powers of 2 map to themselves; non-positive input maps to 1.
//
// The size-1 before Len is what keeps exact powers of 2 from doubling:
// Len(8-1)=3 so 1<<3=8, whereas Len(8)=4 would yield 16.
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len64(uint64(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of 2.
// A power of 2 has exactly one bit set, so n&(n-1) clears it to zero.
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

// FloorLog2 returns floor(log2(n)) for n > 0, and 0 otherwise.
// Used to derive per-octave decimation exponents from frequency ratios.
func FloorLog2(n int) int {
	if n <= 0 {
		return 0
	}
	return bits.Len64(uint64(n)) - 1
}
