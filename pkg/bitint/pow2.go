// SPDX-License-Identifier: MIT
/*
Package bitint provides the power-of-2 helpers used to size FFT windows.

Both functions are O(1), allocation free and safe to call from a real-time
callback.

Usage:

	// Validate a detection window before building the FFT plan
	if !bitint.IsPowerOfTwo(windowSize) {
		suggestion := bitint.NextPowerOfTwo(windowSize) // 3000 -> 4096
	}
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of 2 >= size. Subtracting 1
// before taking the bit length keeps exact powers of 2 unchanged.
//
//	Input  Output
//	4096   4096
//	3000   4096
//	0      1
//	-1     1
func NextPowerOfTwo(size int) int {
	if size <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of 2. A power of 2 has a
// single bit set, so clearing its lowest set bit leaves zero.
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}
