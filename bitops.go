// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frg

import "math/bits"

// pageSize is the granularity large-object padding is computed against
// in both pools (spec.md §4.5, SPEC_FULL §12). Real freestanding hosts
// may run on a different page size; a host whose policy disagrees
// should wrap it to round its own large requests instead, since this
// module has no syscall of its own to query the actual value from.
const pageSize = 4096

// No repo in the retrieved corpus ships a portable ffs/clz — the
// corpus's two memory-pool libraries (code.hybscloud.com/iobuf,
// lightpaw/slab) compute offsets and masks directly rather than log2.
// math/bits is the standard idiom every Go project reaches for here;
// see DESIGN.md for the justification.

// floorLog2 returns floor(log2(n)) for n >= 1.
func floorLog2(n uintptr) uint {
	assert(n >= 1, "n >= 1")
	return uint(bits.UintSize-1) - uint(bits.LeadingZeros(uint(n)))
}

// ceilLog2 returns ceil(log2(n)) for n >= 1.
func ceilLog2(n uintptr) uint {
	assert(n >= 1, "n >= 1")
	if n == 1 {
		return 0
	}
	return floorLog2(n-1) + 1
}

// isPowerOfTwo reports whether n is a power of two (n >= 1).
func isPowerOfTwo(n uintptr) bool {
	return n&(n-1) == 0
}

// alignUp rounds n up to the next multiple of align, which must be a
// power of two.
func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// alignDown rounds n down to the previous multiple of align, which
// must be a power of two.
func alignDown(n, align uintptr) uintptr {
	return n &^ (align - 1)
}
