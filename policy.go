// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frg

import "unsafe"

// PointerPolicy is the page-granular mapping contract consumed by
// [ShardedPool]. Map returns nil on failure; Unmap always succeeds and
// must be given exactly the (base, size) pair a prior Map returned.
type PointerPolicy interface {
	Map(size uintptr) unsafe.Pointer
	Unmap(base unsafe.Pointer, size uintptr)
}

// AddressPolicy is the integer-address mapping contract consumed by
// [ClassicPool]. Map returns 0 on failure.
type AddressPolicy interface {
	Map(size uintptr) uintptr
	Unmap(base uintptr, size uintptr)
}

// AlignedAddressPolicy is an AddressPolicy that can additionally honor
// an alignment request directly. ClassicPool detects this capability
// via a type assertion; when absent, it falls back to over-allocating
// and aligning the result itself.
type AlignedAddressPolicy interface {
	AddressPolicy
	MapAligned(size, alignment uintptr) uintptr
}

// PoisonPolicy lets a host mark memory ranges as poisoned (logically
// inaccessible, e.g. for ASan/MSan-style tooling) without unmapping
// them. ClassicPool detects this capability via a type assertion and,
// when present, calls it on every allocation, free, and
// reallocate-grow boundary (spec.md §4.6).
//
// UnpoisonExpand reveals bytes of an object that is still live.
// ClassicPool calls it when Reallocate keeps an object in place, over
// the object's first n bytes, since the pool does not record how many
// of them the previous request already covered.
type PoisonPolicy interface {
	Poison(p unsafe.Pointer, n uintptr)
	Unpoison(p unsafe.Pointer, n uintptr)
	UnpoisonExpand(p unsafe.Pointer, n uintptr)
}

// TracePolicy lets a host capture a binary allocation/deallocation
// journal (spec.md §6 "Trace wire format"). ClassicPool detects this
// capability via a type assertion and, when EnableTrace reports true,
// calls WalkStack and OutputTrace on every allocation and
// deallocation. WalkStack must call visit with at most 12 return
// addresses, innermost frame first; it may call visit zero times.
type TracePolicy interface {
	EnableTrace() bool
	OutputTrace(buf []byte)
	WalkStack(visit func(pc uintptr))
}
