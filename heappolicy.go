// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frg

import (
	"sync"
	"unsafe"
)

// HeapPolicy is a page-granular mapping policy backed by ordinary Go
// allocations. It exists for hosts that have no better source of
// virtual memory (tests, userspace harnesses, benchmarks): real
// freestanding hosts are expected to supply their own policy backed
// by their actual page allocator.
//
// The alignment math is the same over-allocate-then-slice approach
// code.hybscloud.com/iobuf's AlignedMem/CacheLineAlignedMem use for
// DMA/io_uring buffers, adapted here to serve arbitrary chunk and
// superblock alignments instead of a single fixed page/cache-line
// size. Each extent keeps the originally allocated slice pinned in
// live until Unmap is called, which is required: once an extent's
// base address is reduced to a bare uintptr for the allocator's own
// bookkeeping, nothing else keeps the backing array reachable for the
// garbage collector.
type HeapPolicy struct {
	mu   sync.Mutex
	live map[uintptr][]byte
}

// NewHeapPolicy creates a HeapPolicy ready for use as either a
// PointerPolicy (via [HeapPolicy.Pointer]) or an AlignedAddressPolicy
// (via [HeapPolicy.Address]).
func NewHeapPolicy() *HeapPolicy {
	return &HeapPolicy{live: make(map[uintptr][]byte)}
}

func (h *HeapPolicy) mapAligned(size, alignment uintptr) uintptr {
	if size == 0 {
		return 0
	}
	if alignment <= 1 {
		buf := make([]byte, size)
		base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
		h.mu.Lock()
		h.live[base] = buf
		h.mu.Unlock()
		return base
	}

	buf := make([]byte, size+alignment-1)
	rawBase := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	aligned := alignUp(rawBase, alignment)

	h.mu.Lock()
	h.live[aligned] = buf
	h.mu.Unlock()
	return aligned
}

func (h *HeapPolicy) unmap(base uintptr) {
	if base == 0 {
		return
	}
	h.mu.Lock()
	delete(h.live, base)
	h.mu.Unlock()
}

// Pointer returns a [PointerPolicy] view of h, suitable for
// [NewShardedPool].
func (h *HeapPolicy) Pointer() PointerPolicy { return heapPointerPolicy{h} }

// Address returns an [AlignedAddressPolicy] view of h, suitable for
// [NewClassicPool].
func (h *HeapPolicy) Address() AlignedAddressPolicy { return heapAddressPolicy{h} }

type heapPointerPolicy struct{ h *HeapPolicy }

func (p heapPointerPolicy) Map(size uintptr) unsafe.Pointer {
	base := p.h.mapAligned(size, 1)
	if base == 0 {
		return nil
	}
	return unsafe.Pointer(base) //nolint:govet // allocator boundary: address is pinned in HeapPolicy.live
}

func (p heapPointerPolicy) Unmap(base unsafe.Pointer, _ uintptr) {
	p.h.unmap(uintptr(base))
}

type heapAddressPolicy struct{ h *HeapPolicy }

func (p heapAddressPolicy) Map(size uintptr) uintptr {
	return p.h.mapAligned(size, 1)
}

func (p heapAddressPolicy) Unmap(base, _ uintptr) {
	p.h.unmap(base)
}

func (p heapAddressPolicy) MapAligned(size, alignment uintptr) uintptr {
	return p.h.mapAligned(size, alignment)
}
