// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frg

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/spin"
)

// Sharded pool size classes (spec.md §3, §4.1): 9 power-of-two buckets
// from 16 B to 4096 B. bucket i holds 16*2^i byte objects.
const (
	numShardedBuckets    = 9
	minShardedObjectSize = 16
)

func shardedBucketIndex(size uintptr) int {
	lg := ceilLog2(size)
	if lg < 4 {
		return 0
	}
	return int(lg) - 4
}

func shardedBucketSize(i int) uintptr {
	return minShardedObjectSize << uint(i)
}

// shardedChunkBoundary is the alignment (and extent size) of every
// slab chunk; a chunk's header and compressed intra-chunk addresses
// are both relative to this boundary (spec.md §3).
const shardedChunkBoundary = 64 * 1024

// shardedLargeAlignment precedes every large object so its address is
// always page-aligned, mirroring the classic pool's hugePadding
// (spec.md §4.2, SPEC_FULL §12).
const shardedLargeAlignment = pageSize

// reactivateThreshold is the threaded-free-count a chunk must
// accumulate before it re-enters the active rotation, preventing
// thrashing for chunks with only a handful of returned objects
// (spec.md §4.8).
const reactivateThreshold = 8

type chunkKind uint8

const (
	chunkKindSlab chunkKind = iota
	chunkKindLarge
)

// chunkHeader is the metadata record for one chunk. As with
// ClassicPool's slabFrame, this cannot live inline at the chunk's own
// base the way frigg's C++ chunk_header does: it holds live Go
// pointers, and a manually mapped byte region is invisible to the
// garbage collector. It lives in ordinary Go memory instead, indexed
// by chunkRegistry, a package-level side table keyed by chunk
// boundary — package-level rather than per-ShardedPool because a
// foreign pool's Deallocate must resolve a chunk header it never
// created itself (spec.md §3 "every live allocated pointer uniquely
// identifies its chunk by alignment-down to the chunk boundary" is
// true of the address space regardless of which pool instance is
// asking). sync.Map rather than a mutex-guarded map keeps chunk
// lookups off any single global lock, preserving the "no shared lock
// across pool instances" property spec.md §5 describes for this pool.
type chunkHeader struct {
	kind   chunkKind
	owner  *ShardedPool
	bucket int

	base        uintptr // aligned chunk-boundary base
	rawBase     uintptr // raw value the policy's Map returned, for Unmap
	reservation uintptr // raw size to pass back to Unmap
	length      uintptr // registered span: shardedChunkBoundary for a slab chunk, the mapped page-rounded extent for a large chunk

	objectSize uintptr
	capacity   int

	// Owner-only fields: only the owning ShardedPool's goroutine reads
	// or writes these without synchronization (spec.md §3 invariants).
	ownerFree  uint32 // compressed offset, 0 == empty
	ownerCount int
	listNext   *chunkHeader // membership in activeList or ownerPendingList

	// state packs (threaded free-list head, threaded count, inactive
	// flag) into one word so any thread can publish a push while
	// potentially clearing the inactive flag in a single CAS
	// (spec.md §3, §9).
	state atomic.Uint64

	// threadedPendingNext links this chunk into the pool's
	// cross-instance Treiber stack of chunks awaiting maintenance.
	threadedPendingNext atomic.Pointer[chunkHeader]
}

const (
	threadedHeadBits  = 32
	threadedCountBits = 31
	threadedHeadMask  = uint64(1)<<threadedHeadBits - 1
	threadedCountMask = uint64(1)<<threadedCountBits - 1
	inactiveBit       = uint64(1) << 63
)

func packState(head uint32, count uint32, inactive bool) uint64 {
	s := uint64(head) | (uint64(count)&threadedCountMask)<<threadedHeadBits
	if inactive {
		s |= inactiveBit
	}
	return s
}

func unpackState(s uint64) (head uint32, count uint32, inactive bool) {
	head = uint32(s & threadedHeadMask)
	count = uint32((s >> threadedHeadBits) & threadedCountMask)
	inactive = s&inactiveBit != 0
	return head, count, inactive
}

func compress(base, addr uintptr) uint32 { return uint32(addr - base) }

func decompress(base uintptr, off uint32) uintptr {
	if off == 0 {
		return 0
	}
	return base + uintptr(off)
}

func readCompressedNext(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr)) //nolint:govet // allocator boundary: intrusive freelist link
}

func writeCompressedNext(addr uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = v //nolint:govet // allocator boundary: intrusive freelist link
}

var chunkRegistry sync.Map // uintptr (chunk-boundary-aligned base) -> *chunkHeader

func registerChunk(c *chunkHeader) {
	for off := uintptr(0); off < c.length; off += shardedChunkBoundary {
		chunkRegistry.Store(c.base+off, c)
	}
}

func unregisterChunk(c *chunkHeader) {
	for off := uintptr(0); off < c.length; off += shardedChunkBoundary {
		chunkRegistry.Delete(c.base + off)
	}
}

func lookupChunk(addr uintptr) *chunkHeader {
	base := alignDown(addr, shardedChunkBoundary)
	v, ok := chunkRegistry.Load(base)
	if !ok {
		return nil
	}
	return v.(*chunkHeader)
}

// shardedBucket holds one size class's chunk rotation: the chunk
// currently allocating from, chunks awaiting reactivation, and chunks
// returned by foreign pool instances not yet folded back in
// (spec.md §3, §4.2, §4.8).
type shardedBucket struct {
	index      int
	objectSize uintptr

	headChunk        *chunkHeader
	activeList       *chunkHeader // owner-only singly linked list
	ownerPendingList *chunkHeader // owner-only singly linked list

	threadedPendingHead atomic.Pointer[chunkHeader] // Treiber stack, any thread may push
}

// ShardedPool is a lock-free, per-thread-owned slab allocator
// (spec.md §2-§4.4, §9). See the package doc for the contract it
// shares with ClassicPool. A ShardedPool instance is the "owner" the
// spec refers to throughout: its Allocate, Deallocate and Reallocate
// must be called from one goroutine at a time, since freeing an object
// through the instance that allocated it updates owner-only state
// without synchronization. Other goroutines may concurrently free this
// instance's objects through their own ShardedPool instances (the
// foreign-free path).
type ShardedPool struct {
	policy  PointerPolicy
	buckets [numShardedBuckets]shardedBucket
}

// NewShardedPool creates a ShardedPool backed by policy.
func NewShardedPool(policy PointerPolicy) *ShardedPool {
	p := &ShardedPool{policy: policy}
	for i := range p.buckets {
		p.buckets[i].index = i
		p.buckets[i].objectSize = shardedBucketSize(i)
	}
	return p
}

// Allocate returns a new object of at least size bytes, or nil on
// mapping failure (spec.md §4.2).
func (p *ShardedPool) Allocate(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	idx := shardedBucketIndex(size)
	if idx >= numShardedBuckets {
		return p.allocateLarge(size)
	}
	b := &p.buckets[idx]

	p.maintain(b)

	if b.headChunk == nil {
		if b.activeList != nil {
			chunk := b.activeList
			b.activeList = chunk.listNext
			chunk.listNext = nil
			p.drainThreaded(chunk)
			b.headChunk = chunk
		} else {
			chunk := p.newChunk(b)
			if chunk == nil {
				return nil
			}
			b.headChunk = chunk
		}
	}

	chunk := b.headChunk
	addr := decompress(chunk.base, chunk.ownerFree)
	chunk.ownerFree = readCompressedNext(addr)
	chunk.ownerCount--

	if chunk.ownerFree == 0 {
		p.retireHead(b)
	}

	return unsafe.Pointer(addr) //nolint:govet // allocator boundary: addr is a pinned policy allocation
}

// maintain advances the pending pipeline by at most one step: if the
// owner already has a pending chunk it pops exactly one into
// activeList; only when that list is empty does it steal the entire
// cross-instance pending list in a single atomic exchange (spec.md
// §4.2 step 2, §9 open question — this can inject more than one chunk
// at once, but only ever as the alternative to the owner-list pop, not
// in addition to it).
func (p *ShardedPool) maintain(b *shardedBucket) {
	if b.ownerPendingList != nil {
		chunk := b.ownerPendingList
		b.ownerPendingList = chunk.listNext
		chunk.listNext = b.activeList
		b.activeList = chunk
		return
	}

	stolen := b.threadedPendingHead.Swap(nil)
	for stolen != nil {
		next := stolen.threadedPendingNext.Load()
		stolen.threadedPendingNext.Store(nil)
		stolen.listNext = b.activeList
		b.activeList = stolen
		stolen = next
	}
}

// drainThreaded folds a chunk's threaded free list into its owner free
// list in one exchange, the handoff point where a foreign pool's
// frees become visible to the owner (spec.md §4.2 step 3a).
func (p *ShardedPool) drainThreaded(chunk *chunkHeader) {
	old := chunk.state.Swap(packState(0, 0, false))
	head, count, wasInactive := unpackState(old)
	assert(!wasInactive, "drained chunk was not inactive")
	if head == 0 {
		return
	}

	tail := decompress(chunk.base, head)
	for {
		next := readCompressedNext(tail)
		if next == 0 {
			break
		}
		tail = decompress(chunk.base, next)
	}
	writeCompressedNext(tail, chunk.ownerFree)
	chunk.ownerFree = head
	chunk.ownerCount += int(count)
}

// retireHead is called when headChunk's owner free list just emptied.
// It either keeps the chunk in rotation (enough threaded frees already
// arrived to justify an immediate revisit) or marks it inactive,
// recoverable on the next foreign free that pushes its count back over
// the threshold (spec.md §4.2 step 4, §4.8).
func (p *ShardedPool) retireHead(b *shardedBucket) {
	chunk := b.headChunk
	b.headChunk = nil

	var sw spin.Wait
	for {
		old := chunk.state.Load()
		head, count, inactive := unpackState(old)
		if inactive {
			return
		}
		if count >= reactivateThreshold {
			chunk.listNext = b.activeList
			b.activeList = chunk
			return
		}
		next := packState(head, count, true)
		if chunk.state.CompareAndSwap(old, next) {
			return
		}
		sw.Once()
	}
}

// newChunk maps a fresh chunk, over-allocating to permit aligning the
// base up to the chunk boundary, and carves it into a descending
// owner free list so the lowest address is handed out first
// (spec.md §4.2 step 3b).
func (p *ShardedPool) newChunk(b *shardedBucket) *chunkHeader {
	reservation := alignUp(2*shardedChunkBoundary-1, pageSize)
	raw := p.policy.Map(reservation)
	if raw == nil {
		return nil
	}
	rawBase := uintptr(raw)
	aligned := alignUp(rawBase, shardedChunkBoundary)

	objSize := b.objectSize
	// Compressed offset 0 doubles as the free-list's null terminator
	// (decompress/readCompressedNext treat an offset of 0 as "empty"),
	// so the object that would sit at aligned+0 is never carved into
	// the list: capacity drops by one slot, and k ranges over
	// [1, slots) rather than [0, slots).
	slots := int(shardedChunkBoundary / objSize)
	capacity := slots - 1

	chunk := &chunkHeader{
		kind:        chunkKindSlab,
		owner:       p,
		bucket:      b.index,
		base:        aligned,
		rawBase:     rawBase,
		reservation: reservation,
		length:      shardedChunkBoundary,
		objectSize:  objSize,
		capacity:    capacity,
	}

	var head uint32
	for k := slots - 1; k >= 1; k-- {
		obj := aligned + uintptr(k)*objSize
		writeCompressedNext(obj, head)
		head = compress(aligned, obj)
	}
	chunk.ownerFree = head
	chunk.ownerCount = capacity

	registerChunk(chunk)
	return chunk
}

// allocateLarge serves a request above the largest bucket from its own
// chunk, one object per chunk, page-aligned (spec.md §4.2, SPEC_FULL
// §12).
func (p *ShardedPool) allocateLarge(size uintptr) unsafe.Pointer {
	reservation := alignUp(size+shardedLargeAlignment, pageSize)
	over := reservation + shardedChunkBoundary - 1
	raw := p.policy.Map(over)
	if raw == nil {
		return nil
	}
	rawBase := uintptr(raw)
	aligned := alignUp(rawBase, shardedChunkBoundary)

	chunk := &chunkHeader{
		kind:        chunkKindLarge,
		owner:       p,
		base:        aligned,
		rawBase:     rawBase,
		reservation: over,
		length:      reservation,
	}
	registerChunk(chunk)

	return unsafe.Pointer(aligned + shardedLargeAlignment) //nolint:govet // allocator boundary
}

// Deallocate frees the object at ptr (spec.md §4.3). ptr may have been
// allocated by a different ShardedPool instance; that pool's chunk
// never needs to be allocated from again to free it.
func (p *ShardedPool) Deallocate(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	addr := uintptr(ptr)
	chunk := lookupChunk(addr)
	if chunk == nil {
		assert(false, "pointer resolves to a chunk known to this pool family")
		return
	}

	if chunk.kind == chunkKindLarge {
		unregisterChunk(chunk)
		p.policy.Unmap(unsafe.Pointer(chunk.rawBase), chunk.reservation) //nolint:govet // allocator boundary
		return
	}

	if chunk.owner == p {
		p.deallocateOwned(chunk, addr)
	} else {
		deallocateForeign(chunk, addr)
	}
}

// deallocateOwned links a freed object back onto its chunk's owner
// free list. If the chunk had gone inactive and enough objects have
// now accumulated, it is reactivated and queued for the owner's next
// maintenance step (spec.md §4.3 "Owned path").
func (p *ShardedPool) deallocateOwned(chunk *chunkHeader, addr uintptr) {
	writeCompressedNext(addr, chunk.ownerFree)
	chunk.ownerFree = compress(chunk.base, addr)
	chunk.ownerCount++

	if chunk.ownerCount < reactivateThreshold {
		return
	}

	var sw spin.Wait
	for {
		old := chunk.state.Load()
		head, count, inactive := unpackState(old)
		if !inactive {
			return
		}
		next := packState(head, count, false)
		if chunk.state.CompareAndSwap(old, next) {
			b := &chunk.owner.buckets[chunk.bucket]
			chunk.listNext = b.ownerPendingList
			b.ownerPendingList = chunk
			return
		}
		sw.Once()
	}
}

// deallocateForeign pushes a freed object onto chunk's threaded free
// list via CAS. If that push also clears the inactive flag (the
// chunk just crossed reactivateThreshold while inactive), the chunk is
// linked into its bucket's cross-instance pending list so the owner's
// next maintenance step picks it up (spec.md §4.3 "Foreign path").
func deallocateForeign(chunk *chunkHeader, addr uintptr) {
	var sw spin.Wait
	for {
		old := chunk.state.Load()
		head, count, inactive := unpackState(old)

		writeCompressedNext(addr, head)
		newCount := count + 1
		clearInactive := inactive && newCount >= reactivateThreshold
		next := packState(compress(chunk.base, addr), newCount, inactive && !clearInactive)

		if chunk.state.CompareAndSwap(old, next) {
			if clearInactive {
				pushThreadedPending(chunk)
			}
			return
		}
		sw.Once()
	}
}

// pushThreadedPending links chunk onto its bucket's cross-instance
// Treiber stack of chunks awaiting maintenance.
func pushThreadedPending(chunk *chunkHeader) {
	b := &chunk.owner.buckets[chunk.bucket]
	var sw spin.Wait
	for {
		old := b.threadedPendingHead.Load()
		chunk.threadedPendingNext.Store(old)
		if b.threadedPendingHead.CompareAndSwap(old, chunk) {
			return
		}
		sw.Once()
	}
}

// Reallocate resizes the object at ptr to n bytes, following the same
// grow-in-place-or-copy policy as ClassicPool (spec.md §4.4).
func (p *ShardedPool) Reallocate(ptr unsafe.Pointer, n uintptr) unsafe.Pointer {
	if ptr == nil {
		return p.Allocate(n)
	}
	if n == 0 {
		p.Deallocate(ptr)
		return nil
	}

	addr := uintptr(ptr)
	chunk := lookupChunk(addr)
	if chunk == nil {
		assert(false, "reallocate of a pointer resolving to a chunk known to this pool family")
		return nil
	}

	oldSize := sizeOfChunk(chunk)
	var fits bool
	switch chunk.kind {
	case chunkKindSlab:
		fits = n <= chunk.objectSize
	case chunkKindLarge:
		fits = n <= chunk.length-shardedLargeAlignment
	}
	if fits {
		return ptr
	}

	fresh := p.Allocate(n)
	if fresh == nil {
		return nil
	}
	copyBytes(uintptr(fresh), addr, minUintptr(oldSize, n))
	p.Deallocate(ptr)
	return fresh
}

// GetSize returns the usable size of the object at ptr: its class size
// for a slab object, its extent length for a large object, or 0 for a
// nil pointer (spec.md §4.4).
func (p *ShardedPool) GetSize(ptr unsafe.Pointer) uintptr {
	if ptr == nil {
		return 0
	}
	chunk := lookupChunk(uintptr(ptr))
	if chunk == nil {
		return 0
	}
	return sizeOfChunk(chunk)
}

func sizeOfChunk(chunk *chunkHeader) uintptr {
	if chunk.kind == chunkKindLarge {
		return chunk.length - shardedLargeAlignment
	}
	return chunk.objectSize
}
