// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frg

import "unsafe"

// Classic pool size classes (spec.md §3, §4.1): four hard-coded tiny
// sizes, then a geometric progression that doubles every bucket
// (stepExponent 0) starting at 128 B, for 13 buckets total topping out
// at 32 KiB. Requests above that go through allocateLarge.
const (
	numTinyBuckets = 4
	baseExponent   = 7 // 2^7 == 128, the first geometric bucket's size
	stepExponent   = 0
	numBuckets     = 13
)

var tinySizes = [numTinyBuckets]uintptr{8, 16, 32, 64}

// bucketToSize returns the object size of bucket i, 0 <= i < numBuckets.
func bucketToSize(i int) uintptr {
	if i < numTinyBuckets {
		return tinySizes[i]
	}
	shift := uint(i-numTinyBuckets) >> stepExponent
	return uintptr(1) << (uint(baseExponent) + shift)
}

// sizeToBucket returns the smallest bucket whose size is >= n, or
// numBuckets if n exceeds the largest bucket (the large-object path).
func sizeToBucket(n uintptr) int {
	if n <= tinySizes[numTinyBuckets-1] {
		for i, s := range tinySizes {
			if n <= s {
				return i
			}
		}
	}
	lg := ceilLog2(n)
	if lg < baseExponent {
		lg = baseExponent
	}
	idx := numTinyBuckets + int(lg) - baseExponent
	if idx >= numBuckets {
		return numBuckets
	}
	return idx
}

// Go has no build-time execution of arbitrary expressions, so the
// self-test spec.md §4.1 describes ("size_to_bucket(bucket_to_size(i))
// == i, and the same one past every boundary") runs here instead, once,
// at package init.
func init() {
	for i := 0; i < numBuckets; i++ {
		assert(sizeToBucket(bucketToSize(i)) == i, "sizeToBucket(bucketToSize(i)) == i")
	}
	for i := 0; i < numBuckets-1; i++ {
		assert(sizeToBucket(bucketToSize(i)+1) == i+1, "sizeToBucket(bucketToSize(i)+1) == i+1")
	}
}

// defaultSuperblockSize matches frigg's slab_pool default (spec.md §3).
const defaultSuperblockSize = 256 * 1024

// hugePadding precedes every large object by exactly one page so a
// large object's address is always page-aligned (spec.md §4.5,
// SPEC_FULL §12), matching the sharded pool's own large-object
// alignment even though the two pools never share a frame type.
const hugePadding = pageSize

type frameKind uint8

const (
	frameKindSlab frameKind = iota
	frameKindLarge
)

// slabFrame is the metadata record for one superblock. frigg's C++
// slab_frame/large_frame are placed directly at the base of the region
// they describe; that trick does not survive translation to Go, since
// a manually mapped byte region has no static type the garbage
// collector can scan, and this struct holds live Go pointers (rbLeft,
// rbRight, bucket). spec.md §9 anticipates exactly this: "model the
// chunk as an arena indexed by compressed offsets; the header is an
// index-0 record" — here the "arena index" is ClassicPool.frames, a
// side table keyed by the frame's aligned base address, and slabFrame
// itself lives in ordinary Go memory rather than inside the mapping.
//
// One consequence: a slab frame reserves no header space inside its
// own superblock (headerOffset is effectively 0), since nothing needs
// to be read back out of the raw bytes except object payloads and
// freelist links. Large frames keep hugePadding regardless, since that
// offset is a page-alignment guarantee on the object address itself,
// not a header storage requirement.
type slabFrame struct {
	rbLeft, rbRight, rbParent *slabFrame
	rbRed                     bool

	kind frameKind

	sbBase        uintptr // raw base handed to the policy's Map
	sbReservation uintptr // raw size to pass back to Unmap
	address       uintptr // aligned frame base (superblock boundary)
	length        uintptr // usable length from address: superblockSize for a slab frame, the mapped page-rounded extent for a large frame

	bucket *classicBucket // nil for large frames

	objectBase uintptr // address of the first carveable object
	freeHead   uintptr // head of this frame's freelist, 0 == empty
	numFree    int
	numTotal   int
}

// classicBucket holds the state for one size class: the slab currently
// being carved from (headSlab) and the ordered set of every
// partially-full slab, the head included, so the lowest-address partial
// slab is always the next head (spec.md §3, §4.5).
type classicBucket struct {
	_          noCopy
	mu         TicketLock
	index      int
	objectSize uintptr
	headSlab   *slabFrame
	partial    partialTree
}

// ClassicPoolOption configures a ClassicPool at construction time.
type ClassicPoolOption func(*ClassicPool)

// WithRegionTracking enables the optional frame-tracking tree
// (frigg's FRG_SLAB_TRACK_REGIONS). With it enabled, every live large
// frame is also kept in a locked red-black tree (regionTree): inserted
// by Allocate and removed by Deallocate, one extra locked tree
// operation each (spec.md §4.5, SPEC_FULL §12). The tree is not
// consulted to validate a free; a pointer that resolves to no frame of
// this pool fails an assertion through the frames side table whether
// or not tracking is enabled. Off by default, matching the original's
// default build.
func WithRegionTracking() ClassicPoolOption {
	return func(p *ClassicPool) { p.regionTracking = true }
}

// WithSuperblockSize overrides the default 256 KiB superblock size.
// size must be a power of two no smaller than a page.
func WithSuperblockSize(size uintptr) ClassicPoolOption {
	return func(p *ClassicPool) {
		assert(isPowerOfTwo(size) && size >= pageSize, "superblock size is a page-aligned power of two")
		p.superblockSize = size
	}
}

// ClassicPool is a jemalloc-inspired bucketed slab allocator (spec.md
// §2-§4.5-4.9, §9). See the package doc for the contract it shares
// with ShardedPool.
type ClassicPool struct {
	policy        AddressPolicy
	alignedPolicy AlignedAddressPolicy // non-nil when policy satisfies it
	poison        PoisonPolicy         // non-nil when policy satisfies it
	trace         TracePolicy          // non-nil when policy satisfies it

	superblockSize uintptr
	buckets        [numBuckets]classicBucket

	framesMu TicketLock
	frames   map[uintptr]*slabFrame // keyed by every superblockSize-aligned boundary a frame covers

	regionTracking bool
	regionMu       TicketLock
	regionTree     partialTree // large frames only, see WithRegionTracking
}

// NewClassicPool creates a ClassicPool backed by policy. If policy
// also implements [AlignedAddressPolicy], [PoisonPolicy], or
// [TracePolicy], the corresponding optional behavior is enabled
// automatically — the capability-interface substitution for frigg's
// compile-time trait detection (spec.md §9).
func NewClassicPool(policy AddressPolicy, opts ...ClassicPoolOption) *ClassicPool {
	p := &ClassicPool{
		policy:         policy,
		superblockSize: defaultSuperblockSize,
		frames:         make(map[uintptr]*slabFrame),
	}
	if ap, ok := policy.(AlignedAddressPolicy); ok {
		p.alignedPolicy = ap
	}
	if pp, ok := policy.(PoisonPolicy); ok {
		p.poison = pp
	}
	if tp, ok := policy.(TracePolicy); ok {
		p.trace = tp
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := range p.buckets {
		p.buckets[i].index = i
		p.buckets[i].objectSize = bucketToSize(i)
	}
	return p
}

// mapSuperblock obtains a size-byte region aligned to the pool's
// superblock size, using the policy's aligned-map overload when
// available and falling back to overallocate-then-align otherwise
// (spec.md §4.5 step 3, §6).
func (p *ClassicPool) mapSuperblock(size uintptr) (sbBase, sbReservation, aligned uintptr) {
	if p.alignedPolicy != nil {
		base := p.alignedPolicy.MapAligned(size, p.superblockSize)
		return base, size, base
	}
	reservation := size + p.superblockSize - 1
	base := p.policy.Map(reservation)
	if base == 0 {
		return 0, 0, 0
	}
	return base, reservation, alignUp(base, p.superblockSize)
}

// registerFrame indexes frame under every superblockSize boundary its
// extent covers, so lookupFrame can recover it from any address inside
// by alignment-down alone. Slab frames cover exactly one boundary;
// large frames may span several.
func (p *ClassicPool) registerFrame(frame *slabFrame) {
	p.framesMu.Lock()
	for off := uintptr(0); off < frame.length; off += p.superblockSize {
		p.frames[frame.address+off] = frame
	}
	p.framesMu.Unlock()
}

func (p *ClassicPool) unregisterFrame(frame *slabFrame) {
	p.framesMu.Lock()
	for off := uintptr(0); off < frame.length; off += p.superblockSize {
		delete(p.frames, frame.address+off)
	}
	p.framesMu.Unlock()
}

func (p *ClassicPool) lookupFrame(addr uintptr) *slabFrame {
	base := alignDown(addr, p.superblockSize)
	p.framesMu.Lock()
	frame := p.frames[base]
	p.framesMu.Unlock()
	return frame
}

// Allocate returns a new object of at least n bytes, or 0 on mapping
// failure (spec.md §2, §4.5).
func (p *ClassicPool) Allocate(n uintptr) uintptr {
	if n == 0 {
		return 0
	}
	idx := sizeToBucket(n)
	if idx >= numBuckets {
		return p.allocateLarge(n)
	}

	b := &p.buckets[idx]
	b.mu.Lock()
	if b.headSlab == nil {
		b.mu.Unlock()
		frame := p.newSlabFrame(b)
		if frame == nil {
			return 0
		}
		b.mu.Lock()
		b.headSlab = frame
		b.partial.insert(frame)
	}

	frame := b.headSlab
	addr := frame.freeHead
	frame.freeHead = readFreeNext(addr)
	frame.numFree--
	if frame.numFree == 0 {
		b.partial.remove(frame)
		b.headSlab = b.partial.first()
	}
	b.mu.Unlock()

	if p.poison != nil {
		p.poison.Unpoison(unsafe.Pointer(addr), n) //nolint:govet // allocator boundary: addr is a pinned policy allocation
	}
	if p.trace != nil && p.trace.EnableTrace() {
		emitTrace(p.trace, 'a', addr, n)
	}
	return addr
}

// newSlabFrame maps a fresh superblock, carves it into bucket-size
// objects linked in descending order (so the lowest address is handed
// out first, the same ordering the sharded pool's chunk construction
// uses), registers it, and returns it ready to become a bucket's head.
func (p *ClassicPool) newSlabFrame(b *classicBucket) *slabFrame {
	sbBase, sbReservation, aligned := p.mapSuperblock(p.superblockSize)
	if aligned == 0 {
		return nil
	}

	objSize := b.objectSize
	usable := p.superblockSize
	numTotal := int(usable / objSize)

	frame := &slabFrame{
		kind:          frameKindSlab,
		sbBase:        sbBase,
		sbReservation: sbReservation,
		address:       aligned,
		length:        usable,
		bucket:        b,
		objectBase:    aligned,
		numTotal:      numTotal,
		numFree:       numTotal,
	}

	var head uintptr
	for k := numTotal - 1; k >= 0; k-- {
		obj := frame.objectBase + uintptr(k)*objSize
		writeFreeNext(obj, head)
		head = obj
	}
	frame.freeHead = head

	p.registerFrame(frame)

	if p.poison != nil {
		p.poison.Poison(unsafe.Pointer(frame.objectBase), usable) //nolint:govet // allocator boundary
	}

	return frame
}

// allocateLarge serves a request above the largest bucket directly
// from its own superblock-aligned extent (spec.md §4.5).
func (p *ClassicPool) allocateLarge(n uintptr) uintptr {
	reservation := alignUp(n+hugePadding, pageSize)

	var sbBase, sbReservation, aligned uintptr
	if p.alignedPolicy != nil {
		aligned = p.alignedPolicy.MapAligned(reservation, p.superblockSize)
		sbBase, sbReservation = aligned, reservation
	} else {
		over := reservation + p.superblockSize - 1
		sbBase = p.policy.Map(over)
		if sbBase == 0 {
			return 0
		}
		sbReservation = over
		aligned = alignUp(sbBase, p.superblockSize)
	}
	if aligned == 0 {
		return 0
	}

	frame := &slabFrame{
		kind:          frameKindLarge,
		sbBase:        sbBase,
		sbReservation: sbReservation,
		address:       aligned,
		length:        reservation,
		objectBase:    aligned + hugePadding,
		numTotal:      1,
	}

	p.registerFrame(frame)
	if p.regionTracking {
		p.regionMu.Lock()
		p.regionTree.insert(frame)
		p.regionMu.Unlock()
	}
	if p.poison != nil {
		p.poison.Unpoison(unsafe.Pointer(frame.objectBase), n) //nolint:govet // allocator boundary
	}
	if p.trace != nil && p.trace.EnableTrace() {
		emitTrace(p.trace, 'a', frame.objectBase, n)
	}
	return frame.objectBase
}

// Deallocate frees the object at addr (spec.md §4.6).
func (p *ClassicPool) Deallocate(addr uintptr) {
	p.deallocate(addr, 0, false)
}

// DeallocateSized frees the object at addr, asserting n is within its
// class size or large-extent length (spec.md §4.6). Because a
// grow-in-place Reallocate only ever widens within the same class, a
// caller that passes the pre-grow size here is not rejected — the
// assertion checks against the class size, not the user-visible size,
// reproducing the original's lenient behavior (spec.md §9 open
// question).
func (p *ClassicPool) DeallocateSized(addr, n uintptr) {
	p.deallocate(addr, n, true)
}

func (p *ClassicPool) deallocate(addr, n uintptr, sized bool) {
	if addr == 0 {
		return
	}
	frame := p.lookupFrame(addr)
	if frame == nil {
		assert(false, "pointer resolves to a frame owned by this pool")
		return
	}

	if frame.kind == frameKindLarge {
		if sized {
			assert(n <= frame.length-hugePadding, "sized free within large extent length")
		}
		if p.regionTracking {
			p.regionMu.Lock()
			p.regionTree.remove(frame)
			p.regionMu.Unlock()
		}
		if p.poison != nil {
			p.poison.Poison(unsafe.Pointer(frame.objectBase), frame.length-hugePadding) //nolint:govet // allocator boundary
		}
		p.unregisterFrame(frame)
		p.policy.Unmap(frame.sbBase, frame.sbReservation)
		if p.trace != nil && p.trace.EnableTrace() {
			emitTrace(p.trace, 'f', addr, 0)
		}
		return
	}

	b := frame.bucket
	if sized {
		assert(n <= b.objectSize, "sized free within class size")
	}
	if p.poison != nil {
		p.poison.Poison(unsafe.Pointer(addr), b.objectSize) //nolint:govet // allocator boundary
	}

	b.mu.Lock()
	wasFull := frame.numFree == 0
	writeFreeNext(addr, frame.freeHead)
	frame.freeHead = addr
	frame.numFree++
	if wasFull {
		b.partial.insert(frame)
		if b.headSlab == nil || frame.address < b.headSlab.address {
			b.headSlab = frame
		}
	}
	b.mu.Unlock()

	if p.trace != nil && p.trace.EnableTrace() {
		emitTrace(p.trace, 'f', addr, 0)
	}
}

// Reallocate resizes the object at addr to n bytes, following the same
// policy in both pools: grow-in-place when the current class/extent
// still fits, otherwise allocate fresh, copy, and free the original
// (spec.md §4.4, §4.6).
func (p *ClassicPool) Reallocate(addr, n uintptr) uintptr {
	if addr == 0 {
		return p.Allocate(n)
	}
	if n == 0 {
		p.Deallocate(addr)
		return 0
	}

	frame := p.lookupFrame(addr)
	if frame == nil {
		assert(false, "reallocate of a pointer resolving to a frame owned by this pool")
		return 0
	}

	oldSize := p.frameSize(frame)
	fits := false
	switch frame.kind {
	case frameKindSlab:
		fits = n <= frame.bucket.objectSize
	case frameKindLarge:
		fits = n <= frame.length-hugePadding
	}
	if fits {
		if p.poison != nil {
			p.poison.UnpoisonExpand(unsafe.Pointer(addr), n) //nolint:govet // allocator boundary
		}
		return addr
	}

	fresh := p.Allocate(n)
	if fresh == 0 {
		return 0
	}
	copyBytes(fresh, addr, minUintptr(oldSize, n))
	p.Deallocate(addr)
	return fresh
}

// GetSize returns the usable size of the object at addr: its class
// size for a slab object, its extent length for a large object, or 0
// for a nil pointer (spec.md §4.4, §4.6).
func (p *ClassicPool) GetSize(addr uintptr) uintptr {
	if addr == 0 {
		return 0
	}
	frame := p.lookupFrame(addr)
	if frame == nil {
		return 0
	}
	return p.frameSize(frame)
}

func (p *ClassicPool) frameSize(frame *slabFrame) uintptr {
	if frame.kind == frameKindLarge {
		return frame.length - hugePadding
	}
	return frame.bucket.objectSize
}

func readFreeNext(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr)) //nolint:govet // allocator boundary: intrusive freelist link
}

func writeFreeNext(addr, next uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = next //nolint:govet // allocator boundary: intrusive freelist link
}

func copyBytes(dst, src, n uintptr) {
	if n == 0 {
		return
	}
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n) //nolint:govet // allocator boundary
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n) //nolint:govet // allocator boundary
	copy(d, s)
}

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}
