// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package frg provides a thread-aware slab memory allocator for
// freestanding and kernel-adjacent environments that supply their own
// virtual memory primitives.
//
// # Two pools
//
// [ShardedPool] is a lock-free, per-thread-owned allocator: each pool
// instance owns the chunks it allocates from, tolerates objects being
// freed by a different pool instance (a "foreign" free), and migrates
// chunks between ACTIVE, PENDING and INACTIVE states as they fill up
// and drain. There is no global lock; cross-instance communication
// happens through a CAS-managed state word per chunk and an atomic
// pending-chunk list head per bucket.
//
// [ClassicPool] is a jemalloc-inspired bucketed allocator: each
// superblock is one slab frame carved into equal-size objects, a
// per-bucket mutex guards a
// red-black tree of partially-full slabs ordered by address (so the
// lowest-address partial slab is always reused first), and large
// requests fall back to dedicated superblocks tracked by address
// alignment alone.
//
// Both pools share the same observable contract: Allocate, Deallocate,
// Reallocate and GetSize. Neither pool owns its own virtual memory;
// both are parameterized over a [PointerPolicy] or [AddressPolicy]
// supplied by the host. [NewHeapPolicy] gives a ready-to-use policy
// backed by ordinary Go allocations for hosts that have no better
// source of page-granular memory (tests, userspace harnesses).
//
// # Capabilities
//
// The classic pool detects three optional host capabilities at
// construction time via interface assertions rather than compile-time
// traits: [AlignedAddressPolicy] (map superblock-aligned regions
// directly), [PoisonPolicy] (poison freed memory for a sanitizer) and
// [TracePolicy] (emit a binary allocation/deallocation journal, see
// [cmd/frgtrace] for the offline consumer of that journal).
//
// # Concurrency
//
// The sharded pool is lock-free for its owner and uses bounded CAS
// retry loops (via code.hybscloud.com/spin) for foreign frees. The
// classic pool serializes each bucket behind a [TicketLock], a small
// FIFO ticket spinlock that falls back to code.hybscloud.com/iox's
// adaptive backoff under sustained contention, following the same
// spin-then-backoff shape code.hybscloud.com/iobuf uses for its
// bounded pool's hot path.
package frg
