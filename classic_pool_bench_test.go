// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frg_test

import (
	"sync"
	"testing"

	"github.com/frigg-go/frg"
)

func BenchmarkClassicPool_AllocateDeallocate_Tiny(b *testing.B) {
	pool := frg.NewClassicPool(frg.NewHeapPolicy().Address())
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			addr := pool.Allocate(16)
			if addr == 0 {
				b.Fatal("Allocate failed")
			}
			pool.Deallocate(addr)
		}
	})
}

func BenchmarkClassicPool_AllocateDeallocate_128B(b *testing.B) {
	pool := frg.NewClassicPool(frg.NewHeapPolicy().Address())
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			addr := pool.Allocate(128)
			if addr == 0 {
				b.Fatal("Allocate failed")
			}
			pool.Deallocate(addr)
		}
	})
}

func BenchmarkClassicPool_AllocateDeallocate_Large(b *testing.B) {
	pool := frg.NewClassicPool(frg.NewHeapPolicy().Address())
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			addr := pool.Allocate(1024 * 1024)
			if addr == 0 {
				b.Fatal("Allocate failed")
			}
			pool.Deallocate(addr)
		}
	})
}

// BenchmarkClassicPool_MsgPass adapts the message-passing benchmark
// frigg's own benchmark suite runs against slab_pool, sharded_slab::pool,
// and system malloc side by side: each goroutine allocates a batch of
// small nodes and pushes them onto a random peer's queue, then drains
// and frees whatever landed on its own.
func BenchmarkClassicPool_MsgPass(b *testing.B) {
	for _, n := range []int{1, 2, 4, 8} {
		b.Run(benchName(n), func(b *testing.B) {
			pool := frg.NewClassicPool(frg.NewHeapPolicy().Address())
			runMsgPassBenchmark(b, n, func() allocator {
				return classicAllocator{pool}
			})
		})
	}
}

type classicAllocator struct{ pool *frg.ClassicPool }

func (a classicAllocator) allocate(n uintptr) uintptr { return a.pool.Allocate(n) }
func (a classicAllocator) deallocate(addr uintptr)    { a.pool.Deallocate(addr) }

func benchName(n int) string {
	switch n {
	case 1:
		return "threads=1"
	case 2:
		return "threads=2"
	case 4:
		return "threads=4"
	default:
		return "threads=8"
	}
}

type allocator interface {
	allocate(n uintptr) uintptr
	deallocate(addr uintptr)
}

// msgQueue is the Go analogue of frigg's own benchmark message_queue: a
// mutex-guarded inbox one goroutine pushes into and its owner later
// drains in full, once every sender has finished the send phase.
type msgQueue struct {
	mu   sync.Mutex
	objs []uintptr
}

func (q *msgQueue) push(addr uintptr) {
	q.mu.Lock()
	q.objs = append(q.objs, addr)
	q.mu.Unlock()
}

func (q *msgQueue) drain() []uintptr {
	q.mu.Lock()
	objs := q.objs
	q.objs = nil
	q.mu.Unlock()
	return objs
}

const objectsPerGoroutine = 2000
const msgNodeSize = uintptr(8)

func runMsgPassBenchmark(b *testing.B, goroutines int, newAllocator func() allocator) {
	queues := make([]msgQueue, goroutines)

	b.ReportAllocs()
	b.ResetTimer()
	for iter := 0; iter < b.N; iter++ {
		var sendDone, allDone sync.WaitGroup
		sendDone.Add(goroutines)
		allDone.Add(goroutines)
		for g := 0; g < goroutines; g++ {
			go func(id int) {
				defer allDone.Done()
				a := newAllocator()
				rng := uint32(id) + 1
				for i := 0; i < objectsPerGoroutine; i++ {
					addr := a.allocate(msgNodeSize)
					if addr == 0 {
						b.Error("allocate failed")
						sendDone.Done()
						return
					}
					rng = rng*1664525 + 1013904223
					queues[int(rng)%goroutines].push(addr)
				}
				sendDone.Done()
				sendDone.Wait()

				for _, addr := range queues[id].drain() {
					a.deallocate(addr)
				}
			}(g)
		}
		allDone.Wait()
	}
}
