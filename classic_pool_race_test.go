// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frg_test

import (
	"sync"
	"testing"

	"github.com/frigg-go/frg"
)

// TestClassicPoolRaceSharedBucketAndRegionTree stresses the two locks
// a ClassicPool serializes on: a size bucket's TicketLock and (when
// region tracking is enabled) the region red-black tree's lock. Many
// goroutines allocate, free, and reallocate across a handful of sizes
// that collide on the same buckets, so the race detector has a real
// chance at catching an unguarded access if one exists.
func TestClassicPoolRaceSharedBucketAndRegionTree(t *testing.T) {
	goroutines := 32
	iterations := 4000
	if raceEnabled {
		iterations = 400
	}

	pool := frg.NewClassicPool(frg.NewHeapPolicy().Address(), frg.WithRegionTracking())
	sizes := []uintptr{32, 64, 512, 4096, 1024 * 1024}

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			size := sizes[id%len(sizes)]
			for i := 0; i < iterations; i++ {
				addr := pool.Allocate(size)
				if addr == 0 {
					t.Errorf("goroutine %d: Allocate(%d) failed at %d", id, size, i)
					return
				}
				grown := pool.Reallocate(addr, size*2)
				if grown == 0 {
					t.Errorf("goroutine %d: Reallocate failed at %d", id, i)
					return
				}
				pool.Deallocate(grown)
			}
		}(g)
	}
	wg.Wait()
}

// TestClassicPoolRaceCrossGoroutineFree allocates every object from one
// goroutine and frees it from another, exercising the path where a
// bucket's TicketLock is taken by a goroutine that never allocated into
// it.
func TestClassicPoolRaceCrossGoroutineFree(t *testing.T) {
	count := 5000
	if raceEnabled {
		count = 500
	}

	pool := frg.NewClassicPool(frg.NewHeapPolicy().Address())
	objs := make(chan uintptr, count)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(objs)
		for i := 0; i < count; i++ {
			addr := pool.Allocate(128)
			if addr == 0 {
				t.Error("Allocate failed")
				return
			}
			objs <- addr
		}
	}()
	go func() {
		defer wg.Done()
		for addr := range objs {
			pool.Deallocate(addr)
		}
	}()
	wg.Wait()
}
