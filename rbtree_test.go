// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frg

import (
	"math/rand"
	"testing"
)

func TestPartialTreeFirstTracksLowestAddress(t *testing.T) {
	var tree partialTree
	addrs := []uintptr{500, 100, 900, 300, 700, 200}
	frames := make([]*slabFrame, len(addrs))
	for i, a := range addrs {
		frames[i] = &slabFrame{address: a}
		tree.insert(frames[i])
		assertBST(t, &tree)
	}

	if got := tree.first(); got.address != 100 {
		t.Fatalf("first() = %d, want 100", got.address)
	}
}

// TestPartialTreeRemoveKeepsBSTOrder inserts a batch of frames, removes
// them one at a time in a different order, and after every removal
// walks the tree to check the in-order sequence of addresses is still
// sorted — the property the tree exists to provide head-slab lookup on.
func TestPartialTreeRemoveKeepsBSTOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const n = 200

	addrs := make([]uintptr, n)
	for i := range addrs {
		addrs[i] = uintptr(rng.Intn(1 << 20))
	}

	var tree partialTree
	frames := make([]*slabFrame, n)
	seen := make(map[uintptr]bool, n)
	for i, a := range addrs {
		for seen[a] {
			a++
		}
		seen[a] = true
		addrs[i] = a
		frames[i] = &slabFrame{address: a}
		tree.insert(frames[i])
	}
	assertBST(t, &tree)

	order := rng.Perm(n)
	for _, idx := range order {
		tree.remove(frames[idx])
		assertBST(t, &tree)
	}

	if tree.root != nil {
		t.Fatalf("tree should be empty after removing every node")
	}
}

func TestPartialTreeRemoveRootLeavesValidTree(t *testing.T) {
	var tree partialTree
	f1 := &slabFrame{address: 10}
	f2 := &slabFrame{address: 20}
	f3 := &slabFrame{address: 30}
	tree.insert(f1)
	tree.insert(f2)
	tree.insert(f3)

	// Three ascending inserts rotate f2 (20) up to the root.
	tree.remove(f2)
	assertBST(t, &tree)
	if got := tree.first(); got.address != 10 {
		t.Fatalf("first() after removing the root = %d, want 10", got.address)
	}
}

// assertBST walks the tree in order and fails if addresses aren't
// strictly increasing, or if any red-black color/parent-link invariant
// is visibly broken.
func assertBST(t *testing.T, tree *partialTree) {
	t.Helper()
	var prev *uintptr
	var walk func(n *slabFrame)
	walk = func(n *slabFrame) {
		if n == nil {
			return
		}
		if n.rbLeft != nil && n.rbLeft.rbParent != n {
			t.Fatalf("left child of %d has parent %v, want %d", n.address, n.rbLeft.rbParent, n.address)
		}
		if n.rbRight != nil && n.rbRight.rbParent != n {
			t.Fatalf("right child of %d has parent %v, want %d", n.address, n.rbRight.rbParent, n.address)
		}
		walk(n.rbLeft)
		if prev != nil && *prev >= n.address {
			t.Fatalf("in-order walk not increasing: %d then %d", *prev, n.address)
		}
		addr := n.address
		prev = &addr
		walk(n.rbRight)
	}
	walk(tree.root)
	if tree.root != nil && tree.root.rbRed {
		t.Fatal("root must be black")
	}
}
