// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frg

import "testing"

func TestFloorLog2(t *testing.T) {
	cases := []struct {
		n    uintptr
		want uint
	}{
		{1, 0}, {2, 1}, {3, 1}, {4, 2}, {5, 2}, {7, 2}, {8, 3},
		{1023, 9}, {1024, 10}, {1 << 30, 30},
	}
	for _, c := range cases {
		if got := floorLog2(c.n); got != c.want {
			t.Errorf("floorLog2(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestCeilLog2(t *testing.T) {
	cases := []struct {
		n    uintptr
		want uint
	}{
		{1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 3}, {9, 4},
		{1024, 10}, {1025, 11},
	}
	for _, c := range cases {
		if got := ceilLog2(c.n); got != c.want {
			t.Errorf("ceilLog2(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for n := uintptr(1); n <= 1<<20; n <<= 1 {
		if !isPowerOfTwo(n) {
			t.Errorf("isPowerOfTwo(%d) = false, want true", n)
		}
	}
	for _, n := range []uintptr{3, 5, 6, 7, 9, 100, 1023} {
		if isPowerOfTwo(n) {
			t.Errorf("isPowerOfTwo(%d) = true, want false", n)
		}
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ n, align, want uintptr }{
		{0, 8, 0}, {1, 8, 8}, {8, 8, 8}, {9, 8, 16},
		{4095, 4096, 4096}, {4096, 4096, 4096}, {4097, 4096, 8192},
	}
	for _, c := range cases {
		if got := alignUp(c.n, c.align); got != c.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", c.n, c.align, got, c.want)
		}
	}
}

func TestAlignDown(t *testing.T) {
	cases := []struct{ n, align, want uintptr }{
		{0, 8, 0}, {1, 8, 0}, {8, 8, 8}, {15, 8, 8},
		{4095, 4096, 0}, {4096, 4096, 4096}, {8191, 4096, 4096},
	}
	for _, c := range cases {
		if got := alignDown(c.n, c.align); got != c.want {
			t.Errorf("alignDown(%d, %d) = %d, want %d", c.n, c.align, got, c.want)
		}
	}
}
