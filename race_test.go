// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build race

package frg_test

// raceEnabled is true when the race detector is active.
const raceEnabled = true
