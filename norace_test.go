// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !race

package frg_test

// raceEnabled is false in ordinary test runs. Kept alongside race_test.go
// so the concurrency-heavy tests that scale their iteration counts on
// raceEnabled compile whether or not -race is in effect.
const raceEnabled = false
