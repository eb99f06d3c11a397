// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frg

import (
	"fmt"
	"runtime"
)

// noCopy is embedded in types that must not be copied after first use
// (anything that embeds a mutex, a ticket lock, or otherwise hands out
// its own address into an intrusive structure). go vet's copylocks
// check flags accidental copies via the Lock/Unlock methods below.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// LogHook is the Go analogue of frigg's frg_log host hook, a sink for
// single-line diagnostics. Neither pool in this package calls it. The
// default is a no-op.
var LogHook = func(string) {}

// PanicHook is invoked when one of the pools' assertions fails: a
// pointer that resolves to no frame or chunk of the pool, a sized free
// larger than its class or extent, and the other precondition checks
// made through assert. Freelist corruption and double frees of slab
// objects are not checked for. It is the Go
// analogue of frigg's frg_panic host hook. The default calls panic;
// hosts running without goroutine recovery (e.g. a true freestanding
// kernel build) should replace it with a function that halts instead.
//
// PanicHook must not return: callers treat it as a diverging call to
// decide what to run afterwards.
var PanicHook = func(string) {}

func init() {
	PanicHook = func(msg string) { panic(msg) }
}

// assert mirrors frigg's FRG_ASSERT macro: on failure it formats the
// failing expression the way frigg's assertion message does
// ("file:line: Assertion 'expr' failed!") and calls PanicHook.
func assert(cond bool, expr string) {
	if cond {
		return
	}
	_, file, line, _ := runtime.Caller(1)
	PanicHook(fmt.Sprintf("%s:%d: Assertion '%s' failed!", file, line, expr))
}
