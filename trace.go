// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frg

import "encoding/binary"

// maxTraceFrames bounds how many stack-frame words a single trace
// record carries (spec.md §6).
const maxTraceFrames = 12

// traceTerminator closes every trace record regardless of kind.
const traceTerminator = uint64(0xA5A5A5A5A5A5A5A5)

// traceRecordCap is the largest a single record can be: type byte +
// pointer word + size word + 12 frame words + terminator word.
const traceRecordCap = 1 + 8 + 8 + maxTraceFrames*8 + 8

// emitTrace builds one wire-format trace record and hands it to tp in
// a single OutputTrace call. kind is 'a' for an allocation record
// (which carries a size word) or 'f' for a deallocation record (which
// does not). WalkStack may call its visitor fewer than 12 times, or
// not at all; emitTrace tolerates both.
func emitTrace(tp TracePolicy, kind byte, addr, size uintptr) {
	var buf [traceRecordCap]byte
	n := 0

	buf[n] = kind
	n++

	binary.LittleEndian.PutUint64(buf[n:], uint64(addr))
	n += 8

	if kind == 'a' {
		binary.LittleEndian.PutUint64(buf[n:], uint64(size))
		n += 8
	}

	frames := 0
	tp.WalkStack(func(pc uintptr) {
		if frames >= maxTraceFrames {
			return
		}
		binary.LittleEndian.PutUint64(buf[n:], uint64(pc))
		n += 8
		frames++
	})

	binary.LittleEndian.PutUint64(buf[n:], traceTerminator)
	n += 8

	tp.OutputTrace(buf[:n])
}
