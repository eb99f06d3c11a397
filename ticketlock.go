// Copyright 2025 The frg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frg

import (
	"sync/atomic"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
)

// ticketSpinLimit bounds how many local spin-wait steps a contended
// TicketLock takes before it falls back to an adaptive backoff. Bucket
// critical sections are expected to be short (spec.md §5), so most
// contention resolves within this many spins; sustained contention
// (e.g. a burst of frees from many goroutines against one bucket) is
// the case the backoff exists for.
const ticketSpinLimit = 64

// TicketLock is a FIFO spinlock over a 32-bit next/serving ticket
// pair, satisfying the Mutex contract spec.md §6 describes (the
// frigg repo's own ticket_spinlock). ClassicPool uses one TicketLock
// per bucket and one for its region-tracking tree.
//
// Unlike frigg's ticket_spinlock, which spins unconditionally,
// TicketLock spins locally for a bounded number of steps and then
// yields to an adaptive backoff (code.hybscloud.com/iox.Backoff) —
// the same spin-then-backoff shape code.hybscloud.com/iobuf's
// BoundedPool uses on its hot path, appropriate here since goroutines
// are preemptible and unbounded busy-waiting would burn a core that
// could otherwise run the lock holder.
type TicketLock struct {
	_       noCopy
	next    atomic.Uint32
	serving atomic.Uint32
}

// Lock acquires the ticket lock, blocking until it is this caller's
// turn.
func (l *TicketLock) Lock() {
	ticket := l.next.Add(1) - 1
	if l.serving.Load() == ticket {
		return
	}

	var sw spin.Wait
	var bo iox.Backoff
	for spins := 0; l.serving.Load() != ticket; spins++ {
		if spins < ticketSpinLimit {
			sw.Once()
			continue
		}
		bo.Wait()
	}
}

// Unlock releases the ticket lock, admitting the next waiter.
func (l *TicketLock) Unlock() {
	l.serving.Add(1)
}
