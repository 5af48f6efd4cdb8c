// File: device/wait.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion wait protocol. Any number of goroutines may wait; exactly one
// at a time is elected reader of the kernel notification channel, performs a
// poll/read cycle, refreshes every event slot, and then wakes all blocked
// waiters so each rechecks its own condition. Total lock traffic is bounded
// by the number of waiters per cycle, not one kernel read per waiter.
//
// The deadline condition variable is built from gateMu plus a broadcast
// channel that is closed and replaced under the lock. A waiter snapshots the
// channel while still holding gateMu, so a wakeup cannot slip between its
// condition check and its block: that is the lost-wakeup guard.

package device

import "time"

// WaitCtx is one caller invocation of the wait protocol. It is not safe for
// concurrent use; every WaitInit must be paired with Close.
type WaitCtx struct {
	d        *Device
	deadline time.Time
	hasGate  bool // HOLDING_CONDVAR_LOCK
	hasRead  bool // HOLDING_READER_LOCK
}

// WaitInit starts a wait cycle with an absolute deadline derived from
// timeout.
func (d *Device) WaitInit(timeout time.Duration) *WaitCtx {
	return &WaitCtx{d: d, deadline: time.Now().Add(timeout)}
}

// signalWaiters wakes every goroutine blocked in WaitForEvent. The gate lock
// must be taken here: otherwise a waiter could be between its reader-lock
// attempt and its block, and miss the broadcast.
func (d *Device) signalWaiters() {
	d.gateMu.Lock()
	close(d.wake)
	d.wake = make(chan struct{})
	d.gateMu.Unlock()
}

// WaitForEvent advances the protocol by one step and reports whether the
// caller should recheck its condition. False means the deadline elapsed;
// Close must still be called.
//
// The first call only acquires the gate and returns immediately, so callers
// can check quiescence before ever blocking.
func (w *WaitCtx) WaitForEvent() bool {
	d := w.d

	// The reader never touches the gate: it would deadlock against its own
	// broadcast at the end of the cycle.
	if !w.hasGate && !w.hasRead {
		d.gateMu.Lock()
		w.hasGate = true
		return true
	}

	if !w.hasRead {
		if d.readMu.TryLock() {
			// Elected reader for this cycle.
			w.hasRead = true
			d.gateMu.Unlock()
			w.hasGate = false
		} else {
			// Another goroutine is reading completions. Snapshot the
			// wake channel under the gate, then block until broadcast
			// or deadline. A wakeup does not mean completions were
			// processed for us, only that we should recheck.
			ch := d.wake
			d.gateMu.Unlock()
			w.hasGate = false

			woken := true
			timeout := time.Until(w.deadline)
			if timeout <= 0 {
				woken = false
				select {
				case <-ch:
					woken = true
				default:
				}
			} else {
				timer := time.NewTimer(timeout)
				select {
				case <-ch:
					timer.Stop()
				case <-timer.C:
					woken = false
				}
			}

			d.gateMu.Lock()
			w.hasGate = true
			return woken
		}
	}

	event := d.backend.pollEvent(d, nsUntil(w.deadline))
	if err := d.backend.handleEvents(d); err != nil {
		d.logf("event read cycle: %v", err)
	}
	d.signalWaiters()
	return event
}

// Close releases whichever protocol lock is held and, when the caller was
// the reader, re-broadcasts so a new reader can be elected.
func (w *WaitCtx) Close() {
	d := w.d
	if w.hasRead {
		d.readMu.Unlock()
		w.hasRead = false
		d.signalWaiters()
	} else if w.hasGate {
		d.gateMu.Unlock()
	}
	w.hasGate = false
}

// EnsureHandleEvents opportunistically runs one read cycle. If the reader
// lock is contended, events have recently been or are about to be handled,
// and there is nothing to do.
func (d *Device) EnsureHandleEvents() {
	if d.readMu.TryLock() {
		if err := d.backend.handleEvents(d); err != nil {
			d.logf("event read cycle: %v", err)
		}
		d.readMu.Unlock()
		d.signalWaiters()
	}
}

// nsUntil clamps the remaining time to a non-negative nanosecond count for
// the kernel poll.
func nsUntil(deadline time.Time) int64 {
	ns := time.Until(deadline).Nanoseconds()
	if ns < 0 {
		return 0
	}
	return ns
}

func nsToDuration(ns int64) time.Duration { return time.Duration(ns) }
