// File: device/events.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Event slot arena. One slot per logical hardware queue: the highest
// completion counter observed, the highest counter submitted, and an ordered
// queue of pending callbacks. Targets are registered in non-decreasing
// order per slot, so the pending queue is append-at-back, fire-from-front.

package device

import (
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/momentics/kbase-go/api"
)

type syncLink struct {
	seq  uint64
	cb   api.Callback
	data any
}

type eventSlot struct {
	last       uint64
	lastSubmit uint64
	pending    *queue.Queue // of *syncLink, in target order
	fault      error        // recorded device fault, observed by waiters
}

// ensureSlotLocked grows the arena so index i exists. Caller holds queueMu.
// Slot acquisition stays O(1) amortized; indices are dense and stable.
func (d *Device) ensureSlotLocked(i int) *eventSlot {
	for len(d.slots) <= i {
		d.slots = append(d.slots, &eventSlot{pending: queue.New()})
	}
	return d.slots[i]
}

// newSlotLocked appends a fresh slot and returns its index. Caller holds
// queueMu.
func (d *Device) newSlotLocked() int {
	d.slots = append(d.slots, &eventSlot{pending: queue.New()})
	return len(d.slots) - 1
}

// AddCallback registers cb to fire once slot's completion counter exceeds
// seq. Callbacks on one slot fire in registration order.
func (d *Device) AddCallback(slot int, seq uint64, cb api.Callback, data any) {
	d.queueMu.Lock()
	s := d.ensureSlotLocked(slot)
	s.pending.Add(&syncLink{seq: seq, cb: cb, data: data})
	d.queueMu.Unlock()
}

// runCallbacksLocked fires every pending callback whose target the observed
// counter has passed. Entries are in order; the first unsatisfied target
// ends the scan. Caller holds queueMu.
func (d *Device) runCallbacksLocked(s *eventSlot, observed uint64) {
	for s.pending.Length() > 0 {
		link := s.pending.Peek().(*syncLink)
		if observed <= link.seq {
			break
		}
		s.pending.Remove()
		d.stats.Callbacks.Add(1)
		link.cb(link.data)
	}
}

// updateSlotLocked records a freshly observed completion counter and fires
// satisfied callbacks. Counters never move a slot backwards. Caller holds
// queueMu.
func (d *Device) updateSlotLocked(i int, observed uint64) {
	s := d.slots[i]
	if observed < s.last {
		// Kernel-written counters are monotonic; a smaller value here
		// means a stale read, not a rollback.
		return
	}
	if observed > s.last {
		d.stats.Completions.Add(1)
	}
	d.runCallbacksLocked(s, observed)
	s.last = observed
}

// SlotCounter reports the last completion counter observed for a slot.
func (d *Device) SlotCounter(slot int) uint64 {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if slot < 0 || slot >= len(d.slots) {
		return 0
	}
	return d.slots[slot].last
}

// CallbackAllQueues registers cb on every slot that has unretired work,
// adding the number of registrations to count. Returns false when every
// slot is idle and nothing was registered.
func (d *Device) CallbackAllQueues(count *int32, cb api.Callback, data any) bool {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	var registered int32
	for _, s := range d.slots {
		if s.last == s.lastSubmit {
			continue
		}
		// Counters land one past the fence they satisfy, so the target
		// for "everything currently submitted" is lastSubmit-1.
		s.pending.Add(&syncLink{seq: s.lastSubmit - 1, cb: cb, data: data})
		registered++
	}
	atomic.AddInt32(count, registered)
	return registered != 0
}

// terminateSlotLocked force-fires every pending callback with the sentinel
// counter and prunes all registered sync objects, so no waiter can deadlock
// on a queue that is going away. Caller holds queueMu.
func (d *Device) terminateSlotLocked(i int) {
	s := d.slots[i]
	d.runCallbacksLocked(s, api.DoneSentinel)
	s.last = api.DoneSentinel
	for o := range d.syncobjs {
		o.updateLocked(d)
	}
	s.last = 0
	s.lastSubmit = 0
	s.fault = nil
}
