// File: device/syncobj.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sync objects: caller-owned aggregate fences over (slot, target counter)
// pairs. Satisfied pairs are pruned opportunistically after each event read
// cycle; an empty set means the object is signalled.

package device

import (
	"time"

	"github.com/momentics/kbase-go/api"
)

type fence struct {
	slot  int
	value uint64
}

// SyncObj aggregates not-yet-satisfied completion targets. All mutation
// happens under the device queue lock.
type SyncObj struct {
	d      *Device
	fences []fence
}

// SyncObjCreate registers a new, empty sync object.
func (d *Device) SyncObjCreate() *SyncObj {
	o := &SyncObj{d: d}
	d.queueMu.Lock()
	d.syncobjs[o] = struct{}{}
	d.queueMu.Unlock()
	return o
}

// Destroy unregisters the object and discards its pending entries.
func (o *SyncObj) Destroy() {
	d := o.d
	d.queueMu.Lock()
	delete(d.syncobjs, o)
	o.fences = nil
	d.queueMu.Unlock()
}

// Dup deep-copies the pending set into a new registered object.
func (o *SyncObj) Dup() *SyncObj {
	d := o.d
	dup := d.SyncObjCreate()
	d.queueMu.Lock()
	dup.fences = append(dup.fences, o.fences...)
	d.queueMu.Unlock()
	return dup
}

// addOrUpdateLocked records a target for slot, keeping the highest target
// per slot. Caller holds queueMu.
func (o *SyncObj) addOrUpdateLocked(slot int, value uint64) {
	for i := range o.fences {
		if o.fences[i].slot == slot {
			if value > o.fences[i].value {
				o.fences[i].value = value
			}
			return
		}
	}
	o.fences = append(o.fences, fence{slot: slot, value: value})
}

// updateLocked prunes fences whose slot counter has passed the target.
// Caller holds queueMu.
func (o *SyncObj) updateLocked(d *Device) {
	kept := o.fences[:0]
	for _, f := range o.fences {
		if f.slot < len(d.slots) && d.slots[f.slot].last > f.value {
			d.logf("syncobj %p slot %d satisfied: %d > %d", o, f.slot, d.slots[f.slot].last, f.value)
			continue
		}
		kept = append(kept, f)
	}
	o.fences = kept
}

// faultLocked reports a device fault recorded on any referenced slot.
// Caller holds queueMu.
func (o *SyncObj) faultLocked(d *Device) error {
	for _, f := range o.fences {
		if f.slot < len(d.slots) {
			if err := d.slots[f.slot].fault; err != nil {
				return err
			}
		}
	}
	return nil
}

// Wait blocks until every pending pair is satisfied or the timeout elapses.
// An empty object succeeds immediately. A recorded device fault on a
// referenced slot fails the wait without waiting out the timeout.
func (o *SyncObj) Wait(timeout time.Duration) error {
	d := o.d

	d.queueMu.Lock()
	empty := len(o.fences) == 0
	d.queueMu.Unlock()
	if empty {
		d.logf("syncobj %p has no fences", o)
		return nil
	}

	wait := d.WaitInit(timeout)
	defer wait.Close()

	for wait.WaitForEvent() {
		d.queueMu.Lock()
		// Fault check comes first: a failed atom still advances its
		// counter, and the pruning below would eat the evidence.
		if err := o.faultLocked(d); err != nil {
			d.queueMu.Unlock()
			return err
		}
		o.updateLocked(d)
		if len(o.fences) == 0 {
			d.queueMu.Unlock()
			return nil
		}
		d.queueMu.Unlock()
	}

	return api.WrapError(api.ErrCodeTimeout, "syncobj wait", api.ErrOperationTimeout)
}

// Pending returns a snapshot of the unsatisfied (slot, target) pairs.
func (o *SyncObj) Pending() []struct {
	Slot   int
	Target uint64
} {
	d := o.d
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	out := make([]struct {
		Slot   int
		Target uint64
	}, 0, len(o.fences))
	for _, f := range o.fences {
		out = append(out, struct {
			Slot   int
			Target uint64
		}{f.slot, f.value})
	}
	return out
}
