// File: device/backend_jm.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Job-manager submission: work is described by atom descriptors carrying up
// to two explicit ordering dependencies. Ordering against earlier work on the
// same buffers is reconstructed from the handle table's per-lane last-access
// bytes; only the most recent accessor per lane is tracked, so implicit
// ordering is one hop deep. Completion arrives as per-atom event records on
// the notification channel.

package device

import (
	"fmt"
	"unsafe"

	"github.com/momentics/kbase-go/api"
	"github.com/momentics/kbase-go/internal/ioctl"
)

// atomCount is fixed by the width of the descriptor's atom-number byte.
// Number 0 is reserved: a zero pre_dep entry means "no dependency".
const atomCount = 256

type jmAtom struct {
	inFlight bool
	lane     int
	seq      uint64
	handles  []int32
}

// jmBackend drives both job-manager interface revisions; only the call
// framing differs between them.
//
// Submission state (jobSeq, the atom pool, per-handle last-access bytes)
// is guarded by the device handle lock; lane event slots by the queue lock.
type jmBackend struct {
	rev revision

	jobSeq   uint64
	nextAtom uint8
	atoms    [atomCount]jmAtom

	laneSlot [api.LaneCount]int
}

func newJMBackend(rev revision) *jmBackend {
	b := &jmBackend{rev: rev, jobSeq: 1, nextAtom: 1}
	for i := range b.laneSlot {
		b.laneSlot[i] = -1
	}
	return b
}

// allocAtomLocked hands out the next free atom number round-robin, skipping
// the reserved zero. Caller holds handleMu.
func (b *jmBackend) allocAtomLocked() (uint8, bool) {
	for i := 0; i < atomCount-1; i++ {
		n := b.nextAtom
		b.nextAtom++
		if b.nextAtom == 0 {
			b.nextAtom = 1
		}
		if !b.atoms[n].inFlight {
			return n, true
		}
	}
	return 0, false
}

// latestAtom picks whichever of a, b was allocated more recently, judged by
// wrap-aware distance below the atom being built.
func latestAtom(a, b, newest uint8) uint8 {
	a -= newest
	b -= newest
	if a > b {
		return a + newest
	}
	return b + newest
}

// laneFor routes fragment work to lane 0 and everything else to lane 1,
// mirroring the hardware job slot split.
func laneFor(req uint32) int {
	if req&api.ReqFragment != 0 {
		return 0
	}
	return 1
}

// laneSlotLocked returns the event slot index backing a lane, creating it on
// first use. Caller holds queueMu.
func (d *Device) laneSlotLocked(lane int) int {
	if d.jm.laneSlot[lane] < 0 {
		d.jm.laneSlot[lane] = d.newSlotLocked()
	}
	return d.jm.laneSlot[lane]
}

// LaneSlot reports the event slot index carrying a lane's completion
// counter, for wiring sync objects to submissions.
func (d *Device) LaneSlot(lane int) int {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	return d.laneSlotLocked(lane)
}

// Submit queues one job chain at jc on the lane selected by req. Referenced
// handles get their use-count raised until the completion event is read, and
// the atom is ordered after the most recent in-flight atom that touched each
// handle, per lane. When o is non-nil, a fence for this submission is added
// to it. Returns the submission sequence number.
func (d *Device) Submit(jc uint64, req uint32, o *SyncObj, handles []int32) (uint64, error) {
	if d.jm == nil {
		return 0, api.WrapError(api.ErrCodeNotSupported, "atom submission on command-stream device", api.ErrNotSupported)
	}
	b := d.jm
	lane := laneFor(req)

	d.handleMu.Lock()
	atom, ok := b.allocAtomLocked()
	if !ok {
		d.handleMu.Unlock()
		return 0, api.WrapError(api.ErrCodeExhausted, "atom pool", api.ErrResourceExhausted)
	}
	seq := b.jobSeq
	b.jobSeq++

	var depSlots [api.LaneCount]uint8
	var extRes []ioctl.ExtResource
	for _, h := range handles {
		if h < 0 || int(h) >= len(d.handles) || d.handles[h].fd == fdTombstone {
			continue
		}
		e := &d.handles[h]
		e.useCount++
		for s := 0; s < api.LaneCount; s++ {
			last := e.lastAccess[s]
			if last != 0 && b.atoms[last].inFlight {
				if depSlots[s] == 0 {
					depSlots[s] = last
				} else {
					depSlots[s] = latestAtom(depSlots[s], last, atom)
				}
			}
		}
		e.lastAccess[lane] = atom
		if e.fd >= 0 {
			extRes = append(extRes, ioctl.ExtResource(e.va|1))
		}
	}
	b.atoms[atom] = jmAtom{inFlight: true, lane: lane, seq: seq, handles: append([]int32(nil), handles...)}
	d.handleMu.Unlock()

	d.queueMu.Lock()
	slot := d.laneSlotLocked(lane)
	// Sequence numbers are handed out under handleMu, so concurrent
	// submissions can arrive here out of order. The watermark only rises.
	if seq+1 > d.slots[slot].lastSubmit {
		d.slots[slot].lastSubmit = seq + 1
	}
	if o != nil {
		o.addOrUpdateLocked(slot, seq)
	}
	d.queueMu.Unlock()

	jd := ioctl.JdAtomV2{
		JC:         jc,
		AtomNumber: atom,
		JobSlot:    uint8(lane),
	}
	// The sequence number round-trips through the completion event. The
	// stored value is one past the fence target so a counter that has
	// reached it strictly exceeds every fence this submission satisfies.
	jd.UData[0] = seq + 1
	if req&api.ReqFragment != 0 {
		jd.CoreReq = ioctl.ReqFS
	} else {
		jd.CoreReq = ioctl.ReqCS | ioctl.ReqT
	}
	nd := 0
	for s := 0; s < api.LaneCount; s++ {
		if depSlots[s] != 0 {
			jd.PreDep[nd] = ioctl.JdDep{AtomID: depSlots[s], DepType: ioctl.DepTypeOrder}
			nd++
		}
	}
	if len(extRes) > 0 {
		jd.CoreReq |= ioctl.ReqExternalResources
		jd.ExtResList = uint64(uintptr(unsafe.Pointer(&extRes[0])))
		jd.NrExtRes = uint16(len(extRes))
	}

	var err error
	if b.rev == revLegacy {
		args := ioctl.LegacyJobSubmitArgs{
			Addr:    uint64(uintptr(unsafe.Pointer(&jd))),
			NrAtoms: 1,
			Stride:  uint32(unsafe.Sizeof(jd)),
		}
		err = d.legacyCall(ioctl.LegacyJobSubmit, unsafe.Pointer(&args), &args.Header)
	} else {
		args := ioctl.JobSubmitArgs{
			Addr:    uint64(uintptr(unsafe.Pointer(&jd))),
			NrAtoms: 1,
			Stride:  uint32(unsafe.Sizeof(jd)),
		}
		if _, ierr := d.sys.Ioctl(ioctl.JobSubmit, unsafe.Pointer(&args)); ierr != nil {
			err = api.WrapError(api.ErrCodeKernel, "job submit", ierr)
		}
	}
	if err != nil {
		d.undoSubmit(atom, seq, slot, handles)
		return 0, err
	}

	d.stats.Submissions.Add(1)
	d.logf("submitted atom %d seq %d lane %d deps %v", atom, seq, lane, jd.PreDep)
	return seq, nil
}

// undoSubmit rolls back the bookkeeping of a submission the kernel refused.
// Last-access bytes are left alone: they now name a non-in-flight atom,
// which the dependency scan ignores.
func (d *Device) undoSubmit(atom uint8, seq uint64, slot int, handles []int32) {
	d.handleMu.Lock()
	d.jm.atoms[atom] = jmAtom{}
	d.releaseHandlesLocked(handles)
	d.handleMu.Unlock()

	d.queueMu.Lock()
	if d.slots[slot].lastSubmit == seq+1 {
		d.slots[slot].lastSubmit = d.slots[slot].last
	}
	d.queueMu.Unlock()
}

func (b *jmBackend) pollEvent(d *Device, timeoutNs int64) bool {
	ready, err := d.sys.Poll(nsToDuration(timeoutNs))
	if err != nil {
		d.logf("poll: %v", err)
		return false
	}
	return ready
}

// handleEvents drains completion records, retires their atoms and advances
// the lane counters. A non-done event code marks the lane faulted; the
// counter still advances so waiters observe the failure instead of the
// timeout.
func (b *jmBackend) handleEvents(d *Device) error {
	d.stats.ReadCycles.Add(1)

	const evSize = int(unsafe.Sizeof(ioctl.JdEventV2{}))
	buf := make([]byte, 16*evSize)
	for {
		n, err := d.sys.ReadEvents(buf)
		if err != nil {
			return api.WrapError(api.ErrCodeKernel, "read completion events", err)
		}
		if n == 0 {
			return nil
		}
		for off := 0; off+evSize <= n; off += evSize {
			ev := (*ioctl.JdEventV2)(unsafe.Pointer(&buf[off]))
			b.retireAtom(d, ev)
		}
	}
}

func (b *jmBackend) retireAtom(d *Device, ev *ioctl.JdEventV2) {
	d.handleMu.Lock()
	rec := b.atoms[ev.AtomNumber]
	if !rec.inFlight {
		d.handleMu.Unlock()
		d.logf("completion for idle atom %d", ev.AtomNumber)
		return
	}
	b.atoms[ev.AtomNumber] = jmAtom{}
	d.releaseHandlesLocked(rec.handles)
	d.handleMu.Unlock()

	d.queueMu.Lock()
	slot := d.laneSlotLocked(rec.lane)
	if ev.EventCode != ioctl.JdEventDone {
		d.slots[slot].fault = api.WrapError(api.ErrCodeFault,
			fmt.Sprintf("atom %d failed with event 0x%x", ev.AtomNumber, ev.EventCode),
			api.ErrQueueFaulted)
		d.stats.Faults.Add(1)
	}
	d.updateSlotLocked(slot, ev.UData[0])
	d.queueMu.Unlock()
}
