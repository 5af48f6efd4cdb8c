// File: device/handles.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Buffer handle table: kernel-backed allocations tracked by small dense
// integer handles. Slots are tombstoned and reused, never compacted, so
// handed-out indices stay stable. The table owns the descriptor of imported
// memory and closes it exactly once at free time.

package device

import (
	"os"
	"time"

	"github.com/momentics/kbase-go/api"
)

const (
	fdNone      = -1 // private allocation, no descriptor
	fdTombstone = -2 // slot free for reuse
)

type handleEntry struct {
	va       uint64
	fd       int
	useCount uint8
	// lastAccess records, per serialization lane, the atom number that
	// most recently touched this handle. Implicit ordering is one hop:
	// only the single most recent accessor per lane is tracked.
	lastAccess [api.LaneCount]uint8
}

func defaultPageSize() int { return os.Getpagesize() }

// closeFD releases a table-owned descriptor through the syscall surface, so
// the no-op backend never touches real descriptor numbers.
func (d *Device) closeFD(fd int) {
	if err := d.sys.CloseFD(fd); err != nil {
		d.logf("close imported fd %d: %v", fd, err)
	}
}

// allocHandleLocked registers va (and, if fd >= 0, ownership of fd) in the
// first tombstoned slot, or appends. Caller holds handleMu.
func (d *Device) allocHandleLocked(va uint64, fd int) int {
	h := handleEntry{va: va, fd: fd}
	for i := range d.handles {
		if d.handles[i].fd == fdTombstone {
			d.handles[i] = h
			return i
		}
	}
	d.handles = append(d.handles, h)
	return len(d.handles) - 1
}

// AllocHandle registers a kernel allocation and returns its handle. If fd is
// not fdNone, ownership passes to the table.
func (d *Device) AllocHandle(va uint64, fd int) int {
	d.handleMu.Lock()
	defer d.handleMu.Unlock()
	return d.allocHandleLocked(va, fd)
}

// FreeHandle tombstones the slot and closes the owned descriptor, if any.
// Freeing a handle with nonzero use-count is a caller bug; callers are
// expected to have waited for completion first.
func (d *Device) FreeHandle(handle int) {
	d.handleMu.Lock()
	if handle < 0 || handle >= len(d.handles) {
		d.handleMu.Unlock()
		return
	}
	fd := d.handles[handle].fd
	d.handles[handle] = handleEntry{fd: fdTombstone}
	d.handleMu.Unlock()

	if fd >= 0 {
		d.closeFD(fd)
	}
}

// HandleInfo is a copy of one table entry.
type HandleInfo struct {
	VA       uint64
	HasFD    bool
	UseCount uint8
}

// Handle returns a snapshot of the entry, or ok == false for out-of-range
// or tombstoned handles.
func (d *Device) Handle(handle int) (HandleInfo, bool) {
	d.handleMu.Lock()
	defer d.handleMu.Unlock()
	if handle < 0 || handle >= len(d.handles) || d.handles[handle].fd == fdTombstone {
		return HandleInfo{}, false
	}
	e := &d.handles[handle]
	return HandleInfo{VA: e.va, HasFD: e.fd >= 0, UseCount: e.useCount}, true
}

// WaitHandle drives the wait protocol until no in-flight submission
// references the handle, or the timeout elapses.
func (d *Device) WaitHandle(handle int, timeout time.Duration) error {
	wait := d.WaitInit(timeout)
	defer wait.Close()

	for wait.WaitForEvent() {
		d.handleMu.Lock()
		if handle < 0 || handle >= len(d.handles) {
			d.handleMu.Unlock()
			return api.NewError(api.ErrCodeInvalidArgument, "wait on unknown handle")
		}
		idle := d.handles[handle].useCount == 0
		d.handleMu.Unlock()
		if idle {
			return nil
		}
	}
	return api.WrapError(api.ErrCodeTimeout, "handle busy", api.ErrOperationTimeout)
}

// releaseHandlesLocked pairs the per-submission use-count increments with
// their decrement once a completion has been observed. Caller holds
// handleMu; only the event read cycle calls this.
func (d *Device) releaseHandlesLocked(refs []int32) {
	for _, h := range refs {
		if h < 0 || int(h) >= len(d.handles) {
			continue
		}
		if d.handles[h].useCount > 0 {
			d.handles[h].useCount--
		}
	}
}
