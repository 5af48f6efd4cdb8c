// File: device/backend_csf.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Command-stream frontend. Work lives in caller-built ring buffers; a
// submission only publishes a new insert offset through the queue's user I/O
// mapping and kicks the scheduler. Completion is a 64-bit counter pair per
// queue in shared event memory, written by the command stream itself; the
// notification channel only says "counters moved" or carries a group error.

package device

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/momentics/kbase-go/api"
	"github.com/momentics/kbase-go/internal/ioctl"
)

type csfBackend struct {
	// queues is indexed by event slot; guarded by queueMu.
	queues map[int]*CS
}

// Context is one scheduling group plus its per-context kernel companions:
// a kcpu queue for fence/CQS commands and a tiler heap.
type Context struct {
	d *Device

	csgHandle uint8
	csgUID    uint32
	kcpuID    uint8

	tilerHeapVA    uint64
	tilerHeapChunk uint64

	// Guarded by queueMu.
	nextCSI uint8
	queues  map[uint8]*CS
	faulted bool
	live    bool
}

// CS is one bound command-stream queue inside a Context.
type CS struct {
	d   *Device
	ctx *Context

	ring     MemRegion
	priority uint8

	csi       uint8
	eventSlot int
	userIO    []byte

	// Guarded by queueMu.
	lastInsert uint64
	state      api.QueueState
}

// ContextCreate builds a queue group with its kcpu queue and tiler heap.
func (d *Device) ContextCreate() (*Context, error) {
	if d.csf == nil {
		return nil, api.WrapError(api.ErrCodeNotSupported, "contexts on job-manager device", api.ErrNotSupported)
	}
	c := &Context{d: d, queues: make(map[uint8]*CS)}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Context) init() error {
	d := c.d

	group := ioctl.CSQueueGroupCreate16Args{
		TilerMask:    ^uint64(0),
		FragmentMask: ^uint64(0),
		ComputeMask:  ^uint64(0),
		CSMin:        d.cfg.CSQueueCount,
		Priority:     1,
		TilerMax:     64,
		FragmentMax:  64,
		ComputeMax:   64,
	}
	if _, err := d.sys.Ioctl(ioctl.CSQueueGroupCreate16, unsafe.Pointer(&group)); err != nil {
		return api.WrapError(api.ErrCodeKernel, "queue group create", err)
	}
	gout := group.Out()
	c.csgHandle = gout.GroupHandle
	c.csgUID = gout.GroupUID

	kcpu := ioctl.KCPUQueueNewArgs{}
	if _, err := d.sys.Ioctl(ioctl.KCPUQueueCreate, unsafe.Pointer(&kcpu)); err != nil {
		c.termGroup()
		return api.WrapError(api.ErrCodeKernel, "kcpu queue create", err)
	}
	c.kcpuID = kcpu.ID

	heap := ioctl.CSTilerHeapInitArgs{
		ChunkSize:      d.cfg.TilerHeapChunkSize,
		InitialChunks:  d.cfg.TilerHeapInitial,
		MaxChunks:      d.cfg.TilerHeapMax,
		TargetInFlight: d.cfg.TilerHeapInFlight,
	}
	if _, err := d.sys.Ioctl(ioctl.CSTilerHeapInit, unsafe.Pointer(&heap)); err != nil {
		c.termKCPU()
		c.termGroup()
		return api.WrapError(api.ErrCodeKernel, "tiler heap init", err)
	}
	hout := heap.Out()
	c.tilerHeapVA = hout.GPUHeapVA
	c.tilerHeapChunk = hout.FirstChunkVA

	d.queueMu.Lock()
	c.faulted = false
	c.live = true
	d.contexts[c.csgHandle] = c
	d.queueMu.Unlock()

	d.logf("context created: group %d uid %d kcpu %d heap 0x%x",
		c.csgHandle, c.csgUID, c.kcpuID, c.tilerHeapVA)
	return nil
}

func (c *Context) termGroup() {
	args := ioctl.CSQueueGroupTermArgs{GroupHandle: c.csgHandle}
	if _, err := c.d.sys.Ioctl(ioctl.CSQueueGroupTerm, unsafe.Pointer(&args)); err != nil {
		c.d.logf("queue group term: %v", err)
	}
}

func (c *Context) termKCPU() {
	args := ioctl.KCPUQueueDeleteArgs{ID: c.kcpuID}
	if _, err := c.d.sys.Ioctl(ioctl.KCPUQueueDelete, unsafe.Pointer(&args)); err != nil {
		c.d.logf("kcpu queue delete: %v", err)
	}
}

func (c *Context) termHeap() {
	args := ioctl.CSTilerHeapTermArgs{GPUHeapVA: c.tilerHeapVA}
	if _, err := c.d.sys.Ioctl(ioctl.CSTilerHeapTerm, unsafe.Pointer(&args)); err != nil {
		c.d.logf("tiler heap term: %v", err)
	}
}

// teardownKernel releases the context's kernel objects and unbinds its
// queues' bookkeeping. Queue structures survive for Rebind.
func (c *Context) teardownKernel() {
	d := c.d

	d.queueMu.Lock()
	delete(d.contexts, c.csgHandle)
	c.live = false
	for csi, q := range c.queues {
		delete(d.csf.queues, q.eventSlot)
		delete(c.queues, csi)
		d.terminateSlotLocked(q.eventSlot)
		q.state = api.QueueUnbound
		q.lastInsert = 0
	}
	c.nextCSI = 0
	d.queueMu.Unlock()

	c.termHeap()
	c.termKCPU()
	c.termGroup()
}

// Destroy terminates the group and everything in it. Bound queues become
// unusable; their pending callbacks fire with the done sentinel.
func (c *Context) Destroy() {
	d := c.d
	queues := c.snapshotQueues()
	c.teardownKernel()

	d.queueMu.Lock()
	for _, q := range queues {
		q.state = api.QueueTerminated
	}
	d.queueMu.Unlock()

	for _, q := range queues {
		if q.userIO != nil {
			d.sys.Munmap(q.userIO)
			q.userIO = nil
		}
	}
}

func (c *Context) snapshotQueues() []*CS {
	c.d.queueMu.Lock()
	defer c.d.queueMu.Unlock()
	out := make([]*CS, 0, len(c.queues))
	for _, q := range c.queues {
		out = append(out, q)
	}
	return out
}

// Recreate replaces a faulted context's kernel objects in place. Existing
// queues drop to the unbound state and must be rebound before use.
func (c *Context) Recreate() error {
	c.teardownKernel()
	return c.init()
}

// Faulted reports whether a fatal group error has been routed to the
// context.
func (c *Context) Faulted() bool {
	c.d.queueMu.Lock()
	defer c.d.queueMu.Unlock()
	return c.faulted
}

// UID is the kernel-global identifier of the scheduling group.
func (c *Context) UID() uint32 { return c.csgUID }

// TilerHeap reports the heap context address and first chunk handed out at
// context creation, for command streams that use the tiler.
func (c *Context) TilerHeap() (va, firstChunk uint64) {
	return c.tilerHeapVA, c.tilerHeapChunk
}

// BindCS registers ring as a command-stream queue, binds it into the group
// and maps its user I/O pages. The queue's completion counter starts at 1.
func (c *Context) BindCS(ring MemRegion, priority uint8) (*CS, error) {
	q := &CS{d: c.d, ctx: c, ring: ring, priority: priority, eventSlot: -1}
	if err := q.bind(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *CS) bind() error {
	d := q.d
	c := q.ctx

	reg := ioctl.CSQueueRegisterArgs{
		BufferGPUAddr: q.ring.GPU,
		BufferSize:    uint32(len(q.ring.CPU)),
		Priority:      q.priority,
	}
	if _, err := d.sys.Ioctl(ioctl.CSQueueRegister, unsafe.Pointer(&reg)); err != nil {
		return api.WrapError(api.ErrCodeKernel, "queue register", err)
	}

	d.queueMu.Lock()
	if !c.live {
		d.queueMu.Unlock()
		return api.NewError(api.ErrCodeInvalidArgument, "bind into destroyed context")
	}
	if c.nextCSI >= d.cfg.CSQueueCount {
		d.queueMu.Unlock()
		return api.WrapError(api.ErrCodeExhausted, "command-stream indices", api.ErrResourceExhausted)
	}
	q.csi = c.nextCSI
	c.nextCSI++
	d.queueMu.Unlock()

	bind := ioctl.CSQueueBindArgs{
		BufferGPUAddr: q.ring.GPU,
		GroupHandle:   c.csgHandle,
		CSIIndex:      q.csi,
	}
	if _, err := d.sys.Ioctl(ioctl.CSQueueBind, unsafe.Pointer(&bind)); err != nil {
		return api.WrapError(api.ErrCodeKernel, "queue bind", err)
	}
	mmapHandle := bind.Out().MmapHandle

	userIO, err := d.sys.Mmap(ioctl.QueueUserIOPages*d.cfg.PageSize,
		ioctl.ProtRead|ioctl.ProtWrite, int64(mmapHandle))
	if err != nil {
		return api.WrapError(api.ErrCodeKernel, "map queue user I/O", err)
	}

	d.queueMu.Lock()
	// First bind takes a fresh event slot; Rebind keeps the old one.
	if q.eventSlot < 0 {
		q.eventSlot = d.newSlotLocked()
	}
	if (q.eventSlot+1)*ioctl.EventSize > len(d.eventMem.CPU) {
		d.queueMu.Unlock()
		d.sys.Munmap(userIO)
		return api.WrapError(api.ErrCodeExhausted, "event memory slots", api.ErrResourceExhausted)
	}
	q.userIO = userIO
	q.lastInsert = 0
	s := d.slots[q.eventSlot]
	s.last = 1
	s.lastSubmit = 1
	s.fault = nil
	atomic.StoreUint64(d.eventWord(q.eventSlot, 0), 1)
	atomic.StoreUint64(d.eventWord(q.eventSlot, 8), 0)
	d.csf.queues[q.eventSlot] = q
	c.queues[q.csi] = q
	q.state = api.QueueBound
	d.queueMu.Unlock()

	d.logf("queue bound: group %d csi %d slot %d ring 0x%x+%d",
		c.csgHandle, q.csi, q.eventSlot, q.ring.GPU, len(q.ring.CPU))
	return nil
}

// Rebind re-registers the queue after its context was recreated. The ring
// contents are untouched; insert-offset bookkeeping and the completion
// counter restart from scratch.
func (q *CS) Rebind() error {
	d := q.d

	d.queueMu.Lock()
	if q.state == api.QueueBound {
		d.queueMu.Unlock()
		return api.NewError(api.ErrCodeInvalidArgument, "rebind of a bound queue")
	}
	if q.state == api.QueueTerminated {
		d.queueMu.Unlock()
		return api.NewError(api.ErrCodeInvalidArgument, "rebind of a terminated queue")
	}
	d.queueMu.Unlock()

	if q.userIO != nil {
		d.sys.Munmap(q.userIO)
		q.userIO = nil
	}
	return q.bind()
}

// Term tears the queue down. Pending callbacks fire with the done sentinel
// and sync objects referencing the queue are pruned, so nothing can wait on
// it afterwards.
func (q *CS) Term() {
	d := q.d

	d.queueMu.Lock()
	if q.state == api.QueueTerminated {
		d.queueMu.Unlock()
		return
	}
	delete(d.csf.queues, q.eventSlot)
	delete(q.ctx.queues, q.csi)
	d.terminateSlotLocked(q.eventSlot)
	q.state = api.QueueTerminated
	d.queueMu.Unlock()

	args := ioctl.CSQueueTerminateArgs{BufferGPUAddr: q.ring.GPU}
	if _, err := d.sys.Ioctl(ioctl.CSQueueTerminate, unsafe.Pointer(&args)); err != nil {
		d.logf("queue terminate: %v", err)
	}
	if q.userIO != nil {
		d.sys.Munmap(q.userIO)
		q.userIO = nil
	}
}

// State reports the queue lifecycle state.
func (q *CS) State() api.QueueState {
	q.d.queueMu.Lock()
	defer q.d.queueMu.Unlock()
	return q.state
}

// EventSlot is the device event slot carrying this queue's completion
// counter.
func (q *CS) EventSlot() int { return q.eventSlot }

// UserOutput exposes the hardware-updated output page (extract offset,
// active flag) read-only semantics by convention.
func (q *CS) UserOutput() []byte {
	if q.userIO == nil {
		return nil
	}
	page := q.d.cfg.PageSize
	return q.userIO[2*page : 3*page]
}

// Extract reads the hardware extract offset.
func (q *CS) Extract() uint64 {
	if q.userIO == nil {
		return 0
	}
	page := q.d.cfg.PageSize
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&q.userIO[2*page+ioctl.CSExtract])))
}

// Active reads the stream's active flag.
func (q *CS) Active() uint32 {
	if q.userIO == nil {
		return 0
	}
	page := q.d.cfg.PageSize
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&q.userIO[2*page+ioctl.CSActive])))
}

// Submit publishes insert as the new end of valid ring contents and kicks
// the scheduler. seq is the counter value the stream will write at the
// queue's event slot when this work retires; a fence for it is added to o
// when non-nil. Submitting an unchanged insert offset touches nothing.
func (q *CS) Submit(insert uint64, seq uint64, o *SyncObj) error {
	d := q.d

	d.queueMu.Lock()
	switch q.state {
	case api.QueueFaulted:
		d.queueMu.Unlock()
		return api.WrapError(api.ErrCodeFault, "submit on faulted queue", api.ErrQueueFaulted)
	case api.QueueBound:
	default:
		d.queueMu.Unlock()
		return api.NewError(api.ErrCodeInvalidArgument, "submit on "+q.state.String()+" queue")
	}
	if insert == q.lastInsert {
		// Empty flush. Nothing new for the stream to run, so no fence
		// either: a fence here could never be satisfied.
		d.queueMu.Unlock()
		return nil
	}
	if o != nil {
		o.addOrUpdateLocked(q.eventSlot, seq)
	}
	d.slots[q.eventSlot].lastSubmit = seq + 1
	page := d.cfg.PageSize
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&q.userIO[page+ioctl.CSInsert])), insert)
	q.lastInsert = insert
	d.queueMu.Unlock()

	kick := ioctl.CSQueueKickArgs{BufferGPUAddr: q.ring.GPU}
	if _, err := d.sys.Ioctl(ioctl.CSQueueKick, unsafe.Pointer(&kick)); err != nil {
		return api.WrapError(api.ErrCodeKernel, "queue kick", err)
	}
	d.stats.Submissions.Add(1)
	d.logf("kicked queue csi %d slot %d insert 0x%x seq %d", q.csi, q.eventSlot, insert, seq)
	return nil
}

// Wait blocks until the queue's completion counter passes seq, the queue
// faults, or the timeout elapses. A timed-out wait reports where the stream
// actually stands: the hardware extract offset and active flag.
func (q *CS) Wait(seq uint64, timeout time.Duration) error {
	d := q.d

	wait := d.WaitInit(timeout)
	defer wait.Close()

	for wait.WaitForEvent() {
		d.queueMu.Lock()
		s := d.slots[q.eventSlot]
		done := s.last > seq
		fault := s.fault
		if fault == nil && q.state == api.QueueFaulted {
			fault = api.WrapError(api.ErrCodeFault, "queue faulted", api.ErrQueueFaulted)
		}
		d.queueMu.Unlock()
		if fault != nil {
			return fault
		}
		if done {
			return nil
		}
	}
	ext, act := q.Extract(), q.Active()
	d.logf("queue wait timed out csi %d slot %d extract 0x%x active %d", q.csi, q.eventSlot, ext, act)
	return api.WrapError(api.ErrCodeTimeout,
		fmt.Sprintf("queue wait (extract 0x%x, active %d)", ext, act),
		api.ErrOperationTimeout)
}

// eventWord addresses one 64-bit word of a queue's counter pair in shared
// event memory. byteOff is 0 for the counter, 8 for the error word.
func (d *Device) eventWord(slot int, byteOff int) *uint64 {
	return (*uint64)(unsafe.Pointer(&d.eventMem.CPU[slot*ioctl.EventSize+byteOff]))
}

func (b *csfBackend) pollEvent(d *Device, timeoutNs int64) bool {
	ready, err := d.sys.Poll(nsToDuration(timeoutNs))
	if err != nil {
		d.logf("poll: %v", err)
		return false
	}
	return ready
}

// handleEvents drains the notification channel, routes group errors, then
// refreshes every bound queue's slot from shared event memory. Counters are
// read with atomic loads; the command stream updates them from the GPU side.
func (b *csfBackend) handleEvents(d *Device) error {
	d.stats.ReadCycles.Add(1)

	const nSize = int(unsafe.Sizeof(ioctl.Notification{}))
	buf := make([]byte, 16*nSize)
	for {
		n, err := d.sys.ReadEvents(buf)
		if err != nil {
			return api.WrapError(api.ErrCodeKernel, "read notifications", err)
		}
		if n == 0 {
			break
		}
		for off := 0; off+nSize <= n; off += nSize {
			nt := (*ioctl.Notification)(unsafe.Pointer(&buf[off]))
			switch nt.Type {
			case ioctl.NotificationEvent:
				// Counters moved; the scan below picks them up.
			case ioctl.NotificationGroupError:
				b.routeGroupError(d, nt.GroupError())
			case ioctl.NotificationCPUQueueDump:
				d.logf("ignoring cpu queue dump request")
			default:
				d.logf("unknown notification type %d", nt.Type)
			}
		}
	}

	d.queueMu.Lock()
	for slot, q := range b.queues {
		val := atomic.LoadUint64(d.eventWord(slot, 0))
		errWord := atomic.LoadUint64(d.eventWord(slot, 8))
		if errWord != 0 && d.slots[slot].fault == nil {
			d.slots[slot].fault = api.WrapError(api.ErrCodeFault,
				fmt.Sprintf("command stream error 0x%x", errWord), api.ErrQueueFaulted)
			q.state = api.QueueFaulted
			d.stats.Faults.Add(1)
		}
		d.updateSlotLocked(slot, val)
	}
	d.queueMu.Unlock()
	return nil
}

// routeGroupError marks the owning context or queue faulted. Waiters are
// not unblocked here; signalWaiters runs at the end of the read cycle and
// every waiter rechecks its fault state.
func (b *csfBackend) routeGroupError(d *Device, info *ioctl.GroupErrorInfo) {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	c := d.contexts[info.Handle]
	if c == nil {
		d.logf("group error for unknown group %d", info.Handle)
		return
	}
	d.stats.Faults.Add(1)

	fail := func(q *CS, why string) {
		q.state = api.QueueFaulted
		if d.slots[q.eventSlot].fault == nil {
			d.slots[q.eventSlot].fault = api.WrapError(api.ErrCodeFault,
				why, api.ErrQueueFaulted)
		}
	}

	e := &info.Error
	switch e.ErrorType {
	case ioctl.GroupErrorQueueFatal:
		if q := c.queues[e.CSIIndex]; q != nil {
			fail(q, fmt.Sprintf("queue fatal: status 0x%x sideband 0x%x", e.Status, e.Sideband))
		} else {
			d.logf("queue fatal for unknown csi %d in group %d", e.CSIIndex, info.Handle)
		}
	default:
		// Fatal, timeout and tiler heap exhaustion take down the whole
		// group; recovery is Recreate plus per-queue Rebind.
		c.faulted = true
		for _, q := range c.queues {
			fail(q, fmt.Sprintf("group error %d: status 0x%x", e.ErrorType, e.Status))
		}
	}
}

// kcpuEnqueue issues one kcpu command, draining completions and retrying
// while the kernel reports its command ring full.
func (c *Context) kcpuEnqueue(cmd *ioctl.KCPUCommand) error {
	d := c.d
	args := ioctl.KCPUQueueEnqueueArgs{
		Addr:       uint64(uintptr(unsafe.Pointer(cmd))),
		NrCommands: 1,
		ID:         c.kcpuID,
	}
	for {
		_, err := d.sys.Ioctl(ioctl.KCPUQueueEnqueue, unsafe.Pointer(&args))
		if err == nil {
			d.stats.KCPU.Add(1)
			return nil
		}
		if !errors.Is(err, ioctl.ErrBusy) {
			return api.WrapError(api.ErrCodeKernel, "kcpu enqueue", err)
		}
		d.EnsureHandleEvents()
	}
}

// FenceExport enqueues a fence-signal command and returns the sync-file
// descriptor the kernel installed for it.
func (c *Context) FenceExport() (int, error) {
	fence := ioctl.BaseFence{FD: -1}
	cmd := ioctl.KCPUCommand{Type: ioctl.KCPUCommandFenceSignal}
	cmd.FenceInfo().Fence = uint64(uintptr(unsafe.Pointer(&fence)))
	if err := c.kcpuEnqueue(&cmd); err != nil {
		return -1, err
	}
	if fence.FD < 0 {
		return -1, api.NewError(api.ErrCodeKernel, "kernel returned no fence descriptor")
	}
	return int(fence.FD), nil
}

// FenceImport enqueues a wait on an externally produced sync-file
// descriptor; later commands on the kcpu queue stall behind it.
func (c *Context) FenceImport(fd int) error {
	fence := ioctl.BaseFence{FD: int32(fd)}
	cmd := ioctl.KCPUCommand{Type: ioctl.KCPUCommandFenceWait}
	cmd.FenceInfo().Fence = uint64(uintptr(unsafe.Pointer(&fence)))
	return c.kcpuEnqueue(&cmd)
}

// CQSSet enqueues a set of the 64-bit CQS object at addr to 1.
func (c *Context) CQSSet(addr uint64) error {
	obj := ioctl.CQSOperation{
		Addr:      addr,
		Val:       1,
		Operation: ioctl.CQSOperationSet,
		DataType:  ioctl.CQSDataTypeU64,
	}
	cmd := ioctl.KCPUCommand{Type: ioctl.KCPUCommandCQSSetOperation}
	info := cmd.CQSInfo()
	info.Objs = uint64(uintptr(unsafe.Pointer(&obj)))
	info.NrObjs = 1
	return c.kcpuEnqueue(&cmd)
}

// CQSWait enqueues a wait until the CQS object at addr exceeds val.
func (c *Context) CQSWait(addr, val uint64) error {
	obj := ioctl.CQSOperation{
		Addr:      addr,
		Val:       val,
		Operation: ioctl.CQSOperationGT,
		DataType:  ioctl.CQSDataTypeU64,
	}
	cmd := ioctl.KCPUCommand{Type: ioctl.KCPUCommandCQSWaitOperation}
	info := cmd.CQSInfo()
	info.Objs = uint64(uintptr(unsafe.Pointer(&obj)))
	info.NrObjs = 1
	return c.kcpuEnqueue(&cmd)
}
