// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake kbase syscall surface for testing and for the no-op backend. It
// emulates a quiet kernel: control calls succeed with plausible answers,
// mappings are anonymous memory, and submitted work completes immediately
// unless a test hook takes over. Notification records are injectable, so
// completion and fault scenarios run without a device.

package fake

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/momentics/kbase-go/internal/ioctl"
)

// Revisions the fake can impersonate.
const (
	RevisionCSF      = "csf"
	RevisionJM       = "jm"
	RevisionJMLegacy = "jm-legacy"
)

// Options selects the impersonated kernel.
type Options struct {
	Revision string // RevisionCSF (default), RevisionJM, RevisionJMLegacy
}

// Sys is a programmable ioctl.Sys. The exported hook fields may only be set
// before the first call.
type Sys struct {
	// OnJobSubmit intercepts atom submission. When nil, every atom
	// completes immediately with a done event.
	OnJobSubmit func(atoms []ioctl.JdAtomV2)

	// OnQueueKick observes ring-buffer kicks, after they are recorded.
	OnQueueKick func(bufferGPUAddr uint64)

	// OnKCPU intercepts kcpu commands; return true to consume one.
	OnKCPU func(cmd *ioctl.KCPUCommand) bool

	mu     sync.Mutex
	opt    Options
	closed bool

	events []byte
	wake   chan struct{}

	mappings [][]byte
	nextVA   uint64

	nextFD    int
	inodes    map[int]uint64
	closedFDs map[int]int

	groupCount uint8
	kcpuCount  uint8
	heapCount  uint64
	rings      map[uint64]uint32 // registered ring va -> size
	kicks      []uint64
}

// NewSys builds a fake device speaking the requested revision.
func NewSys(opt Options) *Sys {
	if opt.Revision == "" {
		opt.Revision = RevisionCSF
	}
	return &Sys{
		opt:       opt,
		wake:      make(chan struct{}),
		nextVA:    0x10000000,
		nextFD:    1 << 20,
		inodes:    make(map[int]uint64),
		closedFDs: make(map[int]int),
		rings:     make(map[uint64]uint32),
	}
}

// recordSize is the notification record width of the impersonated revision.
func (s *Sys) recordSize() int {
	if s.opt.Revision == RevisionCSF {
		return int(unsafe.Sizeof(ioctl.Notification{}))
	}
	return int(unsafe.Sizeof(ioctl.JdEventV2{}))
}

func (s *Sys) signalLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// PushJobEvent injects one atom completion record.
func (s *Sys) PushJobEvent(ev ioctl.JdEventV2) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, asBytes(unsafe.Pointer(&ev), int(unsafe.Sizeof(ev)))...)
	s.signalLocked()
}

// PushNotification injects one CSF notification record.
func (s *Sys) PushNotification(n ioctl.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, asBytes(unsafe.Pointer(&n), int(unsafe.Sizeof(n)))...)
	s.signalLocked()
}

// Signal wakes pollers without queueing a record.
func (s *Sys) Signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signalLocked()
}

// RegisterFile assigns an inode to a descriptor, letting tests alias two
// descriptor numbers to one file for import deduplication.
func (s *Sys) RegisterFile(fd int, inode uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inodes[fd] = inode
}

// CloseCount reports how many times a descriptor was closed through the
// surface.
func (s *Sys) CloseCount(fd int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedFDs[fd]
}

// Kicks returns the ring addresses kicked so far.
func (s *Sys) Kicks() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.kicks...)
}

func asBytes(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

func (s *Sys) Ioctl(req uint32, arg unsafe.Pointer) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1, fmt.Errorf("fake: device closed")
	}

	switch req {
	case ioctl.VersionCheckReserved:
		if s.opt.Revision != RevisionCSF {
			return -1, fmt.Errorf("fake: not a csf kernel")
		}
		v := (*ioctl.VersionCheckArgs)(arg)
		v.Major, v.Minor = 1, 20
		return 0, nil

	case ioctl.VersionCheck:
		v := (*ioctl.VersionCheckArgs)(arg)
		if s.opt.Revision == RevisionJMLegacy {
			v.Major, v.Minor = 3, 0
		} else {
			v.Major, v.Minor = 11, 40
		}
		return 0, nil

	case ioctl.SetFlags, ioctl.MemFree, ioctl.MemSync,
		ioctl.MemExecInit, ioctl.MemJitInit, ioctl.PostTerm,
		ioctl.CSEventSignal:
		return 0, nil

	case ioctl.GetGPUProps:
		return s.gpuProps((*ioctl.GetGPUPropsArgs)(arg))

	case ioctl.MemAlloc:
		return s.memAlloc((*ioctl.MemAllocArgs)(arg))

	case ioctl.MemImport:
		a := (*ioctl.MemImportArgs)(arg)
		out := a.Out()
		out.Flags = ioctl.MemNeedMmap
		out.GPUVA = s.takeVA(1)
		out.VAPages = 1
		return 0, nil

	case ioctl.JobSubmit:
		a := (*ioctl.JobSubmitArgs)(arg)
		return 0, s.jobSubmitLocked(a.Addr, a.NrAtoms, a.Stride)

	case ioctl.CSQueueRegister:
		a := (*ioctl.CSQueueRegisterArgs)(arg)
		s.rings[a.BufferGPUAddr] = a.BufferSize
		return 0, nil

	case ioctl.CSQueueBind:
		a := (*ioctl.CSQueueBindArgs)(arg)
		if _, ok := s.rings[a.BufferGPUAddr]; !ok {
			return -1, fmt.Errorf("fake: bind of unregistered ring 0x%x", a.BufferGPUAddr)
		}
		a.Out().MmapHandle = s.takeVA(uint64(ioctl.QueueUserIOPages))
		return 0, nil

	case ioctl.CSQueueKick:
		a := (*ioctl.CSQueueKickArgs)(arg)
		s.kicks = append(s.kicks, a.BufferGPUAddr)
		if s.OnQueueKick != nil {
			s.mu.Unlock()
			s.OnQueueKick(a.BufferGPUAddr)
			s.mu.Lock()
		}
		return 0, nil

	case ioctl.CSQueueTerminate:
		a := (*ioctl.CSQueueTerminateArgs)(arg)
		delete(s.rings, a.BufferGPUAddr)
		return 0, nil

	case ioctl.CSQueueGroupCreate16:
		a := (*ioctl.CSQueueGroupCreate16Args)(arg)
		out := a.Out()
		out.GroupHandle = s.groupCount
		out.GroupUID = 0x100 + uint32(s.groupCount)
		s.groupCount++
		return 0, nil

	case ioctl.CSQueueGroupTerm:
		return 0, nil

	case ioctl.KCPUQueueCreate:
		a := (*ioctl.KCPUQueueNewArgs)(arg)
		a.ID = s.kcpuCount
		s.kcpuCount++
		return 0, nil

	case ioctl.KCPUQueueDelete:
		return 0, nil

	case ioctl.KCPUQueueEnqueue:
		a := (*ioctl.KCPUQueueEnqueueArgs)(arg)
		return 0, s.kcpuEnqueueLocked(a)

	case ioctl.CSTilerHeapInit:
		a := (*ioctl.CSTilerHeapInitArgs)(arg)
		out := a.Out()
		s.heapCount++
		out.GPUHeapVA = 0x70000000 + s.heapCount<<20
		out.FirstChunkVA = out.GPUHeapVA + 0x1000
		return 0, nil

	case ioctl.CSTilerHeapTerm:
		return 0, nil
	}

	return s.legacyIoctl(req, arg)
}

func (s *Sys) legacyIoctl(req uint32, arg unsafe.Pointer) (int, error) {
	if s.opt.Revision != RevisionJMLegacy {
		return -1, fmt.Errorf("fake: unsupported request 0x%x", req)
	}

	// The kernel reports success by writing MALI_ERROR_NONE over the
	// function id in the header at the start of every structure.
	hdr := (*ioctl.LegacyHeader)(arg)

	switch req {
	case ioctl.LegacyGetVersion:
		a := (*ioctl.LegacyGetVersionArgs)(arg)
		a.Major, a.Minor = 3, 0

	case ioctl.LegacySetFlags, ioctl.LegacyMemFree, ioctl.LegacyMemSync:

	case ioctl.LegacyMemAlloc:
		a := (*ioctl.LegacyMemAllocArgs)(arg)
		if a.Flags&ioctl.MemSameVA != 0 {
			a.GPUVA = 0x41000
		} else {
			a.GPUVA = s.takeVA(a.VAPages)
		}

	case ioctl.LegacyMemImport:
		a := (*ioctl.LegacyMemImportArgs)(arg)
		a.Flags = ioctl.MemNeedMmap
		a.GPUVA = s.takeVA(1)
		a.VAPages = 1

	case ioctl.LegacyGPUPropsRegDump:
		a := (*ioctl.LegacyGPUPropsArgs)(arg)
		a.Core.ProductID = 0x860
		a.Raw.GPUID = 0x08600000
		a.Raw.ShaderPresent = 0xf
		a.Raw.TilerPresent = 1
		a.Raw.L2Present = 1
		a.Raw.TilerFeatures = 0x809
		a.Raw.TextureFeatures[0] = 0xff9e

	case ioctl.LegacyJobSubmit:
		a := (*ioctl.LegacyJobSubmitArgs)(arg)
		if err := s.jobSubmitLocked(a.Addr, a.NrAtoms, a.Stride); err != nil {
			return -1, err
		}

	default:
		return -1, fmt.Errorf("fake: unsupported legacy request 0x%x", req)
	}

	hdr.ID = ioctl.LegacyErrorNone
	return 0, nil
}

// takeVA hands out a fake GPU address range. Caller holds mu.
func (s *Sys) takeVA(pages uint64) uint64 {
	va := s.nextVA
	s.nextVA += (pages + 1) * 0x1000
	return va
}

func (s *Sys) memAlloc(a *ioctl.MemAllocArgs) (int, error) {
	sameVA := a.Flags&ioctl.MemSameVA != 0
	pages := a.VAPages
	out := a.Out()
	if sameVA {
		out.Flags = ioctl.MemSameVA
		out.GPUVA = 0x41000
	} else {
		out.Flags = 0
		out.GPUVA = s.takeVA(pages)
	}
	return 0, nil
}

// gpuProps serves the two-call blob query: size first, then contents.
func (s *Sys) gpuProps(a *ioctl.GetGPUPropsArgs) (int, error) {
	blob := buildPropsBlob()
	if a.Size == 0 {
		return len(blob), nil
	}
	if int(a.Size) < len(blob) {
		return -1, fmt.Errorf("fake: property buffer too small")
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(a.Buffer))), a.Size)
	copy(dst, blob)
	return len(blob), nil
}

// buildPropsBlob encodes a Mali-G610-shaped property set: each record is a
// 4-byte header (id<<2 | log2 size) followed by the value.
func buildPropsBlob() []byte {
	props := []struct {
		id  uint32
		val uint64
	}{
		{ioctl.GPUPropProductID, 0xa867},
		{ioctl.GPUPropTLSAlloc, 2048},
		{ioctl.GPUPropRawShaderPresent, 0x50005},
		{ioctl.GPUPropRawTilerFeatures, 0x809},
		{ioctl.GPUPropRawTextureFeat0, 0xc1ffff9e},
		{ioctl.GPUPropRawGPUID, 0xa8670000},
	}
	var blob []byte
	for _, p := range props {
		hdr := p.id<<2 | 3 // 8-byte value
		blob = append(blob,
			byte(hdr), byte(hdr>>8), byte(hdr>>16), byte(hdr>>24))
		v := p.val
		for i := 0; i < 8; i++ {
			blob = append(blob, byte(v))
			v >>= 8
		}
	}
	return blob
}

// jobSubmitLocked reads the submitted atoms and, absent a hook, completes
// each immediately. Caller holds mu.
func (s *Sys) jobSubmitLocked(addr uint64, nr, stride uint32) error {
	if stride != uint32(unsafe.Sizeof(ioctl.JdAtomV2{})) {
		return fmt.Errorf("fake: unexpected atom stride %d", stride)
	}
	atoms := make([]ioctl.JdAtomV2, nr)
	for i := uint32(0); i < nr; i++ {
		atoms[i] = *(*ioctl.JdAtomV2)(unsafe.Pointer(uintptr(addr) + uintptr(i*stride)))
	}

	if s.OnJobSubmit != nil {
		s.mu.Unlock()
		s.OnJobSubmit(atoms)
		s.mu.Lock()
		return nil
	}

	for _, a := range atoms {
		ev := ioctl.JdEventV2{
			EventCode:  ioctl.JdEventDone,
			AtomNumber: a.AtomNumber,
			UData:      a.UData,
		}
		s.events = append(s.events, asBytes(unsafe.Pointer(&ev), int(unsafe.Sizeof(ev)))...)
	}
	s.signalLocked()
	return nil
}

// kcpuEnqueueLocked emulates the kcpu queue: fence exports get a pseudo
// descriptor, CQS sets write through the supplied address. Caller holds mu.
func (s *Sys) kcpuEnqueueLocked(a *ioctl.KCPUQueueEnqueueArgs) error {
	size := unsafe.Sizeof(ioctl.KCPUCommand{})
	for i := uint32(0); i < a.NrCommands; i++ {
		cmd := (*ioctl.KCPUCommand)(unsafe.Pointer(uintptr(a.Addr) + uintptr(i)*size))
		if s.OnKCPU != nil {
			s.mu.Unlock()
			handled := s.OnKCPU(cmd)
			s.mu.Lock()
			if handled {
				continue
			}
		}
		switch cmd.Type {
		case ioctl.KCPUCommandFenceSignal:
			fence := (*ioctl.BaseFence)(unsafe.Pointer(uintptr(cmd.FenceInfo().Fence)))
			fence.FD = int32(s.nextFD)
			s.inodes[s.nextFD] = uint64(s.nextFD)
			s.nextFD++
		case ioctl.KCPUCommandFenceWait:
			// Nothing to order against in a quiet kernel.
		case ioctl.KCPUCommandCQSSetOperation:
			info := cmd.CQSInfo()
			ops := unsafe.Slice((*ioctl.CQSOperation)(unsafe.Pointer(uintptr(info.Objs))), info.NrObjs)
			for j := range ops {
				*(*uint64)(unsafe.Pointer(uintptr(ops[j].Addr))) = ops[j].Val
			}
			s.signalLocked()
		case ioctl.KCPUCommandCQSWaitOperation:
			// Ordering only; later commands would stall behind it.
		default:
			return fmt.Errorf("fake: unsupported kcpu command %d", cmd.Type)
		}
	}
	return nil
}

func (s *Sys) Mmap(length int, prot int, offset int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("fake: device closed")
	}
	b := make([]byte, length)
	s.mappings = append(s.mappings, b)
	return b, nil
}

func (s *Sys) Munmap(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.mappings {
		if len(s.mappings[i]) > 0 && len(b) > 0 && &s.mappings[i][0] == &b[0] {
			s.mappings = append(s.mappings[:i], s.mappings[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("fake: munmap of unknown mapping")
}

func (s *Sys) Poll(timeout time.Duration) (bool, error) {
	s.mu.Lock()
	if len(s.events) > 0 {
		s.mu.Unlock()
		return true, nil
	}
	ch := s.wake
	s.mu.Unlock()

	if timeout <= 0 {
		return false, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

func (s *Sys) ReadEvents(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(buf)
	if n > len(s.events) {
		n = len(s.events)
	}
	n -= n % s.recordSize()
	if n == 0 {
		return 0, nil
	}
	copy(buf, s.events[:n])
	s.events = s.events[n:]
	return n, nil
}

func (s *Sys) DupCloexec(fd int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nfd := s.nextFD
	s.nextFD++
	s.inodes[nfd] = s.inodeLocked(fd)
	return nfd, nil
}

func (s *Sys) CloseFD(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedFDs[fd]++
	return nil
}

func (s *Sys) SameFile(fd1, fd2 int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inodeLocked(fd1) == s.inodeLocked(fd2), nil
}

// inodeLocked defaults to identity, so unrelated descriptors differ unless a
// test aliases them with RegisterFile. Caller holds mu.
func (s *Sys) inodeLocked(fd int) uint64 {
	if ino, ok := s.inodes[fd]; ok {
		return ino
	}
	return uint64(fd)
}

func (s *Sys) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.mappings = nil
	return nil
}
