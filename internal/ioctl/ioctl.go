// File: internal/ioctl/ioctl.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Request encoding and request codes for the current kbase interface
// (job-manager >= 11.x and the CSF frontend). The legacy encoding lives in
// ioctl_old.go.

package ioctl

import (
	"errors"
	"time"
	"unsafe"
)

// ErrBusy reports a control call the kernel asked to be retried after the
// notification channel has been drained (kcpu queue enqueue does this when
// its command ring is full).
var ErrBusy = errors.New("device busy")

// Linux _IOC encoding.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uint32) uint32 {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

func io(typ, nr uint32) uint32         { return ioc(iocNone, typ, nr, 0) }
func iow(typ, nr, size uint32) uint32  { return ioc(iocWrite, typ, nr, size) }
func ior(typ, nr, size uint32) uint32  { return ioc(iocRead, typ, nr, size) }
func iowr(typ, nr, size uint32) uint32 { return ioc(iocRead|iocWrite, typ, nr, size) }

// IocSize extracts the payload size from a request code.
func IocSize(req uint32) uint32 { return (req >> iocSizeShift) & (1<<iocSizeBits - 1) }

// KbaseIoctlType is the ioctl magic of the current kbase interface.
const KbaseIoctlType = 0x80

// Request codes, current interface.
var (
	VersionCheck         = iowr(KbaseIoctlType, 0, uint32(unsafe.Sizeof(VersionCheckArgs{})))
	SetFlags             = iow(KbaseIoctlType, 1, uint32(unsafe.Sizeof(SetFlagsArgs{})))
	JobSubmit            = iow(KbaseIoctlType, 2, uint32(unsafe.Sizeof(JobSubmitArgs{})))
	GetGPUProps          = iow(KbaseIoctlType, 3, uint32(unsafe.Sizeof(GetGPUPropsArgs{})))
	PostTerm             = io(KbaseIoctlType, 4)
	MemAlloc             = iowr(KbaseIoctlType, 5, uint32(unsafe.Sizeof(MemAllocArgs{})))
	MemFree              = iow(KbaseIoctlType, 7, uint32(unsafe.Sizeof(MemFreeArgs{})))
	MemJitInit           = iow(KbaseIoctlType, 14, uint32(unsafe.Sizeof(MemJitInitArgs{})))
	MemSync              = iow(KbaseIoctlType, 15, uint32(unsafe.Sizeof(MemSyncArgs{})))
	MemImport            = iowr(KbaseIoctlType, 22, uint32(unsafe.Sizeof(MemImportArgs{})))
	MemExecInit          = iow(KbaseIoctlType, 31, uint32(unsafe.Sizeof(MemExecInitArgs{})))
	CSEventSignal        = iow(KbaseIoctlType, 36, 8)
	CSQueueRegister      = iow(KbaseIoctlType, 37, uint32(unsafe.Sizeof(CSQueueRegisterArgs{})))
	CSQueueKick          = iow(KbaseIoctlType, 38, uint32(unsafe.Sizeof(CSQueueKickArgs{})))
	CSQueueBind          = iowr(KbaseIoctlType, 39, uint32(unsafe.Sizeof(CSQueueBindArgs{})))
	CSQueueTerminate     = iow(KbaseIoctlType, 40, uint32(unsafe.Sizeof(CSQueueTerminateArgs{})))
	CSQueueGroupCreate16 = iowr(KbaseIoctlType, 41, uint32(unsafe.Sizeof(CSQueueGroupCreate16Args{})))
	CSQueueGroupTerm     = iow(KbaseIoctlType, 42, uint32(unsafe.Sizeof(CSQueueGroupTermArgs{})))
	KCPUQueueCreate      = ior(KbaseIoctlType, 43, uint32(unsafe.Sizeof(KCPUQueueNewArgs{})))
	KCPUQueueDelete      = iow(KbaseIoctlType, 44, uint32(unsafe.Sizeof(KCPUQueueDeleteArgs{})))
	KCPUQueueEnqueue     = iow(KbaseIoctlType, 45, uint32(unsafe.Sizeof(KCPUQueueEnqueueArgs{})))
	CSTilerHeapInit      = iowr(KbaseIoctlType, 46, uint32(unsafe.Sizeof(CSTilerHeapInitArgs{})))
	CSTilerHeapTerm      = iow(KbaseIoctlType, 47, uint32(unsafe.Sizeof(CSTilerHeapTermArgs{})))
	// VersionCheckReserved only succeeds on CSF kernels; probing it is how
	// the open chain tells the frontends apart.
	VersionCheckReserved = iowr(KbaseIoctlType, 52, uint32(unsafe.Sizeof(VersionCheckArgs{})))
)

// mmap offsets ("cookies") understood by the kbase fd.
const (
	MapTrackingHandle  = 3 << 12
	CSFUserRegPageSize = 4 << 12 // BASEP_MEM_CSF_USER_REG_PAGE_HANDLE

	// The queue user I/O mapping is this many pages: input page (doorbell,
	// CS_INSERT), output page shadow, and the hardware-updated output page.
	QueueUserIOPages = 3
)

// Sys bundles the system calls the device layer performs against a kbase
// character device. The real implementation is Linux-only; fake.Sys provides
// a pure software stand-in with the same contract.
type Sys interface {
	// Ioctl issues a control call. The non-negative result is the ioctl
	// return value (GetGPUProps reports a size through it).
	Ioctl(req uint32, arg unsafe.Pointer) (int, error)

	// Mmap maps length bytes of the device at the given offset/cookie.
	Mmap(length int, prot int, offset int64) ([]byte, error)
	Munmap(b []byte) error

	// Poll waits until the device fd becomes readable or the timeout
	// elapses. Returns true if readable.
	Poll(timeout time.Duration) (bool, error)

	// ReadEvents performs one non-blocking read of the notification
	// channel. n == 0 with a nil error means the channel is drained.
	ReadEvents(buf []byte) (n int, err error)

	// DupCloexec duplicates an imported descriptor so the handle table
	// owns its own copy; CloseFD releases such a duplicate.
	DupCloexec(fd int) (int, error)
	CloseFD(fd int) error

	// SameFile reports whether two descriptors name the same underlying
	// file (not the same descriptor number).
	SameFile(fd1, fd2 int) (bool, error)

	Close() error
}

// Prot flags for Sys.Mmap, mirrored from the mmap ABI so the interface does
// not depend on a platform package.
const (
	ProtNone  = 0x0
	ProtRead  = 0x1
	ProtWrite = 0x2
)
