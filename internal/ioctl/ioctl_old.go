// File: internal/ioctl/ioctl_old.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Legacy job-manager interface (DDK-style "uk" calls, version major 3). Every
// structure starts with a call header; the caller writes a function id
// derived from the request code into it, and the kernel reports failure by
// writing a MALI_ERROR code back into the same word.

package ioctl

import "errors"

// Legacy ioctl magics. Function ids span three consecutive magics.
const (
	legacyTypeBase = 0x80
	legacyTypeCore = 0x82
)

// Request codes, legacy interface.
var (
	LegacyGetVersion      = iowr(legacyTypeBase, 0, uint32(48))
	LegacyMemAlloc        = iowr(legacyTypeCore, 0, uint32(56))
	LegacyMemImport       = iowr(legacyTypeCore, 1, uint32(48))
	LegacyMemFree         = iowr(legacyTypeCore, 4, uint32(16))
	LegacyMemSync         = iowr(legacyTypeCore, 8, uint32(40))
	LegacyGPUPropsRegDump = iowr(legacyTypeCore, 14, uint32(72))
	LegacySetFlags        = iowr(legacyTypeCore, 18, uint32(16))
	LegacyJobSubmit       = iowr(legacyTypeCore, 28, uint32(24))
)

// LegacyFuncID derives the header function id the kernel expects for a
// legacy request code.
func LegacyFuncID(req uint32) uint32 {
	typ := (req >> iocTypeShift) & 0xff
	nr := req & 0xff
	return (typ-legacyTypeBase)*256 + nr
}

// MALI_ERROR codes returned through the call header.
const (
	LegacyErrorNone            uint32 = 0
	LegacyErrorOutOfGPUMemory  uint32 = 1
	LegacyErrorOutOfMemory     uint32 = 3
	LegacyErrorFunctionFailed  uint32 = 4
)

// Errors corresponding to the legacy header codes.
var (
	ErrOutOfGPUMemory = errors.New("out of GPU memory")
	ErrOutOfMemory    = errors.New("out of memory")
	ErrFunctionFailed = errors.New("function failed")
)

// LegacyError maps a header code written back by the kernel to an error.
func LegacyError(code uint32) error {
	switch code {
	case LegacyErrorOutOfGPUMemory:
		return ErrOutOfGPUMemory
	case LegacyErrorOutOfMemory:
		return ErrOutOfMemory
	case LegacyErrorFunctionFailed:
		return ErrFunctionFailed
	default:
		return nil
	}
}

// LegacyHeader is the in/out call header at the start of every legacy
// structure. ID carries the function id in, the MALI_ERROR code out.
type LegacyHeader struct {
	ID      uint32
	Padding uint32
}

// LegacyGetVersionArgs is the legacy version handshake.
type LegacyGetVersionArgs struct {
	Header  LegacyHeader
	Major   uint16
	Minor   uint16
	Padding [36]uint8
}

// LegacySetFlagsArgs configures context creation flags.
type LegacySetFlagsArgs struct {
	Header      LegacyHeader
	CreateFlags uint32
	Padding     uint32
}

// LegacyMemAllocArgs allocates GPU memory; in and out fields share the one
// structure on this interface revision.
type LegacyMemAllocArgs struct {
	Header      LegacyHeader
	VAPages     uint64
	CommitPages uint64
	Extension   uint64
	Flags       uint64
	GPUVA       uint64
	VAAlignment uint16
	Padding     [6]uint8
}

// LegacyMemFreeArgs releases one allocation.
type LegacyMemFreeArgs struct {
	Header  LegacyHeader
	GPUAddr uint64
}

// LegacyMemImportArgs imports external memory.
type LegacyMemImportArgs struct {
	Header  LegacyHeader
	Phandle uint64
	Type    uint32
	Padding uint32
	Flags   uint64
	GPUVA   uint64
	VAPages uint64
}

// LegacyMemSyncArgs flushes or invalidates CPU caches for a mapped range.
// Sync types are off by one against the current interface (clean is 0).
type LegacyMemSyncArgs struct {
	Header   LegacyHeader
	Handle   uint64
	UserAddr uint64
	Size     uint64
	Type     uint8
	Padding  [7]uint8
}

// LegacyJobSubmitArgs submits atom descriptors; the descriptor layout is
// shared with the current interface (JdAtomV2).
type LegacyJobSubmitArgs struct {
	Header  LegacyHeader
	Addr    uint64
	NrAtoms uint32
	Stride  uint32
}

// LegacyGPUPropsArgs is the legacy register-dump property query, trimmed to
// the groups this layer consumes.
type LegacyGPUPropsArgs struct {
	Header LegacyHeader
	Core   struct {
		ProductID     uint32
		VersionStatus uint16
		MinorRevision uint16
		MajorRevision uint16
		Padding       uint16
	}
	Padding2 [4]uint8
	Raw      struct {
		ShaderPresent   uint64
		TilerPresent    uint64
		L2Present       uint64
		GPUID           uint32
		TilerFeatures   uint32
		TextureFeatures [3]uint32
		Padding         uint32
	}
}
