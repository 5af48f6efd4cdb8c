// File: internal/ioctl/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Control-call structures shared by all interface revisions: version query,
// flags, property query and memory management. Union-typed calls are declared
// with the layout of their input branch; the output branch is reached through
// an overlay accessor, matching how the kernel reuses the same bytes.

package ioctl

import "unsafe"

// VersionCheckArgs is an in/out version handshake.
type VersionCheckArgs struct {
	Major uint16
	Minor uint16
}

// SetFlagsArgs configures context creation flags.
type SetFlagsArgs struct {
	CreateFlags uint32
}

// GetGPUPropsArgs queries the property blob (current interface). With Size
// zero the call returns the blob size through the ioctl result.
type GetGPUPropsArgs struct {
	Buffer uint64
	Size   uint32
	Flags  uint32
}

// MemAllocArgs is the input branch of the mem_alloc union.
type MemAllocArgs struct {
	VAPages     uint64
	CommitPages uint64
	Extension   uint64
	Flags       uint64
}

// MemAllocOut is the output branch of the mem_alloc union.
type MemAllocOut struct {
	Flags       uint64
	GPUVA       uint64
	VAAlignment uint16
	_           [6]uint8
	_           uint64
}

// Out reinterprets the call buffer as the output branch.
func (a *MemAllocArgs) Out() *MemAllocOut { return (*MemAllocOut)(unsafe.Pointer(a)) }

// MemFreeArgs releases one allocation by GPU address.
type MemFreeArgs struct {
	GPUAddr uint64
}

// MemImportArgs is the input branch of the mem_import union.
type MemImportArgs struct {
	Flags   uint64
	Phandle uint64
	Type    uint32
	Padding uint32
}

// MemImportOut is the output branch of the mem_import union.
type MemImportOut struct {
	Flags   uint64
	GPUVA   uint64
	VAPages uint64
}

// Out reinterprets the call buffer as the output branch.
func (a *MemImportArgs) Out() *MemImportOut { return (*MemImportOut)(unsafe.Pointer(a)) }

// MemSyncArgs flushes or invalidates CPU caches for a mapped range.
type MemSyncArgs struct {
	Handle   uint64
	UserAddr uint64
	Size     uint64
	Type     uint8
	Padding  [7]uint8
}

// MemExecInitArgs sizes the EXEC_VA zone.
type MemExecInitArgs struct {
	VAPages uint64
}

// MemJitInitArgs sizes the just-in-time allocation zone.
type MemJitInitArgs struct {
	VAPages        uint64
	MaxAllocations uint8
	TrimLevel      uint8
	GroupID        uint8
	Padding        [5]uint8
	PhysPages      uint64
}

// Memory flags (base_mem_alloc_flags).
const (
	MemProtCPURd uint64 = 1 << 0
	MemProtCPUWr uint64 = 1 << 1
	MemProtGPURd uint64 = 1 << 2
	MemProtGPUWr uint64 = 1 << 3
	MemProtGPUEx uint64 = 1 << 4

	MemGrowOnGPF     uint64 = 1 << 9
	MemCoherentLocal uint64 = 1 << 11
	MemCachedCPU     uint64 = 1 << 12
	MemSameVA        uint64 = 1 << 13
	MemNeedMmap      uint64 = 1 << 14
	MemUncachedGPU   uint64 = 1 << 21
	MemCSFEvent      uint64 = 1 << 38
)

// Import types.
const (
	MemImportTypeUMM uint32 = 2
	// Usage flags for imported memory: CPU/GPU reads and writes.
	MemImportUsageRW uint64 = 0xf
)

// Sync types (current interface; the legacy one is off by one).
const (
	MemSyncClean      uint8 = 1
	MemSyncInvalidate uint8 = 2
)

// Property identifiers inside the gpuprops blob.
const (
	GPUPropProductID        = 1
	GPUPropTLSAlloc         = 16
	GPUPropRawShaderPresent = 41
	GPUPropRawTilerFeatures = 44
	GPUPropRawTextureFeat0  = 46
	GPUPropRawGPUID         = 55
)
