// File: internal/ioctl/types_jm.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Atom/job submission descriptors for the job-manager frontends. The atom
// layout is shared by both supported kernel revisions; only the call framing
// differs (see ioctl_old.go).

package ioctl

// JobSubmitArgs submits NrAtoms descriptors of Stride bytes each at Addr.
type JobSubmitArgs struct {
	Addr    uint64
	NrAtoms uint32
	Stride  uint32
}

// JdDep is one explicit dependency edge of an atom.
type JdDep struct {
	AtomID  uint8
	DepType uint8
}

// Dependency types.
const (
	DepTypeInvalid uint8 = 0
	DepTypeData    uint8 = 1
	DepTypeOrder   uint8 = 2
)

// JdAtomV2 is one schedulable unit of GPU work. UData[0] carries the
// submission sequence number back through the completion event.
type JdAtomV2 struct {
	JC            uint64 // command-buffer address
	UData         [2]uint64
	ExtResList    uint64
	NrExtRes      uint16
	CompatCoreReq uint16
	PreDep        [2]JdDep
	AtomNumber    uint8
	Prio          int8
	DeviceNr      uint8
	JobSlot       uint8
	CoreReq       uint32
	RenderpassID  uint8
	Padding       [7]uint8
}

// Core requirement bits.
const (
	ReqFS                uint32 = 1 << 0 // fragment shader job chain
	ReqCS                uint32 = 1 << 1 // compute shader / vertex job chain
	ReqT                 uint32 = 1 << 2 // tiling
	ReqExternalResources uint32 = 1 << 8
)

// JdEventV2 is one completion record read from the notification channel.
type JdEventV2 struct {
	EventCode  uint32
	AtomNumber uint8
	Padding    [3]uint8
	UData      [2]uint64
}

// Event codes.
const (
	JdEventDone uint32 = 0x01
)

// ExtResource is one entry of an atom's external-resource list. The low bit
// flags a shared (write) access.
type ExtResource uint64
