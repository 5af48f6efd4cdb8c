// File: internal/ioctl/types_csf.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Command-stream frontend structures: queue registration and binding, queue
// groups, the tiler heap, kcpu queues and the notification records delivered
// through the device read channel.

package ioctl

import "unsafe"

// CSQueueRegisterArgs registers a ring buffer as a command-stream queue.
type CSQueueRegisterArgs struct {
	BufferGPUAddr uint64
	BufferSize    uint32
	Priority      uint8
	Padding       [3]uint8
}

// CSQueueKickArgs asks the kernel to schedule work on a queue.
type CSQueueKickArgs struct {
	BufferGPUAddr uint64
}

// CSQueueBindArgs is the input branch of the queue-bind union.
type CSQueueBindArgs struct {
	BufferGPUAddr uint64
	GroupHandle   uint8
	CSIIndex      uint8
	Padding       [6]uint8
}

// CSQueueBindOut is the output branch of the queue-bind union.
type CSQueueBindOut struct {
	MmapHandle uint64
	_          uint64
}

// Out reinterprets the call buffer as the output branch.
func (a *CSQueueBindArgs) Out() *CSQueueBindOut { return (*CSQueueBindOut)(unsafe.Pointer(a)) }

// CSQueueTerminateArgs tears down one bound queue.
type CSQueueTerminateArgs struct {
	BufferGPUAddr uint64
}

// CSQueueGroupCreate16Args is the input branch of the 1.6 group-create union.
type CSQueueGroupCreate16Args struct {
	TilerMask    uint64
	FragmentMask uint64
	ComputeMask  uint64
	CSMin        uint8
	Priority     uint8
	TilerMax     uint8
	FragmentMax  uint8
	ComputeMax   uint8
	Padding      [3]uint8
}

// CSQueueGroupCreateOut is the output branch of the group-create union.
type CSQueueGroupCreateOut struct {
	GroupHandle uint8
	Padding     [3]uint8
	GroupUID    uint32
	_           [3]uint64
}

// Out reinterprets the call buffer as the output branch.
func (a *CSQueueGroupCreate16Args) Out() *CSQueueGroupCreateOut {
	return (*CSQueueGroupCreateOut)(unsafe.Pointer(a))
}

// CSQueueGroupTermArgs terminates a queue group.
type CSQueueGroupTermArgs struct {
	GroupHandle uint8
	Padding     [7]uint8
}

// CSTilerHeapInitArgs is the input branch of the tiler-heap-init union.
type CSTilerHeapInitArgs struct {
	ChunkSize      uint32
	InitialChunks  uint32
	MaxChunks      uint32
	TargetInFlight uint16
	GroupID        uint8
	Padding        uint8
}

// CSTilerHeapInitOut is the output branch of the tiler-heap-init union.
type CSTilerHeapInitOut struct {
	GPUHeapVA    uint64
	FirstChunkVA uint64
}

// Out reinterprets the call buffer as the output branch.
func (a *CSTilerHeapInitArgs) Out() *CSTilerHeapInitOut {
	return (*CSTilerHeapInitOut)(unsafe.Pointer(a))
}

// CSTilerHeapTermArgs releases a tiler heap.
type CSTilerHeapTermArgs struct {
	GPUHeapVA uint64
}

// KCPUQueueNewArgs returns the id of a new kcpu queue.
type KCPUQueueNewArgs struct {
	ID      uint8
	Padding [7]uint8
}

// KCPUQueueDeleteArgs deletes a kcpu queue.
type KCPUQueueDeleteArgs struct {
	ID      uint8
	Padding [7]uint8
}

// KCPUQueueEnqueueArgs enqueues NrCommands KCPUCommand records at Addr.
type KCPUQueueEnqueueArgs struct {
	Addr       uint64
	NrCommands uint32
	ID         uint8
	Padding    [3]uint8
}

// KCPU command types.
const (
	KCPUCommandFenceWait        uint8 = 0
	KCPUCommandFenceSignal      uint8 = 1
	KCPUCommandCQSWaitOperation uint8 = 8
	KCPUCommandCQSSetOperation  uint8 = 9
)

// KCPUCommand is one kcpu queue command; Info is a union sized for the
// largest branch.
type KCPUCommand struct {
	Type    uint8
	Padding [7]uint8
	Info    [16]byte
}

// KCPUFenceInfo is the fence branch of KCPUCommand.Info.
type KCPUFenceInfo struct {
	Fence uint64 // user pointer to a BaseFence
	_     uint64
}

// FenceInfo views Info as the fence branch.
func (c *KCPUCommand) FenceInfo() *KCPUFenceInfo {
	return (*KCPUFenceInfo)(unsafe.Pointer(&c.Info))
}

// KCPUCQSOperationInfo is the CQS set/wait branch of KCPUCommand.Info.
type KCPUCQSOperationInfo struct {
	Objs            uint64 // user pointer to CQSOperation records
	NrObjs          uint32
	InheritErrFlags uint32
}

// CQSInfo views Info as the CQS branch.
func (c *KCPUCommand) CQSInfo() *KCPUCQSOperationInfo {
	return (*KCPUCQSOperationInfo)(unsafe.Pointer(&c.Info))
}

// BaseFence crosses the ABI inside fence import/export commands.
type BaseFence struct {
	FD       int32
	StreamFD uint32
}

// CQS operations and data types.
const (
	CQSOperationSet uint8 = 0
	CQSOperationGT  uint8 = 0 // wait condition: object value strictly greater

	CQSDataTypeU64 uint8 = 1
)

// CQSOperation is one CQS object operation record.
type CQSOperation struct {
	Addr      uint64
	Val       uint64
	Operation uint8
	DataType  uint8
	Padding   [6]uint8
}

// Notification types (base_csf_notification.type).
const (
	NotificationEvent           uint32 = 0
	NotificationGroupError      uint32 = 1
	NotificationCPUQueueDump    uint32 = 2
	notificationPayloadMaxBytes        = 56
)

// Queue-group error types.
const (
	GroupErrorFatal        uint8 = 0
	GroupErrorQueueFatal   uint8 = 1
	GroupErrorTimeout      uint8 = 2
	GroupErrorTilerHeapOOM uint8 = 3
)

// GroupError is the fatal-error payload of a notification. The fatal-group
// and fatal-queue branches share this layout; CSIIndex is only meaningful
// for the queue branch.
type GroupError struct {
	ErrorType uint8
	Padding   [7]uint8
	Sideband  uint64
	Status    uint32
	CSIIndex  uint8
	Padding2  [3]uint8
}

// Notification is one record read from the device notification channel.
type Notification struct {
	Type    uint32
	Padding uint32
	Payload [notificationPayloadMaxBytes]byte
}

// GroupErrorInfo is the group-error branch of Notification.Payload.
type GroupErrorInfo struct {
	Handle  uint8 // queue-group handle the error belongs to
	Padding [7]uint8
	Error   GroupError
}

// GroupError views the payload as the group-error branch.
func (n *Notification) GroupError() *GroupErrorInfo {
	return (*GroupErrorInfo)(unsafe.Pointer(&n.Payload))
}

// Command-stream user I/O layout. The bind mmap covers QueueUserIOPages
// pages: page 0 is user input (doorbell word), page 1 the user output shadow
// written by the submitter, page 2 the hardware-updated output page.
const (
	CSDoorbell = 0x0000 // page 0, uint32

	CSInsert = 0x0000 // page 1, uint64, writer-owned insert offset

	CSExtract = 0x0000 // page 2, uint64, hardware-owned extract offset
	CSActive  = 0x000C // page 2, uint32
)

// EventSize is the byte stride between per-queue completion counter pairs in
// the shared event memory: one 64-bit counter plus one 64-bit error word.
const EventSize = 16
