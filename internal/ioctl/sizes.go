// File: internal/ioctl/sizes.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Compile-time ABI size checks. The kernel reads these structures as raw
// bytes; both array declarations fail to compile unless the size matches
// exactly, which also rules out implicit padding.

package ioctl

import "unsafe"

var (
	_ [unsafe.Sizeof(VersionCheckArgs{}) - 4]byte
	_ [4 - unsafe.Sizeof(VersionCheckArgs{})]byte

	_ [unsafe.Sizeof(SetFlagsArgs{}) - 4]byte
	_ [4 - unsafe.Sizeof(SetFlagsArgs{})]byte

	_ [unsafe.Sizeof(GetGPUPropsArgs{}) - 16]byte
	_ [16 - unsafe.Sizeof(GetGPUPropsArgs{})]byte

	_ [unsafe.Sizeof(MemAllocArgs{}) - 32]byte
	_ [32 - unsafe.Sizeof(MemAllocArgs{})]byte
	_ [unsafe.Sizeof(MemAllocOut{}) - 32]byte
	_ [32 - unsafe.Sizeof(MemAllocOut{})]byte

	_ [unsafe.Sizeof(MemFreeArgs{}) - 8]byte
	_ [8 - unsafe.Sizeof(MemFreeArgs{})]byte

	_ [unsafe.Sizeof(MemImportArgs{}) - 24]byte
	_ [24 - unsafe.Sizeof(MemImportArgs{})]byte
	_ [unsafe.Sizeof(MemImportOut{}) - 24]byte
	_ [24 - unsafe.Sizeof(MemImportOut{})]byte

	_ [unsafe.Sizeof(MemSyncArgs{}) - 32]byte
	_ [32 - unsafe.Sizeof(MemSyncArgs{})]byte

	_ [unsafe.Sizeof(MemExecInitArgs{}) - 8]byte
	_ [8 - unsafe.Sizeof(MemExecInitArgs{})]byte

	_ [unsafe.Sizeof(MemJitInitArgs{}) - 24]byte
	_ [24 - unsafe.Sizeof(MemJitInitArgs{})]byte

	_ [unsafe.Sizeof(JobSubmitArgs{}) - 16]byte
	_ [16 - unsafe.Sizeof(JobSubmitArgs{})]byte

	_ [unsafe.Sizeof(JdAtomV2{}) - 56]byte
	_ [56 - unsafe.Sizeof(JdAtomV2{})]byte

	_ [unsafe.Sizeof(JdEventV2{}) - 24]byte
	_ [24 - unsafe.Sizeof(JdEventV2{})]byte

	_ [unsafe.Sizeof(CSQueueRegisterArgs{}) - 16]byte
	_ [16 - unsafe.Sizeof(CSQueueRegisterArgs{})]byte

	_ [unsafe.Sizeof(CSQueueKickArgs{}) - 8]byte
	_ [8 - unsafe.Sizeof(CSQueueKickArgs{})]byte

	_ [unsafe.Sizeof(CSQueueBindArgs{}) - 16]byte
	_ [16 - unsafe.Sizeof(CSQueueBindArgs{})]byte
	_ [unsafe.Sizeof(CSQueueBindOut{}) - 16]byte
	_ [16 - unsafe.Sizeof(CSQueueBindOut{})]byte

	_ [unsafe.Sizeof(CSQueueTerminateArgs{}) - 8]byte
	_ [8 - unsafe.Sizeof(CSQueueTerminateArgs{})]byte

	_ [unsafe.Sizeof(CSQueueGroupCreate16Args{}) - 32]byte
	_ [32 - unsafe.Sizeof(CSQueueGroupCreate16Args{})]byte
	_ [unsafe.Sizeof(CSQueueGroupCreateOut{}) - 32]byte
	_ [32 - unsafe.Sizeof(CSQueueGroupCreateOut{})]byte

	_ [unsafe.Sizeof(CSQueueGroupTermArgs{}) - 8]byte
	_ [8 - unsafe.Sizeof(CSQueueGroupTermArgs{})]byte

	_ [unsafe.Sizeof(CSTilerHeapInitArgs{}) - 16]byte
	_ [16 - unsafe.Sizeof(CSTilerHeapInitArgs{})]byte
	_ [unsafe.Sizeof(CSTilerHeapInitOut{}) - 16]byte
	_ [16 - unsafe.Sizeof(CSTilerHeapInitOut{})]byte

	_ [unsafe.Sizeof(CSTilerHeapTermArgs{}) - 8]byte
	_ [8 - unsafe.Sizeof(CSTilerHeapTermArgs{})]byte

	_ [unsafe.Sizeof(KCPUQueueNewArgs{}) - 8]byte
	_ [8 - unsafe.Sizeof(KCPUQueueNewArgs{})]byte

	_ [unsafe.Sizeof(KCPUQueueDeleteArgs{}) - 8]byte
	_ [8 - unsafe.Sizeof(KCPUQueueDeleteArgs{})]byte

	_ [unsafe.Sizeof(KCPUQueueEnqueueArgs{}) - 16]byte
	_ [16 - unsafe.Sizeof(KCPUQueueEnqueueArgs{})]byte

	_ [unsafe.Sizeof(KCPUCommand{}) - 24]byte
	_ [24 - unsafe.Sizeof(KCPUCommand{})]byte

	_ [unsafe.Sizeof(BaseFence{}) - 8]byte
	_ [8 - unsafe.Sizeof(BaseFence{})]byte

	_ [unsafe.Sizeof(CQSOperation{}) - 24]byte
	_ [24 - unsafe.Sizeof(CQSOperation{})]byte

	_ [unsafe.Sizeof(GroupError{}) - 24]byte
	_ [24 - unsafe.Sizeof(GroupError{})]byte

	_ [unsafe.Sizeof(Notification{}) - 64]byte
	_ [64 - unsafe.Sizeof(Notification{})]byte

	_ [unsafe.Sizeof(LegacyGetVersionArgs{}) - 48]byte
	_ [48 - unsafe.Sizeof(LegacyGetVersionArgs{})]byte

	_ [unsafe.Sizeof(LegacySetFlagsArgs{}) - 16]byte
	_ [16 - unsafe.Sizeof(LegacySetFlagsArgs{})]byte

	_ [unsafe.Sizeof(LegacyMemAllocArgs{}) - 56]byte
	_ [56 - unsafe.Sizeof(LegacyMemAllocArgs{})]byte

	_ [unsafe.Sizeof(LegacyMemFreeArgs{}) - 16]byte
	_ [16 - unsafe.Sizeof(LegacyMemFreeArgs{})]byte

	_ [unsafe.Sizeof(LegacyMemImportArgs{}) - 48]byte
	_ [48 - unsafe.Sizeof(LegacyMemImportArgs{})]byte

	_ [unsafe.Sizeof(LegacyMemSyncArgs{}) - 40]byte
	_ [40 - unsafe.Sizeof(LegacyMemSyncArgs{})]byte

	_ [unsafe.Sizeof(LegacyJobSubmitArgs{}) - 24]byte
	_ [24 - unsafe.Sizeof(LegacyJobSubmitArgs{})]byte

	_ [unsafe.Sizeof(LegacyGPUPropsArgs{}) - 72]byte
	_ [72 - unsafe.Sizeof(LegacyGPUPropsArgs{})]byte
)
