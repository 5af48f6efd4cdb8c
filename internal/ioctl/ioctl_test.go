// File: internal/ioctl/ioctl_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ioctl

import (
	"errors"
	"testing"
	"unsafe"
)

func TestRequestEncoding(t *testing.T) {
	// _IOWR(0x80, 0, struct of 4 bytes) as the kernel headers spell it.
	if VersionCheck != 0xc0048000 {
		t.Errorf("VersionCheck = %#x", VersionCheck)
	}
	if got := IocSize(VersionCheck); got != uint32(unsafe.Sizeof(VersionCheckArgs{})) {
		t.Errorf("IocSize(VersionCheck) = %d", got)
	}
	if IocSize(JobSubmit) != uint32(unsafe.Sizeof(JobSubmitArgs{})) {
		t.Error("JobSubmit size mismatch")
	}
	if PostTerm != 0x8004 {
		t.Errorf("PostTerm = %#x", PostTerm)
	}
}

func TestLegacyFuncID(t *testing.T) {
	// Function ids count from the base magic, 256 per magic.
	cases := []struct {
		req  uint32
		want uint32
	}{
		{LegacyGetVersion, 0},
		{LegacyMemAlloc, 512},
		{LegacyMemImport, 513},
		{LegacyMemFree, 516},
		{LegacyJobSubmit, 540},
	}
	for _, c := range cases {
		if got := LegacyFuncID(c.req); got != c.want {
			t.Errorf("LegacyFuncID(%#x) = %d, want %d", c.req, got, c.want)
		}
	}
}

func TestLegacyError(t *testing.T) {
	if err := LegacyError(LegacyErrorNone); err != nil {
		t.Errorf("no error maps to %v", err)
	}
	if !errors.Is(LegacyError(LegacyErrorOutOfGPUMemory), ErrOutOfGPUMemory) {
		t.Error("GPU memory code not mapped")
	}
	if !errors.Is(LegacyError(LegacyErrorFunctionFailed), ErrFunctionFailed) {
		t.Error("function-failed code not mapped")
	}
}

func TestUnionOverlays(t *testing.T) {
	var alloc MemAllocArgs
	if unsafe.Pointer(&alloc) != unsafe.Pointer(alloc.Out()) {
		t.Error("mem alloc output branch does not overlay the input")
	}
	var bind CSQueueBindArgs
	if unsafe.Pointer(&bind) != unsafe.Pointer(bind.Out()) {
		t.Error("queue bind output branch does not overlay the input")
	}
}

func TestNotificationPayloadViews(t *testing.T) {
	var n Notification
	n.Type = NotificationGroupError
	info := n.GroupError()
	info.Handle = 7
	info.Error.ErrorType = GroupErrorQueueFatal
	info.Error.CSIIndex = 3

	// The view writes through to the payload bytes.
	if n.Payload[0] != 7 {
		t.Errorf("handle byte = %d", n.Payload[0])
	}
	if n.GroupError().Error.CSIIndex != 3 {
		t.Error("csi index lost in round trip")
	}
}
