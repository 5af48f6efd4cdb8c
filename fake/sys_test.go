// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"testing"
	"time"
	"unsafe"

	"github.com/momentics/kbase-go/internal/ioctl"
)

func TestRevisionProbes(t *testing.T) {
	var v ioctl.VersionCheckArgs

	csf := NewSys(Options{})
	if _, err := csf.Ioctl(ioctl.VersionCheckReserved, unsafe.Pointer(&v)); err != nil {
		t.Errorf("csf reserved probe: %v", err)
	}

	jm := NewSys(Options{Revision: RevisionJM})
	if _, err := jm.Ioctl(ioctl.VersionCheckReserved, unsafe.Pointer(&v)); err == nil {
		t.Error("jm kernel answered the reserved probe")
	}
	if _, err := jm.Ioctl(ioctl.VersionCheck, unsafe.Pointer(&v)); err != nil || v.Major != 11 {
		t.Errorf("jm version = %d (%v)", v.Major, err)
	}

	legacy := NewSys(Options{Revision: RevisionJMLegacy})
	if _, err := legacy.Ioctl(ioctl.VersionCheck, unsafe.Pointer(&v)); err != nil || v.Major != 3 {
		t.Errorf("legacy version = %d (%v)", v.Major, err)
	}
}

func TestReadEventsWholeRecordsOnly(t *testing.T) {
	s := NewSys(Options{Revision: RevisionJM})
	s.PushJobEvent(ioctl.JdEventV2{EventCode: ioctl.JdEventDone, AtomNumber: 1})
	s.PushJobEvent(ioctl.JdEventV2{EventCode: ioctl.JdEventDone, AtomNumber: 2})

	recSize := int(unsafe.Sizeof(ioctl.JdEventV2{}))
	buf := make([]byte, recSize+recSize/2)
	n, err := s.ReadEvents(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != recSize {
		t.Errorf("short buffer read %d bytes, want one record (%d)", n, recSize)
	}

	n, _ = s.ReadEvents(buf)
	if n != recSize {
		t.Errorf("second read %d bytes, want %d", n, recSize)
	}
	if n, _ = s.ReadEvents(buf); n != 0 {
		t.Errorf("drained channel read %d bytes", n)
	}
}

func TestPollWakesOnPush(t *testing.T) {
	s := NewSys(Options{})
	done := make(chan bool, 1)
	go func() {
		ready, _ := s.Poll(5 * time.Second)
		done <- ready
	}()

	time.Sleep(20 * time.Millisecond)
	s.PushNotification(ioctl.Notification{Type: ioctl.NotificationEvent})

	select {
	case ready := <-done:
		if !ready {
			t.Error("poll reported not ready after push")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("poll never woke")
	}
}

func TestPropsBlobRoundTrip(t *testing.T) {
	s := NewSys(Options{})
	var args ioctl.GetGPUPropsArgs
	size, err := s.Ioctl(ioctl.GetGPUProps, unsafe.Pointer(&args))
	if err != nil || size <= 0 {
		t.Fatalf("size query = (%d, %v)", size, err)
	}

	blob := make([]byte, size)
	args.Buffer = uint64(uintptr(unsafe.Pointer(&blob[0])))
	args.Size = uint32(size)
	if _, err := s.Ioctl(ioctl.GetGPUProps, unsafe.Pointer(&args)); err != nil {
		t.Fatalf("blob query: %v", err)
	}
	// First record: product id, 8-byte value.
	hdr := uint32(blob[0]) | uint32(blob[1])<<8 | uint32(blob[2])<<16 | uint32(blob[3])<<24
	if hdr>>2 != ioctl.GPUPropProductID || hdr&3 != 3 {
		t.Errorf("first record header = %#x", hdr)
	}
}

func TestDupAndSameFile(t *testing.T) {
	s := NewSys(Options{})
	s.RegisterFile(5, 123)

	dup, err := s.DupCloexec(5)
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	same, _ := s.SameFile(5, dup)
	if !same {
		t.Error("duplicate not the same file")
	}
	other, _ := s.SameFile(5, 6)
	if other {
		t.Error("unrelated descriptors alias")
	}

	s.CloseFD(dup)
	if s.CloseCount(dup) != 1 {
		t.Errorf("close count = %d", s.CloseCount(dup))
	}
}
