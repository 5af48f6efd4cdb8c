// File: device/handles_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package device_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/momentics/kbase-go/api"
	"github.com/momentics/kbase-go/device"
	"github.com/momentics/kbase-go/fake"
	"github.com/momentics/kbase-go/internal/ioctl"
)

// deferredJM opens a job-manager device whose submissions do not complete
// until the test pushes their events.
func deferredJM(t *testing.T) (*fake.Sys, *device.Device, func() []ioctl.JdAtomV2) {
	t.Helper()
	sys := fake.NewSys(fake.Options{Revision: fake.RevisionJM})
	var mu sync.Mutex
	var atoms []ioctl.JdAtomV2
	sys.OnJobSubmit = func(batch []ioctl.JdAtomV2) {
		mu.Lock()
		atoms = append(atoms, batch...)
		mu.Unlock()
	}
	d, err := device.OpenWith(sys, device.DefaultConfig())
	if err != nil {
		t.Fatalf("open jm device: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return sys, d, func() []ioctl.JdAtomV2 {
		mu.Lock()
		defer mu.Unlock()
		return append([]ioctl.JdAtomV2(nil), atoms...)
	}
}

func completeAtom(sys *fake.Sys, a ioctl.JdAtomV2) {
	sys.PushJobEvent(ioctl.JdEventV2{
		EventCode:  ioctl.JdEventDone,
		AtomNumber: a.AtomNumber,
		UData:      a.UData,
	})
}

func TestImportDedup(t *testing.T) {
	sys, d := openJM(t, false)
	sys.RegisterFile(10, 500)
	sys.RegisterFile(11, 500) // same file, different descriptor
	sys.RegisterFile(12, 501)

	h1, err := d.ImportDMABuf(10)
	if err != nil {
		t.Fatalf("import fd 10: %v", err)
	}
	h2, err := d.ImportDMABuf(11)
	if err != nil {
		t.Fatalf("import fd 11: %v", err)
	}
	h3, err := d.ImportDMABuf(12)
	if err != nil {
		t.Fatalf("import fd 12: %v", err)
	}

	if h1 != h2 {
		t.Errorf("same file imported twice: handles %d and %d", h1, h2)
	}
	if h1 == h3 {
		t.Errorf("distinct files share handle %d", h1)
	}
	if info, ok := d.Handle(h1); !ok || !info.HasFD {
		t.Errorf("imported handle info = (%+v, %v)", info, ok)
	}
}

func TestHandleTombstoneReuse(t *testing.T) {
	_, d := openJM(t, false)
	h1 := d.AllocHandle(0x1000, -1)
	h2 := d.AllocHandle(0x2000, -1)
	d.FreeHandle(h1)
	if _, ok := d.Handle(h1); ok {
		t.Error("freed handle still resolves")
	}
	h3 := d.AllocHandle(0x3000, -1)
	if h3 != h1 {
		t.Errorf("tombstoned slot not reused: got %d, want %d", h3, h1)
	}
	if h2 == h3 {
		t.Error("live handle reassigned")
	}
}

func TestUseCountConservation(t *testing.T) {
	sys, d, atoms := deferredJM(t)
	h := d.AllocHandle(0x1000, -1)

	if _, err := d.Submit(0xdead0000, 0, nil, []int32{int32(h)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if info, _ := d.Handle(h); info.UseCount != 1 {
		t.Fatalf("use count after submit = %d, want 1", info.UseCount)
	}

	// WaitHandle must block while the submission is in flight.
	if err := d.WaitHandle(h, 30*time.Millisecond); !errors.Is(err, api.ErrOperationTimeout) {
		t.Fatalf("wait on busy handle = %v, want timeout", err)
	}

	completeAtom(sys, atoms()[0])
	if err := d.WaitHandle(h, time.Second); err != nil {
		t.Fatalf("wait after completion: %v", err)
	}
	if info, _ := d.Handle(h); info.UseCount != 0 {
		t.Errorf("use count after completion = %d, want 0", info.UseCount)
	}
	d.FreeHandle(h)
}

func TestSubmitIgnoresInvalidHandleRefs(t *testing.T) {
	sys, d, atoms := deferredJM(t)
	h := d.AllocHandle(0x1000, -1)

	// Negative and out-of-range references are skipped on submission and
	// again on the completion path.
	if _, err := d.Submit(0x2000, 0, nil, []int32{-1, int32(h), 99}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if info, _ := d.Handle(h); info.UseCount != 1 {
		t.Errorf("use count after submit = %d, want 1", info.UseCount)
	}

	completeAtom(sys, atoms()[0])
	d.EnsureHandleEvents()
	if info, _ := d.Handle(h); info.UseCount != 0 {
		t.Errorf("use count after completion = %d, want 0", info.UseCount)
	}
}

func TestImportClosesOwnedDescriptorOnce(t *testing.T) {
	sys, d := openJM(t, false)
	sys.RegisterFile(42, 900)
	h, err := d.ImportDMABuf(42)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	d.FreeHandle(h)
	d.FreeHandle(h) // second free of a tombstone must not close again

	total := 0
	for fd := 1 << 20; fd < 1<<20+8; fd++ {
		total += sys.CloseCount(fd)
	}
	if total != 1 {
		t.Errorf("owned descriptor closed %d times, want 1", total)
	}
}
