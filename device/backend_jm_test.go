// File: device/backend_jm_test.go
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
	"github.com/momentics/kbase-go/internal/ioctl"
)

func depAtoms(a ioctl.JdAtomV2) map[uint8]bool {
	deps := make(map[uint8]bool)
	for _, dep := range a.PreDep {
		if dep.DepType == ioctl.DepTypeOrder {
			deps[dep.AtomID] = true
		}
	}
	return deps
}

func TestImplicitOrderingAcrossLanes(t *testing.T) {
	_, d, atoms := deferredJM(t)
	h := d.AllocHandle(0x9000, -1)

	// A on the compute lane, B on the fragment lane, both touching h.
	if _, err := d.Submit(0x1000, 0, nil, []int32{int32(h)}); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if _, err := d.Submit(0x2000, api.ReqFragment, nil, []int32{int32(h)}); err != nil {
		t.Fatalf("submit B: %v", err)
	}
	// C back on the compute lane sees both predecessors.
	if _, err := d.Submit(0x3000, 0, nil, []int32{int32(h)}); err != nil {
		t.Fatalf("submit C: %v", err)
	}

	batch := atoms()
	if len(batch) != 3 {
		t.Fatalf("captured %d atoms, want 3", len(batch))
	}
	a, b, c := batch[0], batch[1], batch[2]

	if len(depAtoms(a)) != 0 {
		t.Errorf("first atom has dependencies: %+v", a.PreDep)
	}
	if deps := depAtoms(b); !deps[a.AtomNumber] || len(deps) != 1 {
		t.Errorf("cross-lane atom deps = %+v, want {%d}", b.PreDep, a.AtomNumber)
	}
	if deps := depAtoms(c); !deps[a.AtomNumber] || !deps[b.AtomNumber] {
		t.Errorf("third atom deps = %+v, want both %d and %d", c.PreDep, a.AtomNumber, b.AtomNumber)
	}
}

func TestImplicitOrderingIsOneHop(t *testing.T) {
	_, d, atoms := deferredJM(t)
	h := d.AllocHandle(0x9000, -1)

	// Three same-lane atoms on one handle: each depends only on its
	// immediate predecessor, never the whole chain.
	for i := 0; i < 3; i++ {
		if _, err := d.Submit(uint64(0x1000*(i+1)), 0, nil, []int32{int32(h)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	batch := atoms()
	if deps := depAtoms(batch[2]); !deps[batch[1].AtomNumber] || deps[batch[0].AtomNumber] {
		t.Errorf("third atom deps = %+v, want only %d", batch[2].PreDep, batch[1].AtomNumber)
	}
}

func TestLaneRouting(t *testing.T) {
	_, d, atoms := deferredJM(t)
	d.Submit(0x1000, api.ReqFragment, nil, nil)
	d.Submit(0x2000, 0, nil, nil)

	batch := atoms()
	if batch[0].JobSlot != 0 || batch[0].CoreReq&ioctl.ReqFS == 0 {
		t.Errorf("fragment atom routed to slot %d, core req %#x", batch[0].JobSlot, batch[0].CoreReq)
	}
	if batch[1].JobSlot != 1 || batch[1].CoreReq&ioctl.ReqCS == 0 {
		t.Errorf("compute atom routed to slot %d, core req %#x", batch[1].JobSlot, batch[1].CoreReq)
	}
}

func TestAtomPoolExhaustion(t *testing.T) {
	sys, d, atoms := deferredJM(t)

	// 255 usable atom numbers; the reserved zero never leaves the pool.
	for i := 0; i < 255; i++ {
		if _, err := d.Submit(uint64(i+1)<<12, 0, nil, nil); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	_, err := d.Submit(0xffff000, 0, nil, nil)
	if !errors.Is(err, api.ErrResourceExhausted) {
		t.Fatalf("256th submit = %v, want exhaustion", err)
	}

	// Retiring one atom frees its number for reuse.
	completeAtom(sys, atoms()[0])
	d.EnsureHandleEvents()
	if _, err := d.Submit(0xeeee000, 0, nil, nil); err != nil {
		t.Errorf("submit after retire: %v", err)
	}
}

func TestConcurrentSubmitKeepsWatermark(t *testing.T) {
	sys, d, atoms := deferredJM(t)

	// Sequence numbers are allocated under one lock and recorded on the
	// slot under another; racing submitters must never lower the slot's
	// submitted watermark.
	const total = 24
	var wg sync.WaitGroup
	start := make(chan struct{})
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < total/4; i++ {
				if _, err := d.Submit(0x1000, 0, nil, nil); err != nil {
					t.Errorf("submit: %v", err)
				}
			}
		}()
	}
	close(start)
	wg.Wait()

	batch := atoms()
	if len(batch) != total {
		t.Fatalf("captured %d atoms, want %d", len(batch), total)
	}
	newest := 0
	for i, a := range batch {
		if a.UData[0] > batch[newest].UData[0] {
			newest = i
		}
	}

	var count int32
	fired := make(chan struct{})
	if !d.CallbackAllQueues(&count, func(any) { close(fired) }, nil) {
		t.Fatal("no in-flight work registered")
	}

	// Retire everything except the newest submission: the all-retired
	// callback has to keep waiting for it.
	for i, a := range batch {
		if i != newest {
			completeAtom(sys, a)
		}
	}
	d.EnsureHandleEvents()
	select {
	case <-fired:
		t.Fatal("all-queues callback fired with work still in flight")
	default:
	}

	completeAtom(sys, batch[newest])
	d.EnsureHandleEvents()
	select {
	case <-fired:
	default:
		t.Fatal("all-queues callback never fired")
	}
}

func TestAtomFaultSurfacesFromWait(t *testing.T) {
	sys, d, atoms := deferredJM(t)
	o := d.SyncObjCreate()
	defer o.Destroy()

	if _, err := d.Submit(0x1000, 0, o, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	a := atoms()[0]
	sys.PushJobEvent(ioctl.JdEventV2{
		EventCode:  0x54, // job fault
		AtomNumber: a.AtomNumber,
		UData:      a.UData,
	})

	err := o.Wait(time.Second)
	if !errors.Is(err, api.ErrQueueFaulted) {
		t.Fatalf("wait = %v, want fault", err)
	}
	if api.CodeOf(err) != api.ErrCodeFault {
		t.Errorf("code = %v, want ErrCodeFault", api.CodeOf(err))
	}
}

func TestLegacySubmitRoundTrip(t *testing.T) {
	d, err := device.OpenNoopJM(true, device.DefaultConfig())
	if err != nil {
		t.Fatalf("open legacy: %v", err)
	}
	defer d.Close()

	o := d.SyncObjCreate()
	defer o.Destroy()
	if _, err := d.Submit(0x1000, 0, o, nil); err != nil {
		t.Fatalf("legacy submit: %v", err)
	}
	if err := o.Wait(time.Second); err != nil {
		t.Fatalf("legacy wait: %v", err)
	}
}

func TestSubmitOnCSFDeviceRejected(t *testing.T) {
	_, d := openCSF(t)
	_, err := d.Submit(0x1000, 0, nil, nil)
	if !errors.Is(err, api.ErrNotSupported) {
		t.Errorf("atom submit on csf = %v, want not supported", err)
	}
}

func TestStatsCounters(t *testing.T) {
	d, err := device.OpenNoopJM(false, device.DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	o := d.SyncObjCreate()
	defer o.Destroy()
	if _, err := d.Submit(0x1000, 0, o, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := o.Wait(time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	s := d.StatsSnapshot()
	if s.Submissions != 1 {
		t.Errorf("submissions = %d, want 1", s.Submissions)
	}
	if s.Completions == 0 {
		t.Error("no completions counted")
	}
	if s.ReadCycles == 0 {
		t.Error("no read cycles counted")
	}
}
