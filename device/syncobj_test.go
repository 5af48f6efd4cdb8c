// File: device/syncobj_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package device_test

import (
	"errors"
	"testing"
	"time"

	"github.com/momentics/kbase-go/api"
	"github.com/momentics/kbase-go/device"
)

func TestSyncObjEmptyWait(t *testing.T) {
	_, d := openJM(t, false)
	o := d.SyncObjCreate()
	defer o.Destroy()

	start := time.Now()
	if err := o.Wait(time.Second); err != nil {
		t.Fatalf("empty wait: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("empty wait blocked")
	}
}

func TestSyncObjRoundTrip(t *testing.T) {
	// The quiet kernel completes everything immediately.
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
	if len(o.Pending()) != 1 {
		t.Fatalf("pending = %v, want one fence", o.Pending())
	}
	if err := o.Wait(time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(o.Pending()) != 0 {
		t.Errorf("fences not pruned after wait: %v", o.Pending())
	}
}

func TestSyncObjTimeout(t *testing.T) {
	_, d, _ := deferredJM(t)
	o := d.SyncObjCreate()
	defer o.Destroy()

	if _, err := d.Submit(0x1000, 0, o, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	err := o.Wait(30 * time.Millisecond)
	if !errors.Is(err, api.ErrOperationTimeout) {
		t.Fatalf("wait = %v, want timeout", err)
	}
	if api.CodeOf(err) != api.ErrCodeTimeout {
		t.Errorf("code = %v, want ErrCodeTimeout", api.CodeOf(err))
	}
}

func TestSyncObjDup(t *testing.T) {
	sys, d, atoms := deferredJM(t)
	o := d.SyncObjCreate()
	defer o.Destroy()

	if _, err := d.Submit(0x1000, 0, o, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	dup := o.Dup()
	defer dup.Destroy()
	if len(dup.Pending()) != 1 {
		t.Fatalf("dup pending = %v", dup.Pending())
	}

	completeAtom(sys, atoms()[0])
	if err := o.Wait(time.Second); err != nil {
		t.Fatalf("original wait: %v", err)
	}
	if err := dup.Wait(time.Second); err != nil {
		t.Fatalf("dup wait: %v", err)
	}
}

func TestSyncObjKeepsHighestTargetPerSlot(t *testing.T) {
	sys, d, atoms := deferredJM(t)
	o := d.SyncObjCreate()
	defer o.Destroy()

	if _, err := d.Submit(0x1000, 0, o, nil); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if _, err := d.Submit(0x2000, 0, o, nil); err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if got := len(o.Pending()); got != 1 {
		t.Fatalf("fences = %d, want 1 (same slot)", got)
	}

	// Only the first completion: the aggregated target is the second.
	completeAtom(sys, atoms()[0])
	if err := o.Wait(30 * time.Millisecond); !errors.Is(err, api.ErrOperationTimeout) {
		t.Fatalf("wait after first completion = %v, want timeout", err)
	}

	completeAtom(sys, atoms()[1])
	if err := o.Wait(time.Second); err != nil {
		t.Fatalf("wait after both completions: %v", err)
	}
}

// Multiple goroutines blocked on one completion must all wake: reader
// election hands the kernel read to one of them and the broadcast reaches
// the rest.
func TestConcurrentWaitersNoLostWakeup(t *testing.T) {
	sys, d, atoms := deferredJM(t)
	o := d.SyncObjCreate()
	defer o.Destroy()

	if _, err := d.Submit(0x1000, 0, o, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	const waiters = 4
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() { errs <- o.Wait(5 * time.Second) }()
	}

	time.Sleep(50 * time.Millisecond)
	completeAtom(sys, atoms()[0])

	for i := 0; i < waiters; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("waiter stuck")
		}
	}
}
