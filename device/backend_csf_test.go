// File: device/backend_csf_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package device_test

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/momentics/kbase-go/api"
	"github.com/momentics/kbase-go/device"
	"github.com/momentics/kbase-go/fake"
	"github.com/momentics/kbase-go/internal/ioctl"
)

func bindQueue(t *testing.T, d *device.Device, ctx *device.Context) (*device.CS, device.MemRegion) {
	t.Helper()
	ring, err := d.Alloc(16*d.PageSize(), 0, 0)
	if err != nil {
		t.Fatalf("ring alloc: %v", err)
	}
	q, err := ctx.BindCS(ring, 1)
	if err != nil {
		t.Fatalf("bind queue: %v", err)
	}
	return q, ring
}

// writeCounter stores a completion counter value for a queue's event slot
// and queues the event notification a real stream would raise with it.
func writeCounter(sys *fake.Sys, d *device.Device, q *device.CS, val uint64) {
	off := q.EventSlot() * ioctl.EventSize
	binary.LittleEndian.PutUint64(d.EventMem().CPU[off:], val)
	sys.PushNotification(ioctl.Notification{Type: ioctl.NotificationEvent})
}

func TestQueueLifecycle(t *testing.T) {
	sys, d := openCSF(t)
	ctx, err := d.ContextCreate()
	if err != nil {
		t.Fatalf("context create: %v", err)
	}
	defer ctx.Destroy()

	q, _ := bindQueue(t, d, ctx)
	if q.State() != api.QueueBound {
		t.Fatalf("state after bind = %v", q.State())
	}
	// The counter is primed, so target 0 is already satisfied.
	if err := q.Wait(0, time.Second); err != nil {
		t.Fatalf("primed wait: %v", err)
	}

	o := d.SyncObjCreate()
	defer o.Destroy()
	if err := q.Submit(64, 1, o); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := len(sys.Kicks()); got != 1 {
		t.Fatalf("kicks = %d, want 1", got)
	}

	// The stream retires the window by writing the counter.
	writeCounter(sys, d, q, 2)
	if err := o.Wait(time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := q.Wait(1, time.Second); err != nil {
		t.Fatalf("queue wait: %v", err)
	}

	q.Term()
	if q.State() != api.QueueTerminated {
		t.Errorf("state after term = %v", q.State())
	}
	if err := q.Submit(128, 2, nil); err == nil {
		t.Error("submit on terminated queue succeeded")
	}
}

func TestRingResubmissionNoOp(t *testing.T) {
	sys, d := openCSF(t)
	ctx, err := d.ContextCreate()
	if err != nil {
		t.Fatalf("context create: %v", err)
	}
	defer ctx.Destroy()
	q, _ := bindQueue(t, d, ctx)
	defer q.Term()

	if err := q.Submit(64, 1, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Unchanged insert offset: no doorbell, no kick.
	if err := q.Submit(64, 2, nil); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if got := len(sys.Kicks()); got != 1 {
		t.Errorf("kicks after resubmission = %d, want 1", got)
	}
	if err := q.Submit(128, 2, nil); err != nil {
		t.Fatalf("new window: %v", err)
	}
	if got := len(sys.Kicks()); got != 2 {
		t.Errorf("kicks after new window = %d, want 2", got)
	}
}

func TestResubmissionLeavesSyncObjectClear(t *testing.T) {
	sys, d := openCSF(t)
	ctx, err := d.ContextCreate()
	if err != nil {
		t.Fatalf("context create: %v", err)
	}
	defer ctx.Destroy()
	q, _ := bindQueue(t, d, ctx)
	defer q.Term()

	if err := q.Submit(64, 1, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	writeCounter(sys, d, q, 2)
	if err := q.Wait(1, time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	// Flushing with the insert offset unchanged runs nothing, so the
	// batch's sync object must stay empty and satisfiable.
	o := d.SyncObjCreate()
	defer o.Destroy()
	if err := q.Submit(64, 2, o); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
	if pending := o.Pending(); len(pending) != 0 {
		t.Fatalf("pending after empty flush = %v", pending)
	}
	if err := o.Wait(300 * time.Millisecond); err != nil {
		t.Fatalf("wait after empty flush: %v", err)
	}
}

func TestQueueWaitTimeoutReportsStreamState(t *testing.T) {
	_, d := openCSF(t)
	ctx, err := d.ContextCreate()
	if err != nil {
		t.Fatalf("context create: %v", err)
	}
	defer ctx.Destroy()
	q, _ := bindQueue(t, d, ctx)
	defer q.Term()

	if err := q.Submit(64, 1, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	err = q.Wait(1, 50*time.Millisecond)
	if !errors.Is(err, api.ErrOperationTimeout) {
		t.Fatalf("wait = %v, want timeout", err)
	}
	if !strings.Contains(err.Error(), "extract") || !strings.Contains(err.Error(), "active") {
		t.Errorf("timeout carries no stream state: %v", err)
	}
}

func pushGroupError(sys *fake.Sys, handle uint8, errType uint8, csi uint8) {
	var n ioctl.Notification
	n.Type = ioctl.NotificationGroupError
	info := n.GroupError()
	info.Handle = handle
	info.Error.ErrorType = errType
	info.Error.Status = 0xdead
	info.Error.CSIIndex = csi
	sys.PushNotification(n)
}

func TestFaultRecovery(t *testing.T) {
	sys, d := openCSF(t)
	ctx, err := d.ContextCreate()
	if err != nil {
		t.Fatalf("context create: %v", err)
	}
	defer ctx.Destroy()
	q, _ := bindQueue(t, d, ctx)

	o := d.SyncObjCreate()
	defer o.Destroy()
	if err := q.Submit(64, 1, o); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Fatal group error: the whole context goes down.
	pushGroupError(sys, 0, ioctl.GroupErrorFatal, 0)
	d.EnsureHandleEvents()

	if !ctx.Faulted() {
		t.Fatal("context not marked faulted")
	}
	if q.State() != api.QueueFaulted {
		t.Fatalf("queue state = %v, want faulted", q.State())
	}
	if err := q.Submit(128, 2, nil); !errors.Is(err, api.ErrQueueFaulted) {
		t.Fatalf("submit on faulted queue = %v", err)
	}
	if err := o.Wait(time.Second); !errors.Is(err, api.ErrQueueFaulted) {
		t.Fatalf("wait on faulted work = %v", err)
	}

	// Recovery: recreate the kernel objects, rebind, resubmit.
	if err := ctx.Recreate(); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if err := q.Rebind(); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if q.State() != api.QueueBound {
		t.Fatalf("state after rebind = %v", q.State())
	}
	if ctx.Faulted() {
		t.Error("recreated context still faulted")
	}

	if err := q.Submit(64, 1, nil); err != nil {
		t.Fatalf("submit after recovery: %v", err)
	}
	writeCounter(sys, d, q, 2)
	if err := q.Wait(1, time.Second); err != nil {
		t.Fatalf("wait after recovery: %v", err)
	}
}

func TestQueueFatalRoutesToOneQueue(t *testing.T) {
	sys, d := openCSF(t)
	ctx, err := d.ContextCreate()
	if err != nil {
		t.Fatalf("context create: %v", err)
	}
	defer ctx.Destroy()

	q0, _ := bindQueue(t, d, ctx)
	q1, _ := bindQueue(t, d, ctx)

	pushGroupError(sys, 0, ioctl.GroupErrorQueueFatal, 1)
	d.EnsureHandleEvents()

	if q1.State() != api.QueueFaulted {
		t.Errorf("target queue state = %v, want faulted", q1.State())
	}
	if q0.State() != api.QueueBound {
		t.Errorf("bystander queue state = %v, want bound", q0.State())
	}
	if ctx.Faulted() {
		t.Error("queue-scoped fault marked the whole context")
	}
}

func TestTermPrunesSyncObjects(t *testing.T) {
	_, d := openCSF(t)
	ctx, err := d.ContextCreate()
	if err != nil {
		t.Fatalf("context create: %v", err)
	}
	defer ctx.Destroy()
	q, _ := bindQueue(t, d, ctx)

	o := d.SyncObjCreate()
	defer o.Destroy()
	if err := q.Submit(64, 5, o); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(o.Pending()) != 1 {
		t.Fatalf("pending = %v", o.Pending())
	}

	q.Term()
	// Terminated work cannot be waited out; the object must be clear.
	if err := o.Wait(50 * time.Millisecond); err != nil {
		t.Fatalf("wait after term: %v", err)
	}
}

func TestQueueIndexExhaustion(t *testing.T) {
	sys := fake.NewSys(fake.Options{})
	cfg := device.DefaultConfig()
	cfg.CSQueueCount = 2
	d, err := device.OpenWith(sys, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	ctx, err := d.ContextCreate()
	if err != nil {
		t.Fatalf("context create: %v", err)
	}
	defer ctx.Destroy()

	bindQueue(t, d, ctx)
	bindQueue(t, d, ctx)
	ring, err := d.Alloc(16*d.PageSize(), 0, 0)
	if err != nil {
		t.Fatalf("ring alloc: %v", err)
	}
	if _, err := ctx.BindCS(ring, 1); !errors.Is(err, api.ErrResourceExhausted) {
		t.Errorf("third bind = %v, want exhaustion", err)
	}
}

func TestKCPUCommands(t *testing.T) {
	_, d := openCSF(t)
	ctx, err := d.ContextCreate()
	if err != nil {
		t.Fatalf("context create: %v", err)
	}
	defer ctx.Destroy()

	fd, err := ctx.FenceExport()
	if err != nil {
		t.Fatalf("fence export: %v", err)
	}
	if fd <= 0 {
		t.Fatalf("fence fd = %d", fd)
	}
	if err := ctx.FenceImport(fd); err != nil {
		t.Fatalf("fence import: %v", err)
	}

	cqs := d.KCPUEventMem()
	if !cqs.Valid() {
		t.Fatal("no kcpu event memory")
	}
	if err := ctx.CQSSet(cqs.GPU); err != nil {
		t.Fatalf("cqs set: %v", err)
	}
	if got := binary.LittleEndian.Uint64(cqs.CPU); got != 1 {
		t.Errorf("cqs object = %d, want 1", got)
	}
	if err := ctx.CQSWait(cqs.GPU, 0); err != nil {
		t.Fatalf("cqs wait: %v", err)
	}

	if d.StatsSnapshot().KCPU != 4 {
		t.Errorf("kcpu commands = %d, want 4", d.StatsSnapshot().KCPU)
	}
}

func TestContextOnJMDeviceRejected(t *testing.T) {
	_, d := openJM(t, false)
	if _, err := d.ContextCreate(); !errors.Is(err, api.ErrNotSupported) {
		t.Errorf("context create on jm = %v, want not supported", err)
	}
}
