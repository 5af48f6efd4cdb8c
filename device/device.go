// File: device/device.go
// Package device implements the kbase command submission and synchronization
// layer behind one interface for the three kernel frontends.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package device

import (
	"fmt"
	"log"
	"sync"
	"unsafe"

	"github.com/momentics/kbase-go/api"
	"github.com/momentics/kbase-go/internal/ioctl"
)

// revision identifies which kernel submission protocol the device speaks.
type revision int

const (
	revLegacy revision = iota // job-manager, version major 3
	revCurrent                // job-manager, later revisions
	revCSF                    // command-stream frontend
)

func (r revision) String() string {
	switch r {
	case revLegacy:
		return "jm-legacy"
	case revCurrent:
		return "jm"
	case revCSF:
		return "csf"
	default:
		return "unknown"
	}
}

// backend is chosen once at open time and held for the device's lifetime.
type backend interface {
	// pollEvent blocks until the notification channel is readable or the
	// timeout elapses; true means there may be records to read.
	pollEvent(d *Device, timeoutNs int64) bool
	// handleEvents performs one read cycle: drain the notification
	// channel, refresh every event slot from completion state, fire
	// satisfied callbacks. Only the elected reader calls this.
	handleEvents(d *Device) error
}

// Config carries device-wide tuning. Zero values fall back to defaults.
type Config struct {
	// CSQueueCount is the number of command-stream queues per group.
	CSQueueCount uint8

	// Tiler heap geometry for CSF contexts.
	TilerHeapChunkSize uint32
	TilerHeapInitial   uint32
	TilerHeapMax       uint32
	TilerHeapInFlight  uint16

	// PageSize overrides the system page size (tests only).
	PageSize int

	// Verbose enables event/submission tracing through the stdlib logger.
	Verbose bool
}

// DefaultConfig returns the settings used by the reference driver stack.
func DefaultConfig() Config {
	return Config{
		CSQueueCount:       4,
		TilerHeapChunkSize: 2 << 20,
		TilerHeapInitial:   5,
		TilerHeapMax:       200,
		TilerHeapInFlight:  65535,
	}
}

func (c *Config) normalize(pageSize int) {
	if c.CSQueueCount == 0 {
		c.CSQueueCount = 4
	}
	if c.TilerHeapChunkSize == 0 {
		c.TilerHeapChunkSize = 2 << 20
	}
	if c.TilerHeapInitial == 0 {
		c.TilerHeapInitial = 5
	}
	if c.TilerHeapMax == 0 {
		c.TilerHeapMax = 200
	}
	if c.TilerHeapInFlight == 0 {
		c.TilerHeapInFlight = 65535
	}
	if c.PageSize == 0 {
		c.PageSize = pageSize
	}
}

// Device is one open kbase submission layer instance. All entry points may
// be called from any goroutine.
//
// Lock order: handleMu may never be held while acquiring queueMu or while
// blocking; the wait-protocol locks (gateMu, readMu) are leaves.
type Device struct {
	cfg Config
	sys ioctl.Sys
	rev revision

	backend backend
	jm      *jmBackend  // non-nil for the two job-manager revisions
	csf     *csfBackend // non-nil for the command-stream revision

	// handleMu guards the buffer handle table.
	handleMu sync.Mutex
	handles  []handleEntry

	// queueMu serializes enqueue-time bookkeeping: event slots, sync
	// objects, queue registries.
	queueMu  sync.Mutex
	slots    []*eventSlot
	syncobjs map[*SyncObj]struct{}
	contexts map[uint8]*Context

	// Wait protocol: readMu elects the single reader of kernel
	// notifications, gateMu+wake replace a deadline condition variable
	// (broadcast closes wake and replaces it).
	readMu sync.Mutex
	gateMu sync.Mutex
	wake   chan struct{}

	setupSteps []setupStep
	setupState int
	closed     bool

	tracking []byte
	userReg  []byte

	propsBlob   []byte                    // current/CSF property blob
	legacyProps *ioctl.LegacyGPUPropsArgs // legacy register dump

	eventMem     MemRegion
	kcpuEventMem MemRegion

	stats Stats
}

// MemRegion is one kernel-backed allocation mapped into the process.
type MemRegion struct {
	CPU []byte
	GPU uint64
}

// Valid reports whether the region is mapped.
func (m MemRegion) Valid() bool { return m.CPU != nil }

type setupStep struct {
	label   string
	run     func(d *Device) error
	cleanup func(d *Device)
}

// Open probes the kernel interface revision on an already-open kbase device
// descriptor (non-blocking mode) and binds the matching backend. Ownership
// of fd passes to the device.
func Open(fd int, cfg Config) (*Device, error) {
	return OpenWith(ioctl.NewSys(fd), cfg)
}

// OpenWith is Open over an explicit syscall surface. fake.Sys plugs in here
// for the no-op backend and for tests.
func OpenWith(sys ioctl.Sys, cfg Config) (*Device, error) {
	d := &Device{
		cfg:      cfg,
		sys:      sys,
		wake:     make(chan struct{}),
		syncobjs: make(map[*SyncObj]struct{}),
		contexts: make(map[uint8]*Context),
	}
	d.cfg.normalize(defaultPageSize())

	// Ordered fallback chain: the reserved version check only succeeds on
	// CSF kernels; the plain one reports the job-manager revision.
	var ver ioctl.VersionCheckArgs
	if _, err := sys.Ioctl(ioctl.VersionCheckReserved, unsafe.Pointer(&ver)); err == nil {
		d.rev = revCSF
	} else if _, err := sys.Ioctl(ioctl.VersionCheck, unsafe.Pointer(&ver)); err == nil {
		if ver.Major == 3 {
			d.rev = revLegacy
		} else {
			d.rev = revCurrent
		}
	} else {
		sys.Close()
		return nil, api.WrapError(api.ErrCodeKernel, "version check", err)
	}

	switch d.rev {
	case revCSF:
		d.csf = &csfBackend{queues: make(map[int]*CS)}
		d.backend = d.csf
	default:
		d.jm = newJMBackend(d.rev)
		d.backend = d.jm
	}

	d.setupSteps = d.buildSetup()
	for _, step := range d.setupSteps {
		d.setupState++
		if err := step.run(d); err != nil {
			d.logf("setup %q failed: %v", step.label, err)
			d.teardown()
			return nil, fmt.Errorf("%s: %w", step.label, err)
		}
	}

	d.logf("opened %s device, %d handles, page size %d",
		d.rev, len(d.handles), d.cfg.PageSize)
	return d, nil
}

// buildSetup assembles the ordered setup table for the bound revision; Close
// unwinds completed steps in reverse.
func (d *Device) buildSetup() []setupStep {
	steps := []setupStep{
		{"allocate handle table", (*Device).setupHandles, (*Device).cleanupHandles},
	}
	if d.rev >= revCurrent {
		steps = append(steps, setupStep{"set flags", (*Device).setupFlags, nil})
	}
	steps = append(steps, setupStep{"map tracking page", (*Device).setupTracking, (*Device).cleanupTracking})
	if d.rev == revLegacy {
		steps = append(steps, setupStep{"set flags", (*Device).setupFlags, nil})
	}
	steps = append(steps, setupStep{"query GPU properties", (*Device).setupProps, (*Device).cleanupProps})
	if d.rev == revCSF {
		steps = append(steps, setupStep{"map user register page", (*Device).setupUserReg, (*Device).cleanupUserReg})
	}
	if d.rev >= revCurrent {
		steps = append(steps,
			setupStep{"initialise EXEC_VA zone", (*Device).setupMemExec, nil},
			setupStep{"initialise JIT allocator", (*Device).setupMemJit, nil})
	}
	if d.rev == revCSF {
		steps = append(steps, setupStep{"allocate event memory", (*Device).setupEventMem, (*Device).cleanupEventMem})
	}
	return steps
}

func (d *Device) teardown() {
	for d.setupState > 0 {
		step := d.setupSteps[d.setupState-1]
		if step.cleanup != nil {
			step.cleanup(d)
		}
		d.setupState--
	}
	d.sys.Close()
}

// Close releases every kernel resource acquired at open time. Contexts and
// queues must already be torn down by their owners.
func (d *Device) Close() error {
	d.queueMu.Lock()
	if d.closed {
		d.queueMu.Unlock()
		return api.ErrClosed
	}
	d.closed = true
	d.queueMu.Unlock()

	d.teardown()
	return nil
}

// Revision reports the bound kernel protocol as a short name.
func (d *Device) Revision() string { return d.rev.String() }

// IsCSF reports whether the device speaks the command-stream protocol.
func (d *Device) IsCSF() bool { return d.rev == revCSF }

// PageSize is the page granule used for device mappings.
func (d *Device) PageSize() int { return d.cfg.PageSize }

// EventMem exposes the shared completion-counter region (CSF only). Callers
// encode counter writes against its GPU address; slot i's counter pair lives
// at byte offset i*ioctl.EventSize.
func (d *Device) EventMem() MemRegion { return d.eventMem }

// KCPUEventMem is the companion region driven by kcpu queue commands.
func (d *Device) KCPUEventMem() MemRegion { return d.kcpuEventMem }

func (d *Device) logf(format string, args ...any) {
	if d.cfg.Verbose {
		log.Printf("[kbase] "+format, args...)
	}
}

// Setup steps.

func (d *Device) setupHandles() error {
	d.handles = make([]handleEntry, 0, 64)
	return nil
}

func (d *Device) cleanupHandles() {
	d.handleMu.Lock()
	defer d.handleMu.Unlock()
	for i := range d.handles {
		if d.handles[i].fd >= 0 {
			d.closeFD(d.handles[i].fd)
		}
		d.handles[i].fd = fdTombstone
	}
	d.handles = nil
}

func (d *Device) setupFlags() error {
	if d.rev == revLegacy {
		args := ioctl.LegacySetFlagsArgs{}
		return d.legacyCall(ioctl.LegacySetFlags, unsafe.Pointer(&args), &args.Header)
	}
	args := ioctl.SetFlagsArgs{}
	_, err := d.sys.Ioctl(ioctl.SetFlags, unsafe.Pointer(&args))
	if err != nil {
		return api.WrapError(api.ErrCodeKernel, "set flags", err)
	}
	return nil
}

func (d *Device) setupTracking() error {
	b, err := d.sys.Mmap(d.cfg.PageSize, ioctl.ProtNone, ioctl.MapTrackingHandle)
	if err != nil {
		return api.WrapError(api.ErrCodeKernel, "map tracking handle", err)
	}
	d.tracking = b
	return nil
}

func (d *Device) cleanupTracking() {
	if d.tracking != nil {
		d.sys.Munmap(d.tracking)
		d.tracking = nil
	}
}

func (d *Device) setupUserReg() error {
	b, err := d.sys.Mmap(d.cfg.PageSize, ioctl.ProtRead, ioctl.CSFUserRegPageSize)
	if err != nil {
		return api.WrapError(api.ErrCodeKernel, "map user register page", err)
	}
	d.userReg = b
	return nil
}

func (d *Device) cleanupUserReg() {
	if d.userReg != nil {
		d.sys.Munmap(d.userReg)
		d.userReg = nil
	}
}

func (d *Device) setupMemExec() error {
	args := ioctl.MemExecInitArgs{VAPages: 0x100000}
	if _, err := d.sys.Ioctl(ioctl.MemExecInit, unsafe.Pointer(&args)); err != nil {
		return api.WrapError(api.ErrCodeKernel, "mem exec init", err)
	}
	return nil
}

func (d *Device) setupMemJit() error {
	args := ioctl.MemJitInitArgs{
		VAPages:        1 << 25,
		MaxAllocations: 255,
		PhysPages:      1 << 25,
	}
	if _, err := d.sys.Ioctl(ioctl.MemJitInit, unsafe.Pointer(&args)); err != nil {
		return api.WrapError(api.ErrCodeKernel, "mem jit init", err)
	}
	return nil
}

func (d *Device) setupEventMem() error {
	mem, err := d.Alloc(2*d.cfg.PageSize, 0,
		ioctl.MemProtCPURd|ioctl.MemProtCPUWr|ioctl.MemProtGPURd|ioctl.MemProtGPUWr|
			ioctl.MemSameVA|ioctl.MemCSFEvent)
	if err != nil {
		return err
	}
	d.eventMem = mem
	d.kcpuEventMem = MemRegion{
		CPU: mem.CPU[d.cfg.PageSize:],
		GPU: mem.GPU + uint64(d.cfg.PageSize),
	}
	return nil
}

func (d *Device) cleanupEventMem() {
	if d.eventMem.Valid() {
		d.sys.Munmap(d.eventMem.CPU)
		d.eventMem = MemRegion{}
		d.kcpuEventMem = MemRegion{}
	}
}

// legacyCall frames a control call for the legacy interface: write the
// function id into the header, then translate a MALI_ERROR written back by
// the kernel.
func (d *Device) legacyCall(req uint32, arg unsafe.Pointer, hdr *ioctl.LegacyHeader) error {
	hdr.ID = ioctl.LegacyFuncID(req)
	if _, err := d.sys.Ioctl(req, arg); err != nil {
		return api.WrapError(api.ErrCodeKernel, "legacy control call", err)
	}
	if err := ioctl.LegacyError(hdr.ID); err != nil {
		return api.WrapError(api.ErrCodeKernel, "legacy control call", err)
	}
	return nil
}
