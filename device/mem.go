// File: device/mem.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Kernel memory management: fixed-size allocations, dma-buf import with
// same-file deduplication, and CPU cache maintenance. SAME_VA allocations
// take their GPU address from the CPU mapping.

package device

import (
	"unsafe"

	"github.com/momentics/kbase-go/api"
	"github.com/momentics/kbase-go/internal/ioctl"
)

const (
	sameVALimit   = 0x80000
	legacyAllocVA = 0x41000
	execAlignPot  = 1 << 24
)

func divRoundUp(n, d uint64) uint64 { return (n + d - 1) / d }

func alignPot(v, pot uint64) uint64 { return (v + pot - 1) &^ (pot - 1) }

// Alloc requests size bytes from the kernel and maps them. panFlags selects
// behavior (api.BOHeap, api.BOExecutable, cache hints); maliFlags, when
// nonzero, overrides the computed kernel flags entirely.
func (d *Device) Alloc(size int, panFlags uint32, maliFlags uint64) (MemRegion, error) {
	pageSize := uint64(d.cfg.PageSize)
	pages := divRoundUp(uint64(size), pageSize)

	args := ioctl.MemAllocArgs{
		VAPages:     pages,
		CommitPages: pages,
	}

	flags := maliFlags
	allocSize := uint64(size)
	mapSize := uint64(size)
	execAlign := false

	if flags == 0 {
		flags = ioctl.MemProtCPURd | ioctl.MemProtCPUWr |
			ioctl.MemProtGPURd | ioctl.MemProtGPUWr | ioctl.MemSameVA
		// Keep GPU cores coherent with each other.
		if d.rev >= revCurrent {
			flags |= ioctl.MemCoherentLocal
		}
	}

	if panFlags&api.BOHeap != 0 {
		alignPages := (2 << 20) / pageSize
		args.VAPages = alignPot(args.VAPages, alignPages)
		args.CommitPages = 0
		args.Extension = alignPages
		flags |= ioctl.MemGrowOnGPF
	}
	if d.rev >= revCurrent && panFlags&api.BOCachedCPU != 0 {
		flags |= ioctl.MemCachedCPU
	}
	if d.rev == revCSF && panFlags&api.BOUncachedGPU != 0 {
		flags |= ioctl.MemUncachedGPU
	}

	if panFlags&api.BOExecutable != 0 {
		// SAME_VA for executable memory risks putting code on the wrong
		// side of a 4 GB boundary.
		flags |= ioctl.MemProtGPUEx
		flags &^= ioctl.MemProtGPUWr | ioctl.MemSameVA
		if d.rev == revLegacy {
			args.VAPages = 0x1000
			mapSize = 1 << 26
			execAlign = true
		}
	}

	args.Flags = flags

	var outFlags uint64
	var gpuVA uint64
	if d.rev == revLegacy {
		largs := ioctl.LegacyMemAllocArgs{
			VAPages:     args.VAPages,
			CommitPages: args.CommitPages,
			Extension:   args.Extension,
			Flags:       args.Flags,
		}
		if err := d.legacyCall(ioctl.LegacyMemAlloc, unsafe.Pointer(&largs), &largs.Header); err != nil {
			return MemRegion{}, err
		}
		outFlags = largs.Flags
		// This revision maps everything at a fixed cookie.
		gpuVA = legacyAllocVA
	} else {
		if _, err := d.sys.Ioctl(ioctl.MemAlloc, unsafe.Pointer(&args)); err != nil {
			return MemRegion{}, api.WrapError(api.ErrCodeKernel, "mem alloc", err)
		}
		out := args.Out()
		outFlags = out.Flags
		gpuVA = out.GPUVA
	}

	if flags&ioctl.MemSameVA != 0 &&
		!(outFlags&ioctl.MemSameVA != 0 && gpuVA < sameVALimit) {
		return MemRegion{}, api.NewError(api.ErrCodeKernel, "kernel refused SAME_VA allocation")
	}

	b, err := d.sys.Mmap(int(mapSize), ioctl.ProtRead|ioctl.ProtWrite, int64(gpuVA))
	if err != nil {
		d.Free(gpuVA)
		return MemRegion{}, api.WrapError(api.ErrCodeKernel, "map allocation", err)
	}

	if outFlags&ioctl.MemSameVA != 0 {
		gpuVA = uint64(uintptr(unsafe.Pointer(&b[0])))
	}

	if execAlign {
		gpuVA = alignPot(gpuVA, execAlignPot)
		b, err = d.sys.Mmap(int(allocSize), ioctl.ProtRead|ioctl.ProtWrite, int64(gpuVA))
		if err != nil {
			d.Free(gpuVA)
			return MemRegion{}, api.WrapError(api.ErrCodeKernel, "map executable allocation", err)
		}
	}

	return MemRegion{CPU: b, GPU: gpuVA}, nil
}

// Free releases one allocation by GPU address.
func (d *Device) Free(va uint64) {
	if d.rev == revLegacy {
		args := ioctl.LegacyMemFreeArgs{GPUAddr: va}
		if err := d.legacyCall(ioctl.LegacyMemFree, unsafe.Pointer(&args), &args.Header); err != nil {
			d.logf("mem free 0x%x: %v", va, err)
		}
		return
	}
	args := ioctl.MemFreeArgs{GPUAddr: va}
	if _, err := d.sys.Ioctl(ioctl.MemFree, unsafe.Pointer(&args)); err != nil {
		d.logf("mem free 0x%x: %v", va, err)
	}
}

// ImportDMABuf registers externally shared memory and returns its handle.
// Importing the same underlying file twice returns the existing handle and
// leaves its use-count unchanged; the comparison is by file identity, not
// descriptor number. The table keeps its own duplicated descriptor.
func (d *Device) ImportDMABuf(fd int) (int, error) {
	d.handleMu.Lock()
	defer d.handleMu.Unlock()

	for i := range d.handles {
		if d.handles[i].fd < 0 {
			continue
		}
		same, err := d.sys.SameFile(d.handles[i].fd, fd)
		if err != nil {
			d.logf("same-file check (%d, %d): %v", d.handles[i].fd, fd, err)
			continue
		}
		if same {
			return i, nil
		}
	}

	dup, err := d.sys.DupCloexec(fd)
	if err != nil {
		return -1, api.WrapError(api.ErrCodeKernel, "dup import fd", err)
	}

	var outFlags, gpuVA, vaPages uint64
	if d.rev == revLegacy {
		args := ioctl.LegacyMemImportArgs{
			Phandle: uint64(uintptr(unsafe.Pointer(&dup))),
			Type:    ioctl.MemImportTypeUMM,
			Flags:   ioctl.MemImportUsageRW,
		}
		if err := d.legacyCall(ioctl.LegacyMemImport, unsafe.Pointer(&args), &args.Header); err != nil {
			d.closeFD(dup)
			return -1, err
		}
		outFlags = args.Flags
		gpuVA = args.GPUVA
		vaPages = args.VAPages
	} else {
		args := ioctl.MemImportArgs{
			Flags:   ioctl.MemImportUsageRW,
			Phandle: uint64(uintptr(unsafe.Pointer(&dup))),
			Type:    ioctl.MemImportTypeUMM,
		}
		if _, err := d.sys.Ioctl(ioctl.MemImport, unsafe.Pointer(&args)); err != nil {
			d.closeFD(dup)
			return -1, api.WrapError(api.ErrCodeKernel, "mem import", err)
		}
		out := args.Out()
		outFlags = out.Flags
		gpuVA = out.GPUVA
		vaPages = out.VAPages
	}

	if outFlags&ioctl.MemNeedMmap != 0 {
		b, err := d.sys.Mmap(int(vaPages)*d.cfg.PageSize, ioctl.ProtRead|ioctl.ProtWrite, int64(gpuVA))
		if err != nil {
			d.closeFD(dup)
			return -1, api.WrapError(api.ErrCodeKernel, "map imported memory", err)
		}
		gpuVA = uint64(uintptr(unsafe.Pointer(&b[0])))
	}

	return d.allocHandleLocked(gpuVA, dup), nil
}

// MmapImport maps an already-imported allocation at its GPU address.
func (d *Device) MmapImport(va uint64, size int) ([]byte, error) {
	return d.sys.Mmap(size, ioctl.ProtRead|ioctl.ProtWrite, int64(va))
}

// MemSync cleans (or invalidates) CPU caches for a mapped range so the GPU
// observes CPU writes and vice versa.
func (d *Device) MemSync(gpu uint64, cpu []byte, invalidate bool) error {
	if d.rev == revLegacy {
		args := ioctl.LegacyMemSyncArgs{
			Handle:   gpu,
			UserAddr: uint64(uintptr(unsafe.Pointer(&cpu[0]))),
			Size:     uint64(len(cpu)),
		}
		// Legacy sync types are zero-based.
		if invalidate {
			args.Type = 1
		}
		return d.legacyCall(ioctl.LegacyMemSync, unsafe.Pointer(&args), &args.Header)
	}

	args := ioctl.MemSyncArgs{
		Handle:   gpu,
		UserAddr: uint64(uintptr(unsafe.Pointer(&cpu[0]))),
		Size:     uint64(len(cpu)),
		Type:     ioctl.MemSyncClean,
	}
	if invalidate {
		args.Type = ioctl.MemSyncInvalidate
	}
	if _, err := d.sys.Ioctl(ioctl.MemSync, unsafe.Pointer(&args)); err != nil {
		return api.WrapError(api.ErrCodeKernel, "mem sync", err)
	}
	return nil
}
