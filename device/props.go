// File: device/props.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// GPU property query. The current interfaces hand back a self-describing
// blob of (id, value) records; the legacy one fills a fixed register dump.
// Both are cached at open time and served through one accessor.

package device

import (
	"encoding/binary"
	"unsafe"

	"github.com/momentics/kbase-go/api"
	"github.com/momentics/kbase-go/internal/ioctl"
)

func (d *Device) setupProps() error {
	if d.rev == revLegacy {
		args := &ioctl.LegacyGPUPropsArgs{}
		if err := d.legacyCall(ioctl.LegacyGPUPropsRegDump, unsafe.Pointer(args), &args.Header); err != nil {
			return err
		}
		d.legacyProps = args
		return nil
	}

	// First call with a zero size reports the blob size through the ioctl
	// result.
	args := ioctl.GetGPUPropsArgs{}
	n, err := d.sys.Ioctl(ioctl.GetGPUProps, unsafe.Pointer(&args))
	if err != nil {
		return api.WrapError(api.ErrCodeKernel, "size GPU properties", err)
	}
	if n <= 0 {
		return api.NewError(api.ErrCodeKernel, "kernel reported empty property blob")
	}

	blob := make([]byte, n)
	args.Buffer = uint64(uintptr(unsafe.Pointer(&blob[0])))
	args.Size = uint32(n)
	if _, err := d.sys.Ioctl(ioctl.GetGPUProps, unsafe.Pointer(&args)); err != nil {
		return api.WrapError(api.ErrCodeKernel, "read GPU properties", err)
	}
	d.propsBlob = blob
	return nil
}

func (d *Device) cleanupProps() {
	d.propsBlob = nil
	d.legacyProps = nil
}

// blobProp walks the cached property blob for one identifier. Each record is
// a 4-byte header, id in the upper bits and a log2 value width in the low
// two, followed by the value.
func (d *Device) blobProp(id uint32) (uint64, bool) {
	blob := d.propsBlob
	i := 0
	for i+4 <= len(blob) {
		hdr := binary.LittleEndian.Uint32(blob[i:])
		i += 4
		size := 1 << (hdr & 3)
		if i+size > len(blob) {
			break
		}
		var v uint64
		switch size {
		case 1:
			v = uint64(blob[i])
		case 2:
			v = uint64(binary.LittleEndian.Uint16(blob[i:]))
		case 4:
			v = uint64(binary.LittleEndian.Uint32(blob[i:]))
		case 8:
			v = binary.LittleEndian.Uint64(blob[i:])
		}
		i += size
		if hdr>>2 == id {
			return v, true
		}
	}
	return 0, false
}

// GPUProp reports one device property, translated from whichever query form
// the bound revision supports. ok is false when the property is absent.
func (d *Device) GPUProp(name api.GPUProp) (uint64, bool) {
	if d.rev == revLegacy {
		return d.legacyProp(name)
	}

	switch name {
	case api.PropProductID:
		return d.blobProp(ioctl.GPUPropProductID)
	case api.PropGPURevision:
		v, ok := d.blobProp(ioctl.GPUPropRawGPUID)
		return v & 0xffff, ok
	case api.PropShaderPresent:
		return d.blobProp(ioctl.GPUPropRawShaderPresent)
	case api.PropTilerFeatures:
		return d.blobProp(ioctl.GPUPropRawTilerFeatures)
	case api.PropTextureFeatures0:
		return d.blobProp(ioctl.GPUPropRawTextureFeat0)
	case api.PropTLSAlloc:
		return d.blobProp(ioctl.GPUPropTLSAlloc)
	case api.PropAFBCFeatures:
		// Not reported by any kbase revision.
		return 0, true
	default:
		return 0, false
	}
}

func (d *Device) legacyProp(name api.GPUProp) (uint64, bool) {
	p := d.legacyProps
	if p == nil {
		return 0, false
	}
	switch name {
	case api.PropProductID:
		return uint64(p.Core.ProductID), true
	case api.PropGPURevision:
		return uint64(p.Raw.GPUID) & 0xffff, true
	case api.PropShaderPresent:
		return p.Raw.ShaderPresent, true
	case api.PropTilerFeatures:
		return uint64(p.Raw.TilerFeatures), true
	case api.PropTextureFeatures0:
		return uint64(p.Raw.TextureFeatures[0]), true
	case api.PropTLSAlloc:
		// The register dump predates a dedicated TLS report; size by the
		// core mask instead.
		return p.Raw.ShaderPresent, true
	case api.PropAFBCFeatures:
		return 0, true
	default:
		return 0, false
	}
}
