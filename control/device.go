// control/device.go
// Author: momentics <momentics@gmail.com>
//
// Standard probe set over an open submission-layer device.

package control

import (
	"github.com/momentics/kbase-go/api"
	"github.com/momentics/kbase-go/device"
)

// gpuPropNames maps the probe suffix to the property it reports.
var gpuPropNames = map[string]api.GPUProp{
	"product_id":        api.PropProductID,
	"gpu_revision":      api.PropGPURevision,
	"shader_present":    api.PropShaderPresent,
	"tiler_features":    api.PropTilerFeatures,
	"texture_features0": api.PropTextureFeatures0,
	"tls_alloc":         api.PropTLSAlloc,
}

// Attach registers the standard device probes: revision, activity counters
// and the GPU property set.
func Attach(probes *DebugProbes, d *device.Device) {
	probes.Register("kbase.revision", func() any { return d.Revision() })
	probes.Register("kbase.page_size", func() any { return d.PageSize() })
	probes.Register("kbase.stats", func() any { return d.StatsSnapshot() })
	for suffix, prop := range gpuPropNames {
		p := prop
		probes.Register("kbase.prop."+suffix, func() any {
			v, ok := d.GPUProp(p)
			if !ok {
				return nil
			}
			return v
		})
	}
}
