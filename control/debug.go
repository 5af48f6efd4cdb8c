// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Runtime debug handler and probe reflector for internal inspection.

package control

import "sync"

// DebugProbes holds registered probe functions.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewDebugProbes creates a probe registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{
		probes: make(map[string]func() any),
	}
}

// Register adds a named probe.
func (d *DebugProbes) Register(name string, probe func() any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probes[name] = probe
}

// Collect runs every probe and returns the results by name.
func (d *DebugProbes) Collect() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any, len(d.probes))
	for name, probe := range d.probes {
		out[name] = probe()
	}
	return out
}

// Probe runs one probe by name.
func (d *DebugProbes) Probe(name string) (any, bool) {
	d.mu.RLock()
	probe, ok := d.probes[name]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return probe(), true
}
