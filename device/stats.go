// File: device/stats.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package device

import "sync/atomic"

// Stats counts device activity. Counters are updated atomically on the hot
// paths and read without coordination.
type Stats struct {
	Submissions atomic.Uint64 // hardware submissions issued
	Completions atomic.Uint64 // slot counter advances observed
	Callbacks   atomic.Uint64 // completion callbacks fired
	ReadCycles  atomic.Uint64 // elected-reader event cycles
	Faults      atomic.Uint64 // device faults routed to queues
	KCPU        atomic.Uint64 // kcpu commands enqueued
}

// StatsSnapshot is a point-in-time copy of the device counters.
type StatsSnapshot struct {
	Submissions uint64
	Completions uint64
	Callbacks   uint64
	ReadCycles  uint64
	Faults      uint64
	KCPU        uint64
}

// StatsSnapshot copies the current counters.
func (d *Device) StatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		Submissions: d.stats.Submissions.Load(),
		Completions: d.stats.Completions.Load(),
		Callbacks:   d.stats.Callbacks.Load(),
		ReadCycles:  d.stats.ReadCycles.Load(),
		Faults:      d.stats.Faults.Load(),
		KCPU:        d.stats.KCPU.Load(),
	}
}
