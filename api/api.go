// File: api/api.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared types for the kbase submission layer: queue states, submission
// lanes, GPU property identifiers and the callback signature used by the
// event machinery.

package api

// QueueState tracks the lifecycle of a bound command-stream queue.
type QueueState int

const (
	QueueUnbound QueueState = iota
	QueueBound
	QueueFaulted
	QueueTerminated
)

func (s QueueState) String() string {
	switch s {
	case QueueUnbound:
		return "unbound"
	case QueueBound:
		return "bound"
	case QueueFaulted:
		return "faulted"
	case QueueTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Submission request flags for the atom (job-manager) model.
const (
	// ReqFragment routes the atom to the fragment lane (slot 0). Atoms
	// without it go to the vertex/tiler/compute lane (slot 1).
	ReqFragment uint32 = 1 << 0
)

// LaneCount is the number of hardware queue classes the atom model
// serializes against. It matches the dependency-slot count of the
// submission descriptor; implicit ordering is bounded by it.
const LaneCount = 2

// Callback is invoked by the event machinery once a completion counter
// reaches its registered target. It runs with the queue lock held and must
// not call back into the device.
type Callback func(data any)

// DoneSentinel is the counter value used to force-fire pending callbacks
// when a queue is terminated.
const DoneSentinel = ^uint64(0)

// GPUProp identifies a GPU property in the panfrost namespace.
type GPUProp int

const (
	PropProductID GPUProp = iota
	PropGPURevision
	PropShaderPresent
	PropTilerFeatures
	PropTextureFeatures0
	PropTLSAlloc
	PropAFBCFeatures
)

// Buffer allocation flags, shared between the memory layer and callers.
const (
	BOExecutable  uint32 = 1 << 0 // GPU-executable, not SAME_VA
	BOHeap        uint32 = 1 << 1 // grow-on-GPU-page-fault heap memory
	BOCachedCPU   uint32 = 1 << 16
	BOUncachedGPU uint32 = 1 << 17
)
