package engine

import (
	"github.com/google/uuid"

	"github.com/gocompute/clrun/hal"
)

// Capabilities is the negotiated, immutable view of a device used for all
// engine decisions. It is built once at device construction from the raw
// hardware properties and never mutated afterwards.
type Capabilities struct {
	Name   string
	Vendor string
	UUID   uuid.UUID

	QueueGroups []hal.QueueGroupProperties

	MaxGroupSize  uint32
	MaxGroupDims  hal.Dim3
	MaxGroupCount hal.Dim3

	GlobalMemSize uint64
	MaxAllocSize  uint64
	CacheSize     uint64
	CacheLineSize uint32

	HostUnified         bool
	GlobalOffsets       bool
	AsyncCommandBuffers bool
	SimultaneousUse     bool

	// NativeFillMaxPattern is the largest fill pattern the device handles
	// natively; larger patterns go through the helper kernels.
	NativeFillMaxPattern int

	ImageSupport bool
	MaxImageDims [3]uint64
	ImageFormats []hal.ImageFormat

	Atomics hal.AtomicCaps
	USM     hal.USMCaps

	ILVersions []string
}

// SupportsFormat reports whether the device advertises the image format.
func (c *Capabilities) SupportsFormat(f hal.ImageFormat) bool {
	for _, have := range c.ImageFormats {
		if have == f {
			return true
		}
	}
	return false
}

// capsBuilder accumulates capability negotiation; Done freezes the result.
type capsBuilder struct {
	caps Capabilities
}

func newCapsBuilder(props hal.Properties) *capsBuilder {
	return &capsBuilder{caps: Capabilities{
		Name:   props.Name,
		Vendor: props.Vendor,
		UUID:   uuid.UUID(props.UUID),

		QueueGroups: append([]hal.QueueGroupProperties(nil), props.QueueGroups...),

		MaxGroupSize:  props.MaxGroupSize,
		MaxGroupDims:  props.MaxGroupDims,
		MaxGroupCount: props.MaxGroupCount,

		GlobalMemSize: props.GlobalMemSize,
		MaxAllocSize:  props.MaxAllocSize,
		CacheSize:     props.CacheSize,
		CacheLineSize: props.CacheLineSize,

		HostUnified:         props.HostUnified,
		GlobalOffsets:       props.GlobalOffsets,
		AsyncCommandBuffers: props.AsyncCommandBuffers,
		SimultaneousUse:     props.SimultaneousUse,

		NativeFillMaxPattern: props.MaxFillPatternSize,

		ImageSupport: props.ImageSupport,
		MaxImageDims: props.MaxImageDims,
		ImageFormats: append([]hal.ImageFormat(nil), props.ImageFormats...),

		Atomics: props.AtomicCaps,
		USM:     props.USM,

		ILVersions: append([]string(nil), props.ILVersions...),
	}}
}

// LimitQueues caps the number of queues taken from each group.
func (b *capsBuilder) LimitQueues(max int) *capsBuilder {
	if max <= 0 {
		return b
	}
	for i := range b.caps.QueueGroups {
		if b.caps.QueueGroups[i].NumQueues > max {
			b.caps.QueueGroups[i].NumQueues = max
		}
	}
	return b
}

// RelaxAllocLimit lifts the per-allocation cap to the full global memory
// size, for devices that allow oversized allocations.
func (b *capsBuilder) RelaxAllocLimit(relax bool) *capsBuilder {
	if relax {
		b.caps.MaxAllocSize = b.caps.GlobalMemSize
	}
	return b
}

// Done returns the frozen capability record.
func (b *capsBuilder) Done() Capabilities { return b.caps }
