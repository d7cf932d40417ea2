// Package hal defines the hardware submission interfaces driven by the
// command-execution engine. It models the surface of a low-level compute
// API: command lists that record operations, command queues that execute
// closed lists, pooled synchronization events, kernels with mutable bound
// state, and device memory with explicit residency.
//
// Backends implement these interfaces for a particular piece of hardware;
// the softdev sub-package provides a software reference backend used for
// testing and for hosts without an accelerator.
package hal

import (
	"time"

	"github.com/pkg/errors"
)

// Sentinel errors shared by all backends. Anything else returned from a
// backend is wrapped with call-site context.
var (
	// ErrUnsupported means the device has no implementation for the
	// requested operation (for example a native fill with a pattern larger
	// than the device limit, or global offsets on a device without them).
	ErrUnsupported = errors.New("hal: operation not supported by device")

	// ErrTimeout means a bounded synchronize wait expired before the
	// hardware signaled completion.
	ErrTimeout = errors.New("hal: synchronize timed out")

	// ErrOutOfMemory means an allocation could not be satisfied.
	ErrOutOfMemory = errors.New("hal: out of device memory")
)

// QueueClass selects the kind of hardware submission channel.
type QueueClass int

const (
	// QueueCompute channels accept kernel launches and copies.
	QueueCompute QueueClass = iota
	// QueueCopy channels accept only transfer operations.
	QueueCopy
	// QueueUniversal channels accept every operation kind.
	QueueUniversal
)

func (c QueueClass) String() string {
	switch c {
	case QueueCompute:
		return "compute"
	case QueueCopy:
		return "copy"
	case QueueUniversal:
		return "universal"
	}
	return "unknown"
}

// Ptr is an opaque device address: an allocation handle plus a byte offset
// into it. The zero Ptr is the null pointer. Ptr is comparable and can be
// used as a map key; two Ptrs are equal exactly when they name the same
// byte of the same allocation.
type Ptr struct {
	alloc uint64
	off   uint64
}

// MakePtr builds a Ptr from an allocation id and offset. Backends use it
// when handing out allocations; the engine only does offset arithmetic.
func MakePtr(alloc, off uint64) Ptr { return Ptr{alloc: alloc, off: off} }

// IsNil reports whether p is the null pointer.
func (p Ptr) IsNil() bool { return p.alloc == 0 }

// Add returns p advanced by off bytes within the same allocation.
func (p Ptr) Add(off uint64) Ptr { return Ptr{alloc: p.alloc, off: p.off + off} }

// AllocID returns the backend allocation handle.
func (p Ptr) AllocID() uint64 { return p.alloc }

// Offset returns the byte offset within the allocation.
func (p Ptr) Offset() uint64 { return p.off }

// Base returns the Ptr naming the start of p's allocation.
func (p Ptr) Base() Ptr { return Ptr{alloc: p.alloc} }

// Origin is a 3-D coordinate in elements (buffers: bytes).
type Origin [3]uint64

// Region is a 3-D extent in elements (buffers: bytes). Degenerate
// dimensions are expressed as 1, never 0.
type Region [3]uint64

// Size returns the number of elements covered by the region.
func (r Region) Size() uint64 { return r[0] * r[1] * r[2] }

// Dim3 is a 3-D work decomposition (group counts or group sizes).
type Dim3 [3]uint32

// MemKind classifies an allocation's placement.
type MemKind int

const (
	// MemHost is host memory accessible by the device.
	MemHost MemKind = iota
	// MemDevice is device-local memory, not host addressable.
	MemDevice
	// MemShared is migratable memory addressable from both sides.
	MemShared
)

// Advice is a residency/usage hint attached to an allocation range.
type Advice int

const (
	AdviseNone Advice = iota
	AdviseReadMostly
	AdviseClearReadMostly
)

// IndirectFlags describes which address spaces a kernel may dereference
// through pointers not passed as direct arguments.
type IndirectFlags uint32

const (
	IndirectHost IndirectFlags = 1 << iota
	IndirectDevice
	IndirectShared
)

// ChannelOrder is the layout of an image pixel's channels.
type ChannelOrder int

const (
	ChannelR ChannelOrder = iota
	ChannelRG
	ChannelRGB
	ChannelRGBA
	ChannelBGRA
)

// Channels returns the channel count for the order.
func (o ChannelOrder) Channels() int {
	switch o {
	case ChannelR:
		return 1
	case ChannelRG:
		return 2
	case ChannelRGB:
		return 3
	default:
		return 4
	}
}

// ChannelType is the storage type of one image channel.
type ChannelType int

const (
	ChannelSNorm8 ChannelType = iota
	ChannelSNorm16
	ChannelUNorm8
	ChannelUNorm16
	ChannelUNormShort565
	ChannelUNormShort555
	ChannelUNormInt101010
	ChannelSInt8
	ChannelSInt16
	ChannelSInt32
	ChannelUInt8
	ChannelUInt16
	ChannelUInt32
	ChannelHalf
	ChannelFloat
)

// Bytes returns the per-channel storage size. Packed types (565/555/101010)
// report the whole pixel and carry all channels in one value.
func (t ChannelType) Bytes() int {
	switch t {
	case ChannelSNorm8, ChannelUNorm8, ChannelSInt8, ChannelUInt8:
		return 1
	case ChannelSNorm16, ChannelUNorm16, ChannelSInt16, ChannelUInt16, ChannelHalf,
		ChannelUNormShort565, ChannelUNormShort555:
		return 2
	default:
		return 4
	}
}

// Packed reports whether the whole pixel is packed into a single value.
func (t ChannelType) Packed() bool {
	switch t {
	case ChannelUNormShort565, ChannelUNormShort555, ChannelUNormInt101010:
		return true
	}
	return false
}

// ImageFormat pairs a channel order with a channel type.
type ImageFormat struct {
	Order ChannelOrder
	Type  ChannelType
}

// PixelBytes returns the storage size of one pixel.
func (f ImageFormat) PixelBytes() int {
	if f.Type.Packed() {
		return f.Type.Bytes()
	}
	return f.Order.Channels() * f.Type.Bytes()
}

// ImageDesc describes an image allocation. Height and Depth are 1 for
// lower-dimensional images.
type ImageDesc struct {
	Format ImageFormat
	Dim    int // 1, 2 or 3
	Width  uint64
	Height uint64
	Depth  uint64
}

// QueueGroupProperties describes one class of hardware submission channels
// offered by a device.
type QueueGroupProperties struct {
	Class     QueueClass
	NumQueues int
}

// AccessCaps is a bitset of memory access capabilities for one USM tier.
type AccessCaps uint32

const (
	AccessRW AccessCaps = 1 << iota
	AccessAtomic
	AccessConcurrent
	AccessConcurrentAtomic
)

// USMCaps reports the unified-shared-memory capability tiers.
type USMCaps struct {
	Host   AccessCaps
	Device AccessCaps
	Shared AccessCaps
	System AccessCaps
}

// AtomicCaps is a bitset of supported atomic orderings and scopes.
type AtomicCaps uint32

const (
	AtomicOrderRelaxed AtomicCaps = 1 << iota
	AtomicOrderAcqRel
	AtomicOrderSeqCst
	AtomicScopeWorkGroup
	AtomicScopeDevice
	AtomicScopeAllDevices
	Atomic64Bit
)

// Properties is the raw hardware property set queried once at device
// construction. The engine negotiates it into an immutable capability
// record.
type Properties struct {
	Name   string
	Vendor string
	UUID   [16]byte

	QueueGroups []QueueGroupProperties

	MaxGroupSize  uint32  // max total work-items per group
	MaxGroupDims  Dim3    // max work-items per group, per dimension
	MaxGroupCount Dim3    // max groups per dispatch, per dimension

	GlobalMemSize uint64
	MaxAllocSize  uint64
	CacheSize     uint64
	CacheLineSize uint32

	HostUnified        bool // device accesses host memory coherently
	GlobalOffsets      bool
	RelaxedAllocLimits bool
	AsyncCommandBuffers bool // replayable lists may be submitted concurrently
	SimultaneousUse     bool // one recorded list may be in flight on several queues

	// MaxFillPatternSize is the largest pattern the native fill operation
	// accepts, in bytes. Zero means the device has no native fill path.
	MaxFillPatternSize int

	ImageSupport bool
	MaxImageDims [3]uint64
	ImageFormats []ImageFormat

	AtomicCaps AtomicCaps
	USM        USMCaps

	ILVersions []string
}

// Event is a hardware synchronization token. Events are created in pools,
// recycled through in-list resets and destroyed only with their pool.
type Event interface {
	// Signaled reports whether the event has been signaled and not yet
	// reset. Primarily a debugging and test hook.
	Signaled() bool
}

// EventPool owns a fixed number of events.
type EventPool interface {
	Capacity() int
	// Event returns the i-th event of the pool. It panics if i is out of
	// range; the pool never hands out an event twice.
	Event(i int) Event
	// Destroy releases the pool and every event in it.
	Destroy() error
}

// Image is an opaque image allocation.
type Image interface {
	Desc() ImageDesc
	Destroy() error
}

// Kernel is a handle to executable device code. Bound state (arguments,
// group size, offsets) is mutable and not goroutine-safe: the caller must
// serialize mutation through launch on the same handle.
type Kernel interface {
	Name() string
	SetArgBytes(index int, data []byte) error
	SetArgPtr(index int, p Ptr) error
	SetArgImage(index int, img Image) error
	SetArgLocal(index int, size uint64) error
	SetGroupSize(x, y, z uint32) error
	// SetGlobalOffset returns ErrUnsupported when the device lacks global
	// offset support.
	SetGlobalOffset(x, y, z uint32) error
	SetIndirectAccess(flags IndirectFlags) error
}

// CmdList records operations for one submission. Lists are not
// goroutine-safe; each queue owns its list. Every append takes an optional
// signal event, set on completion of the operation, and an optional wait
// event the operation blocks on. Nil events mean "none".
type CmdList interface {
	AppendCopy(dst, src Ptr, size uint64, signal, wait Event) error
	AppendCopyToHost(dst []byte, src Ptr, signal, wait Event) error
	AppendCopyFromHost(dst Ptr, src []byte, signal, wait Event) error
	AppendCopyRegion(dst Ptr, dstOrigin Origin, dstRowPitch, dstSlicePitch uint64,
		src Ptr, srcOrigin Origin, srcRowPitch, srcSlicePitch uint64,
		region Region, signal, wait Event) error

	// AppendFill fills size bytes at dst with the repeated pattern. It
	// returns ErrUnsupported when len(pattern) exceeds the device's
	// MaxFillPatternSize (or the device has no native fill at all).
	AppendFill(dst Ptr, pattern []byte, size uint64, signal, wait Event) error

	AppendLaunch(k Kernel, groups Dim3, signal, wait Event) error

	AppendImageCopyFromMemory(dst Image, src Ptr, region ImageRegion, signal, wait Event) error
	AppendImageCopyFromHost(dst Image, src []byte, region ImageRegion, signal, wait Event) error
	AppendImageCopyToMemory(dst Ptr, src Image, region ImageRegion, signal, wait Event) error
	AppendImageCopyToHost(dst []byte, src Image, region ImageRegion, signal, wait Event) error
	AppendImageCopyRegion(dst, src Image, dstOrigin, srcOrigin Origin, region Region, signal, wait Event) error

	AppendBarrier(signal Event, waits []Event) error
	AppendEventReset(e Event) error
	AppendPrefetch(p Ptr, size uint64) error
	AppendMemAdvise(p Ptr, size uint64, advice Advice) error

	// Close seals the list for execution. A closed list must be Reset
	// before recording again.
	Close() error
	Reset() error
	Destroy() error
}

// ImageRegion selects a sub-region of an image for a transfer.
type ImageRegion struct {
	Origin Origin
	Region Region
}

// CmdQueue executes closed command lists.
type CmdQueue interface {
	Execute(lists ...CmdList) error
	// Synchronize blocks until every executed list completes. A zero
	// timeout waits indefinitely; otherwise expiry returns ErrTimeout.
	Synchronize(timeout time.Duration) error
	Destroy() error
}

// SharedHandle is an exported allocation handle that another device (or
// process) can import.
type SharedHandle uint64

// Device is one hardware unit: the root object a backend provides.
type Device interface {
	Properties() Properties

	NewQueue(class QueueClass, index int) (CmdQueue, error)
	NewList(class QueueClass) (CmdList, error)
	NewEventPool(capacity int) (EventPool, error)

	Alloc(kind MemKind, size, align uint64) (Ptr, error)
	// ImportHost wraps caller-owned host memory as a device-accessible
	// allocation without copying. Returns ErrUnsupported when the device
	// cannot address host memory directly.
	ImportHost(b []byte) (Ptr, error)
	Export(p Ptr) (SharedHandle, error)
	Import(h SharedHandle) (Ptr, error)
	Free(p Ptr) error

	// HostBytes returns a host-visible view of size bytes at p, or nil
	// when the allocation is not host addressable.
	HostBytes(p Ptr, size uint64) []byte

	// MakeResident advises the device that the range must be resident for
	// upcoming work.
	MakeResident(p Ptr, size uint64) error

	NewImage(desc ImageDesc) (Image, error)

	// BuiltinKernel returns a device-provided helper kernel by name, for
	// example "memfill_16" or "imagefill_2d". ErrUnsupported when absent.
	BuiltinKernel(name string) (Kernel, error)

	Close() error
}
