// Package kernel holds shared kernel objects. A Kernel may be enqueued on
// several queues at once, but a device handle's bound state (arguments,
// group geometry) is mutable: the engine takes the kernel lock across
// argument binding and launch recording so concurrent launches cannot
// interleave their state.
package kernel

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gocompute/clrun/hal"
	"github.com/gocompute/clrun/memobj"
)

// Kernel is a device-independent kernel object with lazily created
// per-device handles.
type Kernel struct {
	name string

	mu      sync.Mutex
	handles map[int]hal.Kernel

	indirect hal.IndirectFlags
	// accessed maps indirectly referenced allocations to the byte size the
	// kernel may touch; flushed into residency before launch.
	accessed map[hal.Ptr]uint64
}

// New creates a kernel object by name.
func New(name string) *Kernel {
	return &Kernel{
		name:     name,
		handles:  make(map[int]hal.Kernel),
		accessed: make(map[hal.Ptr]uint64),
	}
}

func (k *Kernel) Name() string { return k.name }

// Lock serializes bound-state mutation through launch recording. The
// caller must hold it from the first argument bind until the launch is
// appended.
func (k *Kernel) Lock() { k.mu.Lock() }

// Unlock releases the bind-and-launch critical section.
func (k *Kernel) Unlock() { k.mu.Unlock() }

// Handle returns the device handle, or nil when none exists yet. Callers
// must hold the kernel lock.
func (k *Kernel) Handle(device int) hal.Kernel { return k.handles[device] }

// EnsureHandle returns the device handle, creating it with create on
// first use. Callers must hold the kernel lock.
func (k *Kernel) EnsureHandle(device int, create func() (hal.Kernel, error)) (hal.Kernel, error) {
	if h := k.handles[device]; h != nil {
		return h, nil
	}
	h, err := create()
	if err != nil {
		return nil, err
	}
	k.handles[device] = h
	return h, nil
}

// SetIndirectAccess records which address spaces the kernel dereferences
// through embedded pointers, and the allocations it may reach that way.
// Callers must hold the kernel lock.
func (k *Kernel) SetIndirectAccess(flags hal.IndirectFlags, accessed map[hal.Ptr]uint64) {
	k.indirect = flags
	for p, size := range accessed {
		if size > k.accessed[p] {
			k.accessed[p] = size
		}
	}
}

// IndirectFlags returns the recorded indirect access flags. Callers must
// hold the kernel lock.
func (k *Kernel) IndirectFlags() hal.IndirectFlags { return k.indirect }

// AccessedRanges returns the indirectly accessed allocations. The map is
// shared; callers must hold the kernel lock while reading it.
func (k *Kernel) AccessedRanges() map[hal.Ptr]uint64 { return k.accessed }

// ArgKind discriminates launch argument variants.
type ArgKind int

const (
	// ArgValue is a by-value argument (bytes copied at bind time).
	ArgValue ArgKind = iota
	// ArgBuffer is a buffer object plus byte offset.
	ArgBuffer
	// ArgImage is an image object.
	ArgImage
	// ArgLocal reserves local memory of the given size.
	ArgLocal
	// ArgPtr is a raw device pointer (shared allocations).
	ArgPtr
)

// Arg is one bound launch argument.
type Arg struct {
	Index int
	Kind  ArgKind

	Value     []byte
	Buffer    *memobj.Buffer
	BufOffset uint64
	Image     *memobj.Image
	LocalSize uint64
	Ptr       hal.Ptr
}

// Validate checks the variant's operand is present.
func (a Arg) Validate() error {
	switch a.Kind {
	case ArgValue:
		if a.Value == nil {
			return errors.Errorf("kernel: value argument %d without bytes", a.Index)
		}
	case ArgBuffer:
		if a.Buffer == nil {
			return errors.Errorf("kernel: buffer argument %d without buffer", a.Index)
		}
		if a.BufOffset >= a.Buffer.Size() {
			return errors.Errorf("kernel: buffer argument %d offset %d outside buffer of %d bytes",
				a.Index, a.BufOffset, a.Buffer.Size())
		}
	case ArgImage:
		if a.Image == nil {
			return errors.Errorf("kernel: image argument %d without image", a.Index)
		}
	case ArgLocal:
		if a.LocalSize == 0 {
			return errors.Errorf("kernel: local argument %d with zero size", a.Index)
		}
	case ArgPtr:
		// Nil is legal: kernels may take optional pointers.
	default:
		return errors.Errorf("kernel: argument %d has unknown kind %d", a.Index, a.Kind)
	}
	return nil
}
