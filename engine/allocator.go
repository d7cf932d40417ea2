package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/gocompute/clrun/hal"
	"github.com/gocompute/clrun/memobj"
)

// Allocator owns a device's memory budget and creates the device-side
// identifiers of memory objects. The budget is the device's global memory
// size; exhaustion is reported as an error rather than handed to the
// hardware.
type Allocator struct {
	deviceID int
	hw       hal.Device
	budget   *semaphore.Weighted

	mu    sync.Mutex
	sizes map[uint64]int64 // allocation id -> budgeted bytes
}

func newAllocator(deviceID int, hw hal.Device, budget uint64) *Allocator {
	return &Allocator{
		deviceID: deviceID,
		hw:       hw,
		budget:   semaphore.NewWeighted(int64(budget)),
		sizes:    make(map[uint64]int64),
	}
}

// Alloc carves size bytes of the given kind out of the budget.
func (a *Allocator) Alloc(kind hal.MemKind, size uint64) (hal.Ptr, error) {
	if !a.budget.TryAcquire(int64(size)) {
		return hal.Ptr{}, errors.Wrapf(hal.ErrOutOfMemory, "allocation of %d bytes exceeds remaining device budget", size)
	}
	p, err := a.hw.Alloc(kind, size, 0)
	if err != nil {
		a.budget.Release(int64(size))
		return hal.Ptr{}, errors.WithMessagef(err, "allocating %d bytes", size)
	}
	a.mu.Lock()
	a.sizes[p.AllocID()] = int64(size)
	a.mu.Unlock()
	return p, nil
}

// Free returns an allocation to the budget.
func (a *Allocator) Free(p hal.Ptr) error {
	if p.IsNil() {
		return nil
	}
	a.mu.Lock()
	size, budgeted := a.sizes[p.AllocID()]
	delete(a.sizes, p.AllocID())
	a.mu.Unlock()
	if err := a.hw.Free(p.Base()); err != nil {
		return errors.WithMessage(err, "freeing allocation")
	}
	if budgeted {
		a.budget.Release(size)
	}
	return nil
}

// InitBuffer creates the device identifier of a buffer: an imported alias
// of the caller's storage when the device addresses host memory, a fresh
// device allocation otherwise. For use-existing-storage buffers backed by
// a fresh allocation, the host content is uploaded when the allocation is
// host visible; devices without host-visible memory rely on an explicit
// migration command.
func (a *Allocator) InitBuffer(b *memobj.Buffer) (*memobj.Ident, error) {
	if host := b.Host(); host != nil && a.hw.Properties().HostUnified {
		p, err := a.hw.ImportHost(host[:b.Size()])
		if err == nil {
			klog.V(3).Infof("device %d: buffer ident imports %d bytes of host storage", a.deviceID, b.Size())
			return &memobj.Ident{Ptr: p, HostUnified: true}, nil
		}
		if !errors.Is(err, hal.ErrUnsupported) {
			return nil, errors.WithMessage(err, "importing host storage")
		}
		// Fall through to a plain allocation.
	}
	p, err := a.Alloc(hal.MemDevice, b.Size())
	if err != nil {
		return nil, err
	}
	if host := b.Host(); host != nil {
		if view := a.hw.HostBytes(p, b.Size()); view != nil {
			copy(view, host[:b.Size()])
		}
	}
	klog.V(3).Infof("device %d: buffer ident allocates %d bytes", a.deviceID, b.Size())
	return &memobj.Ident{Ptr: p}, nil
}

// InitImage creates the device identifier of an image: the device image
// plus a linear staging allocation sized for the whole image, used by
// pitched host transfers.
func (a *Allocator) InitImage(im *memobj.Image) (*memobj.Ident, error) {
	img, err := a.hw.NewImage(im.Desc())
	if err != nil {
		return nil, errors.WithMessage(err, "creating device image")
	}
	staging, err := a.Alloc(hal.MemDevice, im.ByteSize())
	if err != nil {
		_ = img.Destroy()
		return nil, err
	}
	return &memobj.Ident{Image: img, Staging: staging}, nil
}

// AllocSVM allocates shared virtual memory of the given kind.
func (a *Allocator) AllocSVM(kind hal.MemKind, size uint64) (hal.Ptr, error) {
	return a.Alloc(kind, size)
}

// FreeSVM releases a shared allocation.
func (a *Allocator) FreeSVM(p hal.Ptr) error { return a.Free(p) }

// Export wraps an allocation into a shareable handle.
func (a *Allocator) Export(p hal.Ptr) (hal.SharedHandle, error) {
	h, err := a.hw.Export(p)
	if err != nil {
		return 0, errors.WithMessage(err, "exporting allocation")
	}
	return h, nil
}

// Import adopts a handle exported elsewhere. Imported memory is not
// budgeted here; the exporter owns it.
func (a *Allocator) Import(h hal.SharedHandle) (hal.Ptr, error) {
	p, err := a.hw.Import(h)
	if err != nil {
		return hal.Ptr{}, errors.WithMessage(err, "importing shared handle")
	}
	return p, nil
}

// ReleaseIdent frees everything an identifier owns. Imported (aliasing)
// identifiers only drop the import.
func (a *Allocator) ReleaseIdent(id *memobj.Ident) error {
	var first error
	if id.Image != nil {
		if err := id.Image.Destroy(); err != nil {
			first = err
		}
	}
	if !id.Staging.IsNil() {
		if err := a.Free(id.Staging); err != nil && first == nil {
			first = err
		}
	}
	if !id.Ptr.IsNil() {
		if id.HostUnified {
			if err := a.hw.Free(id.Ptr.Base()); err != nil && first == nil {
				first = err
			}
		} else if err := a.Free(id.Ptr); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WaitBudget blocks until size bytes of budget are available or ctx ends.
// Used by callers that prefer waiting over failing on exhaustion.
func (a *Allocator) WaitBudget(ctx context.Context, size uint64) error {
	if err := a.budget.Acquire(ctx, int64(size)); err != nil {
		return errors.Wrapf(hal.ErrOutOfMemory, "waiting for %d bytes of budget: %v", size, err)
	}
	a.budget.Release(int64(size))
	return nil
}
