// Package engine is the device command-execution core. A Device wraps a
// hal backend with worker queue groups, pooled completion events, helper
// fill kernels, a budgeted allocator and recorded command buffers.
// Commands are submitted as single work items or pre-recorded batches;
// per queue, completion order follows submission order.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gocompute/clrun/command"
	"github.com/gocompute/clrun/hal"
	"github.com/gocompute/clrun/memobj"
)

// Options configures a Device. The zero value gives defaults.
type Options struct {
	// DeviceID keys this device's entries in memory object ident tables
	// and kernel handle tables. Must be unique among live devices.
	DeviceID int

	// QueuesPerGroup caps worker queues taken from each hardware queue
	// group; zero takes everything the device offers.
	QueuesPerGroup int

	// EventPoolCapacity is the size of each device event pool. The device
	// grows whole new pools on exhaustion. Default 128.
	EventPoolCapacity int

	// SyncTimeout bounds each hardware synchronize. Zero waits
	// indefinitely; an expired bound is a fatal hardware error.
	SyncTimeout time.Duration

	// RelaxedAllocLimits lifts the per-allocation size cap to the full
	// device memory, when the hardware tolerates it.
	RelaxedAllocLimits bool
}

// Device is one compute device under engine control.
type Device struct {
	id   int
	hw   hal.Device
	caps Capabilities
	opts Options

	alloc *Allocator

	groups    map[hal.QueueClass]*QueueGroup
	universal *QueueGroup

	poolMu sync.Mutex
	pools  []*EventPool

	helperMu  sync.Mutex
	memfill   map[int]*helperKernel
	imagefill map[imagefillKey]*helperKernel

	mu     sync.Mutex
	closed bool
}

// helperKernel is a cached builtin kernel; its lock covers argument
// binding through launch recording.
type helperKernel struct {
	mu sync.Mutex
	k  hal.Kernel
}

type imagefillKey struct {
	pixelBytes int
	dim        int
}

// New builds a Device on a hal backend: negotiates capabilities, creates
// the allocator, the first event pool and one queue group per hardware
// queue class, with a universal fallback group for kinds whose preferred
// class is absent.
func New(hw hal.Device, opts Options) (*Device, error) {
	if opts.EventPoolCapacity <= 0 {
		opts.EventPoolCapacity = 128
	}
	props := hw.Properties()
	caps := newCapsBuilder(props).
		LimitQueues(opts.QueuesPerGroup).
		RelaxAllocLimit(props.RelaxedAllocLimits || opts.RelaxedAllocLimits).
		Done()

	d := &Device{
		id:        opts.DeviceID,
		hw:        hw,
		caps:      caps,
		opts:      opts,
		alloc:     newAllocator(opts.DeviceID, hw, caps.GlobalMemSize),
		groups:    make(map[hal.QueueClass]*QueueGroup),
		memfill:   make(map[int]*helperKernel),
		imagefill: make(map[imagefillKey]*helperKernel),
	}

	pool, err := newEventPool(hw, opts.EventPoolCapacity)
	if err != nil {
		return nil, err
	}
	d.pools = append(d.pools, pool)

	for _, g := range caps.QueueGroups {
		if _, dup := d.groups[g.Class]; dup {
			continue
		}
		grp, err := newQueueGroup(d, g.Class, g.NumQueues)
		if err != nil {
			d.teardown()
			return nil, err
		}
		d.groups[g.Class] = grp
	}
	switch {
	case d.groups[hal.QueueUniversal] != nil:
		d.universal = d.groups[hal.QueueUniversal]
	case d.groups[hal.QueueCompute] != nil:
		d.universal = d.groups[hal.QueueCompute]
	case d.groups[hal.QueueCopy] != nil:
		d.universal = d.groups[hal.QueueCopy]
	default:
		d.teardown()
		return nil, errors.Errorf("device %q offers no queue groups", caps.Name)
	}
	klog.V(1).Infof("device %d (%s, %s) up: %d queue group(s), event pools of %d",
		d.id, caps.Name, caps.UUID, len(d.groups), opts.EventPoolCapacity)
	return d, nil
}

// Capabilities returns the negotiated device capability record.
func (d *Device) Capabilities() Capabilities { return d.caps }

// Allocator returns the device's memory allocator.
func (d *Device) Allocator() *Allocator { return d.alloc }

// kernelClass reports whether the kind executes device code and therefore
// prefers a compute-capable queue.
func kernelClass(k command.Kind) bool {
	switch k {
	case command.KindNDRange, command.KindFillBuffer, command.KindFillImage,
		command.KindSVMMemfill, command.KindCommandBufferExec:
		return true
	}
	return false
}

// route picks the queue group for a command kind: kernel-class kinds go
// to compute, transfers to copy, with the universal group as fallback for
// an absent class.
func (d *Device) route(k command.Kind) *QueueGroup {
	want := hal.QueueCopy
	if kernelClass(k) {
		want = hal.QueueCompute
	}
	if g := d.groups[want]; g != nil {
		return g
	}
	return d.universal
}

// Submit hands a single command to its queue group.
func (d *Device) Submit(cmd *command.Command) error {
	if cmd == nil || cmd.Op == nil {
		return errors.New("submit of empty command")
	}
	cmd.Event.Submitted()
	return d.route(cmd.Op.Kind()).pushCommand(cmd)
}

// SubmitBatch hands a batch to the universal group (falling back through
// compute). Batches are served only when no single command is pending on
// the group.
func (d *Device) SubmitBatch(b *command.Batch) error {
	if b == nil || len(b.Commands) == 0 {
		return errors.New("submit of empty batch")
	}
	for _, cmd := range b.Commands {
		if cmd == nil || cmd.Op == nil {
			return errors.New("batch contains an empty command")
		}
		cmd.Event.Submitted()
	}
	return d.universal.pushBatch(b)
}

// getEvent borrows a device event, searching pools newest first and
// growing a fresh pool when every existing one is exhausted.
func (d *Device) getEvent() (*borrowedEvent, error) {
	d.poolMu.Lock()
	defer d.poolMu.Unlock()
	for i := len(d.pools) - 1; i >= 0; i-- {
		if ev := d.pools[i].getEvent(); ev != nil {
			return &borrowedEvent{ev: ev, pool: d.pools[i]}, nil
		}
	}
	pool, err := newEventPool(d.hw, d.opts.EventPoolCapacity)
	if err != nil {
		return nil, errors.WithMessage(err, "growing event pools")
	}
	d.pools = append(d.pools, pool)
	klog.V(2).Infof("device %d: event pools grown to %d", d.id, len(d.pools))
	return &borrowedEvent{ev: pool.getEvent(), pool: pool}, nil
}

// EventPoolCount reports the number of device event pools. Test hook for
// growth behavior.
func (d *Device) EventPoolCount() int {
	d.poolMu.Lock()
	defer d.poolMu.Unlock()
	return len(d.pools)
}

// memfillKernel returns the cached fill helper for one pattern size.
func (d *Device) memfillKernel(patternBytes int) (*helperKernel, error) {
	d.helperMu.Lock()
	defer d.helperMu.Unlock()
	if hk := d.memfill[patternBytes]; hk != nil {
		return hk, nil
	}
	k, err := d.hw.BuiltinKernel(fmt.Sprintf("memfill_%d", patternBytes))
	if err != nil {
		return nil, errors.WithMessagef(err, "fill helper for %d-byte patterns", patternBytes)
	}
	hk := &helperKernel{k: k}
	d.memfill[patternBytes] = hk
	return hk, nil
}

// imagefillKernel returns the cached image fill helper for one pixel size
// and dimensionality.
func (d *Device) imagefillKernel(pixelBytes, dim int) (*helperKernel, error) {
	d.helperMu.Lock()
	defer d.helperMu.Unlock()
	key := imagefillKey{pixelBytes: pixelBytes, dim: dim}
	if hk := d.imagefill[key]; hk != nil {
		return hk, nil
	}
	k, err := d.hw.BuiltinKernel(fmt.Sprintf("imagefill_%dd", dim))
	if err != nil {
		return nil, errors.WithMessagef(err, "image fill helper for %dd", dim)
	}
	hk := &helperKernel{k: k}
	d.imagefill[key] = hk
	return hk, nil
}

// bufIdent resolves (creating on first use) the buffer's identifier on
// this device.
func (d *Device) bufIdent(b *memobj.Buffer) (*memobj.Ident, error) {
	return b.EnsureIdent(d.id, func() (*memobj.Ident, error) {
		return d.alloc.InitBuffer(b)
	})
}

// imgIdent resolves (creating on first use) the image's identifier on
// this device.
func (d *Device) imgIdent(im *memobj.Image) (*memobj.Ident, error) {
	return im.EnsureIdent(d.id, func() (*memobj.Ident, error) {
		return d.alloc.InitImage(im)
	})
}

// ReleaseBuffer drops this device's identifier resources of a destroyed
// buffer. Other devices' identifiers are left for their owners.
func (d *Device) ReleaseBuffer(b *memobj.Buffer) error {
	return b.Destroy(func(device int, id *memobj.Ident) error {
		if device != d.id {
			return nil
		}
		return d.alloc.ReleaseIdent(id)
	})
}

// ReleaseImage drops this device's identifier resources of a destroyed
// image.
func (d *Device) ReleaseImage(im *memobj.Image) error {
	return im.Destroy(func(device int, id *memobj.Ident) error {
		if device != d.id {
			return nil
		}
		return d.alloc.ReleaseIdent(id)
	})
}

// AllocSVMHost allocates shared virtual memory placed in host memory.
func (d *Device) AllocSVMHost(size uint64) (hal.Ptr, error) {
	return d.alloc.AllocSVM(hal.MemHost, size)
}

// AllocSVMDevice allocates shared virtual memory placed on the device.
func (d *Device) AllocSVMDevice(size uint64) (hal.Ptr, error) {
	return d.alloc.AllocSVM(hal.MemDevice, size)
}

// AllocSVMShared allocates migratable shared virtual memory.
func (d *Device) AllocSVMShared(size uint64) (hal.Ptr, error) {
	return d.alloc.AllocSVM(hal.MemShared, size)
}

// FreeSVM releases a shared allocation immediately. Deferred freeing
// ordered after queued work goes through an SVMFree command instead.
func (d *Device) FreeSVM(p hal.Ptr) error { return d.alloc.FreeSVM(p) }

// Close drains and destroys the queue groups, event pools and the hal
// device. Idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.teardown()
	klog.V(1).Infof("device %d closed", d.id)
	return d.hw.Close()
}

func (d *Device) teardown() {
	for _, g := range d.groups {
		g.uninit()
	}
	d.poolMu.Lock()
	for _, p := range d.pools {
		_ = p.destroy()
	}
	d.pools = nil
	d.poolMu.Unlock()
}
