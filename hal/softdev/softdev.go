// Package softdev implements hal on plain host memory. It is the reference
// backend: allocations are byte slices, command lists record closures that
// a per-queue worker executes in order, and events carry real
// signal/wait/reset semantics. It exists so the execution engine can run
// and be tested on machines without an accelerator.
package softdev

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/gocompute/clrun/hal"
)

// Options configures the simulated hardware. The zero value is usable;
// New fills in defaults.
type Options struct {
	Name string

	// QueueGroups advertises the submission channel classes. Default is
	// one compute group and one copy group with two queues each.
	QueueGroups []hal.QueueGroupProperties

	// HostUnified makes the device address host memory coherently
	// (ImportHost succeeds and host/device views alias).
	HostUnified bool

	GlobalOffsets   bool
	SimultaneousUse bool
	ImageSupport    bool

	// MaxFillPatternSize is the native fill limit in bytes; zero disables
	// the native fill path entirely, forcing fills through helper kernels.
	MaxFillPatternSize int

	GlobalMemSize uint64
	MaxAllocSize  uint64
}

type allocation struct {
	data     []byte
	kind     hal.MemKind
	imported bool
}

// Device is a software hal.Device.
type Device struct {
	props hal.Properties

	mu        sync.Mutex
	nextAlloc uint64
	allocs    map[uint64]*allocation
	exports   map[hal.SharedHandle]uint64
	resident  map[uint64]uint64 // alloc id -> largest resident size
	closed    bool
}

var _ hal.Device = (*Device)(nil)

// New creates a software device.
func New(opts Options) *Device {
	if opts.Name == "" {
		opts.Name = "softdev"
	}
	if len(opts.QueueGroups) == 0 {
		opts.QueueGroups = []hal.QueueGroupProperties{
			{Class: hal.QueueCompute, NumQueues: 2},
			{Class: hal.QueueCopy, NumQueues: 2},
		}
	}
	if opts.GlobalMemSize == 0 {
		opts.GlobalMemSize = 256 << 20
	}
	if opts.MaxAllocSize == 0 {
		opts.MaxAllocSize = opts.GlobalMemSize / 4
	}
	props := hal.Properties{
		Name:        opts.Name,
		Vendor:      "clrun project",
		QueueGroups: opts.QueueGroups,

		MaxGroupSize:  1024,
		MaxGroupDims:  hal.Dim3{1024, 1024, 64},
		MaxGroupCount: hal.Dim3{1 << 20, 1 << 16, 1 << 16},

		GlobalMemSize: opts.GlobalMemSize,
		MaxAllocSize:  opts.MaxAllocSize,
		CacheSize:     4 << 20,
		CacheLineSize: 64,

		HostUnified:         opts.HostUnified,
		GlobalOffsets:       opts.GlobalOffsets,
		AsyncCommandBuffers: true,
		SimultaneousUse:     opts.SimultaneousUse,

		MaxFillPatternSize: opts.MaxFillPatternSize,

		AtomicCaps: hal.AtomicOrderRelaxed | hal.AtomicOrderAcqRel | hal.AtomicOrderSeqCst |
			hal.AtomicScopeWorkGroup | hal.AtomicScopeDevice | hal.Atomic64Bit,
		USM: hal.USMCaps{
			Host:   hal.AccessRW | hal.AccessAtomic,
			Device: hal.AccessRW | hal.AccessAtomic | hal.AccessConcurrent,
			Shared: hal.AccessRW,
		},

		ILVersions: []string{"SPIR-V_1.5"},
	}
	copy(props.UUID[:], opts.Name)
	if opts.ImageSupport {
		props.ImageSupport = true
		props.MaxImageDims = [3]uint64{16384, 16384, 2048}
		for _, o := range []hal.ChannelOrder{hal.ChannelR, hal.ChannelRG, hal.ChannelRGBA, hal.ChannelBGRA} {
			for _, t := range []hal.ChannelType{
				hal.ChannelSNorm8, hal.ChannelSNorm16, hal.ChannelUNorm8, hal.ChannelUNorm16,
				hal.ChannelSInt8, hal.ChannelSInt16, hal.ChannelSInt32,
				hal.ChannelUInt8, hal.ChannelUInt16, hal.ChannelUInt32,
				hal.ChannelHalf, hal.ChannelFloat,
			} {
				props.ImageFormats = append(props.ImageFormats, hal.ImageFormat{Order: o, Type: t})
			}
		}
	}
	return &Device{
		props:     props,
		nextAlloc: 1,
		allocs:    make(map[uint64]*allocation),
		exports:   make(map[hal.SharedHandle]uint64),
		resident:  make(map[uint64]uint64),
	}
}

// Properties implements hal.Device.
func (d *Device) Properties() hal.Properties { return d.props }

func (d *Device) hasClass(class hal.QueueClass) bool {
	for _, g := range d.props.QueueGroups {
		if g.Class == class {
			return true
		}
	}
	return false
}

// NewQueue implements hal.Device.
func (d *Device) NewQueue(class hal.QueueClass, index int) (hal.CmdQueue, error) {
	if !d.hasClass(class) {
		return nil, errors.Wrapf(hal.ErrUnsupported, "no %s queue group", class)
	}
	return newQueue(d), nil
}

// NewList implements hal.Device.
func (d *Device) NewList(class hal.QueueClass) (hal.CmdList, error) {
	if !d.hasClass(class) {
		return nil, errors.Wrapf(hal.ErrUnsupported, "no %s queue group", class)
	}
	return &cmdList{dev: d, class: class}, nil
}

// NewEventPool implements hal.Device.
func (d *Device) NewEventPool(capacity int) (hal.EventPool, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("softdev: event pool capacity must be positive, got %d", capacity)
	}
	p := &eventPool{events: make([]*event, capacity)}
	for i := range p.events {
		p.events[i] = &event{}
		p.events[i].cond = sync.NewCond(&p.events[i].mu)
	}
	return p, nil
}

// Alloc implements hal.Device.
func (d *Device) Alloc(kind hal.MemKind, size, align uint64) (hal.Ptr, error) {
	if size == 0 {
		return hal.Ptr{}, errors.New("softdev: zero-size allocation")
	}
	if size > d.props.MaxAllocSize {
		return hal.Ptr{}, errors.Wrapf(hal.ErrOutOfMemory, "requested %d bytes, max allocation %d", size, d.props.MaxAllocSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return hal.Ptr{}, errors.New("softdev: device closed")
	}
	id := d.nextAlloc
	d.nextAlloc++
	d.allocs[id] = &allocation{data: make([]byte, size), kind: kind}
	return hal.MakePtr(id, 0), nil
}

// ImportHost implements hal.Device. The slice itself becomes the backing
// store, so host and device views alias.
func (d *Device) ImportHost(b []byte) (hal.Ptr, error) {
	if !d.props.HostUnified {
		return hal.Ptr{}, errors.Wrap(hal.ErrUnsupported, "device memory is not host unified")
	}
	if len(b) == 0 {
		return hal.Ptr{}, errors.New("softdev: cannot import empty host memory")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextAlloc
	d.nextAlloc++
	d.allocs[id] = &allocation{data: b, kind: hal.MemHost, imported: true}
	return hal.MakePtr(id, 0), nil
}

// Export implements hal.Device.
func (d *Device) Export(p hal.Ptr) (hal.SharedHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.allocs[p.AllocID()]; !ok {
		return 0, errors.Errorf("softdev: export of unknown allocation %d", p.AllocID())
	}
	h := hal.SharedHandle(p.AllocID())
	d.exports[h] = p.AllocID()
	return h, nil
}

// Import implements hal.Device. The imported Ptr shares storage with the
// exporting allocation.
func (d *Device) Import(h hal.SharedHandle) (hal.Ptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.exports[h]
	if !ok {
		return hal.Ptr{}, errors.Errorf("softdev: unknown shared handle %d", h)
	}
	a := d.allocs[src]
	id := d.nextAlloc
	d.nextAlloc++
	d.allocs[id] = &allocation{data: a.data, kind: a.kind, imported: true}
	return hal.MakePtr(id, 0), nil
}

// Free implements hal.Device.
func (d *Device) Free(p hal.Ptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.allocs[p.AllocID()]; !ok {
		return errors.Errorf("softdev: free of unknown allocation %d", p.AllocID())
	}
	delete(d.allocs, p.AllocID())
	delete(d.resident, p.AllocID())
	return nil
}

// HostBytes implements hal.Device.
func (d *Device) HostBytes(p hal.Ptr, size uint64) []byte {
	b, err := d.bytes(p, size)
	if err != nil {
		return nil
	}
	return b
}

// MakeResident implements hal.Device. Residency is advisory in software;
// the device records it so tests can observe the calls.
func (d *Device) MakeResident(p hal.Ptr, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.allocs[p.AllocID()]; !ok {
		return errors.Errorf("softdev: make-resident of unknown allocation %d", p.AllocID())
	}
	if size > d.resident[p.AllocID()] {
		d.resident[p.AllocID()] = size
	}
	return nil
}

// ResidentSize reports the largest size made resident for p's allocation.
// Test hook.
func (d *Device) ResidentSize(p hal.Ptr) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resident[p.AllocID()]
}

// NewImage implements hal.Device.
func (d *Device) NewImage(desc hal.ImageDesc) (hal.Image, error) {
	if !d.props.ImageSupport {
		return nil, errors.Wrap(hal.ErrUnsupported, "device has no image support")
	}
	if desc.Width == 0 {
		return nil, errors.New("softdev: image width must be positive")
	}
	if desc.Height == 0 {
		desc.Height = 1
	}
	if desc.Depth == 0 {
		desc.Depth = 1
	}
	px := uint64(desc.Format.PixelBytes())
	img := &image{
		desc:       desc,
		rowPitch:   desc.Width * px,
		slicePitch: desc.Width * px * desc.Height,
	}
	img.data = make([]byte, img.slicePitch*desc.Depth)
	return img, nil
}

// Close implements hal.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.allocs = make(map[uint64]*allocation)
	return nil
}

// bytes resolves a device pointer to its backing storage, bounds-checked.
func (d *Device) bytes(p hal.Ptr, size uint64) ([]byte, error) {
	d.mu.Lock()
	a, ok := d.allocs[p.AllocID()]
	d.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("softdev: dereference of unknown allocation %d", p.AllocID())
	}
	end := p.Offset() + size
	if end > uint64(len(a.data)) {
		return nil, errors.Errorf("softdev: access [%d,%d) outside allocation of %d bytes", p.Offset(), end, len(a.data))
	}
	return a.data[p.Offset():end], nil
}

type image struct {
	desc       hal.ImageDesc
	data       []byte
	rowPitch   uint64
	slicePitch uint64
}

func (i *image) Desc() hal.ImageDesc { return i.desc }

func (i *image) Destroy() error {
	i.data = nil
	return nil
}

// pixelAt returns the storage of one pixel.
func (i *image) pixelAt(x, y, z uint64) ([]byte, error) {
	px := uint64(i.desc.Format.PixelBytes())
	off := z*i.slicePitch + y*i.rowPitch + x*px
	if off+px > uint64(len(i.data)) {
		return nil, errors.Errorf("softdev: image access (%d,%d,%d) out of bounds", x, y, z)
	}
	return i.data[off : off+px], nil
}

type event struct {
	mu       sync.Mutex
	cond     *sync.Cond
	signaled bool
}

func (e *event) Signaled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signaled
}

func (e *event) signal() {
	e.mu.Lock()
	e.signaled = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *event) reset() {
	e.mu.Lock()
	e.signaled = false
	e.mu.Unlock()
}

func (e *event) wait() {
	e.mu.Lock()
	for !e.signaled {
		e.cond.Wait()
	}
	e.mu.Unlock()
}

type eventPool struct {
	events []*event
}

func (p *eventPool) Capacity() int { return len(p.events) }

func (p *eventPool) Event(i int) hal.Event {
	if i < 0 || i >= len(p.events) {
		panic(fmt.Sprintf("softdev: event index %d out of range [0,%d)", i, len(p.events)))
	}
	return p.events[i]
}

func (p *eventPool) Destroy() error {
	p.events = nil
	return nil
}

// asEvent unwraps a hal.Event into the softdev event type.
func asEvent(e hal.Event) (*event, error) {
	if e == nil {
		return nil, nil
	}
	ev, ok := e.(*event)
	if !ok {
		return nil, errors.Errorf("softdev: foreign event type %T", e)
	}
	return ev, nil
}
