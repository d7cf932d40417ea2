// Package memobj holds the engine's memory objects: buffers and images
// with a per-device identifier table. An identifier is the device-side
// incarnation of an object (allocation, image handle, staging storage);
// it is created lazily on first use on a device and lives until the
// object is destroyed. Exactly one identifier exists per (object, device).
package memobj

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gocompute/clrun/hal"
)

// Flags describe a memory object's storage contract.
type Flags uint32

const (
	// UseExistingStorage means the object's backing store is caller-owned
	// host memory; device identifiers must keep it coherent after every
	// write-class command.
	UseExistingStorage Flags = 1 << iota
	// ReadOnly objects reject write-class commands.
	ReadOnly
	// HostNoAccess objects are never mapped or read back to the host.
	HostNoAccess
)

// Ident is the device-side incarnation of a memory object.
type Ident struct {
	// Ptr is the device allocation (buffers, and the staging path of
	// images before upload).
	Ptr hal.Ptr
	// Image is the device image handle, nil for buffers.
	Image hal.Image
	// Staging is the linear staging allocation used when an image
	// transfer's host layout does not match the device layout. Nil Ptr
	// when the identifier never needed staging.
	Staging hal.Ptr
	// HostUnified means Ptr aliases the object's host storage directly
	// (imported host memory); synchronization copies are skipped.
	HostUnified bool
}

// object carries the ident table shared by Buffer and Image.
type object struct {
	mu        sync.Mutex
	idents    map[int]*Ident
	destroyed bool
}

// Ident returns the identifier for the device, or nil when none exists.
func (o *object) Ident(device int) *Ident {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.idents[device]
}

// EnsureIdent returns the device's identifier, creating it with create on
// first use. Concurrent callers for the same device get the same
// identifier; create runs at most once per device.
func (o *object) EnsureIdent(device int, create func() (*Ident, error)) (*Ident, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return nil, errors.New("memobj: identifier requested on destroyed object")
	}
	if id := o.idents[device]; id != nil {
		return id, nil
	}
	id, err := create()
	if err != nil {
		return nil, err
	}
	o.idents[device] = id
	return id, nil
}

// ForEachIdent calls fn for every existing identifier.
func (o *object) ForEachIdent(fn func(device int, id *Ident)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for dev, id := range o.idents {
		fn(dev, id)
	}
}

// destroy releases every identifier through release. Idempotent: the
// second and later calls do nothing.
func (o *object) destroy(release func(device int, id *Ident) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return nil
	}
	o.destroyed = true
	var first error
	for dev, id := range o.idents {
		if err := release(dev, id); err != nil && first == nil {
			first = err
		}
		delete(o.idents, dev)
	}
	return first
}

// Buffer is a linear memory object.
type Buffer struct {
	object
	size  uint64
	flags Flags
	host  []byte

	mapMu    sync.Mutex
	mappings []*Mapping
}

// NewBuffer creates a buffer of the given size. When flags carries
// UseExistingStorage, host must cover size bytes and becomes the object's
// backing store.
func NewBuffer(size uint64, flags Flags, host []byte) (*Buffer, error) {
	if size == 0 {
		return nil, errors.New("memobj: zero-size buffer")
	}
	if flags&UseExistingStorage != 0 {
		if uint64(len(host)) < size {
			return nil, errors.Errorf("memobj: existing storage of %d bytes for buffer of %d", len(host), size)
		}
	} else if host != nil {
		return nil, errors.New("memobj: host storage given without UseExistingStorage")
	}
	return &Buffer{
		object: object{idents: make(map[int]*Ident)},
		size:   size,
		flags:  flags,
		host:   host,
	}, nil
}

func (b *Buffer) Size() uint64 { return b.size }
func (b *Buffer) Flags() Flags { return b.flags }

// Host returns the caller-owned storage, nil unless UseExistingStorage.
func (b *Buffer) Host() []byte { return b.host }

// Destroy releases all identifiers. Safe to call more than once.
func (b *Buffer) Destroy(release func(device int, id *Ident) error) error {
	return b.destroy(release)
}

// MapFlags describe a host mapping's access.
type MapFlags uint32

const (
	MapRead MapFlags = 1 << iota
	MapWrite
	MapWriteInvalidate
)

// Mapping is one live host mapping of a buffer range or image region.
type Mapping struct {
	Offset uint64
	Size   uint64
	Flags  MapFlags
	// Host is the host-visible window the caller reads or writes.
	Host []byte

	// Origin and Region describe the mapped sub-region for image
	// mappings; buffers leave them zero.
	Origin hal.Origin
	Region hal.Region
}

// AddMapping registers a mapping created by a map command.
func (b *Buffer) AddMapping(m *Mapping) error {
	if m.Offset+m.Size > b.size {
		return errors.Errorf("memobj: mapping [%d,%d) outside buffer of %d bytes", m.Offset, m.Offset+m.Size, b.size)
	}
	if b.flags&HostNoAccess != 0 {
		return errors.New("memobj: mapping of host-no-access buffer")
	}
	b.mapMu.Lock()
	b.mappings = append(b.mappings, m)
	b.mapMu.Unlock()
	return nil
}

// RemoveMapping unregisters a mapping on unmap. It reports whether the
// mapping was known.
func (b *Buffer) RemoveMapping(m *Mapping) bool {
	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	for i, have := range b.mappings {
		if have == m {
			b.mappings = append(b.mappings[:i], b.mappings[i+1:]...)
			return true
		}
	}
	return false
}

// Mappings returns the live mappings. Test and teardown hook.
func (b *Buffer) Mappings() []*Mapping {
	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	return append([]*Mapping(nil), b.mappings...)
}

// Image is an image memory object.
type Image struct {
	object
	desc  hal.ImageDesc
	flags Flags
	host  []byte

	mapMu    sync.Mutex
	mappings []*Mapping
}

// NewImage creates an image object with the given descriptor.
func NewImage(desc hal.ImageDesc, flags Flags, host []byte) (*Image, error) {
	if desc.Width == 0 {
		return nil, errors.New("memobj: image width must be positive")
	}
	if desc.Height == 0 {
		desc.Height = 1
	}
	if desc.Depth == 0 {
		desc.Depth = 1
	}
	if desc.Dim < 1 || desc.Dim > 3 {
		return nil, errors.Errorf("memobj: image dimensionality %d out of range", desc.Dim)
	}
	size := desc.Width * desc.Height * desc.Depth * uint64(desc.Format.PixelBytes())
	if flags&UseExistingStorage != 0 && uint64(len(host)) < size {
		return nil, errors.Errorf("memobj: existing storage of %d bytes for image of %d", len(host), size)
	}
	return &Image{
		object: object{idents: make(map[int]*Ident)},
		desc:   desc,
		flags:  flags,
		host:   host,
	}, nil
}

func (im *Image) Desc() hal.ImageDesc { return im.desc }
func (im *Image) Flags() Flags        { return im.flags }
func (im *Image) Host() []byte        { return im.host }

// ByteSize returns the tightly packed storage size of the whole image.
func (im *Image) ByteSize() uint64 {
	return im.desc.Width * im.desc.Height * im.desc.Depth * uint64(im.desc.Format.PixelBytes())
}

// AddMapping registers a mapping of an image region.
func (im *Image) AddMapping(m *Mapping) error {
	if im.flags&HostNoAccess != 0 {
		return errors.New("memobj: mapping of host-no-access image")
	}
	im.mapMu.Lock()
	im.mappings = append(im.mappings, m)
	im.mapMu.Unlock()
	return nil
}

// RemoveMapping unregisters a mapping on unmap. It reports whether the
// mapping was known.
func (im *Image) RemoveMapping(m *Mapping) bool {
	im.mapMu.Lock()
	defer im.mapMu.Unlock()
	for i, have := range im.mappings {
		if have == m {
			im.mappings = append(im.mappings[:i], im.mappings[i+1:]...)
			return true
		}
	}
	return false
}

// Mappings returns the live mappings. Test and teardown hook.
func (im *Image) Mappings() []*Mapping {
	im.mapMu.Lock()
	defer im.mapMu.Unlock()
	return append([]*Mapping(nil), im.mappings...)
}

// Destroy releases all identifiers. Safe to call more than once.
func (im *Image) Destroy(release func(device int, id *Ident) error) error {
	return im.destroy(release)
}
