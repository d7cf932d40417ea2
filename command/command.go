// Package command defines the work items the execution engine consumes:
// one operand struct per command kind, the Command envelope tying an
// operation to its completion Event, and Batch, the pre-recorded command
// sequence submitted as a unit.
package command

import (
	"github.com/gocompute/clrun/hal"
	"github.com/gocompute/clrun/kernel"
	"github.com/gocompute/clrun/memobj"
)

// Kind identifies a command variant.
type Kind int

//go:generate go tool enumer -type=Kind -trimprefix=Kind command.go

const (
	KindReadBuffer Kind = iota
	KindWriteBuffer
	KindCopyBuffer
	KindFillBuffer
	KindReadBufferRect
	KindWriteBufferRect
	KindCopyBufferRect
	KindReadImage
	KindWriteImage
	KindCopyImage
	KindFillImage
	KindCopyBufferToImage
	KindCopyImageToBuffer
	KindMapBuffer
	KindUnmapMemObject
	KindMapImage
	KindMigrateMem
	KindNDRange
	KindCommandBufferExec
	KindBarrier
	KindMarker
	KindSVMFree
	KindSVMMap
	KindSVMUnmap
	KindSVMMemcpy
	KindSVMMemfill
	KindSVMMigrate
	KindSVMAdvise
)

// Op is one command's typed operands. The set of implementations is
// closed: the engine dispatches over it with a type switch and treats an
// unknown variant as a build configuration error.
type Op interface {
	Kind() Kind
}

// Command pairs an operation with its completion event. The engine owns
// the command from submission until the event reaches a terminal status;
// operand storage referenced by the op (host slices, pattern bytes) must
// stay valid for that window.
type Command struct {
	Op    Op
	Event *Event
}

// Batch is a sequence of commands submitted and executed as one unit on a
// single queue.
type Batch struct {
	Commands []*Command
}

// ReadBuffer copies Size bytes at Offset from the buffer into Dst.
type ReadBuffer struct {
	Buf    *memobj.Buffer
	Offset uint64
	Size   uint64
	Dst    []byte
}

// WriteBuffer copies Src into the buffer at Offset.
type WriteBuffer struct {
	Buf    *memobj.Buffer
	Offset uint64
	Size   uint64
	Src    []byte
}

// CopyBuffer copies Size bytes between two buffers.
type CopyBuffer struct {
	Dst       *memobj.Buffer
	Src       *memobj.Buffer
	DstOffset uint64
	SrcOffset uint64
	Size      uint64
}

// FillBuffer stores the repeated Pattern over [Offset, Offset+Size).
// Size must be a multiple of the pattern size; the pattern size is a
// power of two up to 128 bytes.
type FillBuffer struct {
	Buf     *memobj.Buffer
	Offset  uint64
	Size    uint64
	Pattern []byte
}

// ReadBufferRect copies a pitched 3-D region from the buffer to host
// memory. Origins and region are in bytes.
type ReadBufferRect struct {
	Buf            *memobj.Buffer
	Dst            []byte
	BufOrigin      hal.Origin
	HostOrigin     hal.Origin
	Region         hal.Region
	BufRowPitch    uint64
	BufSlicePitch  uint64
	HostRowPitch   uint64
	HostSlicePitch uint64
}

// WriteBufferRect copies a pitched 3-D region from host memory into the
// buffer.
type WriteBufferRect struct {
	Buf            *memobj.Buffer
	Src            []byte
	BufOrigin      hal.Origin
	HostOrigin     hal.Origin
	Region         hal.Region
	BufRowPitch    uint64
	BufSlicePitch  uint64
	HostRowPitch   uint64
	HostSlicePitch uint64
}

// CopyBufferRect copies a pitched 3-D region between two buffers.
type CopyBufferRect struct {
	Dst           *memobj.Buffer
	Src           *memobj.Buffer
	DstOrigin     hal.Origin
	SrcOrigin     hal.Origin
	Region        hal.Region
	DstRowPitch   uint64
	DstSlicePitch uint64
	SrcRowPitch   uint64
	SrcSlicePitch uint64
}

// ReadImage copies an image region into host memory. Origin and region
// are in pixels; pitches are host-side, in bytes (zero = tightly packed).
type ReadImage struct {
	Img        *memobj.Image
	Dst        []byte
	Origin     hal.Origin
	Region     hal.Region
	RowPitch   uint64
	SlicePitch uint64
}

// WriteImage copies host memory into an image region.
type WriteImage struct {
	Img        *memobj.Image
	Src        []byte
	Origin     hal.Origin
	Region     hal.Region
	RowPitch   uint64
	SlicePitch uint64
}

// CopyImage copies a region between two images of the same format.
type CopyImage struct {
	Dst       *memobj.Image
	Src       *memobj.Image
	DstOrigin hal.Origin
	SrcOrigin hal.Origin
	Region    hal.Region
}

// FillImage sets every pixel of a region to one color. The engine encodes
// the color for the image's channel type; the variant matching the type
// class (float for normalized/float channels, signed/unsigned ints for
// integer channels) is consulted.
type FillImage struct {
	Img    *memobj.Image
	Origin hal.Origin
	Region hal.Region

	Float [4]float32
	Int   [4]int32
	Uint  [4]uint32
}

// CopyBufferToImage copies linear buffer bytes into an image region.
type CopyBufferToImage struct {
	Img       *memobj.Image
	Buf       *memobj.Buffer
	BufOffset uint64
	Origin    hal.Origin
	Region    hal.Region
}

// CopyImageToBuffer copies an image region into linear buffer bytes.
type CopyImageToBuffer struct {
	Buf       *memobj.Buffer
	Img       *memobj.Image
	BufOffset uint64
	Origin    hal.Origin
	Region    hal.Region
}

// MapBuffer makes a buffer range host-visible. The mapping's Host window
// is filled (read maps) or registered for write-back at unmap.
type MapBuffer struct {
	Buf     *memobj.Buffer
	Mapping *memobj.Mapping
}

// MapImage makes an image region host-visible through the mapping.
type MapImage struct {
	Img     *memobj.Image
	Mapping *memobj.Mapping
	Origin  hal.Origin
	Region  hal.Region
}

// UnmapMemObject retires a mapping, writing back the host window for
// write maps. Exactly one of Buf and Img is set.
type UnmapMemObject struct {
	Buf     *memobj.Buffer
	Img     *memobj.Image
	Mapping *memobj.Mapping
}

// MigrateDir is the direction of a memory migration.
type MigrateDir int

const (
	// MigrateNop requires no data movement (already resident).
	MigrateNop MigrateDir = iota
	// MigrateH2D moves object content from host storage to the device.
	MigrateH2D
	// MigrateD2H moves object content from the device to host storage.
	MigrateD2H
	// MigrateD2D moves object content between two device identifiers.
	MigrateD2D
)

// MigrateMem moves a memory object's content per Dir. Exactly one of Buf
// and Img is set.
type MigrateMem struct {
	Dir MigrateDir
	Buf *memobj.Buffer
	Img *memobj.Image
	// SrcDevice names the source identifier for D2D migrations.
	SrcDevice int
}

// NDRange launches a kernel over a grid of work groups.
type NDRange struct {
	Kernel *kernel.Kernel
	Args   []kernel.Arg

	// Groups is the work-group count per dimension; a zero count in any
	// dimension makes the launch an empty no-op.
	Groups hal.Dim3
	// Local is the work-group size per dimension.
	Local hal.Dim3
	// GlobalOffset shifts global ids; requires device support.
	GlobalOffset hal.Dim3
}

// Replayable is a recorded command buffer; the engine's CommandBuffer
// implements it.
type Replayable interface {
	// ReplayID identifies the recording for logs and diagnostics.
	ReplayID() uint64
}

// CommandBufferExec replays a recorded command buffer.
type CommandBufferExec struct {
	Buffer Replayable
}

// Barrier orders all preceding commands of the queue before all
// subsequent ones.
type Barrier struct{}

// Marker completes when all preceding commands of the queue complete.
type Marker struct{}

// SVMFree releases shared allocations after preceding work completes.
type SVMFree struct {
	Ptrs []hal.Ptr
}

// SVMMap makes a shared allocation range host-accessible.
type SVMMap struct {
	Ptr   hal.Ptr
	Size  uint64
	Flags memobj.MapFlags
}

// SVMUnmap ends a shared mapping.
type SVMUnmap struct {
	Ptr hal.Ptr
}

// SVMMemcpy copies between shared allocations.
type SVMMemcpy struct {
	Dst  hal.Ptr
	Src  hal.Ptr
	Size uint64
}

// SVMMemfill stores the repeated Pattern over a shared range.
type SVMMemfill struct {
	Dst     hal.Ptr
	Size    uint64
	Pattern []byte
}

// SVMMigrate prefetches shared ranges to the device.
type SVMMigrate struct {
	Ptrs  []hal.Ptr
	Sizes []uint64
}

// SVMAdvise attaches a usage hint to a shared range.
type SVMAdvise struct {
	Ptr    hal.Ptr
	Size   uint64
	Advice hal.Advice
}

func (ReadBuffer) Kind() Kind        { return KindReadBuffer }
func (WriteBuffer) Kind() Kind       { return KindWriteBuffer }
func (CopyBuffer) Kind() Kind        { return KindCopyBuffer }
func (FillBuffer) Kind() Kind        { return KindFillBuffer }
func (ReadBufferRect) Kind() Kind    { return KindReadBufferRect }
func (WriteBufferRect) Kind() Kind   { return KindWriteBufferRect }
func (CopyBufferRect) Kind() Kind    { return KindCopyBufferRect }
func (ReadImage) Kind() Kind         { return KindReadImage }
func (WriteImage) Kind() Kind        { return KindWriteImage }
func (CopyImage) Kind() Kind         { return KindCopyImage }
func (FillImage) Kind() Kind         { return KindFillImage }
func (CopyBufferToImage) Kind() Kind { return KindCopyBufferToImage }
func (CopyImageToBuffer) Kind() Kind { return KindCopyImageToBuffer }
func (MapBuffer) Kind() Kind         { return KindMapBuffer }
func (UnmapMemObject) Kind() Kind    { return KindUnmapMemObject }
func (MapImage) Kind() Kind          { return KindMapImage }
func (MigrateMem) Kind() Kind        { return KindMigrateMem }
func (NDRange) Kind() Kind           { return KindNDRange }
func (CommandBufferExec) Kind() Kind { return KindCommandBufferExec }
func (Barrier) Kind() Kind           { return KindBarrier }
func (Marker) Kind() Kind            { return KindMarker }
func (SVMFree) Kind() Kind           { return KindSVMFree }
func (SVMMap) Kind() Kind            { return KindSVMMap }
func (SVMUnmap) Kind() Kind          { return KindSVMUnmap }
func (SVMMemcpy) Kind() Kind         { return KindSVMMemcpy }
func (SVMMemfill) Kind() Kind        { return KindSVMMemfill }
func (SVMMigrate) Kind() Kind        { return KindSVMMigrate }
func (SVMAdvise) Kind() Kind         { return KindSVMAdvise }

// New wraps an operation in a Command with a fresh event.
func New(op Op) *Command {
	return &Command{Op: op, Event: NewEvent()}
}

// NewBatch builds a batch from operations, each with a fresh event.
func NewBatch(ops ...Op) *Batch {
	b := &Batch{Commands: make([]*Command, 0, len(ops))}
	for _, op := range ops {
		b.Commands = append(b.Commands, New(op))
	}
	return b
}
