package engine

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gocompute/clrun/command"
	"github.com/gocompute/clrun/hal"
	"github.com/gocompute/clrun/kernel"
	"github.com/gocompute/clrun/memobj"
)

// appendCommand translates one command into list appends on the chain. A
// returned error is a translation failure: nothing of this command was
// appended, or what was appended is harmless without its completion
// chain. Unknown variants are a build configuration error and abort.
func (q *Queue) appendCommand(cmd *command.Command) error {
	klog.V(4).Infof("%s queue %d: append %s", q.group.class, q.index, cmd.Op.Kind())
	switch op := cmd.Op.(type) {
	case command.ReadBuffer:
		return q.appendReadBuffer(op)
	case command.WriteBuffer:
		return q.appendWriteBuffer(op)
	case command.CopyBuffer:
		return q.appendCopyBuffer(op)
	case command.FillBuffer:
		return q.appendFillBuffer(op)
	case command.ReadBufferRect:
		return q.appendReadBufferRect(op)
	case command.WriteBufferRect:
		return q.appendWriteBufferRect(op)
	case command.CopyBufferRect:
		return q.appendCopyBufferRect(op)
	case command.ReadImage:
		return q.appendReadImage(cmd, op)
	case command.WriteImage:
		return q.appendWriteImage(op)
	case command.CopyImage:
		return q.appendCopyImage(op)
	case command.FillImage:
		return q.appendFillImage(op)
	case command.CopyBufferToImage:
		return q.appendCopyBufferToImage(op)
	case command.CopyImageToBuffer:
		return q.appendCopyImageToBuffer(op)
	case command.MapBuffer:
		return q.appendMapBuffer(op)
	case command.MapImage:
		return q.appendMapImage(op)
	case command.UnmapMemObject:
		return q.appendUnmap(op)
	case command.MigrateMem:
		return q.appendMigrate(op)
	case command.NDRange:
		return q.appendNDRange(op)
	case command.Barrier, command.Marker:
		return q.chainBarrier()
	case command.SVMFree:
		return q.appendSVMFree(cmd, op)
	case command.SVMMap, command.SVMUnmap:
		// Shared memory is host coherent; mapping is ordering only.
		return q.chainBarrier()
	case command.SVMMemcpy:
		sig, wait, err := q.nextEvent()
		if err != nil {
			return err
		}
		q.markResident(op.Dst, op.Size)
		q.markResident(op.Src, op.Size)
		return q.list.AppendCopy(op.Dst, op.Src, op.Size, sig, wait)
	case command.SVMMemfill:
		q.markResident(op.Dst, op.Size)
		return q.appendFill(op.Dst, op.Pattern, op.Size)
	case command.SVMMigrate:
		for i, p := range op.Ptrs {
			if err := q.list.AppendPrefetch(p, op.Sizes[i]); err != nil {
				return err
			}
		}
		return q.chainBarrier()
	case command.SVMAdvise:
		if err := q.list.AppendMemAdvise(op.Ptr, op.Size, op.Advice); err != nil {
			return err
		}
		return q.chainBarrier()
	case command.CommandBufferExec:
		return errors.New("command buffer execution cannot be part of a batch")
	default:
		klog.Fatalf("no dispatch for command kind %s (%T): engine build is inconsistent", cmd.Op.Kind(), cmd.Op)
		return nil
	}
}

// chainBarrier appends an ordering-only operation carrying the command's
// chain event.
func (q *Queue) chainBarrier() error {
	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	var waits []hal.Event
	if wait != nil {
		waits = []hal.Event{wait}
	}
	return q.list.AppendBarrier(sig, waits)
}

func (q *Queue) bufIdent(b *memobj.Buffer) (*memobj.Ident, error) {
	if b == nil {
		return nil, errors.New("nil buffer operand")
	}
	return q.dev.bufIdent(b)
}

func (q *Queue) imgIdent(im *memobj.Image) (*memobj.Ident, error) {
	if im == nil {
		return nil, errors.New("nil image operand")
	}
	return q.dev.imgIdent(im)
}

func checkRange(b *memobj.Buffer, off, size uint64) error {
	if off+size > b.Size() {
		return errors.Errorf("range [%d,%d) outside buffer of %d bytes", off, off+size, b.Size())
	}
	return nil
}

func checkWritable(b *memobj.Buffer) error {
	if b.Flags()&memobj.ReadOnly != 0 {
		return errors.New("write to read-only buffer")
	}
	return nil
}

func (q *Queue) appendReadBuffer(op command.ReadBuffer) error {
	if err := checkRange(op.Buf, op.Offset, op.Size); err != nil {
		return err
	}
	if op.Buf.Flags()&memobj.HostNoAccess != 0 {
		return errors.New("read of host-no-access buffer")
	}
	if uint64(len(op.Dst)) < op.Size {
		return errors.Errorf("destination of %d bytes for read of %d", len(op.Dst), op.Size)
	}
	id, err := q.bufIdent(op.Buf)
	if err != nil {
		return err
	}
	q.markResident(id.Ptr, op.Buf.Size())
	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	return q.list.AppendCopyToHost(op.Dst[:op.Size], id.Ptr.Add(op.Offset), sig, wait)
}

func (q *Queue) appendWriteBuffer(op command.WriteBuffer) error {
	if err := checkRange(op.Buf, op.Offset, op.Size); err != nil {
		return err
	}
	if err := checkWritable(op.Buf); err != nil {
		return err
	}
	if uint64(len(op.Src)) < op.Size {
		return errors.Errorf("source of %d bytes for write of %d", len(op.Src), op.Size)
	}
	id, err := q.bufIdent(op.Buf)
	if err != nil {
		return err
	}
	q.markResident(id.Ptr, op.Buf.Size())
	q.markHostSync(op.Buf, id)
	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	return q.list.AppendCopyFromHost(id.Ptr.Add(op.Offset), op.Src[:op.Size], sig, wait)
}

func (q *Queue) appendCopyBuffer(op command.CopyBuffer) error {
	if err := checkRange(op.Src, op.SrcOffset, op.Size); err != nil {
		return err
	}
	if err := checkRange(op.Dst, op.DstOffset, op.Size); err != nil {
		return err
	}
	if err := checkWritable(op.Dst); err != nil {
		return err
	}
	srcID, err := q.bufIdent(op.Src)
	if err != nil {
		return err
	}
	dstID, err := q.bufIdent(op.Dst)
	if err != nil {
		return err
	}
	q.markResident(srcID.Ptr, op.Src.Size())
	q.markResident(dstID.Ptr, op.Dst.Size())
	q.markHostSync(op.Dst, dstID)
	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	return q.list.AppendCopy(dstID.Ptr.Add(op.DstOffset), srcID.Ptr.Add(op.SrcOffset), op.Size, sig, wait)
}

func (q *Queue) appendFillBuffer(op command.FillBuffer) error {
	if err := checkRange(op.Buf, op.Offset, op.Size); err != nil {
		return err
	}
	if err := checkWritable(op.Buf); err != nil {
		return err
	}
	id, err := q.bufIdent(op.Buf)
	if err != nil {
		return err
	}
	q.markResident(id.Ptr, op.Buf.Size())
	q.markHostSync(op.Buf, id)
	return q.appendFill(id.Ptr.Add(op.Offset), op.Pattern, op.Size)
}

// appendFill fills through the native path when the pattern fits, through
// a pattern-sized helper kernel otherwise.
func (q *Queue) appendFill(dst hal.Ptr, pattern []byte, size uint64) error {
	n := len(pattern)
	if n == 0 || n > 128 || n&(n-1) != 0 {
		return errors.Errorf("fill pattern size %d: must be a power of two up to 128", n)
	}
	if size == 0 || size%uint64(n) != 0 {
		return errors.Errorf("fill size %d not a positive multiple of pattern size %d", size, n)
	}
	if n <= q.dev.caps.NativeFillMaxPattern {
		sig, wait, err := q.nextEvent()
		if err != nil {
			return err
		}
		return q.list.AppendFill(dst, pattern, size, sig, wait)
	}

	hk, err := q.dev.memfillKernel(n)
	if err != nil {
		return err
	}
	items := size / uint64(n)
	ws := uint64(q.dev.caps.MaxGroupSize)
	if d := uint64(q.dev.caps.MaxGroupDims[0]); d < ws {
		ws = d
	}
	if items < ws {
		ws = items
	}
	for items%ws != 0 {
		ws /= 2
	}
	groups := items / ws
	if groups > uint64(q.dev.caps.MaxGroupCount[0]) {
		return errors.Errorf("fill of %d items exceeds device dispatch limit", items)
	}

	hk.mu.Lock()
	defer hk.mu.Unlock()
	if err := hk.k.SetArgPtr(0, dst); err != nil {
		return err
	}
	if err := hk.k.SetArgBytes(1, pattern); err != nil {
		return err
	}
	if err := hk.k.SetGroupSize(uint32(ws), 1, 1); err != nil {
		return err
	}
	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	klog.V(4).Infof("helper fill: pattern %d bytes, %d groups of %d", n, groups, ws)
	return q.list.AppendLaunch(hk.k, hal.Dim3{uint32(groups), 1, 1}, sig, wait)
}

// rectPitches fills in default pitches: a zero row pitch means tightly
// packed rows, a zero slice pitch tightly packed slices.
func rectPitches(region hal.Region, rowPitch, slicePitch uint64) (uint64, uint64) {
	if rowPitch == 0 {
		rowPitch = region[0]
	}
	if slicePitch == 0 {
		slicePitch = rowPitch * region[1]
	}
	return rowPitch, slicePitch
}

func rectOffset(origin hal.Origin, rowPitch, slicePitch uint64) uint64 {
	return origin[0] + origin[1]*rowPitch + origin[2]*slicePitch
}

// checkRectWalk bounds a pitched row walk before anything is appended.
// Row offsets grow monotonically in y and z, so the last row's span
// bounds every row of the walk.
func checkRectWalk(origin hal.Origin, region hal.Region, rowPitch, slicePitch, limit uint64, what string) error {
	for i := 0; i < 3; i++ {
		if region[i] == 0 {
			return errors.Errorf("degenerate region %v", region)
		}
	}
	last := rectOffset(origin, rowPitch, slicePitch) + (region[1]-1)*rowPitch + (region[2]-1)*slicePitch
	if last+region[0] > limit {
		return errors.Errorf("row [%d,%d) outside %s of %d bytes", last, last+region[0], what, limit)
	}
	return nil
}

func (q *Queue) appendReadBufferRect(op command.ReadBufferRect) error {
	if op.Buf.Flags()&memobj.HostNoAccess != 0 {
		return errors.New("read of host-no-access buffer")
	}
	bufRow, bufSlice := rectPitches(op.Region, op.BufRowPitch, op.BufSlicePitch)
	hostRow, hostSlice := rectPitches(op.Region, op.HostRowPitch, op.HostSlicePitch)
	if err := checkRectWalk(op.BufOrigin, op.Region, bufRow, bufSlice, op.Buf.Size(), "buffer"); err != nil {
		return err
	}
	if err := checkRectWalk(op.HostOrigin, op.Region, hostRow, hostSlice, uint64(len(op.Dst)), "destination"); err != nil {
		return err
	}
	id, err := q.bufIdent(op.Buf)
	if err != nil {
		return err
	}
	q.markResident(id.Ptr, op.Buf.Size())
	wait := q.waitEvent()
	for z := uint64(0); z < op.Region[2]; z++ {
		for y := uint64(0); y < op.Region[1]; y++ {
			bufOff := rectOffset(op.BufOrigin, bufRow, bufSlice) + y*bufRow + z*bufSlice
			hostOff := rectOffset(op.HostOrigin, hostRow, hostSlice) + y*hostRow + z*hostSlice
			if err := q.list.AppendCopyToHost(op.Dst[hostOff:hostOff+op.Region[0]], id.Ptr.Add(bufOff), nil, wait); err != nil {
				return err
			}
		}
	}
	return q.chainBarrier()
}

func (q *Queue) appendWriteBufferRect(op command.WriteBufferRect) error {
	if err := checkWritable(op.Buf); err != nil {
		return err
	}
	bufRow, bufSlice := rectPitches(op.Region, op.BufRowPitch, op.BufSlicePitch)
	hostRow, hostSlice := rectPitches(op.Region, op.HostRowPitch, op.HostSlicePitch)
	if err := checkRectWalk(op.BufOrigin, op.Region, bufRow, bufSlice, op.Buf.Size(), "buffer"); err != nil {
		return err
	}
	if err := checkRectWalk(op.HostOrigin, op.Region, hostRow, hostSlice, uint64(len(op.Src)), "source"); err != nil {
		return err
	}
	id, err := q.bufIdent(op.Buf)
	if err != nil {
		return err
	}
	q.markResident(id.Ptr, op.Buf.Size())
	q.markHostSync(op.Buf, id)
	wait := q.waitEvent()
	for z := uint64(0); z < op.Region[2]; z++ {
		for y := uint64(0); y < op.Region[1]; y++ {
			bufOff := rectOffset(op.BufOrigin, bufRow, bufSlice) + y*bufRow + z*bufSlice
			hostOff := rectOffset(op.HostOrigin, hostRow, hostSlice) + y*hostRow + z*hostSlice
			if err := q.list.AppendCopyFromHost(id.Ptr.Add(bufOff), op.Src[hostOff:hostOff+op.Region[0]], nil, wait); err != nil {
				return err
			}
		}
	}
	return q.chainBarrier()
}

func (q *Queue) appendCopyBufferRect(op command.CopyBufferRect) error {
	if err := checkWritable(op.Dst); err != nil {
		return err
	}
	dstRow, dstSlice := rectPitches(op.Region, op.DstRowPitch, op.DstSlicePitch)
	srcRow, srcSlice := rectPitches(op.Region, op.SrcRowPitch, op.SrcSlicePitch)
	if err := checkRectWalk(op.SrcOrigin, op.Region, srcRow, srcSlice, op.Src.Size(), "source buffer"); err != nil {
		return err
	}
	if err := checkRectWalk(op.DstOrigin, op.Region, dstRow, dstSlice, op.Dst.Size(), "destination buffer"); err != nil {
		return err
	}
	srcID, err := q.bufIdent(op.Src)
	if err != nil {
		return err
	}
	dstID, err := q.bufIdent(op.Dst)
	if err != nil {
		return err
	}
	q.markResident(srcID.Ptr, op.Src.Size())
	q.markResident(dstID.Ptr, op.Dst.Size())
	q.markHostSync(op.Dst, dstID)
	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	return q.list.AppendCopyRegion(
		dstID.Ptr, op.DstOrigin, dstRow, dstSlice,
		srcID.Ptr, op.SrcOrigin, srcRow, srcSlice,
		op.Region, sig, wait)
}

func checkImageRegion(im *memobj.Image, origin hal.Origin, region hal.Region) error {
	d := im.Desc()
	dims := [3]uint64{d.Width, d.Height, d.Depth}
	for i := 0; i < 3; i++ {
		if region[i] == 0 {
			return errors.Errorf("degenerate image region dimension %d", i)
		}
		if origin[i]+region[i] > dims[i] {
			return errors.Errorf("image region [%d,%d) outside dimension %d of %d", origin[i], origin[i]+region[i], i, dims[i])
		}
	}
	return nil
}

// needsStaging reports whether host pitches differ from the tightly
// packed layout the device transfer produces.
func needsStaging(region hal.Region, px uint64, rowPitch, slicePitch uint64) bool {
	tightRow := region[0] * px
	if rowPitch != 0 && rowPitch != tightRow {
		return true
	}
	if rowPitch == 0 {
		rowPitch = tightRow
	}
	return slicePitch != 0 && slicePitch != rowPitch*region[1]
}

func (q *Queue) appendReadImage(cmd *command.Command, op command.ReadImage) error {
	if err := checkImageRegion(op.Img, op.Origin, op.Region); err != nil {
		return err
	}
	id, err := q.imgIdent(op.Img)
	if err != nil {
		return err
	}
	px := uint64(op.Img.Desc().Format.PixelBytes())
	reg := hal.ImageRegion{Origin: op.Origin, Region: op.Region}
	if !needsStaging(op.Region, px, op.RowPitch, op.SlicePitch) {
		need := op.Region.Size() * px
		if uint64(len(op.Dst)) < need {
			return errors.Errorf("destination of %d bytes for image read of %d", len(op.Dst), need)
		}
		sig, wait, err := q.nextEvent()
		if err != nil {
			return err
		}
		return q.list.AppendImageCopyToHost(op.Dst[:need], id.Image, reg, sig, wait)
	}

	// Pitched destination: read tightly packed, scatter rows after sync.
	staging := make([]byte, op.Region.Size()*px)
	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	if err := q.list.AppendImageCopyToHost(staging, id.Image, reg, sig, wait); err != nil {
		return err
	}
	rowPitch, slicePitch := rectPitches(op.Region, op.RowPitch, op.SlicePitch)
	region, dst := op.Region, op.Dst
	q.addFixup(cmd, func() error {
		tight := region[0] * px
		for z := uint64(0); z < region[2]; z++ {
			for y := uint64(0); y < region[1]; y++ {
				hostOff := y*rowPitch + z*slicePitch
				if hostOff+tight > uint64(len(dst)) {
					return errors.Errorf("pitched row [%d,%d) outside destination of %d bytes", hostOff, hostOff+tight, len(dst))
				}
				copy(dst[hostOff:hostOff+tight], staging[(z*region[1]+y)*tight:])
			}
		}
		return nil
	})
	return nil
}

func (q *Queue) appendWriteImage(op command.WriteImage) error {
	if err := checkImageRegion(op.Img, op.Origin, op.Region); err != nil {
		return err
	}
	if op.Img.Flags()&memobj.ReadOnly != 0 {
		return errors.New("write to read-only image")
	}
	id, err := q.imgIdent(op.Img)
	if err != nil {
		return err
	}
	px := uint64(op.Img.Desc().Format.PixelBytes())
	src := op.Src
	if needsStaging(op.Region, px, op.RowPitch, op.SlicePitch) {
		// Pitched source: gather into a packed copy before upload.
		rowPitch, slicePitch := rectPitches(op.Region, op.RowPitch, op.SlicePitch)
		tight := op.Region[0] * px
		packed := make([]byte, op.Region.Size()*px)
		for z := uint64(0); z < op.Region[2]; z++ {
			for y := uint64(0); y < op.Region[1]; y++ {
				hostOff := y*rowPitch + z*slicePitch
				if hostOff+tight > uint64(len(src)) {
					return errors.Errorf("pitched row [%d,%d) outside source of %d bytes", hostOff, hostOff+tight, len(src))
				}
				copy(packed[(z*op.Region[1]+y)*tight:], src[hostOff:hostOff+tight])
			}
		}
		src = packed
	} else {
		need := op.Region.Size() * px
		if uint64(len(src)) < need {
			return errors.Errorf("source of %d bytes for image write of %d", len(src), need)
		}
		src = src[:need]
	}
	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	return q.list.AppendImageCopyFromHost(id.Image, src, hal.ImageRegion{Origin: op.Origin, Region: op.Region}, sig, wait)
}

func (q *Queue) appendCopyImage(op command.CopyImage) error {
	if err := checkImageRegion(op.Src, op.SrcOrigin, op.Region); err != nil {
		return err
	}
	if err := checkImageRegion(op.Dst, op.DstOrigin, op.Region); err != nil {
		return err
	}
	if op.Dst.Desc().Format != op.Src.Desc().Format {
		return errors.New("image copy across mismatched formats")
	}
	srcID, err := q.imgIdent(op.Src)
	if err != nil {
		return err
	}
	dstID, err := q.imgIdent(op.Dst)
	if err != nil {
		return err
	}
	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	return q.list.AppendImageCopyRegion(dstID.Image, srcID.Image, op.DstOrigin, op.SrcOrigin, op.Region, sig, wait)
}

func (q *Queue) appendFillImage(op command.FillImage) error {
	if err := checkImageRegion(op.Img, op.Origin, op.Region); err != nil {
		return err
	}
	if op.Img.Flags()&memobj.ReadOnly != 0 {
		return errors.New("fill of read-only image")
	}
	for i := 0; i < 3; i++ {
		if op.Region[i] > uint64(q.dev.caps.MaxGroupCount[i]) {
			return errors.Errorf("fill region dimension %d of %d exceeds dispatch limit %d",
				i, op.Region[i], q.dev.caps.MaxGroupCount[i])
		}
	}
	desc := op.Img.Desc()
	pixel, err := encodePixel(desc.Format, op.Float, op.Int, op.Uint)
	if err != nil {
		return err
	}
	id, err := q.imgIdent(op.Img)
	if err != nil {
		return err
	}
	hk, err := q.dev.imagefillKernel(desc.Format.PixelBytes(), desc.Dim)
	if err != nil {
		return err
	}

	hk.mu.Lock()
	defer hk.mu.Unlock()
	if err := hk.k.SetArgImage(0, id.Image); err != nil {
		return err
	}
	if err := hk.k.SetArgBytes(1, pixel); err != nil {
		return err
	}
	var origin [12]byte
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(origin[i*4:], uint32(op.Origin[i]))
	}
	if err := hk.k.SetArgBytes(2, origin[:]); err != nil {
		return err
	}
	if err := hk.k.SetGroupSize(1, 1, 1); err != nil {
		return err
	}
	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	groups := hal.Dim3{uint32(op.Region[0]), uint32(op.Region[1]), uint32(op.Region[2])}
	return q.list.AppendLaunch(hk.k, groups, sig, wait)
}

func (q *Queue) appendCopyBufferToImage(op command.CopyBufferToImage) error {
	if err := checkImageRegion(op.Img, op.Origin, op.Region); err != nil {
		return err
	}
	px := uint64(op.Img.Desc().Format.PixelBytes())
	if err := checkRange(op.Buf, op.BufOffset, op.Region.Size()*px); err != nil {
		return err
	}
	bufID, err := q.bufIdent(op.Buf)
	if err != nil {
		return err
	}
	imgID, err := q.imgIdent(op.Img)
	if err != nil {
		return err
	}
	q.markResident(bufID.Ptr, op.Buf.Size())
	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	return q.list.AppendImageCopyFromMemory(imgID.Image, bufID.Ptr.Add(op.BufOffset),
		hal.ImageRegion{Origin: op.Origin, Region: op.Region}, sig, wait)
}

func (q *Queue) appendCopyImageToBuffer(op command.CopyImageToBuffer) error {
	if err := checkImageRegion(op.Img, op.Origin, op.Region); err != nil {
		return err
	}
	if err := checkWritable(op.Buf); err != nil {
		return err
	}
	px := uint64(op.Img.Desc().Format.PixelBytes())
	if err := checkRange(op.Buf, op.BufOffset, op.Region.Size()*px); err != nil {
		return err
	}
	bufID, err := q.bufIdent(op.Buf)
	if err != nil {
		return err
	}
	imgID, err := q.imgIdent(op.Img)
	if err != nil {
		return err
	}
	q.markResident(bufID.Ptr, op.Buf.Size())
	q.markHostSync(op.Buf, bufID)
	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	return q.list.AppendImageCopyToMemory(bufID.Ptr.Add(op.BufOffset), imgID.Image,
		hal.ImageRegion{Origin: op.Origin, Region: op.Region}, sig, wait)
}

func (q *Queue) appendMapBuffer(op command.MapBuffer) error {
	m := op.Mapping
	if m == nil {
		return errors.New("map without mapping record")
	}
	if err := checkRange(op.Buf, m.Offset, m.Size); err != nil {
		return err
	}
	id, err := q.bufIdent(op.Buf)
	if err != nil {
		return err
	}
	if id.HostUnified && op.Buf.Host() != nil {
		// The device writes through the caller's storage already; the map
		// window aliases it and no copy is needed.
		m.Host = op.Buf.Host()[m.Offset : m.Offset+m.Size]
		if err := op.Buf.AddMapping(m); err != nil {
			return err
		}
		return q.chainBarrier()
	}
	if m.Host == nil {
		m.Host = make([]byte, m.Size)
	}
	if err := op.Buf.AddMapping(m); err != nil {
		return err
	}
	if m.Flags&memobj.MapWriteInvalidate != 0 {
		// Content is about to be overwritten; skip the download.
		return q.chainBarrier()
	}
	q.markResident(id.Ptr, op.Buf.Size())
	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	return q.list.AppendCopyToHost(m.Host[:m.Size], id.Ptr.Add(m.Offset), sig, wait)
}

func (q *Queue) appendMapImage(op command.MapImage) error {
	m := op.Mapping
	if m == nil {
		return errors.New("map without mapping record")
	}
	if err := checkImageRegion(op.Img, op.Origin, op.Region); err != nil {
		return err
	}
	id, err := q.imgIdent(op.Img)
	if err != nil {
		return err
	}
	px := uint64(op.Img.Desc().Format.PixelBytes())
	m.Origin, m.Region = op.Origin, op.Region
	m.Size = op.Region.Size() * px
	if m.Host == nil {
		m.Host = make([]byte, m.Size)
	}
	if err := op.Img.AddMapping(m); err != nil {
		return err
	}
	if m.Flags&memobj.MapWriteInvalidate != 0 {
		return q.chainBarrier()
	}
	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	return q.list.AppendImageCopyToHost(m.Host[:m.Size], id.Image,
		hal.ImageRegion{Origin: op.Origin, Region: op.Region}, sig, wait)
}

func (q *Queue) appendUnmap(op command.UnmapMemObject) error {
	m := op.Mapping
	if m == nil {
		return errors.New("unmap without mapping record")
	}
	switch {
	case op.Buf != nil:
		if !op.Buf.RemoveMapping(m) {
			return errors.New("unmap of unknown mapping")
		}
		id, err := q.bufIdent(op.Buf)
		if err != nil {
			return err
		}
		if m.Flags&(memobj.MapWrite|memobj.MapWriteInvalidate) == 0 || id.HostUnified {
			return q.chainBarrier()
		}
		q.markResident(id.Ptr, op.Buf.Size())
		q.markHostSync(op.Buf, id)
		sig, wait, err := q.nextEvent()
		if err != nil {
			return err
		}
		return q.list.AppendCopyFromHost(id.Ptr.Add(m.Offset), m.Host[:m.Size], sig, wait)
	case op.Img != nil:
		if !op.Img.RemoveMapping(m) {
			return errors.New("unmap of unknown mapping")
		}
		id, err := q.imgIdent(op.Img)
		if err != nil {
			return err
		}
		if m.Flags&(memobj.MapWrite|memobj.MapWriteInvalidate) == 0 {
			return q.chainBarrier()
		}
		sig, wait, err := q.nextEvent()
		if err != nil {
			return err
		}
		return q.list.AppendImageCopyFromHost(id.Image, m.Host[:m.Size],
			hal.ImageRegion{Origin: m.Origin, Region: m.Region}, sig, wait)
	}
	return errors.New("unmap names neither buffer nor image")
}

func (q *Queue) appendMigrate(op command.MigrateMem) error {
	switch {
	case op.Buf != nil:
		id, err := q.bufIdent(op.Buf)
		if err != nil {
			return err
		}
		q.markResident(id.Ptr, op.Buf.Size())
		switch op.Dir {
		case command.MigrateNop:
			return q.chainBarrier()
		case command.MigrateH2D:
			host := op.Buf.Host()
			if host == nil || id.HostUnified {
				return q.chainBarrier()
			}
			sig, wait, err := q.nextEvent()
			if err != nil {
				return err
			}
			return q.list.AppendCopyFromHost(id.Ptr, host[:op.Buf.Size()], sig, wait)
		case command.MigrateD2H:
			host := op.Buf.Host()
			if host == nil || id.HostUnified {
				return q.chainBarrier()
			}
			sig, wait, err := q.nextEvent()
			if err != nil {
				return err
			}
			return q.list.AppendCopyToHost(host[:op.Buf.Size()], id.Ptr, sig, wait)
		case command.MigrateD2D:
			src := op.Buf.Ident(op.SrcDevice)
			if src == nil {
				return errors.Errorf("migrate source device %d has no identifier", op.SrcDevice)
			}
			sig, wait, err := q.nextEvent()
			if err != nil {
				return err
			}
			return q.list.AppendCopy(id.Ptr, src.Ptr, op.Buf.Size(), sig, wait)
		}
		return errors.Errorf("unknown migration direction %d", op.Dir)
	case op.Img != nil:
		id, err := q.imgIdent(op.Img)
		if err != nil {
			return err
		}
		d := op.Img.Desc()
		whole := hal.ImageRegion{Region: hal.Region{d.Width, d.Height, d.Depth}}
		host := op.Img.Host()
		switch op.Dir {
		case command.MigrateNop:
			return q.chainBarrier()
		case command.MigrateH2D:
			if host == nil {
				return q.chainBarrier()
			}
			sig, wait, err := q.nextEvent()
			if err != nil {
				return err
			}
			return q.list.AppendImageCopyFromHost(id.Image, host[:op.Img.ByteSize()], whole, sig, wait)
		case command.MigrateD2H:
			if host == nil {
				return q.chainBarrier()
			}
			sig, wait, err := q.nextEvent()
			if err != nil {
				return err
			}
			return q.list.AppendImageCopyToHost(host[:op.Img.ByteSize()], id.Image, whole, sig, wait)
		case command.MigrateD2D:
			return errors.New("device-to-device image migration not supported")
		}
		return errors.Errorf("unknown migration direction %d", op.Dir)
	}
	return errors.New("migration names neither buffer nor image")
}

func (q *Queue) appendSVMFree(cmd *command.Command, op command.SVMFree) error {
	if err := q.chainBarrier(); err != nil {
		return err
	}
	ptrs := op.Ptrs
	q.addFixup(cmd, func() error {
		var first error
		for _, p := range ptrs {
			if err := q.dev.alloc.FreeSVM(p); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
	return nil
}

func (q *Queue) appendNDRange(op command.NDRange) error {
	if op.Kernel == nil {
		return errors.New("launch without kernel")
	}
	if op.Groups[0] == 0 || op.Groups[1] == 0 || op.Groups[2] == 0 {
		// Empty grid: completes in order with no device work.
		klog.V(4).Infof("empty launch of %q", op.Kernel.Name())
		return q.chainBarrier()
	}
	local := op.Local
	for i := range local {
		if local[i] == 0 {
			local[i] = 1
		}
	}
	caps := &q.dev.caps
	if uint64(local[0])*uint64(local[1])*uint64(local[2]) > uint64(caps.MaxGroupSize) {
		return errors.Errorf("work-group size %v exceeds device limit %d", local, caps.MaxGroupSize)
	}
	for i := 0; i < 3; i++ {
		if local[i] > caps.MaxGroupDims[i] {
			return errors.Errorf("work-group dimension %d of %d exceeds device limit %d", i, local[i], caps.MaxGroupDims[i])
		}
		if op.Groups[i] > caps.MaxGroupCount[i] {
			return errors.Errorf("group count dimension %d of %d exceeds device limit %d", i, op.Groups[i], caps.MaxGroupCount[i])
		}
	}
	if op.GlobalOffset != (hal.Dim3{}) && !caps.GlobalOffsets {
		return errors.Wrap(hal.ErrUnsupported, "global offsets requested")
	}

	k := op.Kernel
	k.Lock()
	defer k.Unlock()
	h, err := k.EnsureHandle(q.dev.id, func() (hal.Kernel, error) {
		return q.dev.hw.BuiltinKernel(k.Name())
	})
	if err != nil {
		return errors.WithMessagef(err, "resolving kernel %q", k.Name())
	}

	for _, a := range op.Args {
		if err := a.Validate(); err != nil {
			return err
		}
		switch a.Kind {
		case kernel.ArgValue:
			err = h.SetArgBytes(a.Index, a.Value)
		case kernel.ArgBuffer:
			var id *memobj.Ident
			id, err = q.bufIdent(a.Buffer)
			if err == nil {
				q.markResident(id.Ptr, a.Buffer.Size())
				if a.Buffer.Flags()&memobj.ReadOnly == 0 {
					q.markHostSync(a.Buffer, id)
				}
				err = h.SetArgPtr(a.Index, id.Ptr.Add(a.BufOffset))
			}
		case kernel.ArgImage:
			var id *memobj.Ident
			id, err = q.imgIdent(a.Image)
			if err == nil {
				err = h.SetArgImage(a.Index, id.Image)
			}
		case kernel.ArgLocal:
			err = h.SetArgLocal(a.Index, a.LocalSize)
		case kernel.ArgPtr:
			if !a.Ptr.IsNil() {
				q.markResident(a.Ptr, 0)
			}
			err = h.SetArgPtr(a.Index, a.Ptr)
		}
		if err != nil {
			return errors.WithMessagef(err, "binding argument %d of %q", a.Index, k.Name())
		}
	}

	if err := h.SetGroupSize(local[0], local[1], local[2]); err != nil {
		return err
	}
	if op.GlobalOffset != (hal.Dim3{}) {
		if err := h.SetGlobalOffset(op.GlobalOffset[0], op.GlobalOffset[1], op.GlobalOffset[2]); err != nil {
			return err
		}
	}
	if flags := k.IndirectFlags(); flags != 0 {
		if err := h.SetIndirectAccess(flags); err != nil {
			return err
		}
		for p, size := range k.AccessedRanges() {
			q.markResident(p, size)
		}
	}

	sig, wait, err := q.nextEvent()
	if err != nil {
		return err
	}
	klog.V(4).Infof("launch %q: groups %v, local %v", k.Name(), op.Groups, local)
	return q.list.AppendLaunch(h, op.Groups, sig, wait)
}
