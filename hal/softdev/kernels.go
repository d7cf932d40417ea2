package softdev

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gocompute/clrun/hal"
)

// kernelState is the mutable bound state of a kernel handle. Launch
// snapshots it so later rebinding cannot affect recorded work.
type kernelState struct {
	argBytes  map[int][]byte
	argPtr    map[int]hal.Ptr
	argImg    map[int]*image
	groupSize hal.Dim3
	offset    hal.Dim3
	indirect  hal.IndirectFlags
}

func newKernelState() kernelState {
	return kernelState{
		argBytes:  make(map[int][]byte),
		argPtr:    make(map[int]hal.Ptr),
		argImg:    make(map[int]*image),
		groupSize: hal.Dim3{1, 1, 1},
	}
}

func (st kernelState) clone() kernelState {
	c := newKernelState()
	for i, b := range st.argBytes {
		c.argBytes[i] = append([]byte(nil), b...)
	}
	for i, p := range st.argPtr {
		c.argPtr[i] = p
	}
	for i, im := range st.argImg {
		c.argImg[i] = im
	}
	c.groupSize = st.groupSize
	c.offset = st.offset
	c.indirect = st.indirect
	return c
}

// items returns the total work-item count of a dispatch.
func (st kernelState) items(groups hal.Dim3) uint64 {
	n := uint64(1)
	for i := 0; i < 3; i++ {
		n *= uint64(groups[i]) * uint64(st.groupSize[i])
	}
	return n
}

type kernelImpl struct {
	dev  *Device
	name string
	st   kernelState
	run  func(dev *Device, st kernelState, groups hal.Dim3) error
}

var _ hal.Kernel = (*kernelImpl)(nil)

func (k *kernelImpl) Name() string { return k.name }

func (k *kernelImpl) SetArgBytes(index int, data []byte) error {
	k.st.argBytes[index] = append([]byte(nil), data...)
	return nil
}

func (k *kernelImpl) SetArgPtr(index int, p hal.Ptr) error {
	k.st.argPtr[index] = p
	return nil
}

func (k *kernelImpl) SetArgImage(index int, img hal.Image) error {
	im, ok := img.(*image)
	if !ok {
		return errors.Errorf("softdev: foreign image type %T", img)
	}
	k.st.argImg[index] = im
	return nil
}

func (k *kernelImpl) SetArgLocal(index int, size uint64) error {
	// Local memory is a no-op for the builtin helpers.
	return nil
}

func (k *kernelImpl) SetGroupSize(x, y, z uint32) error {
	if x == 0 || y == 0 || z == 0 {
		return errors.Errorf("softdev: zero group size (%d,%d,%d)", x, y, z)
	}
	k.st.groupSize = hal.Dim3{x, y, z}
	return nil
}

func (k *kernelImpl) SetGlobalOffset(x, y, z uint32) error {
	if !k.dev.props.GlobalOffsets {
		return errors.Wrap(hal.ErrUnsupported, "device has no global offset support")
	}
	k.st.offset = hal.Dim3{x, y, z}
	return nil
}

func (k *kernelImpl) SetIndirectAccess(flags hal.IndirectFlags) error {
	k.st.indirect = flags
	return nil
}

// BuiltinKernel implements hal.Device. Helper kernels:
//
//   - "memfill_<N>": arg 0 is the destination pointer, arg 1 the N-byte
//     pattern (N a power of two up to 128). Each work item stores one
//     pattern copy; the dispatch geometry determines the fill length.
//   - "imagefill_<D>d": arg 0 is the image, arg 1 the encoded pixel,
//     arg 2 the packed origin (three little-endian uint32). One work item
//     per pixel of the fill region.
func (d *Device) BuiltinKernel(name string) (hal.Kernel, error) {
	switch {
	case strings.HasPrefix(name, "memfill_"):
		n, err := strconv.Atoi(strings.TrimPrefix(name, "memfill_"))
		if err != nil || n <= 0 || n > 128 || n&(n-1) != 0 {
			return nil, errors.Wrapf(hal.ErrUnsupported, "no builtin kernel %q", name)
		}
		return &kernelImpl{dev: d, name: name, st: newKernelState(), run: memfillRun(n)}, nil
	case strings.HasPrefix(name, "imagefill_"):
		if !d.props.ImageSupport {
			return nil, errors.Wrap(hal.ErrUnsupported, "device has no image support")
		}
		var dim int
		switch strings.TrimPrefix(name, "imagefill_") {
		case "1d":
			dim = 1
		case "2d":
			dim = 2
		case "3d":
			dim = 3
		default:
			return nil, errors.Wrapf(hal.ErrUnsupported, "no builtin kernel %q", name)
		}
		return &kernelImpl{dev: d, name: name, st: newKernelState(), run: imagefillRun(dim)}, nil
	}
	return nil, errors.Wrapf(hal.ErrUnsupported, "no builtin kernel %q", name)
}

func memfillRun(n int) func(dev *Device, st kernelState, groups hal.Dim3) error {
	return func(dev *Device, st kernelState, groups hal.Dim3) error {
		dst, ok := st.argPtr[0]
		if !ok {
			return errors.New("softdev: memfill destination not bound")
		}
		pattern, ok := st.argBytes[1]
		if !ok || len(pattern) != n {
			return errors.Errorf("softdev: memfill pattern must be %d bytes, got %d", n, len(pattern))
		}
		items := st.items(groups)
		data, err := dev.bytes(dst, items*uint64(n))
		if err != nil {
			return err
		}
		for off := 0; off < len(data); off += n {
			copy(data[off:], pattern)
		}
		return nil
	}
}

func imagefillRun(dim int) func(dev *Device, st kernelState, groups hal.Dim3) error {
	return func(dev *Device, st kernelState, groups hal.Dim3) error {
		im, ok := st.argImg[0]
		if !ok {
			return errors.New("softdev: imagefill image not bound")
		}
		pixel, ok := st.argBytes[1]
		if !ok || len(pixel) != im.desc.Format.PixelBytes() {
			return errors.Errorf("softdev: imagefill pixel must be %d bytes, got %d",
				im.desc.Format.PixelBytes(), len(pixel))
		}
		var origin hal.Origin
		if enc := st.argBytes[2]; len(enc) == 12 {
			for i := 0; i < 3; i++ {
				origin[i] = uint64(binary.LittleEndian.Uint32(enc[i*4:]))
			}
		}
		ext := [3]uint64{
			uint64(groups[0]) * uint64(st.groupSize[0]),
			uint64(groups[1]) * uint64(st.groupSize[1]),
			uint64(groups[2]) * uint64(st.groupSize[2]),
		}
		if dim < 3 {
			ext[2] = 1
		}
		if dim < 2 {
			ext[1] = 1
		}
		for z := uint64(0); z < ext[2]; z++ {
			for y := uint64(0); y < ext[1]; y++ {
				for x := uint64(0); x < ext[0]; x++ {
					p, err := im.pixelAt(origin[0]+x, origin[1]+y, origin[2]+z)
					if err != nil {
						return err
					}
					copy(p, pixel)
				}
			}
		}
		return nil
	}
}
