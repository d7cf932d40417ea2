package softdev

import (
	"github.com/pkg/errors"

	"github.com/gocompute/clrun/hal"
)

// cmdList records operations as closures. Appends validate operands and
// event types immediately; memory is resolved when the queue worker runs
// the closure, so execution observes writes made after recording.
type cmdList struct {
	dev    *Device
	class  hal.QueueClass
	ops    []func() error
	closed bool
}

var _ hal.CmdList = (*cmdList)(nil)

func (l *cmdList) append(signal, wait hal.Event, run func() error) error {
	if l.closed {
		return errors.New("softdev: append to closed command list")
	}
	sig, err := asEvent(signal)
	if err != nil {
		return err
	}
	wt, err := asEvent(wait)
	if err != nil {
		return err
	}
	l.ops = append(l.ops, func() error {
		if wt != nil {
			wt.wait()
		}
		if err := run(); err != nil {
			return err
		}
		if sig != nil {
			sig.signal()
		}
		return nil
	})
	return nil
}

func (l *cmdList) AppendCopy(dst, src hal.Ptr, size uint64, signal, wait hal.Event) error {
	return l.append(signal, wait, func() error {
		d, err := l.dev.bytes(dst, size)
		if err != nil {
			return err
		}
		s, err := l.dev.bytes(src, size)
		if err != nil {
			return err
		}
		copy(d, s)
		return nil
	})
}

func (l *cmdList) AppendCopyToHost(dst []byte, src hal.Ptr, signal, wait hal.Event) error {
	return l.append(signal, wait, func() error {
		s, err := l.dev.bytes(src, uint64(len(dst)))
		if err != nil {
			return err
		}
		copy(dst, s)
		return nil
	})
}

func (l *cmdList) AppendCopyFromHost(dst hal.Ptr, src []byte, signal, wait hal.Event) error {
	return l.append(signal, wait, func() error {
		d, err := l.dev.bytes(dst, uint64(len(src)))
		if err != nil {
			return err
		}
		copy(d, src)
		return nil
	})
}

func (l *cmdList) AppendCopyRegion(dst hal.Ptr, dstOrigin hal.Origin, dstRowPitch, dstSlicePitch uint64,
	src hal.Ptr, srcOrigin hal.Origin, srcRowPitch, srcSlicePitch uint64,
	region hal.Region, signal, wait hal.Event) error {
	return l.append(signal, wait, func() error {
		for z := uint64(0); z < region[2]; z++ {
			for y := uint64(0); y < region[1]; y++ {
				dOff := dstOrigin[0] + (dstOrigin[1]+y)*dstRowPitch + (dstOrigin[2]+z)*dstSlicePitch
				sOff := srcOrigin[0] + (srcOrigin[1]+y)*srcRowPitch + (srcOrigin[2]+z)*srcSlicePitch
				d, err := l.dev.bytes(dst.Add(dOff), region[0])
				if err != nil {
					return err
				}
				s, err := l.dev.bytes(src.Add(sOff), region[0])
				if err != nil {
					return err
				}
				copy(d, s)
			}
		}
		return nil
	})
}

func (l *cmdList) AppendFill(dst hal.Ptr, pattern []byte, size uint64, signal, wait hal.Event) error {
	if len(pattern) == 0 {
		return errors.New("softdev: empty fill pattern")
	}
	if len(pattern) > l.dev.props.MaxFillPatternSize {
		return errors.Wrapf(hal.ErrUnsupported, "fill pattern of %d bytes exceeds device limit %d",
			len(pattern), l.dev.props.MaxFillPatternSize)
	}
	if size%uint64(len(pattern)) != 0 {
		return errors.Errorf("softdev: fill size %d not a multiple of pattern size %d", size, len(pattern))
	}
	pat := append([]byte(nil), pattern...)
	return l.append(signal, wait, func() error {
		d, err := l.dev.bytes(dst, size)
		if err != nil {
			return err
		}
		for off := 0; off < len(d); off += len(pat) {
			copy(d[off:], pat)
		}
		return nil
	})
}

func (l *cmdList) AppendLaunch(k hal.Kernel, groups hal.Dim3, signal, wait hal.Event) error {
	kn, ok := k.(*kernelImpl)
	if !ok {
		return errors.Errorf("softdev: foreign kernel type %T", k)
	}
	// Snapshot bound state: rebinding after append must not affect the
	// recorded launch.
	st := kn.st.clone()
	run := kn.run
	return l.append(signal, wait, func() error {
		return run(l.dev, st, groups)
	})
}

func (l *cmdList) imageOf(img hal.Image) (*image, error) {
	im, ok := img.(*image)
	if !ok {
		return nil, errors.Errorf("softdev: foreign image type %T", img)
	}
	return im, nil
}

// copyImage moves pixels between an image region and tightly packed linear
// memory. toImage selects the direction.
func copyImage(im *image, linear []byte, r hal.ImageRegion, toImage bool) error {
	px := uint64(im.desc.Format.PixelBytes())
	rowBytes := r.Region[0] * px
	want := rowBytes * r.Region[1] * r.Region[2]
	if uint64(len(linear)) < want {
		return errors.Errorf("softdev: linear buffer of %d bytes, image region needs %d", len(linear), want)
	}
	for z := uint64(0); z < r.Region[2]; z++ {
		for y := uint64(0); y < r.Region[1]; y++ {
			off := (r.Origin[2]+z)*im.slicePitch + (r.Origin[1]+y)*im.rowPitch + r.Origin[0]*px
			if off+rowBytes > uint64(len(im.data)) {
				return errors.Errorf("softdev: image row at (%d,%d,%d) out of bounds",
					r.Origin[0], r.Origin[1]+y, r.Origin[2]+z)
			}
			row := im.data[off : off+rowBytes]
			lin := linear[(z*r.Region[1]+y)*rowBytes : (z*r.Region[1]+y+1)*rowBytes]
			if toImage {
				copy(row, lin)
			} else {
				copy(lin, row)
			}
		}
	}
	return nil
}

func (l *cmdList) AppendImageCopyFromMemory(dst hal.Image, src hal.Ptr, region hal.ImageRegion, signal, wait hal.Event) error {
	im, err := l.imageOf(dst)
	if err != nil {
		return err
	}
	px := uint64(im.desc.Format.PixelBytes())
	return l.append(signal, wait, func() error {
		s, err := l.dev.bytes(src, region.Region.Size()*px)
		if err != nil {
			return err
		}
		return copyImage(im, s, region, true)
	})
}

func (l *cmdList) AppendImageCopyFromHost(dst hal.Image, src []byte, region hal.ImageRegion, signal, wait hal.Event) error {
	im, err := l.imageOf(dst)
	if err != nil {
		return err
	}
	return l.append(signal, wait, func() error {
		return copyImage(im, src, region, true)
	})
}

func (l *cmdList) AppendImageCopyToMemory(dst hal.Ptr, src hal.Image, region hal.ImageRegion, signal, wait hal.Event) error {
	im, err := l.imageOf(src)
	if err != nil {
		return err
	}
	px := uint64(im.desc.Format.PixelBytes())
	return l.append(signal, wait, func() error {
		d, err := l.dev.bytes(dst, region.Region.Size()*px)
		if err != nil {
			return err
		}
		return copyImage(im, d, region, false)
	})
}

func (l *cmdList) AppendImageCopyToHost(dst []byte, src hal.Image, region hal.ImageRegion, signal, wait hal.Event) error {
	im, err := l.imageOf(src)
	if err != nil {
		return err
	}
	return l.append(signal, wait, func() error {
		return copyImage(im, dst, region, false)
	})
}

func (l *cmdList) AppendImageCopyRegion(dst, src hal.Image, dstOrigin, srcOrigin hal.Origin, region hal.Region, signal, wait hal.Event) error {
	di, err := l.imageOf(dst)
	if err != nil {
		return err
	}
	si, err := l.imageOf(src)
	if err != nil {
		return err
	}
	if di.desc.Format != si.desc.Format {
		return errors.Errorf("softdev: image region copy across formats %+v -> %+v", si.desc.Format, di.desc.Format)
	}
	px := uint64(di.desc.Format.PixelBytes())
	return l.append(signal, wait, func() error {
		rowBytes := region[0] * px
		for z := uint64(0); z < region[2]; z++ {
			for y := uint64(0); y < region[1]; y++ {
				sOff := (srcOrigin[2]+z)*si.slicePitch + (srcOrigin[1]+y)*si.rowPitch + srcOrigin[0]*px
				dOff := (dstOrigin[2]+z)*di.slicePitch + (dstOrigin[1]+y)*di.rowPitch + dstOrigin[0]*px
				if sOff+rowBytes > uint64(len(si.data)) || dOff+rowBytes > uint64(len(di.data)) {
					return errors.Errorf("softdev: image region copy row (%d,%d) out of bounds", y, z)
				}
				copy(di.data[dOff:dOff+rowBytes], si.data[sOff:sOff+rowBytes])
			}
		}
		return nil
	})
}

func (l *cmdList) AppendBarrier(signal hal.Event, waits []hal.Event) error {
	evs := make([]*event, 0, len(waits))
	for _, w := range waits {
		ev, err := asEvent(w)
		if err != nil {
			return err
		}
		if ev != nil {
			evs = append(evs, ev)
		}
	}
	return l.append(signal, nil, func() error {
		for _, ev := range evs {
			ev.wait()
		}
		return nil
	})
}

func (l *cmdList) AppendEventReset(e hal.Event) error {
	ev, err := asEvent(e)
	if err != nil {
		return err
	}
	if ev == nil {
		return errors.New("softdev: reset of nil event")
	}
	return l.append(nil, nil, func() error {
		ev.reset()
		return nil
	})
}

func (l *cmdList) AppendPrefetch(p hal.Ptr, size uint64) error {
	return l.append(nil, nil, func() error { return nil })
}

func (l *cmdList) AppendMemAdvise(p hal.Ptr, size uint64, advice hal.Advice) error {
	return l.append(nil, nil, func() error { return nil })
}

func (l *cmdList) Close() error {
	if l.closed {
		return errors.New("softdev: double close of command list")
	}
	l.closed = true
	return nil
}

func (l *cmdList) Reset() error {
	l.ops = nil
	l.closed = false
	return nil
}

func (l *cmdList) Destroy() error {
	l.ops = nil
	return nil
}
