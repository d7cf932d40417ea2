package engine

import (
	"encoding/binary"
	"math"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gocompute/clrun/hal"
)

// encodePixel converts a fill color to the image format's storage bytes.
// Normalized, half and float channel types consume the float components;
// integer types consume the signed or unsigned components.
func encodePixel(f hal.ImageFormat, fl [4]float32, si [4]int32, ui [4]uint32) ([]byte, error) {
	if f.Type.Packed() {
		return encodePackedPixel(f.Type, fl)
	}
	n := f.Order.Channels()
	out := make([]byte, 0, f.PixelBytes())
	for i := 0; i < n; i++ {
		c := i
		if f.Order == hal.ChannelBGRA && i < 3 {
			c = 2 - i // stored blue-first
		}
		var err error
		out, err = appendChannel(out, f.Type, fl[c], si[c], ui[c])
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func appendChannel(out []byte, t hal.ChannelType, fl float32, si int32, ui uint32) ([]byte, error) {
	switch t {
	case hal.ChannelUNorm8:
		return append(out, uint8(unorm(fl, 255))), nil
	case hal.ChannelUNorm16:
		return binary.LittleEndian.AppendUint16(out, uint16(unorm(fl, 65535))), nil
	case hal.ChannelSNorm8:
		return append(out, uint8(int8(snorm(fl, 127)))), nil
	case hal.ChannelSNorm16:
		return binary.LittleEndian.AppendUint16(out, uint16(int16(snorm(fl, 32767)))), nil
	case hal.ChannelSInt8:
		return append(out, uint8(int8(clampI(si, -128, 127)))), nil
	case hal.ChannelSInt16:
		return binary.LittleEndian.AppendUint16(out, uint16(int16(clampI(si, -32768, 32767)))), nil
	case hal.ChannelSInt32:
		return binary.LittleEndian.AppendUint32(out, uint32(si)), nil
	case hal.ChannelUInt8:
		return append(out, uint8(clampU(ui, 255))), nil
	case hal.ChannelUInt16:
		return binary.LittleEndian.AppendUint16(out, uint16(clampU(ui, 65535))), nil
	case hal.ChannelUInt32:
		return binary.LittleEndian.AppendUint32(out, ui), nil
	case hal.ChannelHalf:
		return binary.LittleEndian.AppendUint16(out, float16.Fromfloat32(fl).Bits()), nil
	case hal.ChannelFloat:
		return binary.LittleEndian.AppendUint32(out, math.Float32bits(fl)), nil
	}
	return nil, errors.Errorf("fill of channel type %d not encodable", t)
}

func encodePackedPixel(t hal.ChannelType, fl [4]float32) ([]byte, error) {
	switch t {
	case hal.ChannelUNormShort565:
		v := uint16(unorm(fl[0], 31))<<11 | uint16(unorm(fl[1], 63))<<5 | uint16(unorm(fl[2], 31))
		return binary.LittleEndian.AppendUint16(nil, v), nil
	case hal.ChannelUNormShort555:
		v := uint16(unorm(fl[0], 31))<<10 | uint16(unorm(fl[1], 31))<<5 | uint16(unorm(fl[2], 31))
		return binary.LittleEndian.AppendUint16(nil, v), nil
	case hal.ChannelUNormInt101010:
		v := unorm(fl[0], 1023)<<20 | unorm(fl[1], 1023)<<10 | unorm(fl[2], 1023)
		return binary.LittleEndian.AppendUint32(nil, v), nil
	}
	return nil, errors.Errorf("packed channel type %d not encodable", t)
}

// unorm maps [0,1] to [0,max] with round-to-nearest.
func unorm(f float32, max uint32) uint32 {
	f = math32.Max(0, math32.Min(1, f))
	return uint32(math32.Round(f * float32(max)))
}

// snorm maps [-1,1] to [-max,max] with round-to-nearest.
func snorm(f float32, max int32) int32 {
	f = math32.Max(-1, math32.Min(1, f))
	return int32(math32.Round(f * float32(max)))
}

func clampI(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampU(v, hi uint32) uint32 {
	if v > hi {
		return hi
	}
	return v
}
