package proto

import (
	"encoding/binary"
	"fmt"
)

// StreamFrame is one block of channel samples. Samples are held as 16-bit
// values regardless of the wire format.
type StreamFrame struct {
	Channels []uint16
	Format   SampleFormat
	Priority uint8
}

const frameHeaderSize = 1 + 1 + 4

// narrowU8 saturates: values above 255 are sent as 255.
func narrowU8(v uint16) byte {
	if v > 0xff {
		return 0xff
	}
	return byte(v)
}

// EncodeStreamFrame lays out format u8 | priority u8 | count u32 | samples.
// U8 samples are one byte each (saturated); U16 samples are two bytes LE.
func EncodeStreamFrame(format SampleFormat, channels []uint16, priority uint8) ([]byte, error) {
	if !format.valid() {
		return nil, fmt.Errorf("%w: %s", ErrEncoding, format)
	}
	if len(channels) > MaxChannels {
		return nil, fmt.Errorf("%w: %d channels exceeds %d", ErrEncoding, len(channels), MaxChannels)
	}
	width := 1
	if format == FormatU16 {
		width = 2
	}
	out := make([]byte, 0, frameHeaderSize+width*len(channels))
	out = append(out, byte(format), priority)
	out = appendU32(out, uint32(len(channels)))
	for _, v := range channels {
		if format == FormatU8 {
			out = append(out, narrowU8(v))
			continue
		}
		out = binary.LittleEndian.AppendUint16(out, v)
	}
	return out, nil
}

func DecodeStreamFrame(b []byte) (StreamFrame, error) {
	r := newReader(b)
	format, err := r.u8("format")
	if err != nil {
		return StreamFrame{}, err
	}
	priority, err := r.u8("priority")
	if err != nil {
		return StreamFrame{}, err
	}
	count, err := r.u32("channel count")
	if err != nil {
		return StreamFrame{}, err
	}
	f := SampleFormat(format)
	if !f.valid() {
		return StreamFrame{}, fmt.Errorf("%w: unknown sample format %d", ErrMalformed, format)
	}
	if count > MaxChannels {
		return StreamFrame{}, fmt.Errorf("%w: %d channels", ErrMalformed, count)
	}
	width := 1
	if f == FormatU16 {
		width = 2
	}
	if r.remaining() < int(count)*width {
		return StreamFrame{}, fmt.Errorf("%w: samples", ErrTruncated)
	}
	frame := StreamFrame{Format: f, Priority: priority, Channels: make([]uint16, count)}
	for i := range frame.Channels {
		if f == FormatU8 {
			v, _ := r.u8("sample")
			frame.Channels[i] = uint16(v)
			continue
		}
		v, _ := r.u16("sample")
		frame.Channels[i] = v
	}
	if err := r.done("stream frame"); err != nil {
		return StreamFrame{}, err
	}
	return frame, nil
}
