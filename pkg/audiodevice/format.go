package audiodevice

import (
	"errors"
	"fmt"
)

// ErrUnsupportedFormat is returned when a device exposes no format the recorder can consume.
var ErrUnsupportedFormat = errors.New("unsupported sample format")

// SampleFormat of interleaved PCM samples.
type SampleFormat int

const (
	SampleFormatUnknown SampleFormat = iota
	Int8
	Int16
	Int32
	Float32
)

func (f SampleFormat) String() string {
	switch f {
	case Int8:
		return "i8"
	case Int16:
		return "i16"
	case Int32:
		return "i32"
	case Float32:
		return "f32"
	}
	return "unknown"
}

// Size of a single sample in bytes, or 0 for an unknown format.
func (f SampleFormat) Size() int {
	switch f {
	case Int8:
		return 1
	case Int16:
		return 2
	case Int32, Float32:
		return 4
	}
	return 0
}

// EncoderTag is the raw input format name understood by the encoder (`-f <tag>`).
func (f SampleFormat) EncoderTag() (string, error) {
	switch f {
	case Int8:
		return "s8", nil
	case Int16:
		return "s16le", nil
	case Int32:
		return "s32le", nil
	case Float32:
		return "f32le", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
}

// StreamFormat is one entry of a device's capability set.
type StreamFormat struct {
	SampleFormat SampleFormat
	SampleRate   uint32
	NumChannels  int
}

func (f StreamFormat) String() string {
	return fmt.Sprintf("%s %dHz %dch", f.SampleFormat, f.SampleRate, f.NumChannels)
}

// Bytes produced per second of audio in this format.
func (f StreamFormat) BytesPerSecond() int {
	return int(f.SampleRate) * f.NumChannels * f.SampleFormat.Size()
}

func (f StreamFormat) Valid() bool {
	return f.SampleFormat.Size() > 0 && f.SampleRate > 0 && f.NumChannels > 0
}

// Formats are preferred in this order when a device advertises several.
var formatPreference = []SampleFormat{Float32, Int16, Int8, Int32}

// NegotiateFormat picks the best stream format out of a device's capability set.
//
// The first sample format in the preference order {Float32, Int16, Int8, Int32}
// that the device advertises wins, at the highest sample rate advertised for it.
// If none match, the first advertised format is used as-is, provided it is usable.
func NegotiateFormat(formats []StreamFormat) (StreamFormat, error) {
	if len(formats) == 0 {
		return StreamFormat{}, fmt.Errorf("%w: device advertises no formats", ErrUnsupportedFormat)
	}

	for _, preferred := range formatPreference {
		best, found := StreamFormat{}, false
		for _, f := range formats {
			if f.SampleFormat != preferred || !f.Valid() {
				continue
			}
			if !found || f.SampleRate > best.SampleRate {
				best, found = f, true
			}
		}
		if found {
			return best, nil
		}
	}

	if !formats[0].Valid() {
		return StreamFormat{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, formats[0])
	}
	return formats[0], nil
}
