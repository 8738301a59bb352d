package audiodevice

import (
	"fmt"
	"strings"
)

// Direction of a device, relative to the host.
type Direction int

const (
	// Capture devices produce audio, e.g. microphones.
	Capture Direction = iota
	// Render devices consume audio, e.g. speakers. Their output is recorded through a loopback tap.
	Render
)

func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Render:
		return "render"
	}
	return "?"
}

// The platform identifier of a device.
//
// Backends are free to pick whatever representation suits them,
// but the ID must be stable for the lifetime of the process.
type DeviceID string

// A device name that disables recording of that direction entirely.
const NoneDeviceName = "None"

// DeviceHandle is a device resolved by the registry.
//
// A handle is resolved once per session and never mutated afterwards,
// even if the operating system later renames or renumbers the device.
type DeviceHandle struct {
	ID        DeviceID
	Name      string
	Direction Direction
	IsDefault bool

	// Every stream format the device advertises for its Direction.
	Formats []StreamFormat
}

func (h DeviceHandle) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "ID:        %s\n", h.ID)
	fmt.Fprintf(&sb, "Name:      %s\n", h.Name)
	fmt.Fprintf(&sb, "Direction: %s\n", h.Direction)
	fmt.Fprintf(&sb, "Default:   %t\n", h.IsDefault)
	for _, f := range h.Formats {
		fmt.Fprintf(&sb, "Format:    %s\n", f)
	}
	return sb.String()
}

// --------------------------------------------------------------------------------
// Capture sources

// SourceKind distinguishes the concrete realizations of a CaptureSource.
type SourceKind int

const (
	// A regular capture device opened through the cross-platform path (a microphone).
	GenericDevice SourceKind = iota
	// A tap on a render device, recording what the machine plays.
	LoopbackTap
	// Replays a WAV file in real time. Useful for headless runs.
	FileReplay
	// Generates a test tone in real time.
	Synthetic
)

func (k SourceKind) String() string {
	switch k {
	case GenericDevice:
		return "generic"
	case LoopbackTap:
		return "loopback"
	case FileReplay:
		return "file"
	case Synthetic:
		return "synthetic"
	}
	return "?"
}

// SampleSink receives native sample buffers from a real-time callback.
//
// Implementations must never block: they are invoked on threads owned by
// the audio subsystem. Exactly one Write method should be used per stream,
// matching the negotiated SampleFormat.
type SampleSink interface {
	WriteInt8(samples []int8)
	WriteInt16(samples []int16)
	WriteInt32(samples []int32)
	WriteFloat32(samples []float32)

	// WriteBytes accepts samples already serialized as little-endian bytes.
	WriteBytes(samples []byte)
}

// CaptureSource is one way of getting live audio out of a device.
//
// All variants expose the same contract: after Open, every native callback
// forwards its buffer to the SampleSink until Stop is called.
// Errors surface from Negotiate, Open and Start only; never from inside the callback.
type CaptureSource interface {
	Kind() SourceKind

	// Pick the stream format this source will deliver for the given device.
	Negotiate(device DeviceHandle) (StreamFormat, error)

	// Build the native stream. Nothing is delivered to sink until Start.
	Open(device DeviceHandle, format StreamFormat, sink SampleSink) error

	Start() error
	Stop() error

	// Release the native stream. Safe to call more than once, and without a prior Open.
	Close()
}
