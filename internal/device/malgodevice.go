//go:build cgo && !noaudio

package device

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
)

// Loopback taps always deliver this format, whatever the render device advertises.
var loopbackFormat = audiodevice.StreamFormat{
	SampleFormat: audiodevice.Float32,
	SampleRate:   44100,
	NumChannels:  1,
}

// emptyDeviceID is an empty malgo device id.
var emptyDeviceID malgo.DeviceID

// DeviceIDFromMalgo renders a malgo device id as a printable DeviceID.
func DeviceIDFromMalgo(id malgo.DeviceID) audiodevice.DeviceID {
	return audiodevice.DeviceID(hex.EncodeToString(id[:]))
}

// MalgoDeviceID converts a DeviceID back to the malgo representation.
// An undecodable id yields the empty id, which selects the system default.
func MalgoDeviceID(id audiodevice.DeviceID) malgo.DeviceID {
	var res malgo.DeviceID
	raw, err := hex.DecodeString(string(id))
	if err == nil {
		copy(res[:], raw)
	}
	return res
}

func toMalgoFormat(f audiodevice.SampleFormat) (malgo.FormatType, error) {
	switch f {
	case audiodevice.Int16:
		return malgo.FormatS16, nil
	case audiodevice.Int32:
		return malgo.FormatS32, nil
	case audiodevice.Float32:
		return malgo.FormatF32, nil
	}
	return malgo.FormatUnknown, fmt.Errorf("%w: %s", audiodevice.ErrUnsupportedFormat, f)
}

// --------------------------------------------------------------------------------

// A CaptureSource backed by a malgo device.
//
// The same type serves both the generic microphone path and the loopback tap;
// only the malgo device type and the format negotiation differ.
type MalgoSource struct {
	logger *slog.Logger
	uuid   uuid.UUID

	malgoCtx   *malgo.AllocatedContext
	deviceType malgo.DeviceType
	kind       audiodevice.SourceKind

	mutex     sync.Mutex
	device    *malgo.Device
	closeOnce sync.Once
}

// Capture from a regular input device. The context is shared and owned by the caller.
func NewMalgoInputSource(malgoCtx *malgo.AllocatedContext) *MalgoSource {
	return newMalgoSource(malgoCtx, malgo.Capture, audiodevice.GenericDevice)
}

// Tap the stream of a render device. The context is shared and owned by the caller.
func NewMalgoLoopbackSource(malgoCtx *malgo.AllocatedContext) *MalgoSource {
	return newMalgoSource(malgoCtx, malgo.Loopback, audiodevice.LoopbackTap)
}

func newMalgoSource(malgoCtx *malgo.AllocatedContext, deviceType malgo.DeviceType, kind audiodevice.SourceKind) *MalgoSource {
	uuid := uuid.New()
	logger := slog.Default().With(
		"malgo source uuid", uuid,
		"kind", kind,
	)

	return &MalgoSource{
		logger:     logger,
		uuid:       uuid,
		malgoCtx:   malgoCtx,
		deviceType: deviceType,
		kind:       kind,
	}
}

func (s *MalgoSource) Kind() audiodevice.SourceKind {
	return s.kind
}

func (s *MalgoSource) Negotiate(device audiodevice.DeviceHandle) (audiodevice.StreamFormat, error) {
	if s.kind == audiodevice.LoopbackTap {
		return loopbackFormat, nil
	}
	return audiodevice.NegotiateFormat(device.Formats)
}

func (s *MalgoSource) Open(device audiodevice.DeviceHandle, format audiodevice.StreamFormat, sink audiodevice.SampleSink) error {
	malgoFormat, err := toMalgoFormat(format.SampleFormat)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStreamBuildFailed, err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(s.deviceType)
	deviceConfig.SampleRate = format.SampleRate
	deviceConfig.Capture.Format = malgoFormat
	deviceConfig.Capture.Channels = uint32(format.NumChannels)
	malgoDeviceID := MalgoDeviceID(device.ID)
	if malgoDeviceID != emptyDeviceID {
		deviceConfig.Capture.DeviceID = malgoDeviceID.Pointer()
	}
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, inputSamples []byte, _ uint32) {
			sink.WriteBytes(inputSamples)
		},
		Stop: func() {
			s.logger.Debug("native stream stopped")
		},
	}

	malgoDevice, err := malgo.InitDevice(s.malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		s.logger.Error(
			"could not init malgo device",
			"device", device.Name,
			"format", format,
			"err", err,
		)
		return fmt.Errorf("%w: %w", ErrStreamBuildFailed, err)
	}

	s.mutex.Lock()
	s.device = malgoDevice
	s.mutex.Unlock()

	s.logger.Debug(
		"opened malgo device",
		"device", device.Name,
		"format", format,
	)
	return nil
}

func (s *MalgoSource) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.device == nil {
		return fmt.Errorf("%w: source not opened", ErrStreamBuildFailed)
	}
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamBuildFailed, err)
	}
	return nil
}

func (s *MalgoSource) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.device == nil || !s.device.IsStarted() {
		return nil
	}
	return s.device.Stop()
}

func (s *MalgoSource) Close() {
	s.closeOnce.Do(func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		if s.device != nil {
			s.device.Uninit()
			s.device = nil
		}
	})
}
