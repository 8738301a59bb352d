package audioapi

import (
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/device"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/liveness"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
)

type DummyConfig struct {
	// Devices per direction. When empty, a single default device is listed.
	InputDevices  []audiodevice.DeviceHandle
	OutputDevices []audiodevice.DeviceHandle

	// A .WAV file to replay for a direction instead of a synthetic tone.
	ReplayFiles map[audiodevice.Direction]string

	// Callback period of the created sources, 20ms if zero.
	FrameDuration time.Duration
}

// A dummy API that records from no hardware at all.
// Capture sources are synthetic tones (or file replays, if configured),
// and liveness is driven by hand through the ManualSource.
//
// This API is intended for testing and headless runs!
type DummyAudioIODeviceAPI struct {
	config DummyConfig
	source *liveness.ManualSource
}

func NewDummyAudioIODeviceAPI(config DummyConfig) *DummyAudioIODeviceAPI {
	if len(config.InputDevices) == 0 {
		config.InputDevices = []audiodevice.DeviceHandle{
			{
				ID:        "dummy-input",
				Name:      "DummyInput",
				Direction: audiodevice.Capture,
				IsDefault: true,
				Formats: []audiodevice.StreamFormat{
					{SampleFormat: audiodevice.Int16, SampleRate: 48000, NumChannels: 2},
					{SampleFormat: audiodevice.Float32, SampleRate: 48000, NumChannels: 2},
				},
			},
		}
	}
	if len(config.OutputDevices) == 0 {
		config.OutputDevices = []audiodevice.DeviceHandle{
			{
				ID:        "dummy-output",
				Name:      "DummyOutput",
				Direction: audiodevice.Render,
				IsDefault: true,
				Formats: []audiodevice.StreamFormat{
					{SampleFormat: audiodevice.Float32, SampleRate: 44100, NumChannels: 1},
				},
			},
		}
	}
	if config.FrameDuration <= 0 {
		config.FrameDuration = 20 * time.Millisecond
	}

	return &DummyAudioIODeviceAPI{
		config: config,
		source: liveness.NewManualSource(),
	}
}

func (api *DummyAudioIODeviceAPI) Name() string {
	return "dummy"
}

func (api *DummyAudioIODeviceAPI) Devices(direction audiodevice.Direction) ([]audiodevice.DeviceHandle, error) {
	if direction == audiodevice.Render {
		return api.config.OutputDevices, nil
	}
	return api.config.InputDevices, nil
}

func (api *DummyAudioIODeviceAPI) NewCaptureSource(d audiodevice.DeviceHandle) (audiodevice.CaptureSource, error) {
	if path, ok := api.config.ReplayFiles[d.Direction]; ok && path != "" {
		return device.NewFileReplaySource(path, api.config.FrameDuration)
	}

	frequency := 440.0
	if d.Direction == audiodevice.Render {
		frequency = 660.0
	}
	return device.NewSyntheticSource(frequency, api.config.FrameDuration), nil
}

func (api *DummyAudioIODeviceAPI) PropertySource() liveness.PropertySource {
	return api.source
}

// Liveness of dummy devices is set through this source.
func (api *DummyAudioIODeviceAPI) ManualSource() *liveness.ManualSource {
	return api.source
}

func (api *DummyAudioIODeviceAPI) Close() error {
	return nil
}
