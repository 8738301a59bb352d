//go:build cgo && !noaudio

package audioapi

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/device"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/liveness"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
)

// Rate assumed for advertised formats whose rate is left to the device (0).
const defaultSampleRate = 48000

type MalgoApi struct {
	logger *slog.Logger

	malgoCtx *malgo.AllocatedContext

	// Enumeration is not safe to run concurrently on one context
	enumerateMutex sync.Mutex

	propertySource *liveness.PollingSource
	closeOnce      sync.Once
}

// Create a new MalgoApi, owning one malgo context for the lifetime of the process.
func NewMalgoApi(livenessPollInterval time.Duration) (*MalgoApi, error) {
	uuid := uuid.New()
	logger := slog.Default().With(
		"malgo api uuid", uuid,
	)

	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", "message", message)
	})
	if err != nil {
		logger.Error("failed to create malgo context", "err", err)
		return nil, err
	}

	api := &MalgoApi{
		logger:   logger,
		malgoCtx: malgoCtx,
	}
	api.propertySource = liveness.NewPollingSource(api.isPresent, livenessPollInterval)
	return api, nil
}

func (api *MalgoApi) Name() string {
	return "malgo"
}

func malgoDeviceType(direction audiodevice.Direction) malgo.DeviceType {
	if direction == audiodevice.Render {
		return malgo.Playback
	}
	return malgo.Capture
}

func (api *MalgoApi) Devices(direction audiodevice.Direction) ([]audiodevice.DeviceHandle, error) {
	api.enumerateMutex.Lock()
	defer api.enumerateMutex.Unlock()

	typ := malgoDeviceType(direction)
	devices, err := api.malgoCtx.Devices(typ)
	if err != nil {
		api.logger.Error("failed to enumerate devices", "direction", direction, "err", err)
		return nil, err
	}

	res := make([]audiodevice.DeviceHandle, 0, len(devices))
	setIds := make(map[audiodevice.DeviceID]struct{}, len(devices))
	for _, dev := range devices {
		full, err := api.malgoCtx.DeviceInfo(typ, dev.ID, malgo.Shared)
		if err != nil {
			api.logger.Warn("unable to get audio device info", "name", dev.Name(), "err", err)
			continue
		}

		// Avoid duplicate device IDs.
		id := device.DeviceIDFromMalgo(full.ID)
		if _, ok := setIds[id]; ok {
			continue
		}
		setIds[id] = struct{}{}

		res = append(res, audiodevice.DeviceHandle{
			ID:        id,
			Name:      full.Name(),
			Direction: direction,
			IsDefault: full.IsDefault == 1,
			Formats:   streamFormats(full),
		})
	}
	return res, nil
}

func streamFormats(info malgo.DeviceInfo) []audiodevice.StreamFormat {
	count := min(int(info.FormatCount), len(info.Formats))
	res := make([]audiodevice.StreamFormat, 0, count)
	for _, f := range info.Formats[:count] {
		sampleFormat := fromMalgoFormat(f.Format)
		if sampleFormat == audiodevice.SampleFormatUnknown {
			continue
		}
		rate := f.SampleRate
		if rate == 0 {
			rate = defaultSampleRate
		}
		channels := int(f.Channels)
		if channels == 0 {
			channels = 2
		}
		res = append(res, audiodevice.StreamFormat{
			SampleFormat: sampleFormat,
			SampleRate:   rate,
			NumChannels:  channels,
		})
	}
	return res
}

func fromMalgoFormat(f malgo.FormatType) audiodevice.SampleFormat {
	switch f {
	case malgo.FormatS16:
		return audiodevice.Int16
	case malgo.FormatS32:
		return audiodevice.Int32
	case malgo.FormatF32:
		return audiodevice.Float32
	}
	return audiodevice.SampleFormatUnknown
}

func (api *MalgoApi) NewCaptureSource(d audiodevice.DeviceHandle) (audiodevice.CaptureSource, error) {
	if d.Direction == audiodevice.Render {
		return device.NewMalgoLoopbackSource(api.malgoCtx), nil
	}
	return device.NewMalgoInputSource(api.malgoCtx), nil
}

func (api *MalgoApi) PropertySource() liveness.PropertySource {
	return api.propertySource
}

// A device is alive for as long as it is still enumerated, in either direction.
func (api *MalgoApi) isPresent(id audiodevice.DeviceID) (bool, error) {
	for _, direction := range []audiodevice.Direction{audiodevice.Capture, audiodevice.Render} {
		devices, err := api.Devices(direction)
		if err != nil {
			return false, err
		}
		for _, d := range devices {
			if d.ID == id {
				return true, nil
			}
		}
	}
	return false, nil
}

func (api *MalgoApi) Close() error {
	var err error
	api.closeOnce.Do(func() {
		if err = api.malgoCtx.Uninit(); err != nil {
			api.logger.Error("failed to uninit malgo context", "err", err)
		}
		api.malgoCtx.Free()
	})
	return err
}
