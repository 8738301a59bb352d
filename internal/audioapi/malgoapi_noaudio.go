//go:build !cgo || noaudio

package audioapi

import (
	"errors"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/liveness"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
)

var errNoAudioSupport = errors.New("built without native audio support, use the dummy backend")

// MalgoApi is unavailable in builds without cgo or with the noaudio tag.
type MalgoApi struct{}

func NewMalgoApi(livenessPollInterval time.Duration) (*MalgoApi, error) {
	return nil, errNoAudioSupport
}

func (api *MalgoApi) Name() string {
	return "malgo"
}

func (api *MalgoApi) Devices(direction audiodevice.Direction) ([]audiodevice.DeviceHandle, error) {
	return nil, errNoAudioSupport
}

func (api *MalgoApi) NewCaptureSource(d audiodevice.DeviceHandle) (audiodevice.CaptureSource, error) {
	return nil, errNoAudioSupport
}

func (api *MalgoApi) PropertySource() liveness.PropertySource {
	return nil
}

func (api *MalgoApi) Close() error {
	return nil
}
