package audioapi

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/liveness"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
	"github.com/google/uuid"
)

var (
	ErrDeviceNotFound = errors.New("no default device available")

	errNoDeviceWithID = errors.New("no device with specified ID")
	errUnknownBackend = errors.New("unknown audio backend")
)

// Define an API to interface with hardware devices.
// Intended to be an abstract way to:
// - Query existing devices, per direction
// - Build a CaptureSource able to record from a device of a direction
// - Watch devices for hot-unplug
//
// Implementations wrap a native audio library (malgo), or stand in for one in testing.
type AudioIODeviceAPI interface {
	Name() string

	// Every device of the direction the platform reports, with its advertised formats.
	// At most one device per direction should be marked IsDefault.
	Devices(direction audiodevice.Direction) ([]audiodevice.DeviceHandle, error)

	// Capture devices record through a generic source, render devices through a loopback tap.
	NewCaptureSource(device audiodevice.DeviceHandle) (audiodevice.CaptureSource, error)

	PropertySource() liveness.PropertySource

	Close() error
}

type BackendConfig struct {
	// "malgo" (the default) or "dummy"
	Name string

	// How often the malgo backend re-enumerates devices to detect removal.
	LivenessPollInterval time.Duration

	Dummy DummyConfig
}

// Create the backend named in config.
func NewAudioIODeviceAPI(config BackendConfig) (AudioIODeviceAPI, error) {
	switch config.Name {
	case "malgo", "":
		api, err := NewMalgoApi(config.LivenessPollInterval)
		if err != nil {
			return nil, err
		}
		return api, nil
	case "dummy":
		return NewDummyAudioIODeviceAPI(config.Dummy), nil
	}
	return nil, fmt.Errorf("%w: %q", errUnknownBackend, config.Name)
}

// --------------------------------------------------------------------------------

// Registry resolves human-readable device names to device handles.
//
// One Registry is built per process around a backend, and handed to whatever
// needs device resolution.
type Registry struct {
	logger *slog.Logger
	uuid   uuid.UUID
	api    AudioIODeviceAPI
}

func NewRegistry(api AudioIODeviceAPI) *Registry {
	uuid := uuid.New()
	logger := slog.Default().With(
		"device registry uuid", uuid,
		"backend", api.Name(),
	)

	return &Registry{
		logger: logger,
		uuid:   uuid,
		api:    api,
	}
}

func (r *Registry) API() AudioIODeviceAPI {
	return r.api
}

// Devices lists the usable devices of a direction: those advertising at least one format.
func (r *Registry) Devices(direction audiodevice.Direction) ([]audiodevice.DeviceHandle, error) {
	all, err := r.api.Devices(direction)
	if err != nil {
		return nil, err
	}
	return usable(all), nil
}

func usable(devices []audiodevice.DeviceHandle) []audiodevice.DeviceHandle {
	res := make([]audiodevice.DeviceHandle, 0, len(devices))
	for _, d := range devices {
		if len(d.Formats) > 0 {
			res = append(res, d)
		}
	}
	return res
}

// Resolve a device name for a direction.
//
// An empty name, or one matching no usable device, resolves to the platform
// default for the direction. Devices advertising no formats are never
// returned, the default included. ErrDeviceNotFound is returned when no usable
// default remains.
func (r *Registry) Resolve(name string, direction audiodevice.Direction) (audiodevice.DeviceHandle, error) {
	all, err := r.api.Devices(direction)
	if err != nil {
		return audiodevice.DeviceHandle{}, fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}

	candidates := usable(all)
	if name != "" {
		for _, d := range candidates {
			if d.Name == name {
				r.logger.Debug("resolved device by name", "name", name, "direction", direction, "id", d.ID)
				return d, nil
			}
		}
		r.logger.Warn("device not found, falling back to default", "name", name, "direction", direction)
	}

	for _, d := range candidates {
		if d.IsDefault {
			r.logger.Debug("resolved default device", "name", d.Name, "direction", direction, "id", d.ID)
			return d, nil
		}
	}
	return audiodevice.DeviceHandle{}, fmt.Errorf("%w: direction %s", ErrDeviceNotFound, direction)
}

// Lookup a device by its platform ID.
func (r *Registry) Lookup(id audiodevice.DeviceID, direction audiodevice.Direction) (audiodevice.DeviceHandle, error) {
	all, err := r.api.Devices(direction)
	if err != nil {
		return audiodevice.DeviceHandle{}, err
	}
	for _, d := range all {
		if d.ID == id {
			return d, nil
		}
	}
	return audiodevice.DeviceHandle{}, fmt.Errorf("%w: %s", errNoDeviceWithID, id)
}

// ResolveOrLookup pins the device by id when one is given and known,
// otherwise resolves by name.
func (r *Registry) ResolveOrLookup(name string, id audiodevice.DeviceID, direction audiodevice.Direction) (audiodevice.DeviceHandle, error) {
	if id != "" {
		d, err := r.Lookup(id, direction)
		if err == nil {
			return d, nil
		}
		r.logger.Warn("device id not found, resolving by name", "id", id, "name", name, "err", err)
	}
	return r.Resolve(name, direction)
}
