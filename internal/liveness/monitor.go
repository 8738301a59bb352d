package liveness

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/metrics"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrPropertyListenerFailed = errors.New("device property listener failed")

	errAlreadyRegistered = errors.New("monitor already registered to a device")
)

// Handle is the opaque token a native listener carries back into Dispatch.
type Handle uint64

// PropertySource is the device-property notification surface of the OS audio subsystem.
//
// AddListener arranges for Dispatch(handle) to be called whenever the running state
// of the device may have changed. Calls may arrive on any thread.
type PropertySource interface {
	AddListener(device audiodevice.DeviceID, handle Handle) error
	RemoveListener(device audiodevice.DeviceID, handle Handle) error
	IsRunning(device audiodevice.DeviceID) (bool, error)
}

// --------------------------------------------------------------------------------
// Process-wide handle table

var (
	lastHandle atomic.Uint64
	monitors   = xsync.NewMapOf[Handle, *Monitor]()
)

// Dispatch routes a native property-change notification to the monitor registered
// under handle. Notifications for unknown (or already unregistered) handles are ignored.
func Dispatch(handle Handle) {
	m, ok := monitors.Load(handle)
	if !ok {
		return
	}
	m.refresh()
}

// --------------------------------------------------------------------------------

type State int

const (
	Unregistered State = iota
	Registered
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registered:
		return "registered"
	}
	return "?"
}

// A Monitor watches one device at a time for hot-unplug or disconnect.
type Monitor struct {
	logger *slog.Logger
	uuid   uuid.UUID

	source PropertySource
	gauge  *prometheus.GaugeVec

	// Guards state and handle across Register/Unregister.
	// Never taken by refresh.
	mutex  sync.Mutex
	state  State
	handle Handle

	device   atomic.Pointer[audiodevice.DeviceHandle]
	alive    atomic.Bool
	notifier *Notifier
}

func NewMonitor(source PropertySource, m *metrics.Metrics) *Monitor {
	uuid := uuid.New()
	logger := slog.Default().With(
		"liveness monitor uuid", uuid,
	)

	var gauge *prometheus.GaugeVec
	if m != nil {
		gauge = m.DeviceAlive
	}

	return &Monitor{
		logger:   logger,
		uuid:     uuid,
		source:   source,
		gauge:    gauge,
		notifier: NewNotifier(),
	}
}

// Register installs a property listener for device.
//
// The monitor starts out alive unless the first query says otherwise.
// A monitor can be attached to one device at a time.
func (m *Monitor) Register(device audiodevice.DeviceHandle) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.state == Registered {
		return fmt.Errorf("%w: %w", ErrPropertyListenerFailed, errAlreadyRegistered)
	}

	m.device.Store(&device)
	m.alive.Store(true)

	handle := Handle(lastHandle.Add(1))
	monitors.Store(handle, m)
	if err := m.source.AddListener(device.ID, handle); err != nil {
		monitors.Delete(handle)
		m.logger.Error(
			"could not add property listener",
			"device", device.Name,
			"err", err,
		)
		return fmt.Errorf("%w: %w", ErrPropertyListenerFailed, err)
	}
	m.handle = handle
	m.state = Registered

	running, err := m.source.IsRunning(device.ID)
	if err != nil {
		m.logger.Warn("could not query device running state", "device", device.Name, "err", err)
	} else {
		m.alive.Store(running)
	}
	m.setGauge(m.alive.Load())

	m.logger.Debug(
		"registered liveness monitor",
		"device", device.Name,
		"handle", handle,
		"alive", m.alive.Load(),
	)
	return nil
}

// Unregister removes the property listener. Calling it more than once,
// or on a monitor never registered, is a no-op.
func (m *Monitor) Unregister() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.state == Unregistered {
		return nil
	}

	// Drop out of the table first so late notifications are ignored
	monitors.Delete(m.handle)
	m.state = Unregistered

	device := m.device.Load()
	if err := m.source.RemoveListener(device.ID, m.handle); err != nil {
		m.logger.Error("could not remove property listener", "device", device.Name, "err", err)
		return fmt.Errorf("%w: %w", ErrPropertyListenerFailed, err)
	}

	m.logger.Debug("unregistered liveness monitor", "handle", m.handle)
	return nil
}

// IsAlive is a non-blocking snapshot of the device's running state.
func (m *Monitor) IsAlive() bool {
	return m.alive.Load()
}

func (m *Monitor) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// Subscribe to liveness transitions. See Notifier.Subscribe.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	return m.notifier.Subscribe()
}

// Re-query the running state and publish on a transition.
// Invoked on threads owned by the audio subsystem.
func (m *Monitor) refresh() {
	device := m.device.Load()
	if device == nil {
		return
	}

	running, err := m.source.IsRunning(device.ID)
	if err != nil {
		m.logger.Warn("could not query device running state", "device", device.Name, "err", err)
		return
	}

	if m.alive.Swap(running) == running {
		return
	}
	m.setGauge(running)
	if running {
		m.logger.Info("device is running again", "device", device.Name)
	} else {
		m.logger.Warn("device stopped running", "device", device.Name)
	}
	m.notifier.Publish(running)
}

func (m *Monitor) setGauge(alive bool) {
	if m.gauge == nil {
		return
	}
	device := m.device.Load()
	if device == nil {
		return
	}
	v := 0.0
	if alive {
		v = 1
	}
	m.gauge.WithLabelValues(device.Name).Set(v)
}
