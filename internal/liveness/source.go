package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
)

// --------------------------------------------------------------------------------
// PollingSource

// ProbeFunc reports whether a device is currently present and running.
type ProbeFunc func(device audiodevice.DeviceID) (bool, error)

type listener struct {
	device audiodevice.DeviceID
	last   bool
}

// A PropertySource for backends without native property notifications.
//
// While at least one listener is installed, a goroutine probes every listened
// device each interval and dispatches the handles whose state changed.
type PollingSource struct {
	logger *slog.Logger

	probe    ProbeFunc
	interval time.Duration

	mutex         sync.Mutex
	listeners     map[Handle]*listener
	ctxCancelFunc context.CancelFunc
	// Closed when the current poll goroutine exits
	done chan struct{}
}

func NewPollingSource(probe ProbeFunc, interval time.Duration) *PollingSource {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollingSource{
		logger:    slog.Default().With("component", "liveness poller"),
		probe:     probe,
		interval:  interval,
		listeners: make(map[Handle]*listener),
	}
}

func (s *PollingSource) AddListener(device audiodevice.DeviceID, handle Handle) error {
	running, err := s.probe(device)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.listeners[handle] = &listener{device: device, last: running}

	if s.ctxCancelFunc == nil {
		ctx, ctxCancelFunc := context.WithCancel(context.Background())
		s.ctxCancelFunc = ctxCancelFunc
		s.done = make(chan struct{})
		go s.poll(ctx, s.done)
	}
	return nil
}

func (s *PollingSource) RemoveListener(device audiodevice.DeviceID, handle Handle) error {
	s.mutex.Lock()
	delete(s.listeners, handle)
	var cancel context.CancelFunc
	var done chan struct{}
	if len(s.listeners) == 0 {
		cancel, done = s.ctxCancelFunc, s.done
		s.ctxCancelFunc, s.done = nil, nil
	}
	s.mutex.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (s *PollingSource) IsRunning(device audiodevice.DeviceID) (bool, error) {
	return s.probe(device)
}

func (s *PollingSource) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, handle := range s.changed() {
			Dispatch(handle)
		}
	}
}

// Probe every listened device, returning the handles whose state flipped.
func (s *PollingSource) changed() []Handle {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	changed := make([]Handle, 0)
	for handle, l := range s.listeners {
		running, err := s.probe(l.device)
		if err != nil {
			s.logger.Debug("probe failed", "device", l.device, "err", err)
			continue
		}
		if running != l.last {
			l.last = running
			changed = append(changed, handle)
		}
	}
	return changed
}

// --------------------------------------------------------------------------------
// ManualSource

// A PropertySource whose device states are set programmatically,
// standing in for the OS in dummy backends and tests.
type ManualSource struct {
	mutex     sync.Mutex
	running   map[audiodevice.DeviceID]bool
	listeners map[Handle]audiodevice.DeviceID
	failAdd   error
}

func NewManualSource() *ManualSource {
	return &ManualSource{
		running:   make(map[audiodevice.DeviceID]bool),
		listeners: make(map[Handle]audiodevice.DeviceID),
	}
}

// Make subsequent AddListener calls fail with err (nil to clear).
func (s *ManualSource) FailAddListener(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failAdd = err
}

func (s *ManualSource) AddListener(device audiodevice.DeviceID, handle Handle) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.failAdd != nil {
		return s.failAdd
	}
	s.listeners[handle] = device
	return nil
}

func (s *ManualSource) RemoveListener(device audiodevice.DeviceID, handle Handle) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.listeners, handle)
	return nil
}

// Devices are running unless set otherwise.
func (s *ManualSource) IsRunning(device audiodevice.DeviceID) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	running, ok := s.running[device]
	return running || !ok, nil
}

// SetRunning changes a device's state and fires every listener installed for it,
// as the OS would on a property change.
func (s *ManualSource) SetRunning(device audiodevice.DeviceID, running bool) {
	s.mutex.Lock()
	s.running[device] = running
	handles := make([]Handle, 0)
	for handle, d := range s.listeners {
		if d == device {
			handles = append(handles, handle)
		}
	}
	s.mutex.Unlock()

	for _, handle := range handles {
		Dispatch(handle)
	}
}

// Number of listeners currently installed.
func (s *ManualSource) NumListeners() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.listeners)
}
