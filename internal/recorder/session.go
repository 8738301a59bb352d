package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/device"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/encoder"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/liveness"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Layout of a session on disk, relative to the data directory.
const (
	sessionsDir = "chunks/audio"
	inputDir    = "input"
	outputDir   = "output"
)

// SessionDir is where the recording with the given id lives.
func SessionDir(dataDir, sessionID string) string {
	return filepath.Join(dataDir, sessionsDir, sessionID)
}

// Stream directory name of a direction.
func StreamDirName(direction audiodevice.Direction) string {
	if direction == audiodevice.Render {
		return outputDir
	}
	return inputDir
}

// Remove dir and everything below it, recreate it, and leave an empty manifest inside.
func cleanAndCreateDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(encoder.ManifestPath(dir), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// --------------------------------------------------------------------------------

// StreamSession is one direction of a recording: a capture source feeding an
// adapter, whose queue is forwarded into an encoder.
type StreamSession struct {
	logger *slog.Logger

	direction audiodevice.Direction
	device    audiodevice.DeviceHandle
	format    audiodevice.StreamFormat
	dir       string

	source  audiodevice.CaptureSource
	adapter *device.Adapter
	encoder *encoder.Process
	monitor *liveness.Monitor

	sourceStarted bool
	unsubscribe   func()
}

func (s *StreamSession) Direction() audiodevice.Direction {
	return s.direction
}

func (s *StreamSession) Device() audiodevice.DeviceHandle {
	return s.device
}

func (s *StreamSession) Format() audiodevice.StreamFormat {
	return s.format
}

func (s *StreamSession) Dir() string {
	return s.dir
}

// FirstSample is the instant of the first captured chunk, if any arrived yet.
func (s *StreamSession) FirstSample() (time.Time, bool) {
	return s.adapter.FirstSample()
}

// DeviceAlive reports whether the recorded device is still running.
// Streams without a monitor are assumed alive.
func (s *StreamSession) DeviceAlive() bool {
	if s.monitor == nil {
		return true
	}
	return s.monitor.IsAlive()
}

func (s *StreamSession) segments() (int, error) {
	return encoder.CountManifest(encoder.ManifestPath(s.dir))
}

// Log liveness transitions until the subscription is cancelled.
func (s *StreamSession) watchLiveness() {
	if s.monitor == nil {
		return
	}
	updates, cancel := s.monitor.Subscribe()
	s.unsubscribe = cancel
	go func() {
		for alive := range updates {
			if alive {
				s.logger.Info("recorded device is back", "device", s.device.Name)
			} else {
				s.logger.Warn("recorded device disconnected", "device", s.device.Name)
			}
		}
	}()
}

// teardownStreams shuts the streams down together, one phase at a time: every
// encoder is signalled, then every queue closed, then every source stopped,
// before any encoder is waited on. No source outlives another while a slow
// encoder runs out its grace.
//
// Every phase runs regardless of earlier failures. Returns one joined error
// per stream, nil where that stream tore down cleanly.
func teardownStreams(streams []*StreamSession, grace time.Duration) []error {
	errs := make([][]error, len(streams))
	record := func(i int, err error) {
		if err != nil {
			errs[i] = append(errs[i], err)
		}
	}
	inOrder := func(phase func(s *StreamSession) error) {
		for i, s := range streams {
			record(i, phase(s))
		}
	}
	together := func(phase func(s *StreamSession) error) {
		g := errgroup.Group{}
		for i, s := range streams {
			g.Go(func() error {
				record(i, phase(s))
				return nil
			})
		}
		_ = g.Wait()
	}

	together((*StreamSession).signalStop)
	inOrder((*StreamSession).closeQueue)
	inOrder((*StreamSession).stopSource)
	together(func(s *StreamSession) error { return s.reap(grace) })
	inOrder((*StreamSession).release)

	joined := make([]error, len(streams))
	for i := range streams {
		joined[i] = errors.Join(errs[i]...)
	}
	return joined
}

func (s *StreamSession) signalStop() error {
	if s.encoder == nil {
		return nil
	}
	if err := s.encoder.SignalStop(); err != nil {
		return fmt.Errorf("signal stop: %w", err)
	}
	return nil
}

func (s *StreamSession) closeQueue() error {
	if s.adapter == nil {
		return nil
	}
	if err := s.adapter.Close(); err != nil {
		return fmt.Errorf("close queue: %w", err)
	}
	return nil
}

func (s *StreamSession) stopSource() error {
	if s.source == nil {
		return nil
	}
	var err error
	if s.sourceStarted {
		if stopErr := s.source.Stop(); stopErr != nil {
			err = fmt.Errorf("stop source: %w", stopErr)
		}
	}
	s.source.Close()
	return err
}

// Wait for the forwarding task and the process, killing it after grace.
func (s *StreamSession) reap(grace time.Duration) error {
	if s.encoder == nil {
		return nil
	}
	s.encoder.WaitForward()
	if err := s.encoder.Wait(grace); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	return nil
}

func (s *StreamSession) release() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.monitor != nil {
		if err := s.monitor.Unregister(); err != nil {
			return fmt.Errorf("unregister monitor: %w", err)
		}
	}
	return nil
}

// --------------------------------------------------------------------------------

// RecordingSession aggregates the streams of one recording.
type RecordingSession struct {
	ID      string
	UserID  string
	Dir     string
	Started time.Time

	// Shared with every adapter. Queues may only close once it is set.
	stopFlag atomic.Bool

	streams map[audiodevice.Direction]*StreamSession
}

func newRecordingSession(id string, options RecordingOptions, dataDir string) *RecordingSession {
	if id == "" {
		id = uuid.NewString()
	}
	return &RecordingSession{
		ID:      id,
		UserID:  options.UserID,
		Dir:     SessionDir(dataDir, id),
		streams: make(map[audiodevice.Direction]*StreamSession),
	}
}

// Stream of a direction, nil if that direction is not recorded.
func (s *RecordingSession) Stream(direction audiodevice.Direction) *StreamSession {
	return s.streams[direction]
}

// Streams in a fixed order: input first.
func (s *RecordingSession) Streams() []*StreamSession {
	res := make([]*StreamSession, 0, 2)
	for _, direction := range []audiodevice.Direction{audiodevice.Capture, audiodevice.Render} {
		if stream, ok := s.streams[direction]; ok {
			res = append(res, stream)
		}
	}
	return res
}

// --------------------------------------------------------------------------------

// Summary of a finished recording.
type Report struct {
	SessionID string
	Dir       string
	Elapsed   time.Duration

	ExpectedSegments int
	Streams          []StreamReport
}

type StreamReport struct {
	Direction   audiodevice.Direction
	Device      string
	Format      audiodevice.StreamFormat
	Dir         string
	Segments    int
	Dropped     uint64
	FirstSample time.Time
}
