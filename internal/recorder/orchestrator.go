// Package recorder drives a recording session: both capture streams, their
// encoders, the stop-time drain and the teardown that follows it.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/audioapi"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/device"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/encoder"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/liveness"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/metrics"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRecording = errors.New("a recording session is already active")
	ErrNotRecording     = errors.New("no recording session is active")
	ErrDrainTimedOut    = errors.New("timed out waiting for encoders to flush")
	ErrSessionActive    = errors.New("session is currently recording")
	errNoStreams        = errors.New("both input and output are disabled")
	errInvalidSessionID = errors.New("invalid session id")
)

const (
	DefaultDrainTimeout      = 2 * time.Minute
	DefaultDrainPollInterval = 300 * time.Millisecond
	DefaultEncoderGrace      = 5 * time.Second
)

type State int32

const (
	Idle State = iota
	Starting
	Recording
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Recording:
		return "Recording"
	case Stopping:
		return "Stopping"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type RecordingOptions struct {
	UserID string

	// Device names to record from. An empty name picks the default device,
	// audiodevice.NoneDeviceName disables the direction.
	InputDeviceName  string
	OutputDeviceName string
}

type Config struct {
	// Sessions are stored below DataDir/chunks/audio.
	DataDir string

	Encoder encoder.Config

	// Chunks per stream queue, device.QueueCapacity if zero.
	QueueCapacity int

	// Upper bound on the stop-time drain, zero waits indefinitely.
	DrainTimeout      time.Duration
	DrainPollInterval time.Duration

	// How long an encoder may take to exit after the stop signal before it is killed.
	EncoderGrace time.Duration

	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.DrainTimeout < 0 {
		c.DrainTimeout = 0
	}
	if c.DrainPollInterval <= 0 {
		c.DrainPollInterval = DefaultDrainPollInterval
	}
	if c.EncoderGrace <= 0 {
		c.EncoderGrace = DefaultEncoderGrace
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = device.QueueCapacity
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Encoder.Metrics == nil {
		c.Encoder.Metrics = c.Metrics
	}
	return c
}

// --------------------------------------------------------------------------------

// Orchestrator owns at most one recording session at a time.
type Orchestrator struct {
	logger *slog.Logger
	uuid   uuid.UUID

	registry *audioapi.Registry
	config   Config
	metrics  *metrics.Metrics

	state atomic.Int32

	// Guards session
	mutex   sync.Mutex
	session *RecordingSession
}

func NewOrchestrator(registry *audioapi.Registry, config Config) *Orchestrator {
	uuid := uuid.New()
	logger := slog.Default().With(
		"recorder uuid", uuid,
	)

	config = config.withDefaults()
	return &Orchestrator{
		logger:   logger,
		uuid:     uuid,
		registry: registry,
		config:   config,
		metrics:  config.Metrics,
	}
}

func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Session is the active recording session, or nil.
func (o *Orchestrator) Session() *RecordingSession {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.session
}

func (o *Orchestrator) Metrics() *metrics.Metrics {
	return o.metrics
}

// Start a recording session.
//
// A non-empty inputID or outputID pins that direction to a device the caller
// already knows, otherwise the device is resolved by name. An empty
// sessionID generates one.
//
// On failure everything built so far is torn down and the orchestrator
// returns to Idle.
func (o *Orchestrator) Start(
	ctx context.Context,
	sessionID string,
	options RecordingOptions,
	inputID audiodevice.DeviceID,
	outputID audiodevice.DeviceID,
) (*RecordingSession, error) {
	if sessionID != "" && !validSessionID(sessionID) {
		return nil, fmt.Errorf("%w: %q", errInvalidSessionID, sessionID)
	}
	if !o.state.CompareAndSwap(int32(Idle), int32(Starting)) {
		return nil, ErrAlreadyRecording
	}

	session := newRecordingSession(sessionID, options, o.config.DataDir)
	logger := o.logger.With("session", session.ID)
	logger.Info("starting recording",
		"user", options.UserID,
		"input", options.InputDeviceName,
		"output", options.OutputDeviceName,
	)

	if err := o.start(ctx, logger, session, options, inputID, outputID); err != nil {
		logger.Error("could not start recording", "err", err)
		session.stopFlag.Store(true)
		streams := session.Streams()
		for i, teardownErr := range teardownStreams(streams, o.config.EncoderGrace) {
			if teardownErr != nil {
				logger.Warn("teardown after failed start", "direction", streams[i].direction, "err", teardownErr)
			}
		}
		o.state.Store(int32(Idle))
		return nil, err
	}

	o.mutex.Lock()
	o.session = session
	o.mutex.Unlock()

	o.metrics.SessionsStarted.Inc()
	o.metrics.ActiveSessions.Inc()
	o.state.Store(int32(Recording))

	logger.Info("recording", "dir", session.Dir)
	return session, nil
}

type streamPlan struct {
	direction audiodevice.Direction
	name      string
	id        audiodevice.DeviceID
}

func (o *Orchestrator) start(
	ctx context.Context,
	logger *slog.Logger,
	session *RecordingSession,
	options RecordingOptions,
	inputID audiodevice.DeviceID,
	outputID audiodevice.DeviceID,
) error {
	plans := make([]streamPlan, 0, 2)
	for _, p := range []streamPlan{
		{audiodevice.Capture, options.InputDeviceName, inputID},
		{audiodevice.Render, options.OutputDeviceName, outputID},
	} {
		if p.name == audiodevice.NoneDeviceName {
			logger.Info("direction disabled", "direction", p.direction)
			continue
		}
		plans = append(plans, p)
	}
	if len(plans) == 0 {
		return errNoStreams
	}

	if err := os.RemoveAll(session.Dir); err != nil {
		return fmt.Errorf("could not clear session directory: %w", err)
	}

	for _, p := range plans {
		stream, err := o.buildStream(logger, session, p)
		if err != nil {
			return err
		}
		session.streams[p.direction] = stream
	}

	for _, s := range session.Streams() {
		if err := s.source.Start(); err != nil {
			return fmt.Errorf("%w: %s: %w", device.ErrStreamBuildFailed, s.direction, err)
		}
		s.sourceStarted = true
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	g := errgroup.Group{}
	for _, s := range session.Streams() {
		g.Go(func() error {
			p, err := encoder.Spawn(o.config.Encoder, s.direction, s.format, s.dir)
			if err != nil {
				return fmt.Errorf("%s: %w", s.direction, err)
			}
			s.encoder = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, s := range session.Streams() {
		if err := s.encoder.Forward(s.adapter.Stream()); err != nil {
			return err
		}
		s.watchLiveness()
	}

	session.Started = time.Now()
	return nil
}

// Resolve, negotiate and open one direction. The source is not started.
func (o *Orchestrator) buildStream(logger *slog.Logger, session *RecordingSession, plan streamPlan) (*StreamSession, error) {
	handle, err := o.registry.ResolveOrLookup(plan.name, plan.id, plan.direction)
	if err != nil {
		return nil, err
	}

	api := o.registry.API()
	source, err := api.NewCaptureSource(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", device.ErrStreamBuildFailed, err)
	}

	format, err := source.Negotiate(handle)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("%w: %s: %w", device.ErrStreamBuildFailed, handle.Name, err)
	}

	dir := filepath.Join(session.Dir, StreamDirName(plan.direction))
	if err := cleanAndCreateDir(dir); err != nil {
		source.Close()
		return nil, fmt.Errorf("could not prepare %s: %w", dir, err)
	}

	adapter := device.NewAdapter(plan.direction, format, o.config.QueueCapacity, &session.stopFlag, o.metrics)
	if err := source.Open(handle, format, adapter); err != nil {
		source.Close()
		return nil, fmt.Errorf("%w: %s: %w", device.ErrStreamBuildFailed, handle.Name, err)
	}

	stream := &StreamSession{
		logger:    logger.With("direction", plan.direction),
		direction: plan.direction,
		device:    handle,
		format:    format,
		dir:       dir,
		source:    source,
		adapter:   adapter,
	}

	monitor := liveness.NewMonitor(api.PropertySource(), o.metrics)
	if err := monitor.Register(handle); err != nil {
		// Recording goes on without disconnect notifications
		stream.logger.Warn("could not monitor device", "device", handle.Name, "err", err)
	} else {
		stream.monitor = monitor
	}

	logger.Info("stream ready",
		"direction", plan.direction,
		"device", handle.Name,
		"format", format,
	)
	return stream, nil
}

// --------------------------------------------------------------------------------

// Stop the active session.
//
// Stop first waits until each encoder has listed every segment the elapsed
// time implies, then tears both streams down together: encoders signalled,
// queues closed and sources stopped, before the processes are reaped. Teardown always runs in full. The
// returned error joins the drain outcome (ErrDrainTimedOut, or the
// context's error) with any teardown failures. The report is returned
// either way.
func (o *Orchestrator) Stop(ctx context.Context) (*Report, error) {
	if !o.state.CompareAndSwap(int32(Recording), int32(Stopping)) {
		return nil, ErrNotRecording
	}

	o.mutex.Lock()
	session := o.session
	o.mutex.Unlock()

	defer func() {
		o.mutex.Lock()
		o.session = nil
		o.mutex.Unlock()
		o.metrics.ActiveSessions.Dec()
		o.state.Store(int32(Idle))
	}()

	session.stopFlag.Store(true)

	logger := o.logger.With("session", session.ID)
	elapsed := time.Since(session.Started)
	expected := encoder.ExpectedSegments(elapsed)
	logger.Info("stopping recording", "elapsed", elapsed, "expectedSegments", expected)

	streams := session.Streams()
	drainErr := o.drain(ctx, streams, expected)
	if drainErr != nil {
		logger.Error("drain incomplete", "err", drainErr)
	}

	var errs []error
	for i, err := range teardownStreams(streams, o.config.EncoderGrace) {
		if err != nil {
			logger.Warn("stream teardown", "direction", streams[i].direction, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", streams[i].direction, err))
		}
	}

	report := o.report(session, elapsed, expected)
	logger.Info("recording stopped")
	return report, errors.Join(append([]error{drainErr}, errs...)...)
}

func (o *Orchestrator) report(session *RecordingSession, elapsed time.Duration, expected int) *Report {
	report := &Report{
		SessionID:        session.ID,
		Dir:              session.Dir,
		Elapsed:          elapsed,
		ExpectedSegments: expected,
	}
	for _, s := range session.Streams() {
		n, _ := s.segments()
		o.metrics.SegmentsProduced.WithLabelValues(s.direction.String()).Set(float64(n))
		first, _ := s.FirstSample()
		report.Streams = append(report.Streams, StreamReport{
			Direction:   s.direction,
			Device:      s.device.Name,
			Format:      s.format,
			Dir:         s.dir,
			Segments:    n,
			Dropped:     s.adapter.Dropped(),
			FirstSample: first,
		})
	}
	return report
}

// --------------------------------------------------------------------------------

// DeleteSession removes everything recorded for a session.
// The active session cannot be deleted.
func (o *Orchestrator) DeleteSession(sessionID string) error {
	if !validSessionID(sessionID) {
		return fmt.Errorf("%w: %q", errInvalidSessionID, sessionID)
	}

	o.mutex.Lock()
	active := o.session != nil && o.session.ID == sessionID
	o.mutex.Unlock()
	if active {
		return ErrSessionActive
	}

	dir := SessionDir(o.config.DataDir, sessionID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}

	o.logger.Info("deleted session", "session", sessionID, "dir", dir)
	return nil
}

// A session id must name a single directory below the sessions root.
func validSessionID(id string) bool {
	return id != "" && id != "." && id != ".." && filepath.Base(id) == id
}
