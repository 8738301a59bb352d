package device

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
	"github.com/google/uuid"
)

// A CaptureSource that generates a sine tone in real time.
//
// Samples are delivered from a ticker goroutine, one frameDuration worth at a time,
// through the same SampleSink contract as a hardware callback.
// Useful for headless runs and in testing.
type SyntheticSource struct {
	logger *slog.Logger
	uuid   uuid.UUID

	frequency     float64
	amplitude     float64
	frameDuration time.Duration

	mutex         sync.Mutex
	sink          audiodevice.SampleSink
	format        audiodevice.StreamFormat
	ctxCancelFunc context.CancelFunc
	wg            sync.WaitGroup
}

// Create a new SyntheticSource producing a tone of the given frequency (Hz).
// frameDuration sets both the callback period and the amount of audio per callback.
func NewSyntheticSource(frequency float64, frameDuration time.Duration) *SyntheticSource {
	uuid := uuid.New()
	logger := slog.Default().With(
		"synthetic source uuid", uuid,
	)

	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}

	return &SyntheticSource{
		logger:        logger,
		uuid:          uuid,
		frequency:     frequency,
		amplitude:     0.3,
		frameDuration: frameDuration,
	}
}

func (s *SyntheticSource) Kind() audiodevice.SourceKind {
	return audiodevice.Synthetic
}

func (s *SyntheticSource) Negotiate(device audiodevice.DeviceHandle) (audiodevice.StreamFormat, error) {
	return audiodevice.NegotiateFormat(device.Formats)
}

func (s *SyntheticSource) Open(device audiodevice.DeviceHandle, format audiodevice.StreamFormat, sink audiodevice.SampleSink) error {
	if !format.Valid() {
		return fmt.Errorf("%w: %w: %s", ErrStreamBuildFailed, audiodevice.ErrUnsupportedFormat, format)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sink = sink
	s.format = format

	s.logger.Debug(
		"opened synthetic source",
		"device", device.Name,
		"format", format,
		"frequency", s.frequency,
	)
	return nil
}

func (s *SyntheticSource) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.sink == nil {
		return fmt.Errorf("%w: source not opened", ErrStreamBuildFailed)
	}
	if s.ctxCancelFunc != nil {
		return nil
	}

	ctx, ctxCancelFunc := context.WithCancel(context.Background())
	s.ctxCancelFunc = ctxCancelFunc

	s.wg.Add(1)
	go s.play(ctx, s.sink, s.format)
	return nil
}

func (s *SyntheticSource) play(ctx context.Context, sink audiodevice.SampleSink, format audiodevice.StreamFormat) {
	defer s.wg.Done()

	framesPerTick := int(float64(format.SampleRate) * s.frameDuration.Seconds())
	samples := make([]float32, framesPerTick*format.NumChannels)
	step := 2 * math.Pi * s.frequency / float64(format.SampleRate)
	phase := 0.0

	ticker := time.NewTicker(s.frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for i := range framesPerTick {
			v := float32(s.amplitude * math.Sin(phase))
			phase += step
			for c := range format.NumChannels {
				samples[i*format.NumChannels+c] = v
			}
		}
		if phase > 2*math.Pi {
			phase = math.Mod(phase, 2*math.Pi)
		}

		deliverFloat32(sink, format.SampleFormat, samples)
	}
}

func (s *SyntheticSource) Stop() error {
	s.mutex.Lock()
	cancel := s.ctxCancelFunc
	s.ctxCancelFunc = nil
	s.mutex.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	return nil
}

func (s *SyntheticSource) Close() {
	s.Stop()
}

// --------------------------------------------------------------------------------

// Hand normalized float samples to the sink in the given sample format.
func deliverFloat32(sink audiodevice.SampleSink, format audiodevice.SampleFormat, samples []float32) {
	switch format {
	case audiodevice.Float32:
		sink.WriteFloat32(samples)
	case audiodevice.Int16:
		out := make([]int16, len(samples))
		for i, v := range samples {
			out[i] = int16(clamp(v) * math.MaxInt16)
		}
		sink.WriteInt16(out)
	case audiodevice.Int32:
		out := make([]int32, len(samples))
		for i, v := range samples {
			out[i] = int32(float64(clamp(v)) * math.MaxInt32)
		}
		sink.WriteInt32(out)
	case audiodevice.Int8:
		out := make([]int8, len(samples))
		for i, v := range samples {
			out[i] = int8(clamp(v) * math.MaxInt8)
		}
		sink.WriteInt8(out)
	}
}

func clamp(v float32) float32 {
	return max(-1, min(1, v))
}
