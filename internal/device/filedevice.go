package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

var errInvalidAudioFile = errors.New("error while decoding audio file")

// --------------------------------------------------------------------------------
// FileReplaySource

// A CaptureSource that replays a .WAV file in real time, in a loop, until stopped.
//
// The file is decoded and converted to the negotiated stream format on Open,
// so the playback goroutine only slices and paces frames.
type FileReplaySource struct {
	logger *slog.Logger
	uuid   uuid.UUID

	audioFilePath string
	frameDuration time.Duration

	// Native properties of the file
	fileSampleRate int
	fileChannels   int

	mutex         sync.Mutex
	sink          audiodevice.SampleSink
	format        audiodevice.StreamFormat
	samples       []float32
	ctxCancelFunc context.CancelFunc
	wg            sync.WaitGroup
}

// Make a new FileReplaySource from a .WAV file (on the audioFilePath).
//
// Only the header is read here. The sample data is decoded on Open.
func NewFileReplaySource(audioFilePath string, frameDuration time.Duration) (*FileReplaySource, error) {
	uuid := uuid.New()
	logger := slog.Default().With(
		"file replay source uuid", uuid,
	)

	f, err := os.Open(audioFilePath)
	if err != nil {
		logger.Error(
			"could not open audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		logger.Error(
			"could not decode audio file",
			"audioFile", audioFilePath,
			"err", decoder.Err(),
		)
		return nil, errInvalidAudioFile
	}

	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}

	logger.Debug(
		"loaded audio file",
		"audioFile", audioFilePath,
		"sampleRate", decoder.SampleRate,
		"channels", decoder.NumChans,
	)

	return &FileReplaySource{
		logger:         logger,
		uuid:           uuid,
		audioFilePath:  audioFilePath,
		frameDuration:  frameDuration,
		fileSampleRate: int(decoder.SampleRate),
		fileChannels:   int(decoder.NumChans),
	}, nil
}

func (s *FileReplaySource) Kind() audiodevice.SourceKind {
	return audiodevice.FileReplay
}

// Negotiate against the device's formats when it advertises any,
// otherwise deliver the file's own rate and channel count as Float32.
func (s *FileReplaySource) Negotiate(device audiodevice.DeviceHandle) (audiodevice.StreamFormat, error) {
	if len(device.Formats) > 0 {
		return audiodevice.NegotiateFormat(device.Formats)
	}
	return audiodevice.StreamFormat{
		SampleFormat: audiodevice.Float32,
		SampleRate:   uint32(s.fileSampleRate),
		NumChannels:  s.fileChannels,
	}, nil
}

func (s *FileReplaySource) Open(device audiodevice.DeviceHandle, format audiodevice.StreamFormat, sink audiodevice.SampleSink) error {
	if !format.Valid() {
		return fmt.Errorf("%w: %w: %s", ErrStreamBuildFailed, audiodevice.ErrUnsupportedFormat, format)
	}

	f, err := os.Open(s.audioFilePath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStreamBuildFailed, err)
	}
	defer f.Close()

	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	if err != nil {
		s.logger.Error(
			"could not get full PCM buffer from audio file",
			"err", err,
		)
		return fmt.Errorf("%w: %w", ErrStreamBuildFailed, err)
	}

	conversions := newFormatConversion(s.fileSampleRate, s.fileChannels, int(format.SampleRate), format.NumChannels)
	samples := convertFormat(intBufferToFloat32(buf), conversions)
	if len(samples) == 0 {
		return fmt.Errorf("%w: %w: no samples in %s", ErrStreamBuildFailed, errInvalidAudioFile, s.audioFilePath)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sink = sink
	s.format = format
	s.samples = samples

	s.logger.Debug(
		"opened file replay source",
		"device", device.Name,
		"format", format,
		"numConversions", len(conversions),
		"numSamples", len(samples),
	)
	return nil
}

func (s *FileReplaySource) Start() error {
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
	go s.play(ctx, s.sink, s.format, s.samples)
	return nil
}

// Play the decoded file, restarting from the beginning when it runs out.
// If the context is canceled, the playback stops.
func (s *FileReplaySource) play(ctx context.Context, sink audiodevice.SampleSink, format audiodevice.StreamFormat, samples []float32) {
	defer s.wg.Done()
	s.logger.Debug("playing audio")

	samplesPerFrame := int(float64(format.SampleRate)*s.frameDuration.Seconds()) * format.NumChannels
	samplesPerFrame = max(samplesPerFrame, format.NumChannels)
	frame := make([]float32, samplesPerFrame)

	ticker := time.NewTicker(s.frameDuration)
	defer ticker.Stop()
	position := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for i := range frame {
			frame[i] = samples[position]
			position++
			if position == len(samples) {
				position = 0
			}
		}
		deliverFloat32(sink, format.SampleFormat, frame)
	}
}

func (s *FileReplaySource) Stop() error {
	s.mutex.Lock()
	cancel := s.ctxCancelFunc
	s.ctxCancelFunc = nil
	s.mutex.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
		s.logger.Debug("stopped playing")
	}
	return nil
}

func (s *FileReplaySource) Close() {
	s.Stop()

	s.mutex.Lock()
	s.samples = nil
	s.mutex.Unlock()
}
