package device

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Records everything delivered to it, counting calls per method.
type recordingSink struct {
	mutex   sync.Mutex
	float32 []float32
	int16   []int16
	calls   map[string]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{calls: make(map[string]int)}
}

func (s *recordingSink) WriteInt8(samples []int8) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.calls["int8"]++
}

func (s *recordingSink) WriteInt16(samples []int16) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.calls["int16"]++
	s.int16 = append(s.int16, samples...)
}

func (s *recordingSink) WriteInt32(samples []int32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.calls["int32"]++
}

func (s *recordingSink) WriteFloat32(samples []float32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.calls["float32"]++
	s.float32 = append(s.float32, samples...)
}

func (s *recordingSink) WriteBytes(samples []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.calls["bytes"]++
}

func (s *recordingSink) callCount(method string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.calls[method]
}

func writeTestWAV(t *testing.T, sampleRate, channels, numFrames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	data := make([]int, numFrames*channels)
	for i := range data {
		data[i] = (i % 200) * 100
	}
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	return path
}

// --------------------------------------------------------------------------------

func TestSyntheticSourceDeliversInNegotiatedFormat(t *testing.T) {
	src := NewSyntheticSource(440, 10*time.Millisecond)
	assert.Equal(t, audiodevice.Synthetic, src.Kind())

	handle := audiodevice.DeviceHandle{
		Name: "tone",
		Formats: []audiodevice.StreamFormat{
			{SampleFormat: audiodevice.Int16, SampleRate: 16000, NumChannels: 2},
		},
	}
	format, err := src.Negotiate(handle)
	require.NoError(t, err)
	assert.Equal(t, audiodevice.Int16, format.SampleFormat)

	sink := newRecordingSink()
	require.NoError(t, src.Open(handle, format, sink))
	require.NoError(t, src.Start())

	assert.Eventually(t, func() bool {
		return sink.callCount("int16") >= 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, src.Stop())
	calls := sink.callCount("int16")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, sink.callCount("int16"), "no delivery after Stop")

	sink.mutex.Lock()
	// 10ms of stereo at 16kHz per callback
	assert.Zero(t, len(sink.int16)%320)
	sink.mutex.Unlock()

	src.Close()
}

func TestSyntheticSourceStartBeforeOpen(t *testing.T) {
	src := NewSyntheticSource(440, 0)
	assert.ErrorIs(t, src.Start(), ErrStreamBuildFailed)
	// Close without Open is safe
	src.Close()
}

func TestSyntheticSourceRejectsInvalidFormat(t *testing.T) {
	src := NewSyntheticSource(440, 0)
	err := src.Open(audiodevice.DeviceHandle{}, audiodevice.StreamFormat{}, newRecordingSink())
	assert.ErrorIs(t, err, ErrStreamBuildFailed)
	assert.ErrorIs(t, err, audiodevice.ErrUnsupportedFormat)
}

func TestFileReplaySourceConvertsAndLoops(t *testing.T) {
	path := writeTestWAV(t, 8000, 1, 400)

	src, err := NewFileReplaySource(path, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, audiodevice.FileReplay, src.Kind())

	// Without advertised formats the file's own format is used
	native, err := src.Negotiate(audiodevice.DeviceHandle{})
	require.NoError(t, err)
	assert.Equal(t, audiodevice.StreamFormat{SampleFormat: audiodevice.Float32, SampleRate: 8000, NumChannels: 1}, native)

	target := audiodevice.StreamFormat{SampleFormat: audiodevice.Float32, SampleRate: 8000, NumChannels: 2}
	sink := newRecordingSink()
	require.NoError(t, src.Open(audiodevice.DeviceHandle{Name: "file"}, target, sink))
	require.NoError(t, src.Start())

	// 400 frames at 8kHz is 50ms, so the file must loop to deliver 100ms
	assert.Eventually(t, func() bool {
		return sink.callCount("float32") >= 10
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, src.Stop())
	src.Close()

	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	require.NotEmpty(t, sink.float32)
	assert.Zero(t, len(sink.float32)%2)
	for i := 0; i+1 < len(sink.float32); i += 2 {
		assert.Equal(t, sink.float32[i], sink.float32[i+1], "mono upmixed to identical channels")
	}
}

func TestFileReplaySourceInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a wav file"), 0o644))

	_, err := NewFileReplaySource(path, 0)
	assert.ErrorIs(t, err, errInvalidAudioFile)

	_, err = NewFileReplaySource(filepath.Join(t.TempDir(), "missing.wav"), 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// --------------------------------------------------------------------------------

func TestFormatConversionChannels(t *testing.T) {
	down := convertFormat([]float32{1, 0, 0.5, 0.5}, newFormatConversion(8000, 2, 8000, 1))
	assert.Equal(t, []float32{0.5, 0.5}, down)

	up := convertFormat([]float32{0.25, -0.25}, newFormatConversion(8000, 1, 8000, 2))
	assert.Equal(t, []float32{0.25, 0.25, -0.25, -0.25}, up)

	same := newFormatConversion(8000, 2, 8000, 2)
	assert.Empty(t, same)
}

func TestFormatConversionResamples(t *testing.T) {
	source := make([]float32, 8000)
	out := convertFormat(source, newFormatConversion(8000, 1, 16000, 1))
	// Allow for filter delay at the edges
	assert.InDelta(t, 16000, len(out), 600)
}

func TestIntBufferToFloat32(t *testing.T) {
	out := intBufferToFloat32(&goaudio.IntBuffer{
		Data:           []int{0, 16384, -32768},
		SourceBitDepth: 16,
	})
	assert.Equal(t, []float32{0, 0.5, -1}, out)
}
