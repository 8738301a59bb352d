package encoder

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/encoder/encodertest"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/metrics"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/pcm"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	encodertest.RunIfRequested()
	os.Exit(m.Run())
}

var mono16k = audiodevice.StreamFormat{
	SampleFormat: audiodevice.Int16,
	SampleRate:   16000,
	NumChannels:  1,
}

func TestBuildArgs(t *testing.T) {
	args, err := BuildArgs(audiodevice.StreamFormat{
		SampleFormat: audiodevice.Float32,
		SampleRate:   44100,
		NumChannels:  2,
	}, "/data/session/output")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"-hide_banner",
		"-nostats",
		"-f", "f32le",
		"-ar", "44100",
		"-ac", "2",
		"-thread_queue_size", "4096",
		"-i", "pipe:0",
		"-af", "loudnorm,aresample=async=1:min_hard_comp=0.100000:first_pts=0:osr=16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-async", "1",
		"-f", "segment",
		"-segment_time", "3",
		"-segment_time_delta", "0.01",
		"-segment_list", filepath.Join("/data/session/output", "segment_list.txt"),
		"-reset_timestamps", "1",
		filepath.Join("/data/session/output", "audio_recording_%03d.wav"),
	}, args)
}

func TestBuildArgsDownmixesSurround(t *testing.T) {
	assert.Equal(t,
		"pan=stereo|FL=FL+0.5*FC|FR=FR+0.5*FC,loudnorm,aresample=async=1:min_hard_comp=0.100000:first_pts=0:osr=16000",
		FilterChain(6),
	)
	assert.NotContains(t, FilterChain(2), "pan=")
	assert.NotContains(t, FilterChain(1), "pan=")
}

func TestBuildArgsRejectsUnknownFormat(t *testing.T) {
	_, err := BuildArgs(audiodevice.StreamFormat{SampleRate: 48000, NumChannels: 1}, t.TempDir())
	assert.ErrorIs(t, err, audiodevice.ErrUnsupportedFormat)
}

func TestExpectedSegments(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 0},
		{-time.Second, 0},
		{2999 * time.Millisecond, 0},
		{3 * time.Second, 1},
		{9400 * time.Millisecond, 3},
		{61 * time.Second, 20},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpectedSegments(tt.elapsed), "elapsed %s", tt.elapsed)
	}
}

func TestManifest(t *testing.T) {
	dir := t.TempDir()
	path := ManifestPath(dir)

	n, err := CountManifest(path)
	require.NoError(t, err)
	assert.Zero(t, n, "missing manifest counts as empty")

	require.NoError(t, os.WriteFile(path, []byte("a.wav\n\n  b.wav \nc.wav"), 0o644))
	segments, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.wav", "b.wav", "c.wav"}, segments)

	n, err = CountManifest(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = ReadManifest(filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolveBinary(t *testing.T) {
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", ResolveBinary("/opt/ffmpeg/bin/ffmpeg"))
	// No sidecar next to the test binary
	assert.Equal(t, "ffmpeg", ResolveBinary(""))
}

// --------------------------------------------------------------------------------

func feed(t *testing.T, stream chan<- []byte, seconds float64, format audiodevice.StreamFormat) {
	t.Helper()
	total := int(seconds * float64(format.BytesPerSecond()))
	const chunkSize = 3200
	for sent := 0; sent < total; sent += chunkSize {
		chunk := pcm.GetChunk(chunkSize)
		chunk = append(chunk, make([]byte, min(chunkSize, total-sent))...)
		stream <- chunk
	}
}

func TestProcessSegmentsAndStops(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	p, err := Spawn(Config{Binary: "ffmpeg", Command: encodertest.Command(), Metrics: m}, audiodevice.Capture, mono16k, dir)
	require.NoError(t, err)

	stream := make(chan []byte, 64)
	require.NoError(t, p.Forward(stream))
	assert.ErrorIs(t, p.Forward(stream), errForwardingActive)

	feed(t, stream, 7, mono16k)

	total := float64(7 * mono16k.BytesPerSecond())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.BytesForwarded.WithLabelValues("capture")) == total
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := CountManifest(p.ManifestPath())
		return n == 2
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, p.SignalStop())
	// Second signal is a no-op
	require.NoError(t, p.SignalStop())
	close(stream)
	p.WaitForward()

	require.NoError(t, p.Wait(10*time.Second))

	segments, err := ReadManifest(p.ManifestPath())
	require.NoError(t, err)
	// Two full segments plus the flushed remainder
	assert.Equal(t, []string{
		"audio_recording_000.wav",
		"audio_recording_001.wav",
		"audio_recording_002.wav",
	}, segments)
	for _, s := range segments {
		assert.FileExists(t, filepath.Join(dir, s))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EncoderExits.WithLabelValues("capture", "clean")))
}

func TestProcessDiscardsAfterStop(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	p, err := Spawn(Config{Binary: "ffmpeg", Command: encodertest.Command(), Metrics: m}, audiodevice.Render, mono16k, dir)
	require.NoError(t, err)

	stream := make(chan []byte, 16)
	require.NoError(t, p.Forward(stream))
	require.NoError(t, p.SignalStop())

	// Chunks still queued after the stop signal are dropped, not failures
	for range 4 {
		stream <- append(pcm.GetChunk(4), 0, 0, 0, 0)
	}
	close(stream)
	p.WaitForward()

	assert.NoError(t, p.Wait(10*time.Second))
	assert.Zero(t, testutil.ToFloat64(m.WriteFailures.WithLabelValues("render")))
}

func TestProcessSpawnFailure(t *testing.T) {
	_, err := Spawn(Config{Binary: filepath.Join(t.TempDir(), "no-such-encoder")}, audiodevice.Capture, mono16k, t.TempDir())
	assert.ErrorIs(t, err, ErrSpawnFailed)

	_, err = Spawn(Config{Binary: "ffmpeg"}, audiodevice.Capture, audiodevice.StreamFormat{}, t.TempDir())
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestProcessUnexpectedExit(t *testing.T) {
	m := metrics.New()
	p, err := Spawn(Config{
		Binary:  "ffmpeg",
		Command: encodertest.Command(encodertest.ExitImmediately),
		Metrics: m,
	}, audiodevice.Capture, mono16k, t.TempDir())
	require.NoError(t, err)

	select {
	case <-p.Exited():
	case <-time.After(10 * time.Second):
		t.Fatal("encoder never exited")
	}
	assert.ErrorIs(t, p.Wait(0), ErrUnexpectedExit)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EncoderExits.WithLabelValues("capture", "error")))

	// Writes to a dead encoder fail the forwarding task without panicking
	stream := make(chan []byte, 1)
	require.NoError(t, p.Forward(stream))
	stream <- append(pcm.GetChunk(2), 1, 2)
	p.WaitForward()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WriteFailures.WithLabelValues("capture")))
}

func TestProcessKilledAfterGrace(t *testing.T) {
	m := metrics.New()
	p, err := Spawn(Config{
		Binary:  "ffmpeg",
		Command: encodertest.Command(encodertest.Hang),
		Metrics: m,
	}, audiodevice.Capture, mono16k, t.TempDir())
	require.NoError(t, err)

	require.NoError(t, p.SignalStop())
	start := time.Now()
	assert.NoError(t, p.Wait(200*time.Millisecond))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EncoderExits.WithLabelValues("capture", "killed")))

	// Killing an exited process is harmless
	p.Kill()
}

func TestProcessCancelForward(t *testing.T) {
	p, err := Spawn(Config{Binary: "ffmpeg", Command: encodertest.Command()}, audiodevice.Capture, mono16k, t.TempDir())
	require.NoError(t, err)

	stream := make(chan []byte)
	require.NoError(t, p.Forward(stream))
	p.CancelForward()
	p.WaitForward()

	require.NoError(t, p.SignalStop())
	assert.NoError(t, p.Wait(10*time.Second))
}

func TestProcessSignalStopUnblocksFullPipe(t *testing.T) {
	m := metrics.New()
	p, err := Spawn(Config{
		Binary:  "ffmpeg",
		Command: encodertest.Command(encodertest.Hang),
		Metrics: m,
	}, audiodevice.Capture, mono16k, t.TempDir())
	require.NoError(t, err)

	// Far more than a pipe buffer, into a process that never reads
	stream := make(chan []byte, 256)
	require.NoError(t, p.Forward(stream))
	feed(t, stream, 10, mono16k)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.BytesForwarded.WithLabelValues("capture")) > 0
	}, 10*time.Second, 20*time.Millisecond)

	start := time.Now()
	_ = p.SignalStop()
	assert.Less(t, time.Since(start), quitWriteTimeout+2*time.Second)

	assert.NoError(t, p.Wait(200*time.Millisecond))
	p.CancelForward()
	p.WaitForward()
	assert.Zero(t, testutil.ToFloat64(m.WriteFailures.WithLabelValues("capture")))
}

func TestScanStderrLines(t *testing.T) {
	long := strings.Repeat("x", maxStderrLine+10)
	scanner := bufio.NewScanner(strings.NewReader("one\rtwo\nthree\r\n" + long))
	scanner.Buffer(make([]byte, 16), maxStderrLine)
	scanner.Split(scanStderrLines)

	tokens := make([]string, 0)
	for scanner.Scan() {
		tokens = append(tokens, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"one", "two", "three", "", long[:maxStderrLine], long[maxStderrLine:]}, tokens)
}

func TestProcessSurvivesStderrWithoutNewlines(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	p, err := Spawn(Config{
		Binary:  "ffmpeg",
		Command: encodertest.Command(encodertest.StderrFlood(512 * 1024)),
		Metrics: m,
	}, audiodevice.Capture, mono16k, dir)
	require.NoError(t, err)

	stream := make(chan []byte, 64)
	require.NoError(t, p.Forward(stream))
	feed(t, stream, 6, mono16k)

	require.Eventually(t, func() bool {
		n, _ := CountManifest(p.ManifestPath())
		return n == 2
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, p.SignalStop())
	close(stream)
	p.WaitForward()
	require.NoError(t, p.Wait(5*time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EncoderExits.WithLabelValues("capture", "clean")))
	assert.Zero(t, testutil.ToFloat64(m.EncoderExits.WithLabelValues("capture", "killed")))
	assert.Zero(t, testutil.ToFloat64(m.WriteFailures.WithLabelValues("capture")))
}

func TestRunToolSurvivesStderrWithoutNewlines(t *testing.T) {
	dir := t.TempDir()
	args, err := BuildArgs(mono16k, dir)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = RunTool(ctx, Config{
		Binary:  "ffmpeg",
		Command: encodertest.Command(encodertest.StderrFlood(512 * 1024)),
	}, args...)
	require.NoError(t, err)
	assert.NoError(t, ctx.Err())
}
