package recorder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/assembly"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/audioapi"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/encoder"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/encoder/encodertest"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/metrics"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	encodertest.RunIfRequested()
	os.Exit(m.Run())
}

func newTestOrchestrator(t *testing.T, dummy audioapi.DummyConfig, configure ...func(*Config)) (*Orchestrator, *audioapi.DummyAudioIODeviceAPI) {
	t.Helper()
	api := audioapi.NewDummyAudioIODeviceAPI(dummy)
	config := Config{
		DataDir:      t.TempDir(),
		Encoder:      encoder.Config{Binary: "ffmpeg", Command: encodertest.Command()},
		EncoderGrace: 5 * time.Second,
		Metrics:      metrics.New(),
	}
	for _, c := range configure {
		c(&config)
	}
	return NewOrchestrator(audioapi.NewRegistry(api), config), api
}

func TestStartStop(t *testing.T) {
	o, _ := newTestOrchestrator(t, audioapi.DummyConfig{})
	assert.Equal(t, Idle, o.State())

	session, err := o.Start(context.Background(), "meeting-1", RecordingOptions{UserID: "u1"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, Recording, o.State())
	assert.Same(t, session, o.Session())
	assert.Equal(t, SessionDir(o.config.DataDir, "meeting-1"), session.Dir)

	input := session.Stream(audiodevice.Capture)
	output := session.Stream(audiodevice.Render)
	require.NotNil(t, input)
	require.NotNil(t, output)
	assert.Equal(t, "DummyInput", input.Device().Name)
	assert.Equal(t, "DummyOutput", output.Device().Name)
	assert.Equal(t, filepath.Join(session.Dir, "input"), input.Dir())
	assert.Equal(t, filepath.Join(session.Dir, "output"), output.Dir())
	assert.FileExists(t, encoder.ManifestPath(input.Dir()))
	assert.FileExists(t, encoder.ManifestPath(output.Dir()))

	_, err = o.Start(context.Background(), "", RecordingOptions{}, "", "")
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	require.Eventually(t, func() bool {
		_, ok := input.FirstSample()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	report, err := o.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Idle, o.State())
	assert.Nil(t, o.Session())
	assert.Equal(t, "meeting-1", report.SessionID)
	assert.Zero(t, report.ExpectedSegments)
	require.Len(t, report.Streams, 2)
	assert.Equal(t, audiodevice.Capture, report.Streams[0].Direction)
	assert.False(t, report.Streams[0].FirstSample.IsZero())

	_, err = o.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)

	m := o.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsStarted))
	assert.Zero(t, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EncoderExits.WithLabelValues("capture", "clean")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EncoderExits.WithLabelValues("render", "clean")))
}

func TestStartGeneratesSessionID(t *testing.T) {
	o, _ := newTestOrchestrator(t, audioapi.DummyConfig{})

	session, err := o.Start(context.Background(), "", RecordingOptions{}, "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)

	_, err = o.Stop(context.Background())
	require.NoError(t, err)
}

func TestStartCleansPreviousData(t *testing.T) {
	o, _ := newTestOrchestrator(t, audioapi.DummyConfig{})
	stale := filepath.Join(SessionDir(o.config.DataDir, "s"), "input", "audio_recording_000.wav")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	_, err := o.Start(context.Background(), "s", RecordingOptions{}, "", "")
	require.NoError(t, err)
	assert.NoFileExists(t, stale)

	_, err = o.Stop(context.Background())
	require.NoError(t, err)
}

func TestStartSingleDirection(t *testing.T) {
	o, _ := newTestOrchestrator(t, audioapi.DummyConfig{})

	session, err := o.Start(context.Background(), "s", RecordingOptions{
		OutputDeviceName: audiodevice.NoneDeviceName,
	}, "", "")
	require.NoError(t, err)
	assert.NotNil(t, session.Stream(audiodevice.Capture))
	assert.Nil(t, session.Stream(audiodevice.Render))
	assert.Len(t, session.Streams(), 1)
	assert.NoDirExists(t, filepath.Join(session.Dir, "output"))

	report, err := o.Stop(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Streams, 1)
}

func TestStartBothDirectionsDisabled(t *testing.T) {
	o, _ := newTestOrchestrator(t, audioapi.DummyConfig{})

	_, err := o.Start(context.Background(), "s", RecordingOptions{
		InputDeviceName:  audiodevice.NoneDeviceName,
		OutputDeviceName: audiodevice.NoneDeviceName,
	}, "", "")
	assert.ErrorIs(t, err, errNoStreams)
	assert.Equal(t, Idle, o.State())
}

func TestStartRejectsInvalidSessionID(t *testing.T) {
	o, _ := newTestOrchestrator(t, audioapi.DummyConfig{})

	for _, id := range []string{"..", "a/b", "."} {
		_, err := o.Start(context.Background(), id, RecordingOptions{}, "", "")
		assert.ErrorIs(t, err, errInvalidSessionID, id)
	}
	assert.Equal(t, Idle, o.State())
}

func TestStartDeviceNotFound(t *testing.T) {
	o, _ := newTestOrchestrator(t, audioapi.DummyConfig{
		InputDevices: []audiodevice.DeviceHandle{{
			ID:        "mic",
			Name:      "Mic",
			Direction: audiodevice.Capture,
			Formats:   []audiodevice.StreamFormat{{SampleFormat: audiodevice.Int16, SampleRate: 16000, NumChannels: 1}},
		}},
	})

	_, err := o.Start(context.Background(), "s", RecordingOptions{InputDeviceName: "Headset"}, "", "")
	assert.ErrorIs(t, err, audioapi.ErrDeviceNotFound)
	assert.Equal(t, Idle, o.State())
	assert.Nil(t, o.Session())
}

func TestStartPinnedDeviceID(t *testing.T) {
	mono := []audiodevice.StreamFormat{{SampleFormat: audiodevice.Int16, SampleRate: 16000, NumChannels: 1}}
	o, _ := newTestOrchestrator(t, audioapi.DummyConfig{
		InputDevices: []audiodevice.DeviceHandle{
			{ID: "mic-a", Name: "Mic", Direction: audiodevice.Capture, IsDefault: true, Formats: mono},
			{ID: "mic-b", Name: "Mic", Direction: audiodevice.Capture, Formats: mono},
		},
	})

	session, err := o.Start(context.Background(), "s", RecordingOptions{
		InputDeviceName:  "Mic",
		OutputDeviceName: audiodevice.NoneDeviceName,
	}, "mic-b", "")
	require.NoError(t, err)
	assert.Equal(t, audiodevice.DeviceID("mic-b"), session.Stream(audiodevice.Capture).Device().ID)
	assert.Equal(t, mono[0], session.Stream(audiodevice.Capture).Format())

	_, err = o.Stop(context.Background())
	require.NoError(t, err)
}

func TestStartSpawnFailure(t *testing.T) {
	o, api := newTestOrchestrator(t, audioapi.DummyConfig{}, func(c *Config) {
		c.Encoder = encoder.Config{Binary: filepath.Join(t.TempDir(), "no-such-encoder")}
	})

	_, err := o.Start(context.Background(), "s", RecordingOptions{}, "", "")
	assert.ErrorIs(t, err, encoder.ErrSpawnFailed)
	assert.Equal(t, Idle, o.State())
	assert.Zero(t, api.ManualSource().NumListeners(), "monitors are unregistered")
	assert.Zero(t, testutil.ToFloat64(o.Metrics().ActiveSessions))
}

func TestStartCancelledContext(t *testing.T) {
	o, api := newTestOrchestrator(t, audioapi.DummyConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Start(ctx, "s", RecordingOptions{}, "", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Idle, o.State())
	assert.Zero(t, api.ManualSource().NumListeners())
}

func TestDeviceDisconnectDuringRecording(t *testing.T) {
	o, api := newTestOrchestrator(t, audioapi.DummyConfig{})

	session, err := o.Start(context.Background(), "s", RecordingOptions{}, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, api.ManualSource().NumListeners())

	output := session.Stream(audiodevice.Render)
	assert.True(t, output.DeviceAlive())

	api.ManualSource().SetRunning("dummy-output", false)
	assert.False(t, output.DeviceAlive())
	assert.True(t, session.Stream(audiodevice.Capture).DeviceAlive())
	assert.Zero(t, testutil.ToFloat64(o.Metrics().DeviceAlive.WithLabelValues("DummyOutput")))

	// Recording carries on until stopped
	assert.Equal(t, Recording, o.State())
	_, err = o.Stop(context.Background())
	require.NoError(t, err)
	assert.Zero(t, api.ManualSource().NumListeners())
}

func TestDeleteSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, audioapi.DummyConfig{})

	session, err := o.Start(context.Background(), "s", RecordingOptions{}, "", "")
	require.NoError(t, err)
	assert.ErrorIs(t, o.DeleteSession("s"), ErrSessionActive)

	_, err = o.Stop(context.Background())
	require.NoError(t, err)

	require.NoError(t, o.DeleteSession("s"))
	assert.NoDirExists(t, session.Dir)

	assert.ErrorIs(t, o.DeleteSession("s"), os.ErrNotExist)
	assert.ErrorIs(t, o.DeleteSession("../s"), errInvalidSessionID)
	assert.ErrorIs(t, o.DeleteSession(""), errInvalidSessionID)
}

// --------------------------------------------------------------------------------

func TestDrainTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("records for several seconds")
	}

	o, _ := newTestOrchestrator(t, audioapi.DummyConfig{}, func(c *Config) {
		// Never writes a segment
		c.Encoder.Command = encodertest.Command(encodertest.Hang)
		c.DrainTimeout = 300 * time.Millisecond
		c.EncoderGrace = 200 * time.Millisecond
	})

	_, err := o.Start(context.Background(), "s", RecordingOptions{
		OutputDeviceName: audiodevice.NoneDeviceName,
	}, "", "")
	require.NoError(t, err)

	time.Sleep(3100 * time.Millisecond)

	report, err := o.Stop(context.Background())
	assert.ErrorIs(t, err, ErrDrainTimedOut)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.ExpectedSegments)
	assert.Zero(t, report.Streams[0].Segments)
	assert.Equal(t, Idle, o.State())

	m := o.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DrainTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EncoderExits.WithLabelValues("capture", "killed")))
}

func TestDrainWithoutTimeoutWaitsForCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("records for several seconds")
	}

	o, _ := newTestOrchestrator(t, audioapi.DummyConfig{}, func(c *Config) {
		c.Encoder.Command = encodertest.Command(encodertest.Hang)
		c.DrainTimeout = 0
		c.DrainPollInterval = 50 * time.Millisecond
		c.EncoderGrace = 200 * time.Millisecond
	})

	_, err := o.Start(context.Background(), "s", RecordingOptions{
		OutputDeviceName: audiodevice.NoneDeviceName,
	}, "", "")
	require.NoError(t, err)

	time.Sleep(3100 * time.Millisecond)

	type result struct {
		report *Report
		err    error
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan result, 1)
	go func() {
		report, err := o.Stop(ctx)
		done <- result{report, err}
	}()

	// The manifest never reaches the expected count
	select {
	case <-done:
		t.Fatal("stop returned while segments were still missing")
	case <-time.After(time.Second):
	}
	assert.Equal(t, Stopping, o.State())

	cancel()
	var r result
	select {
	case r = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("stop did not return after cancellation")
	}
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.NotErrorIs(t, r.err, ErrDrainTimedOut)
	require.NotNil(t, r.report)
	assert.Equal(t, 1, r.report.ExpectedSegments)
	assert.Equal(t, Idle, o.State())
	assert.Nil(t, o.Session())

	m := o.Metrics()
	assert.Zero(t, testutil.ToFloat64(m.DrainTimeouts))
	assert.Zero(t, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EncoderExits.WithLabelValues("capture", "killed")))
}

func TestStopCutsBothStreamsTogether(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the encoder grace")
	}

	const grace = 2 * time.Second
	o, _ := newTestOrchestrator(t, audioapi.DummyConfig{}, func(c *Config) {
		// Neither encoder reads or exits, so both run out the grace
		c.Encoder.Command = encodertest.Command(encodertest.Hang)
		c.EncoderGrace = grace
	})

	_, err := o.Start(context.Background(), "s", RecordingOptions{}, "", "")
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)

	start := time.Now()
	_, err = o.Stop(context.Background())
	require.NoError(t, err)
	// One grace period for both encoders, not one each
	assert.Less(t, time.Since(start), 2*grace+2*time.Second)

	m := o.Metrics()
	capture := testutil.ToFloat64(m.ChunksCaptured.WithLabelValues("capture"))
	render := testutil.ToFloat64(m.ChunksCaptured.WithLabelValues("render"))
	assert.Positive(t, capture)
	assert.InDelta(t, capture, render, 10, "both sources stop at the same time")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EncoderExits.WithLabelValues("capture", "killed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EncoderExits.WithLabelValues("render", "killed")))
}

func TestRecordAndAssemble(t *testing.T) {
	if testing.Short() {
		t.Skip("records for ten seconds")
	}

	o, _ := newTestOrchestrator(t, audioapi.DummyConfig{})

	session, err := o.Start(context.Background(), "e2e", RecordingOptions{UserID: "u1"}, "", "")
	require.NoError(t, err)

	time.Sleep(10 * time.Second)

	report, err := o.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.ExpectedSegments)
	for _, s := range report.Streams {
		assert.GreaterOrEqual(t, s.Segments, report.ExpectedSegments, s.Direction)
		assert.Zero(t, s.Dropped, s.Direction)
		assert.Equal(t, float64(s.Segments), testutil.ToFloat64(o.Metrics().SegmentsProduced.WithLabelValues(s.Direction.String())))
	}

	a := assembly.New(o.config.Encoder)
	combined, err := a.Assemble(context.Background(), session.Dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(session.Dir, "input", assembly.CombinedName))
	assert.FileExists(t, filepath.Join(session.Dir, "output", assembly.CombinedName))
	assert.Equal(t, filepath.Join(session.Dir, assembly.CombinedName), combined)

	d, err := assembly.Duration(combined)
	require.NoError(t, err)
	assert.InDelta(t, report.Elapsed.Seconds(), d.Seconds(), encoder.SegmentDuration.Seconds())
}
