package device

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/metrics"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/pcm"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrStreamBuildFailed = errors.New("failed to build capture stream")
	ErrChannelFull       = errors.New("stream queue full, dropping chunk")

	errStopNotSignalled = errors.New("stream queue closed before stop was signalled")
)

// Capacity of the queue between a capture callback and its encoder, in chunks.
const QueueCapacity = 2048

// Log the first dropped chunk, then every dropLogInterval-th.
const dropLogInterval = 100

// Adapter bridges one real-time capture callback into a bounded queue of
// little-endian byte chunks. It implements audiodevice.SampleSink.
//
// Nothing on the callback path blocks: sends are non-blocking and lock
// acquisitions are attempts. Under contention a chunk is dropped rather
// than stalling the audio thread.
type Adapter struct {
	logger *slog.Logger
	uuid   uuid.UUID

	direction audiodevice.Direction
	format    audiodevice.StreamFormat

	// Shared with the session. The queue may only be closed once this is set.
	stopFlag *atomic.Bool

	// Guards closed and the close of queue against in-flight sends.
	// The callback only ever TryRLocks.
	queueMutex sync.RWMutex
	queue      chan []byte
	closed     bool
	closeOnce  sync.Once

	// Written at most once, by the first callback to win the TryLock.
	firstSampleMutex sync.Mutex
	firstSample      time.Time
	firstSampleSet   atomic.Bool

	captured     prometheus.Counter
	droppedTotal prometheus.Counter
	dropped      atomic.Uint64
}

// Create an Adapter for one stream direction.
//
// capacity is the queue size in chunks, QueueCapacity if non-positive.
// stopFlag is the session's stop flag.
func NewAdapter(
	direction audiodevice.Direction,
	format audiodevice.StreamFormat,
	capacity int,
	stopFlag *atomic.Bool,
	m *metrics.Metrics,
) *Adapter {
	uuid := uuid.New()
	logger := slog.Default().With(
		"capture adapter uuid", uuid,
		"direction", direction,
	)

	if capacity <= 0 {
		capacity = QueueCapacity
	}
	if m == nil {
		m = metrics.New()
	}

	logger.Debug(
		"created capture adapter",
		"format", format,
		"capacity", capacity,
	)

	return &Adapter{
		logger:       logger,
		uuid:         uuid,
		direction:    direction,
		format:       format,
		stopFlag:     stopFlag,
		queue:        make(chan []byte, capacity),
		captured:     m.ChunksCaptured.WithLabelValues(direction.String()),
		droppedTotal: m.ChunksDropped.WithLabelValues(direction.String()),
	}
}

// Stream is the receiving side of the queue. It is closed by Close.
func (a *Adapter) Stream() <-chan []byte {
	return a.queue
}

func (a *Adapter) Format() audiodevice.StreamFormat {
	return a.format
}

// --------------------------------------------------------------------------------
// audiodevice.SampleSink Interface

func (a *Adapter) WriteInt8(samples []int8) {
	if len(samples) == 0 {
		return
	}
	a.push(pcm.EncodeInt8(pcm.GetChunk(len(samples)*pcm.Int8Size), samples))
}

func (a *Adapter) WriteInt16(samples []int16) {
	if len(samples) == 0 {
		return
	}
	a.push(pcm.EncodeInt16(pcm.GetChunk(len(samples)*pcm.Int16Size), samples))
}

func (a *Adapter) WriteInt32(samples []int32) {
	if len(samples) == 0 {
		return
	}
	a.push(pcm.EncodeInt32(pcm.GetChunk(len(samples)*pcm.Int32Size), samples))
}

func (a *Adapter) WriteFloat32(samples []float32) {
	if len(samples) == 0 {
		return
	}
	a.push(pcm.EncodeFloat32(pcm.GetChunk(len(samples)*pcm.Float32Size), samples))
}

// The native buffer belongs to the driver, so it is copied.
func (a *Adapter) WriteBytes(samples []byte) {
	if len(samples) == 0 {
		return
	}
	a.push(append(pcm.GetChunk(len(samples)), samples...))
}

// --------------------------------------------------------------------------------

func (a *Adapter) push(chunk []byte) {
	a.captured.Inc()

	if !a.queueMutex.TryRLock() {
		// Close is in progress
		a.drop(chunk)
	} else {
		if a.closed {
			a.drop(chunk)
		} else {
			select {
			case a.queue <- chunk:
			default:
				a.drop(chunk)
			}
		}
		a.queueMutex.RUnlock()
	}

	a.markFirstSample()
}

func (a *Adapter) drop(chunk []byte) {
	pcm.PutChunk(chunk)
	a.droppedTotal.Inc()
	n := a.dropped.Add(1)
	if n == 1 || n%dropLogInterval == 0 {
		a.logger.Warn("dropping audio chunk",
			"err", ErrChannelFull,
			"droppedTotal", n,
		)
	}
}

// Record the wall-clock instant of the first captured chunk.
// A contended attempt is skipped and retried on the next callback.
func (a *Adapter) markFirstSample() {
	if a.firstSampleSet.Load() {
		return
	}
	if !a.firstSampleMutex.TryLock() {
		return
	}
	defer a.firstSampleMutex.Unlock()

	if a.firstSample.IsZero() {
		a.firstSample = time.Now()
		a.firstSampleSet.Store(true)
	}
}

// FirstSample returns the instant the first chunk was captured, if any.
func (a *Adapter) FirstSample() (time.Time, bool) {
	if !a.firstSampleSet.Load() {
		return time.Time{}, false
	}
	a.firstSampleMutex.Lock()
	defer a.firstSampleMutex.Unlock()
	return a.firstSample, true
}

// Number of chunks dropped so far.
func (a *Adapter) Dropped() uint64 {
	return a.dropped.Load()
}

// Close the queue, letting the forwarding task observe end-of-stream.
//
// Close refuses to run before the session's stop flag is set. Callbacks
// still in flight afterwards have their chunks dropped.
func (a *Adapter) Close() error {
	if a.stopFlag != nil && !a.stopFlag.Load() {
		return errStopNotSignalled
	}

	a.closeOnce.Do(func() {
		a.queueMutex.Lock()
		a.closed = true
		close(a.queue)
		a.queueMutex.Unlock()

		a.logger.Debug("capture adapter closed", "dropped", a.dropped.Load())
	})
	return nil
}
