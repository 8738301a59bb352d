package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
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
	ErrSpawnFailed      = errors.New("failed to spawn encoder")
	ErrWriteFailed      = errors.New("failed to write to encoder input")
	ErrUnexpectedExit   = errors.New("encoder exited unexpectedly")
	errInputClosed      = errors.New("encoder input already closed")
	errForwardingActive = errors.New("forwarding task already running")
)

// Written to the encoder input to request a clean shutdown.
var quitSequence = []byte("q\n")

// Bound on writing the quit sequence into a pipe nobody reads.
const quitWriteTimeout = 2 * time.Second

type Config struct {
	// Path to the encoder executable, see ResolveBinary.
	Binary string

	// exec.CommandContext if nil
	Command CommandFunc

	Metrics *metrics.Metrics
}

func (c Config) command() CommandFunc {
	if c.Command == nil {
		return exec.CommandContext
	}
	return c.Command
}

// --------------------------------------------------------------------------------

// Process owns one encoder subprocess and its input pipe.
//
// Bytes reach the pipe only through the forwarding task started by Forward,
// so the encoder never has more than one producer.
type Process struct {
	logger *slog.Logger
	uuid   uuid.UUID

	direction audiodevice.Direction
	outputDir string

	cmd        *exec.Cmd
	cancelProc context.CancelFunc

	// Write end of the encoder's stdin. Closed once, by SignalStop.
	stdin       *os.File
	inputClosed atomic.Bool

	forwardMutex  sync.Mutex
	forwardCancel context.CancelFunc
	forwardDone   chan struct{}

	stopping atomic.Bool
	killed   atomic.Bool
	exited   chan struct{}
	exitErr  error

	bytesForwarded prometheus.Counter
	writeFailures  prometheus.Counter
	exits          *prometheus.CounterVec
}

// Spawn launches an encoder consuming raw PCM of the given format
// and writing segments plus a manifest into outputDir.
func Spawn(config Config, direction audiodevice.Direction, format audiodevice.StreamFormat, outputDir string) (*Process, error) {
	uuid := uuid.New()
	logger := slog.Default().With(
		"encoder uuid", uuid,
		"direction", direction,
	)

	args, err := BuildArgs(format, outputDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	m := config.Metrics
	if m == nil {
		m = metrics.New()
	}

	procCtx, cancelProc := context.WithCancel(context.Background())
	cmd := config.command()(procCtx, config.Binary, args...)

	// Own the pipe, rather than cmd.StdinPipe, so writes can carry a deadline
	stdinRead, stdin, err := os.Pipe()
	if err != nil {
		cancelProc()
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	cmd.Stdin = stdinRead

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancelProc()
		stdinRead.Close()
		stdin.Close()
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	logger.Debug("encoder command", "binary", config.Binary, "args", strings.Join(args, " "))
	err = cmd.Start()
	stdinRead.Close()
	if err != nil {
		cancelProc()
		stdin.Close()
		logger.Error("could not start encoder", "binary", config.Binary, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	p := &Process{
		logger:         logger,
		uuid:           uuid,
		direction:      direction,
		outputDir:      outputDir,
		cmd:            cmd,
		cancelProc:     cancelProc,
		stdin:          stdin,
		exited:         make(chan struct{}),
		bytesForwarded: m.BytesForwarded.WithLabelValues(direction.String()),
		writeFailures:  m.WriteFailures.WithLabelValues(direction.String()),
		exits:          m.EncoderExits,
	}

	stderrDone := make(chan struct{})
	go p.pumpStderr(stderr, stderrDone)
	go p.reap(stderrDone)

	logger.Info("encoder started", "pid", cmd.Process.Pid, "format", format, "outputDir", outputDir)
	return p, nil
}

func (p *Process) OutputDir() string {
	return p.outputDir
}

func (p *Process) ManifestPath() string {
	return ManifestPath(p.outputDir)
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

func (p *Process) pumpStderr(stderr io.Reader, done chan struct{}) {
	defer close(done)
	logStderr(p.logger, stderr)
}

// Wait for the process once stderr is drained, and record how it went.
func (p *Process) reap(stderrDone chan struct{}) {
	<-stderrDone
	err := p.cmd.Wait()
	p.cancelProc()

	outcome := "clean"
	switch {
	case p.killed.Load():
		outcome = "killed"
		p.logger.Debug("encoder killed", "err", err)
		err = nil
	case err != nil:
		outcome = "error"
		err = fmt.Errorf("%w: %w", ErrUnexpectedExit, err)
		p.logger.Error("encoder exited with error", "err", err)
	case !p.stopping.Load():
		outcome = "error"
		err = ErrUnexpectedExit
		p.logger.Error("encoder exited before stop was signalled", "err", err)
	default:
		p.logger.Info("encoder exited")
	}
	p.exits.WithLabelValues(p.direction.String(), outcome).Inc()

	p.exitErr = err
	close(p.exited)
}

// --------------------------------------------------------------------------------
// Forwarding

// Forward starts the forwarding task, moving chunks from stream into the
// encoder input until stream is closed, the task is cancelled, or a write fails.
//
// Chunks are handed back to the pcm pool once written.
func (p *Process) Forward(stream <-chan []byte) error {
	p.forwardMutex.Lock()
	defer p.forwardMutex.Unlock()
	if p.forwardDone != nil {
		return errForwardingActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.forwardCancel = cancel
	p.forwardDone = make(chan struct{})
	go p.forward(ctx, stream, p.forwardDone)
	return nil
}

func (p *Process) forward(ctx context.Context, stream <-chan []byte, done chan struct{}) {
	defer close(done)

	discarded := 0
	failed := false
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("forwarding task cancelled")
			return
		case chunk, ok := <-stream:
			if !ok {
				p.logger.Debug("stream closed, forwarding task done", "discardedAfterStop", discarded)
				return
			}
			if failed {
				pcm.PutChunk(chunk)
				discarded++
				continue
			}

			err := p.write(chunk)
			pcm.PutChunk(chunk)
			if err == nil {
				continue
			}

			if errors.Is(err, errInputClosed) && p.stopping.Load() {
				// Input was shut after the stop signal; the rest of the queue is surplus
				discarded++
				failed = true
				continue
			}
			p.writeFailures.Inc()
			p.logger.Error("forwarding task exiting", "err", fmt.Errorf("%w: %w", ErrWriteFailed, err))
			return
		}
	}
}

func (p *Process) write(chunk []byte) error {
	if p.inputClosed.Load() {
		return errInputClosed
	}
	n, err := p.stdin.Write(chunk)
	p.bytesForwarded.Add(float64(n))
	if err != nil && p.inputClosed.Load() {
		// Closed or timed out by SignalStop while this write was pending
		return fmt.Errorf("%w: %w", errInputClosed, err)
	}
	return err
}

// CancelForward stops the forwarding task without waiting for it.
func (p *Process) CancelForward() {
	p.forwardMutex.Lock()
	defer p.forwardMutex.Unlock()
	if p.forwardCancel != nil {
		p.forwardCancel()
	}
}

// WaitForward blocks until the forwarding task has exited, or returns at once
// if none was started.
func (p *Process) WaitForward() {
	p.forwardMutex.Lock()
	done := p.forwardDone
	p.forwardMutex.Unlock()

	if done != nil {
		<-done
	}
}

// --------------------------------------------------------------------------------
// Shutdown

// SignalStop asks the encoder to finish: the quit sequence is written to its input,
// which is then closed. Calling it again is a no-op.
//
// An encoder that stopped reading does not block SignalStop for longer than
// quitWriteTimeout. A pending forwarding write is abandoned along with it.
func (p *Process) SignalStop() error {
	p.stopping.Store(true)
	if !p.inputClosed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := p.stdin.SetWriteDeadline(time.Now().Add(quitWriteTimeout)); err != nil {
		p.logger.Debug("input pipe has no deadline support", "err", err)
	}
	if _, err := p.stdin.Write(quitSequence); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrWriteFailed, err))
	}
	if err := p.stdin.Close(); err != nil {
		errs = append(errs, err)
	}

	p.logger.Debug("stop signalled")
	return errors.Join(errs...)
}

// Kill force-terminates the process. Harmless once it has exited.
func (p *Process) Kill() {
	select {
	case <-p.exited:
		return
	default:
	}

	p.stopping.Store(true)
	p.killed.Store(true)
	p.cancelProc()
	p.logger.Warn("encoder killed")
}

// Wait for the process to exit by itself for up to grace, then kill it.
// A non-positive grace waits indefinitely.
//
// Returns an error wrapping ErrUnexpectedExit if the process failed on its own.
func (p *Process) Wait(grace time.Duration) error {
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.exited:
		case <-timer.C:
			p.logger.Warn("encoder did not exit in time", "grace", grace)
			p.Kill()
			<-p.exited
		}
	} else {
		<-p.exited
	}
	return p.exitErr
}
