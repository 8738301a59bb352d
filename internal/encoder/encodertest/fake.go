// Package encodertest provides a stand-in for the external encoder in tests.
//
// The test binary re-executes itself as the encoder: a package's TestMain calls
// RunIfRequested before m.Run, and Command is passed wherever an encoder
// command is built. The stand-in honours the same command line for the
// segment, concat and merge invocations, writing real WAV files.
package encodertest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const envVar = "MINUTES_FAKE_ENCODER"

// Extra behaviour for the stand-in, set through the environment of the child.
const (
	// Exit with this status straight away
	envExitCode = "MINUTES_FAKE_ENCODER_EXIT"
	// Ignore input and never exit until killed
	envHang = "MINUTES_FAKE_ENCODER_HANG"
	// Write this many bytes of progress reports to stderr, with no newline, before starting
	envStderrBytes = "MINUTES_FAKE_ENCODER_STDERR_BYTES"
)

const outputSampleRate = 16000

// RunIfRequested turns the current process into the stand-in encoder when it
// was started by Command. It never returns in that case.
func RunIfRequested() {
	if os.Getenv(envVar) != "1" {
		return
	}

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	if err := run(args); err != nil {
		fmt.Fprintln(os.Stderr, "fake encoder:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Command builds commands that run the stand-in instead of name.
func Command(env ...string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], append([]string{"-test.run=^$", "--"}, args...)...)
		cmd.Env = append(os.Environ(), envVar+"=1")
		cmd.Env = append(cmd.Env, env...)
		return cmd
	}
}

// Command options
var (
	ExitImmediately = envExitCode + "=3"
	Hang            = envHang + "=1"
)

// StderrFlood makes the stand-in print n bytes of carriage-return terminated
// progress reports before doing anything else.
func StderrFlood(n int) string {
	return envStderrBytes + "=" + strconv.Itoa(n)
}

// --------------------------------------------------------------------------------

func run(args []string) error {
	if code := os.Getenv(envExitCode); code != "" {
		c, _ := strconv.Atoi(code)
		os.Exit(c)
	}
	if n, _ := strconv.Atoi(os.Getenv(envStderrBytes)); n > 0 {
		if err := writeProgress(os.Stderr, n); err != nil {
			return err
		}
	}
	if os.Getenv(envHang) == "1" {
		for {
			time.Sleep(time.Hour)
		}
	}

	switch {
	case hasPair(args, "-f", "segment"):
		return segment(args)
	case hasPair(args, "-f", "concat"):
		return concat(args)
	case hasFlag(args, "-filter_complex"):
		return merge(args)
	}
	return fmt.Errorf("unsupported invocation: %v", args)
}

func writeProgress(w io.Writer, n int) error {
	report := []byte("size=       0kB time=00:00:00.00 bitrate=N/A speed=   1x    \r")
	for written := 0; written < n; written += len(report) {
		if _, err := w.Write(report); err != nil {
			return err
		}
	}
	return nil
}

func hasPair(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// First value of flag, searching from start.
func value(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func values(args []string, flag string) []string {
	res := make([]string, 0)
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			res = append(res, args[i+1])
		}
	}
	return res
}

func sampleSize(tag string) int {
	switch tag {
	case "s8":
		return 1
	case "s16le":
		return 2
	case "s32le", "f32le":
		return 4
	}
	return 0
}

// --------------------------------------------------------------------------------

// Cut stdin into fixed-duration segments, by byte count.
func segment(args []string) error {
	rate, _ := strconv.Atoi(value(args, "-ar"))
	channels, _ := strconv.Atoi(value(args, "-ac"))
	size := sampleSize(value(args, "-f"))
	segmentTime, _ := strconv.ParseFloat(value(args, "-segment_time"), 64)
	manifest := value(args, "-segment_list")
	pattern := args[len(args)-1]

	bytesPerSecond := rate * channels * size
	if bytesPerSecond <= 0 || segmentTime <= 0 || manifest == "" {
		return fmt.Errorf("bad segment invocation: %v", args)
	}
	segmentBytes := int(float64(bytesPerSecond) * segmentTime)

	buf := make([]byte, 64*1024)
	pending := 0
	index := 0
	stdin := bufio.NewReader(os.Stdin)
	for {
		n, err := stdin.Read(buf)
		pending += n
		for pending >= segmentBytes {
			if err := writeSegment(pattern, manifest, index, segmentTime); err != nil {
				return err
			}
			index++
			pending -= segmentBytes
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	// Flush the partial last segment
	if pending > 0 {
		return writeSegment(pattern, manifest, index, float64(pending)/float64(bytesPerSecond))
	}
	return nil
}

func writeSegment(pattern, manifest string, index int, seconds float64) error {
	path := fmt.Sprintf(pattern, index)
	if err := writeWAV(path, make([]int, int(seconds*outputSampleRate))); err != nil {
		return err
	}

	f, err := os.OpenFile(manifest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, filepath.Base(path))
	return err
}

// Join the WAV files listed in a concat script.
func concat(args []string) error {
	list := value(args, "-i")
	output := args[len(args)-1]

	f, err := os.Open(list)
	if err != nil {
		return err
	}
	defer f.Close()

	data := make([]int, 0)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		path, err := unquote(line)
		if err != nil {
			return err
		}
		samples, err := readWAV(path)
		if err != nil {
			return err
		}
		data = append(data, samples...)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return writeWAV(output, data)
}

// Parse a `file '<path>'` line, undoing '\'' escapes.
func unquote(line string) (string, error) {
	rest, ok := strings.CutPrefix(line, "file '")
	if !ok || !strings.HasSuffix(rest, "'") {
		return "", fmt.Errorf("bad concat line %q", line)
	}
	rest = strings.TrimSuffix(rest, "'")
	return strings.ReplaceAll(rest, `'\''`, "'"), nil
}

// Average two WAV files into one mono track.
func merge(args []string) error {
	inputs := values(args, "-i")
	if len(inputs) != 2 {
		return fmt.Errorf("merge needs two inputs, got %d", len(inputs))
	}
	output := args[len(args)-1]

	a, err := readWAV(inputs[0])
	if err != nil {
		return err
	}
	b, err := readWAV(inputs[1])
	if err != nil {
		return err
	}

	out := make([]int, max(len(a), len(b)))
	for i := range out {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		out[i] = (x + y) / 2
	}
	return writeWAV(output, out)
}

// --------------------------------------------------------------------------------

func writeWAV(path string, data []int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// Never write a file without samples
	if len(data) == 0 {
		data = []int{0}
	}

	enc := wav.NewEncoder(f, outputSampleRate, 16, 1, 1)
	err = enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: outputSampleRate},
		Data:           data,
		SourceBitDepth: 16,
	})
	if err != nil {
		return err
	}
	return enc.Close()
}

func readWAV(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Data, nil
}
