package encoder

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
)

const (
	// Every segment covers this much audio, except possibly the last.
	SegmentDuration = 3 * time.Second

	// All segments are resampled to this rate, mono.
	TargetSampleRate = 16000

	ManifestName   = "segment_list.txt"
	SegmentPattern = "audio_recording_%03d.wav"

	downmixFilter  = "pan=stereo|FL=FL+0.5*FC|FR=FR+0.5*FC"
	loudnessFilter = "loudnorm"
)

// Keep stderr to warnings and errors, without the banner or progress reports.
var quietArgs = []string{"-hide_banner", "-nostats"}

var resampleFilter = fmt.Sprintf("aresample=async=1:min_hard_comp=0.100000:first_pts=0:osr=%d", TargetSampleRate)

// Path of the segment manifest inside a stream directory.
func ManifestPath(outputDir string) string {
	return filepath.Join(outputDir, ManifestName)
}

// FilterChain is the audio filter graph applied to a raw input stream.
// Sources with more than two channels are first folded down to stereo.
func FilterChain(numChannels int) string {
	filters := make([]string, 0, 3)
	if numChannels > 2 {
		filters = append(filters, downmixFilter)
	}
	filters = append(filters, loudnessFilter, resampleFilter)
	return strings.Join(filters, ",")
}

// BuildArgs constructs the encoder command line for one raw PCM stream
// of the given format, segmenting into outputDir.
func BuildArgs(format audiodevice.StreamFormat, outputDir string) ([]string, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("%w: %s", audiodevice.ErrUnsupportedFormat, format)
	}
	tag, err := format.SampleFormat.EncoderTag()
	if err != nil {
		return nil, err
	}

	return append(append([]string{}, quietArgs...),
		"-f", tag,
		"-ar", strconv.FormatUint(uint64(format.SampleRate), 10),
		"-ac", strconv.Itoa(format.NumChannels),
		"-thread_queue_size", "4096",
		"-i", "pipe:0",
		"-af", FilterChain(format.NumChannels),
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-async", "1",
		"-f", "segment",
		"-segment_time", strconv.Itoa(int(SegmentDuration / time.Second)),
		"-segment_time_delta", "0.01",
		"-segment_list", ManifestPath(outputDir),
		"-reset_timestamps", "1",
		filepath.Join(outputDir, SegmentPattern),
	), nil
}

// ExpectedSegments is the number of complete segments covering elapsed.
func ExpectedSegments(elapsed time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed / SegmentDuration)
}
