package device

import (
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/oov/audio/resampler"
)

// Quality passed to the resampler, in [0, 10].
const resampleQuality = 10

type formatConversionFunction func([]float32) []float32

// Build the chain of conversions taking interleaved float samples
// at (sourceRate, sourceChannels) to (sinkRate, sinkChannels).
//
// Any channel count is first folded to mono when the counts differ,
// then spread to the sink count.
func newFormatConversion(sourceRate, sourceChannels, sinkRate, sinkChannels int) []formatConversionFunction {
	conversions := make([]formatConversionFunction, 0)

	channels := sourceChannels
	if channels != sinkChannels && channels != 1 {
		conversions = append(conversions, downmix(channels))
		channels = 1
	}
	if sourceRate != sinkRate {
		conversions = append(conversions, newResampleFunction(channels, sourceRate, sinkRate))
	}
	if channels != sinkChannels {
		conversions = append(conversions, upmix(sinkChannels))
	}
	return conversions
}

func convertFormat(samples []float32, conversions []formatConversionFunction) []float32 {
	for _, f := range conversions {
		samples = f(samples)
	}
	return samples
}

// Average every group of channels down to a single sample.
func downmix(channels int) formatConversionFunction {
	return func(source []float32) []float32 {
		frames := len(source) / channels
		out := make([]float32, frames)
		for i := range frames {
			var sum float32
			for c := range channels {
				sum += source[i*channels+c]
			}
			out[i] = sum / float32(channels)
		}
		return out
	}
}

// Copy each mono sample onto every channel.
func upmix(channels int) formatConversionFunction {
	return func(source []float32) []float32 {
		out := make([]float32, len(source)*channels)
		for i, v := range source {
			for c := range channels {
				out[i*channels+c] = v
			}
		}
		return out
	}
}

func newResampleFunction(channels, sourceRate, sinkRate int) formatConversionFunction {
	r := resampler.New(channels, sourceRate, sinkRate, resampleQuality)
	return func(source []float32) []float32 {
		frames := len(source) / channels

		// Decode to planar, source is interleaved
		planarSource := make([][]float32, channels)
		planarSink := make([][]float32, channels)
		sinkFrames := frames*sinkRate/sourceRate + 64
		for c := range channels {
			planarSource[c] = make([]float32, frames)
			planarSink[c] = make([]float32, sinkFrames)
			for i := range frames {
				planarSource[c][i] = source[i*channels+c]
			}
		}

		written := 0
		for c := range channels {
			_, written = r.ProcessFloat32(c, planarSource[c], planarSink[c])
		}

		// Interleave again
		out := make([]float32, written*channels)
		for i := range written {
			for c := range channels {
				out[i*channels+c] = planarSink[c][i]
			}
		}
		return out
	}
}

// Normalize integer PCM from a decoded file into [-1, 1].
func intBufferToFloat32(buf *goaudio.IntBuffer) []float32 {
	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(math.Pow(2, float64(bitDepth-1)))

	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / scale
	}
	return out
}
