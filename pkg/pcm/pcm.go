// Package pcm serializes native sample buffers to the little-endian byte form
// consumed by the encoder's raw input, and back again.
package pcm

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
)

var errTrailingBytes = errors.New("byte length is not a multiple of the sample size")

// Size in bytes of a single sample for each supported width.
const (
	Int8Size    = 1
	Int16Size   = 2
	Int32Size   = 4
	Float32Size = 4
)

// EncodeInt8 appends the samples to dst and returns the extended slice.
func EncodeInt8(dst []byte, samples []int8) []byte {
	for _, s := range samples {
		dst = append(dst, byte(s))
	}
	return dst
}

func EncodeInt16(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

func EncodeInt32(dst []byte, samples []int32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(s))
	}
	return dst
}

func EncodeFloat32(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(s))
	}
	return dst
}

func DecodeInt8(src []byte) []int8 {
	out := make([]int8, len(src))
	for i, b := range src {
		out[i] = int8(b)
	}
	return out
}

func DecodeInt16(src []byte) ([]int16, error) {
	if len(src)%Int16Size != 0 {
		return nil, errTrailingBytes
	}
	out := make([]int16, len(src)/Int16Size)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(src[i*Int16Size:]))
	}
	return out, nil
}

func DecodeInt32(src []byte) ([]int32, error) {
	if len(src)%Int32Size != 0 {
		return nil, errTrailingBytes
	}
	out := make([]int32, len(src)/Int32Size)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(src[i*Int32Size:]))
	}
	return out, nil
}

func DecodeFloat32(src []byte) ([]float32, error) {
	if len(src)%Float32Size != 0 {
		return nil, errTrailingBytes
	}
	out := make([]float32, len(src)/Float32Size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*Float32Size:]))
	}
	return out, nil
}

// --------------------------------------------------------------------------------
// Chunk pool

// Chunks cross from the audio callback to the forwarding task and are handed
// back once written, so steady-state capture reuses a small set of buffers.
//
// A chunk larger than maxPooledChunk is not returned to the pool.
const maxPooledChunk = 1 << 16

var chunkPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	},
}

// GetChunk returns an empty buffer with at least the requested capacity.
func GetChunk(capacity int) []byte {
	b := *(chunkPool.Get().(*[]byte))
	if cap(b) < capacity {
		return make([]byte, 0, capacity)
	}
	return b[:0]
}

// PutChunk returns a buffer obtained from GetChunk. The caller must not use it afterwards.
func PutChunk(b []byte) {
	if cap(b) == 0 || cap(b) > maxPooledChunk {
		return
	}
	b = b[:0]
	chunkPool.Put(&b)
}
