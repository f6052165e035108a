package audio

import (
	"encoding/binary"
	"math"
)

// Float32ToInt16 converts float samples in [-1, 1] to int16, clipping anything
// outside that range.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s) * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// Float32ToBytes converts float samples to little-endian IEEE 754 bytes.
func Float32ToBytes(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

// BytesToFloat32 decodes little-endian IEEE 754 bytes into dst and returns the
// number of samples written. Trailing bytes that don't make a whole sample are
// ignored.
func BytesToFloat32(dst []float32, buf []byte) int {
	n := len(buf) / 4
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return n
}
