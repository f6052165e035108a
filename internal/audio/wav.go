package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	wavFormatIEEEFloat = 3

	// RIFF(12) + fmt(8+18) + fact(8+4) + data header(8)
	wavHeaderSize = 58

	riffSizeOffset = 4
	factOffset     = 12 + 8 + 18 + 8
	dataSizeOffset = wavHeaderSize - 4

	// RIFF sizes are 32-bit; the RIFF size covers the header after its own field.
	maxWAVData = math.MaxUint32 - (wavHeaderSize - 8)
)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("wav writer closed")

// ErrWAVFull is returned by Write when the samples would push the data chunk
// past what a RIFF header can describe. Nothing is written.
var ErrWAVFull = errors.New("wav data chunk full")

// WAVWriter streams interleaved float32 samples into a 32-bit IEEE float WAV
// file. Chunk sizes are patched on Close.
type WAVWriter struct {
	f         *os.File
	w         *bufio.Writer
	channels  int
	dataBytes int64
	limit     int64
	closed    bool
}

// CreateWAV creates (or truncates) path and writes a header for the profile.
func CreateWAV(path string, p DeviceProfile) (*WAVWriter, error) {
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return nil, fmt.Errorf("invalid wav format %d Hz / %d ch", p.SampleRate, p.Channels)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	ww := &WAVWriter{f: f, w: bufio.NewWriterSize(f, 64*1024), channels: p.Channels, limit: maxWAVData}
	if err := ww.writeHeader(p); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return ww, nil
}

func (ww *WAVWriter) writeHeader(p DeviceProfile) error {
	blockAlign := p.Channels * BitDepth / 8
	h := make([]byte, wavHeaderSize)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], wavHeaderSize-8)
	copy(h[8:], "WAVE")

	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 18)
	binary.LittleEndian.PutUint16(h[20:], wavFormatIEEEFloat)
	binary.LittleEndian.PutUint16(h[22:], uint16(p.Channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(p.SampleRate))
	binary.LittleEndian.PutUint32(h[28:], uint32(p.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:], BitDepth)
	binary.LittleEndian.PutUint16(h[36:], 0) // cbSize

	copy(h[38:], "fact")
	binary.LittleEndian.PutUint32(h[42:], 4)
	binary.LittleEndian.PutUint32(h[46:], 0)

	copy(h[50:], "data")
	binary.LittleEndian.PutUint32(h[54:], 0)

	_, err := ww.w.Write(h)
	return err
}

// Write appends interleaved samples.
func (ww *WAVWriter) Write(samples []float32) error {
	if ww.closed {
		return ErrWriterClosed
	}
	if ww.dataBytes+int64(len(samples))*BitDepth/8 > ww.limit {
		return ErrWAVFull
	}
	n, err := ww.w.Write(Float32ToBytes(samples))
	ww.dataBytes += int64(n)
	return err
}

// DataBytes returns the number of audio bytes written so far, excluding the header.
func (ww *WAVWriter) DataBytes() int64 {
	return ww.dataBytes
}

// Path returns the file path being written.
func (ww *WAVWriter) Path() string {
	return ww.f.Name()
}

// Close flushes buffered samples, patches the header sizes and closes the file.
// Calling Close more than once is a no-op.
func (ww *WAVWriter) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true

	if err := ww.w.Flush(); err != nil {
		ww.f.Close()
		return fmt.Errorf("flush wav: %w", err)
	}

	frames := ww.dataBytes / int64(ww.channels*BitDepth/8)
	patches := []struct {
		off int64
		v   uint32
	}{
		{riffSizeOffset, uint32(wavHeaderSize - 8 + ww.dataBytes)},
		{factOffset, uint32(frames)},
		{dataSizeOffset, uint32(ww.dataBytes)},
	}
	var b [4]byte
	for _, p := range patches {
		binary.LittleEndian.PutUint32(b[:], p.v)
		if _, err := ww.f.WriteAt(b[:], p.off); err != nil {
			ww.f.Close()
			return fmt.Errorf("patch wav header: %w", err)
		}
	}
	return ww.f.Close()
}

// ReadWAVInfo reads the format and data size of a float WAV written by WAVWriter.
func ReadWAVInfo(r io.Reader) (p DeviceProfile, dataBytes int64, err error) {
	h := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(r, h); err != nil {
		return p, 0, fmt.Errorf("read wav header: %w", err)
	}
	if string(h[0:4]) != "RIFF" || string(h[8:12]) != "WAVE" || string(h[50:54]) != "data" {
		return p, 0, errors.New("not a float wav written by spufify")
	}
	p.Channels = int(binary.LittleEndian.Uint16(h[22:]))
	p.SampleRate = int(binary.LittleEndian.Uint32(h[24:]))
	return p, int64(binary.LittleEndian.Uint32(h[54:])), nil
}
