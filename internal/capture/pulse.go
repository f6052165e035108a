package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/satindergrewal/spufify/internal/audio"
)

var errStreamClosed = errors.New("stream closed")

// commandRunner runs a short-lived command and returns its stdout.
type commandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// PulseBackend captures from PulseAudio/PipeWire sources. Discovery goes
// through pactl; audio is pulled through an ffmpeg process emitting f32le on
// stdout. Sink monitors (".monitor" sources) are the loopback devices.
type PulseBackend struct {
	ffmpegPath  string
	pactl       commandRunner
	probeWindow time.Duration
}

// NewPulseBackend creates a backend that runs the given ffmpeg binary.
func NewPulseBackend(ffmpegPath string) *PulseBackend {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &PulseBackend{
		ffmpegPath:  ffmpegPath,
		pactl:       execRunner{},
		probeWindow: 300 * time.Millisecond,
	}
}

// Devices lists PulseAudio sources.
func (b *PulseBackend) Devices(ctx context.Context) ([]Device, error) {
	out, err := b.pactl.Output(ctx, "pactl", "list", "sources", "short")
	if err != nil {
		return nil, fmt.Errorf("pactl list sources: %w", err)
	}
	return parsePulseSources(string(out)), nil
}

// DefaultOutput returns the default sink name.
func (b *PulseBackend) DefaultOutput(ctx context.Context) (string, error) {
	out, err := b.pactl.Output(ctx, "pactl", "get-default-sink")
	if err != nil {
		return "", fmt.Errorf("pactl get-default-sink: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Open starts capturing from dev. Unless f.BestEffort is set, formats the
// source doesn't run at natively are refused so that PulseAudio never
// resamples behind our back.
func (b *PulseBackend) Open(ctx context.Context, dev Device, f Format) (Stream, error) {
	if !f.BestEffort {
		if dev.NativeRate > 0 && f.SampleRate != dev.NativeRate {
			return nil, fmt.Errorf("%w: %s runs at %d Hz", ErrUnsupportedFormat, dev.ID, dev.NativeRate)
		}
		if dev.Channels > 0 && f.Channels > dev.Channels {
			return nil, fmt.Errorf("%w: %s has %d channels", ErrUnsupportedFormat, dev.ID, dev.Channels)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := b.startFFmpeg(dev.ID, f)
	if err != nil {
		return nil, err
	}
	return &pulseStream{backend: b, source: dev.ID, f: f, proc: p}, nil
}

type ffmpegProc struct {
	cancel context.CancelFunc
	r      io.Reader
	exited chan struct{}
	err    error
}

func (p *ffmpegProc) kill() {
	p.cancel()
}

func pulseArgs(source string, f Format) []string {
	rate := strconv.Itoa(f.SampleRate)
	ch := strconv.Itoa(f.Channels)
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "pulse",
		"-sample_rate", rate,
		"-channels", ch,
		"-i", source,
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ar", rate,
		"-ac", ch,
		"pipe:1",
	}
}

// startFFmpeg launches the capture process. A process that exits inside the
// probe window means the source refused the format.
func (b *PulseBackend) startFFmpeg(source string, f Format) (*ffmpegProc, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, b.ffmpegPath, pulseArgs(source, f)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	p := &ffmpegProc{
		cancel: cancel,
		r:      bufio.NewReaderSize(stdout, 64*1024),
		exited: make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()

	select {
	case <-p.exited:
		cancel()
		return nil, fmt.Errorf("%w: ffmpeg exited (%v): %s", ErrUnsupportedFormat, p.err, strings.TrimSpace(stderr.String()))
	case <-time.After(b.probeWindow):
	}
	return p, nil
}

// pulseStream restarts its ffmpeg process on the next Read after a failure,
// so a crashed capture process counts as a transient read error.
type pulseStream struct {
	backend *PulseBackend
	source  string
	f       Format

	mu     sync.Mutex
	proc   *ffmpegProc
	closed bool

	raw []byte
}

func (s *pulseStream) Read(buf []float32) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errStreamClosed
	}
	p := s.proc
	if p == nil {
		np, err := s.backend.startFFmpeg(s.source, s.f)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.proc, p = np, np
	}
	s.mu.Unlock()

	need := len(buf) * 4
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	raw := s.raw[:need]
	if _, err := io.ReadFull(p.r, raw); err != nil {
		p.kill()
		s.mu.Lock()
		if s.proc == p {
			s.proc = nil
		}
		s.mu.Unlock()
		return fmt.Errorf("read pcm from ffmpeg: %w", err)
	}
	audio.BytesToFloat32(buf, raw)
	return nil
}

func (s *pulseStream) Close() error {
	s.mu.Lock()
	s.closed = true
	p := s.proc
	s.proc = nil
	s.mu.Unlock()
	if p != nil {
		p.kill()
	}
	return nil
}

// parsePulseSources parses `pactl list sources short` output:
//
//	0	alsa_output.pci-0000_00_1f.3.analog-stereo.monitor	module-alsa-card.c	s16le 2ch 48000Hz	SUSPENDED
func parsePulseSources(output string) []Device {
	var devices []Device
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) < 2 || fields[1] == "" {
			continue
		}
		d := Device{
			ID:       fields[1],
			Name:     fields[1],
			Loopback: strings.HasSuffix(fields[1], ".monitor"),
		}
		if len(fields) >= 4 {
			d.Channels, d.NativeRate = parseSampleSpec(fields[3])
		}
		devices = append(devices, d)
	}
	return devices
}

// parseSampleSpec parses "s16le 2ch 48000Hz" into (2, 48000).
func parseSampleSpec(spec string) (channels, rate int) {
	for _, part := range strings.Fields(spec) {
		switch {
		case strings.HasSuffix(part, "ch"):
			channels, _ = strconv.Atoi(strings.TrimSuffix(part, "ch"))
		case strings.HasSuffix(part, "Hz"):
			rate, _ = strconv.Atoi(strings.TrimSuffix(part, "Hz"))
		}
	}
	return channels, rate
}
