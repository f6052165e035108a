package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/satindergrewal/spufify/internal/audio"
)

// Sink receives captured batches. Offer must not block; it returns false when
// the batch was dropped.
type Sink interface {
	Offer(b audio.FrameBatch) bool
}

// Config holds the per-session capture parameters.
type Config struct {
	DeviceID   string              // preferred device, empty for auto
	Rates      []int               // negotiation order
	Fallback   audio.DeviceProfile // used when no rate opens
	BlockSize  int                 // frames per read
	RetryDelay time.Duration       // sleep after a failed read
}

func (c Config) withDefaults() Config {
	if len(c.Rates) == 0 {
		c.Rates = audio.CandidateRates
	}
	if c.Fallback.SampleRate <= 0 {
		c.Fallback.SampleRate = audio.DefaultSampleRate
	}
	if c.Fallback.Channels <= 0 {
		c.Fallback.Channels = audio.DefaultChannels
	}
	if c.BlockSize <= 0 {
		c.BlockSize = audio.DefaultBlockSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	return c
}

// Engine is one capture session. It reads continuously from the device for
// its whole lifetime; muting only decides whether batches reach the sink.
type Engine struct {
	backend Backend
	cfg     Config
	sink    Sink

	profile audio.DeviceProfile
	device  Device
	stream  Stream

	muted   atomic.Bool
	tap     atomic.Pointer[chan<- audio.FrameBatch]
	dropped atomic.Int64
	readErr atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewEngine creates a muted, unopened capture session.
func NewEngine(b Backend, cfg Config, sink Sink) *Engine {
	e := &Engine{
		backend: b,
		cfg:     cfg.withDefaults(),
		sink:    sink,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	e.muted.Store(true)
	return e
}

// Open selects the device and negotiates the session profile. It must be
// called once, before Start.
func (e *Engine) Open(ctx context.Context) (audio.DeviceProfile, error) {
	devices, err := e.backend.Devices(ctx)
	if err != nil {
		return audio.DeviceProfile{}, fmt.Errorf("%w: list devices: %v", ErrDeviceUnavailable, err)
	}

	output, err := e.backend.DefaultOutput(ctx)
	if err != nil {
		log.Printf("WARN capture: detect default output: %v", err)
	} else {
		log.Printf("System default output: %s", output)
	}

	dev, err := SelectDevice(devices, e.cfg.DeviceID, output)
	if err != nil {
		return audio.DeviceProfile{}, err
	}

	p, s, err := Negotiate(ctx, e.backend, dev, e.cfg.Rates, e.cfg.Fallback)
	if err != nil {
		return audio.DeviceProfile{}, err
	}
	e.device, e.profile, e.stream = dev, p, s
	log.Printf("Recording from: %s (%d Hz, %d ch, block %d)", dev.Name, p.SampleRate, p.Channels, e.cfg.BlockSize)
	return p, nil
}

// Profile returns the negotiated profile. Zero before Open.
func (e *Engine) Profile() audio.DeviceProfile {
	return e.profile
}

// Device returns the selected device.
func (e *Engine) Device() Device {
	return e.device
}

// Mute stops batches from reaching the sink. Device reads continue.
func (e *Engine) Mute() { e.muted.Store(true) }

// Unmute lets batches reach the sink again.
func (e *Engine) Unmute() { e.muted.Store(false) }

// Muted reports the mute flag.
func (e *Engine) Muted() bool { return e.muted.Load() }

// Dropped returns how many batches the sink refused.
func (e *Engine) Dropped() int64 { return e.dropped.Load() }

// SetTap installs a channel that receives every batch, muted or not, by
// non-blocking send. Pass nil to remove it.
func (e *Engine) SetTap(ch chan<- audio.FrameBatch) {
	if ch == nil {
		e.tap.Store(nil)
		return
	}
	e.tap.Store(&ch)
}

// Start launches the producer goroutine.
func (e *Engine) Start() error {
	if e.stream == nil {
		return errors.New("capture engine not opened")
	}
	e.startOnce.Do(func() {
		go e.produce()
	})
	return nil
}

// Done is closed when the producer goroutine has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Stop signals the producer and waits up to timeout for it to exit. If it
// doesn't, the stream is closed to unblock the pending read and Stop waits
// once more. Returns false if the producer still hasn't exited.
func (e *Engine) Stop(timeout time.Duration) bool {
	e.stopOnce.Do(func() { close(e.stop) })
	if e.stream == nil {
		return true
	}

	exited := true
	select {
	case <-e.done:
	case <-time.After(timeout):
		log.Printf("WARN capture: producer did not stop within %v, closing device", timeout)
		e.closeStream()
		select {
		case <-e.done:
		case <-time.After(timeout):
			log.Printf("WARN capture: producer did not terminate cleanly")
			exited = false
		}
	}
	e.closeStream()
	return exited
}

func (e *Engine) closeStream() {
	e.closeOnce.Do(func() {
		if err := e.stream.Close(); err != nil {
			log.Printf("WARN capture: close device: %v", err)
		}
	})
}

func (e *Engine) stopping() bool {
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

func (e *Engine) produce() {
	defer close(e.done)
	log.Println("Capture loop started.")
	defer log.Println("Capture loop stopped.")

	n := e.cfg.BlockSize * e.profile.Channels
	var consecutive int64
	for !e.stopping() {
		samples := make([]float32, n)
		if err := e.stream.Read(samples); err != nil {
			if e.stopping() {
				return
			}
			consecutive++
			e.readErr.Add(1)
			// first failure, then every 50th, to keep a dead device from flooding the log
			if consecutive == 1 || consecutive%50 == 0 {
				log.Printf("WARN capture: %v (x%d)", fmt.Errorf("%w: %v", ErrTransientRead, err), consecutive)
			}
			select {
			case <-e.stop:
				return
			case <-time.After(e.cfg.RetryDelay):
			}
			continue
		}
		consecutive = 0

		batch := audio.FrameBatch{Samples: samples, Profile: e.profile}
		if tp := e.tap.Load(); tp != nil {
			select {
			case *tp <- batch:
			default:
			}
		}

		if e.muted.Load() {
			continue
		}
		if !e.sink.Offer(batch) {
			if d := e.dropped.Add(1); d == 1 || d%100 == 0 {
				log.Printf("WARN capture: hand-off queue full, dropped %d batches", d)
			}
		}
	}
}
