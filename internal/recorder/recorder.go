// Package recorder runs capture sessions: it wires a capture engine to the
// segment writer and restarts both when the device or format changes.
package recorder

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/satindergrewal/spufify/internal/audio"
	"github.com/satindergrewal/spufify/internal/capture"
	"github.com/satindergrewal/spufify/internal/segment"
)

// Hint asks a restarted session for a specific device or rate. Zero fields
// keep the configured behaviour.
type Hint struct {
	DeviceID   string `json:"device,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Info describes the running session.
type Info struct {
	Running bool                `json:"running"`
	Device  string              `json:"device"`
	Profile audio.DeviceProfile `json:"profile"`
	Muted   bool                `json:"muted"`
	Dropped int64               `json:"dropped"`
	Queue   int                 `json:"queue"`
	Writer  segment.Stats       `json:"writer"`
}

// Recorder owns the current capture session. It is the writer's ingestion
// gate, so Mute and Unmute always reach whichever engine is live.
type Recorder struct {
	backend  capture.Backend
	cfg      capture.Config
	queue    *segment.Queue
	writer   *segment.Writer
	stopWait time.Duration

	mu     sync.Mutex
	engine *capture.Engine
	muted  bool
	tap    chan<- audio.FrameBatch
}

// New creates a recorder. The writer's gate is pointed at the recorder.
func New(b capture.Backend, cfg capture.Config, q *segment.Queue, w *segment.Writer, stopWait time.Duration) *Recorder {
	if stopWait <= 0 {
		stopWait = 2 * time.Second
	}
	r := &Recorder{
		backend:  b,
		cfg:      cfg,
		queue:    q,
		writer:   w,
		stopWait: stopWait,
		muted:    true,
	}
	w.SetGate(r)
	return r
}

// Start opens the first capture session.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engine != nil {
		return errors.New("recorder already started")
	}
	return r.startLocked(ctx, r.cfg)
}

// startLocked opens and starts a session with the current mute state.
func (r *Recorder) startLocked(ctx context.Context, cfg capture.Config) error {
	e := capture.NewEngine(r.backend, cfg, r.queue)
	p, err := e.Open(ctx)
	if err != nil {
		return err
	}
	r.writer.SetProfile(p)
	r.writer.Start()
	if r.tap != nil {
		e.SetTap(r.tap)
	}
	if !r.muted {
		e.Unmute()
	}
	if err := e.Start(); err != nil {
		r.writer.Stop(r.stopWait)
		return err
	}
	r.engine = e
	if !p.Negotiated {
		log.Printf("WARN recorder: no candidate rate opened, using best-effort %s", p)
	}
	return nil
}

// stopLocked stops the producer and the writer worker, each with a bounded
// wait. Queued batches from the old session are dropped.
func (r *Recorder) stopLocked() {
	if r.engine == nil {
		return
	}
	if !r.engine.Stop(r.stopWait) {
		log.Printf("WARN recorder: capture thread did not terminate cleanly")
	}
	if !r.writer.Stop(r.stopWait) {
		log.Printf("WARN recorder: writer thread did not terminate cleanly")
	}
	if n := r.queue.Reset(); n > 0 {
		log.Printf("Cleared %d pending batches from queue", n)
	}
	r.engine = nil
}

// Restart tears the session down and starts a new one from device selection,
// keeping the mute state. Queued batches from the old session are dropped, so
// callers hand off the open segment first; Session does this through the
// playback loop.
func (r *Recorder) Restart(ctx context.Context, h Hint) error {
	log.Println("Restarting audio engine...")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()

	cfg := r.cfg
	if h.DeviceID != "" {
		cfg.DeviceID = h.DeviceID
	}
	if h.SampleRate > 0 {
		cfg.Rates = append([]int{h.SampleRate}, without(cfg.Rates, h.SampleRate)...)
	}
	if err := r.startLocked(ctx, cfg); err != nil {
		return err
	}
	r.cfg = cfg
	log.Println("Audio engine restarted successfully.")
	return nil
}

func without(rates []int, v int) []int {
	if len(rates) == 0 {
		rates = audio.CandidateRates
	}
	out := make([]int, 0, len(rates))
	for _, r := range rates {
		if r != v {
			out = append(out, r)
		}
	}
	return out
}

// Close finalizes the open segment and stops the session.
func (r *Recorder) Close() {
	if _, err := r.writer.CloseAndHandoff(); err != nil {
		log.Printf("WARN recorder: finalize on shutdown: %v", err)
	}
	r.mu.Lock()
	r.stopLocked()
	r.mu.Unlock()
}

// Mute implements segment.Gate.
func (r *Recorder) Mute() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted = true
	if r.engine != nil {
		r.engine.Mute()
	}
}

// Unmute implements segment.Gate.
func (r *Recorder) Unmute() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted = false
	if r.engine != nil {
		r.engine.Unmute()
	}
}

// SetTap sends every captured batch, muted or not, to ch. Survives restarts.
func (r *Recorder) SetTap(ch chan<- audio.FrameBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tap = ch
	if r.engine != nil {
		r.engine.SetTap(ch)
	}
}

// Profile returns the live session's profile.
func (r *Recorder) Profile() audio.DeviceProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engine == nil {
		return audio.DeviceProfile{}
	}
	return r.engine.Profile()
}

// Info returns a snapshot of the session for status displays.
func (r *Recorder) Info() Info {
	r.mu.Lock()
	inf := Info{Muted: r.muted, Queue: r.queue.Len()}
	if r.engine != nil {
		inf.Running = true
		inf.Device = r.engine.Device().Name
		inf.Profile = r.engine.Profile()
		inf.Dropped = r.engine.Dropped()
	}
	r.mu.Unlock()
	inf.Writer = r.writer.Stats()
	return inf
}

// Devices lists capture devices and the one the selection policy picks.
func (r *Recorder) Devices(ctx context.Context) ([]capture.Device, string, error) {
	devs, err := r.backend.Devices(ctx)
	if err != nil {
		return nil, "", err
	}
	out, _ := r.backend.DefaultOutput(ctx)
	r.mu.Lock()
	id := r.cfg.DeviceID
	r.mu.Unlock()
	sel, err := capture.SelectDevice(devs, id, out)
	if err != nil {
		return devs, "", nil
	}
	return devs, sel.ID, nil
}

// Loop runs fn on the goroutine that opens and closes segments.
type Loop interface {
	RestartSession(ctx context.Context, fn func(context.Context) error) error
}

// Session is a recorder whose restarts are serialized with segment open and
// close by the playback loop.
type Session struct {
	*Recorder
	loop Loop
}

// NewSession pairs r with the loop that owns the open segment.
func NewSession(r *Recorder, loop Loop) *Session {
	return &Session{Recorder: r, loop: loop}
}

// RestartCaptureSession hands off the open segment, restarts the capture
// session with h and reopens a segment for the same track on the new session.
func (s *Session) RestartCaptureSession(ctx context.Context, h Hint) error {
	return s.loop.RestartSession(ctx, func(ctx context.Context) error {
		return s.Restart(ctx, h)
	})
}
