package recorder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/satindergrewal/spufify/internal/audio"
	"github.com/satindergrewal/spufify/internal/capture"
	"github.com/satindergrewal/spufify/internal/playback"
	"github.com/satindergrewal/spufify/internal/segment"
)

// toneBackend exposes one loopback device that opens at any rate in rates.
type toneBackend struct {
	mu      sync.Mutex
	devices []capture.Device
	rates   map[int]bool
	opened  []capture.Format
}

func (b *toneBackend) Devices(context.Context) ([]capture.Device, error) {
	return b.devices, nil
}

func (b *toneBackend) DefaultOutput(context.Context) (string, error) {
	return "speakers", nil
}

func (b *toneBackend) Open(_ context.Context, _ capture.Device, f capture.Format) (capture.Stream, error) {
	if !f.BestEffort && !b.rates[f.SampleRate] {
		return nil, capture.ErrUnsupportedFormat
	}
	b.mu.Lock()
	b.opened = append(b.opened, f)
	b.mu.Unlock()
	return &toneStream{}, nil
}

type toneStream struct {
	closed atomic.Bool
}

func (s *toneStream) Read(buf []float32) error {
	if s.closed.Load() {
		return errors.New("closed")
	}
	time.Sleep(time.Millisecond)
	for i := range buf {
		buf[i] = 0.1
	}
	return nil
}

func (s *toneStream) Close() error {
	s.closed.Store(true)
	return nil
}

type submitter struct {
	mu   sync.Mutex
	subs []audio.TrackMetadata
	rate []int
}

func (s *submitter) Submit(_ string, meta audio.TrackMetadata, rate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, meta)
	s.rate = append(s.rate, rate)
	return nil
}

func (s *submitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func newTestRecorder(t *testing.T, rates ...int) (*Recorder, *segment.Writer, *submitter, *toneBackend) {
	t.Helper()
	b := &toneBackend{
		devices: []capture.Device{
			{ID: "mic", Name: "Microphone"},
			{ID: "speakers.monitor", Name: "speakers.monitor", Loopback: true, Channels: 2},
		},
		rates: map[int]bool{},
	}
	for _, r := range rates {
		b.rates[r] = true
	}
	q := segment.NewQueue(64)
	sub := &submitter{}
	w := segment.NewWriter(segment.Config{Dir: t.TempDir(), DrainTimeout: 200 * time.Millisecond}, q, sub)
	cfg := capture.Config{Rates: []int{48000, 44100}, BlockSize: 64}
	r := New(b, cfg, q, w, 200*time.Millisecond)
	t.Cleanup(r.Close)
	return r, w, sub, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

var track = audio.TrackMetadata{TrackID: "t1", Title: "Song", Artist: "Band"}

func TestStartNegotiatesAndStartsMuted(t *testing.T) {
	r, w, _, _ := newTestRecorder(t, 44100)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p := r.Profile(); p.SampleRate != 44100 || !p.Negotiated {
		t.Errorf("profile = %+v, want negotiated 44100", p)
	}
	inf := r.Info()
	if !inf.Running || !inf.Muted || inf.Device != "speakers.monitor" {
		t.Errorf("info = %+v", inf)
	}

	if err := w.Open(track); err != nil {
		t.Fatalf("Open: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if w.Stats().Bytes != 0 {
		t.Error("muted session reached the segment")
	}
}

func TestRecordAndHandoff(t *testing.T) {
	r, w, sub, _ := newTestRecorder(t, 48000)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Open(track); err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.Unmute()
	waitFor(t, "audio in segment", func() bool { return w.Stats().Bytes > 0 })

	if _, err := w.CloseAndHandoff(); err != nil {
		t.Fatalf("CloseAndHandoff: %v", err)
	}
	if sub.count() != 1 || sub.rate[0] != 48000 {
		t.Errorf("submissions = %v rates %v", sub.subs, sub.rate)
	}
	if !r.Info().Muted {
		t.Error("handoff should leave ingestion muted")
	}
}

func TestStartWithoutLoopback(t *testing.T) {
	r, _, _, b := newTestRecorder(t, 48000)
	b.devices = []capture.Device{{ID: "mic", Name: "Microphone"}}
	err := r.Start(context.Background())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("Start = %v, want ErrDeviceUnavailable", err)
	}
	if r.Info().Running {
		t.Error("no session should be running")
	}
}

func TestStartTwice(t *testing.T) {
	r, _, _, _ := newTestRecorder(t, 48000)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestRestartKeepsMuteState(t *testing.T) {
	r, _, _, _ := newTestRecorder(t, 48000, 44100)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Unmute()
	if err := r.Restart(context.Background(), Hint{SampleRate: 44100}); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if p := r.Profile(); p.SampleRate != 44100 {
		t.Errorf("profile after restart = %+v, want 44100", p)
	}
	if r.Info().Muted {
		t.Error("restart should keep the unmuted state")
	}
}

// staticPoller always reports the same track playing.
type staticPoller struct{ snap playback.Snapshot }

func (p staticPoller) Poll(context.Context) (*playback.Snapshot, error) {
	s := p.snap
	return &s, nil
}

func TestSessionRestartThroughPlaybackLoop(t *testing.T) {
	r, w, sub, _ := newTestRecorder(t, 48000, 44100)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m := playback.NewMachine(staticPoller{playback.Snapshot{IsPlaying: true, TrackID: "t1", Title: "Song", Artist: "Band"}}, w, nil, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	waitFor(t, "audio in segment", func() bool { return w.Stats().Bytes > 0 })

	sess := NewSession(r, m)
	if err := sess.RestartCaptureSession(context.Background(), Hint{SampleRate: 44100}); err != nil {
		t.Fatalf("RestartCaptureSession: %v", err)
	}

	if sub.count() != 1 || sub.rate[0] != 48000 || sub.subs[0].TrackID != "t1" {
		t.Errorf("pre-restart segment handoff = %v rates %v", sub.subs, sub.rate)
	}
	if p := r.Profile(); p.SampleRate != 44100 {
		t.Errorf("profile after restart = %+v, want 44100", p)
	}
	if meta, open := w.Current(); !open || meta.TrackID != "t1" {
		t.Errorf("segment after restart = %+v, open %v", meta, open)
	}
	if r.Info().Muted {
		t.Error("recording should resume after restart")
	}
	waitFor(t, "audio in new segment", func() bool { return w.Stats().Bytes > 0 })
}

func TestRestartWhileIdle(t *testing.T) {
	r, w, sub, b := newTestRecorder(t, 48000)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.devices = append(b.devices, capture.Device{ID: "hdmi.monitor", Name: "hdmi.monitor", Loopback: true})
	if err := r.Restart(context.Background(), Hint{DeviceID: "hdmi.monitor"}); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if r.Info().Device != "hdmi.monitor" {
		t.Errorf("device = %q, want hdmi.monitor", r.Info().Device)
	}
	if _, open := w.Current(); open {
		t.Error("restart must not open a segment")
	}
	if !r.Info().Muted || sub.count() != 0 {
		t.Errorf("idle restart changed state: %+v", r.Info())
	}
}

func TestTapSurvivesRestart(t *testing.T) {
	r, _, _, _ := newTestRecorder(t, 48000)
	tap := make(chan audio.FrameBatch, 4)
	r.SetTap(tap)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Restart(context.Background(), Hint{}); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	for len(tap) > 0 {
		<-tap
	}
	select {
	case b := <-tap:
		if b.Profile.SampleRate != 48000 {
			t.Errorf("tap batch profile = %+v", b.Profile)
		}
	case <-time.After(time.Second):
		t.Fatal("tap received nothing after restart")
	}
}

func TestDevicesReportsSelection(t *testing.T) {
	r, _, _, _ := newTestRecorder(t, 48000)
	devs, sel, err := r.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devs) != 2 || sel != "speakers.monitor" {
		t.Errorf("Devices = %v, selected %q", devs, sel)
	}
}
