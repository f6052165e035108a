package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/satindergrewal/spufify/internal/audio"
)

var (
	stereo48 = audio.DeviceProfile{SampleRate: 48000, Channels: 2, DeviceID: "spk.monitor"}
	stereo44 = audio.DeviceProfile{SampleRate: 44100, Channels: 2, DeviceID: "spk.monitor"}
)

// batch returns frames*channels samples of value v.
func batch(p audio.DeviceProfile, frames int, v float32) audio.FrameBatch {
	s := make([]float32, frames*p.Channels)
	for i := range s {
		s[i] = v
	}
	return audio.FrameBatch{Samples: s, Profile: p}
}

func recv(t *testing.T, l *Listener) Frame {
	t.Helper()
	select {
	case f := <-l.C:
		return f
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for frame")
	}
	return Frame{}
}

func expectNone(t *testing.T, l *Listener) {
	t.Helper()
	select {
	case f := <-l.C:
		t.Fatalf("unexpected frame: %d samples @ %d Hz", len(f.PCM), f.SampleRate)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	if b == nil {
		t.Fatal("NewBroadcaster returned nil")
	}
	if b.ListenerCount() != 0 {
		t.Errorf("Initial ListenerCount = %d, want 0", b.ListenerCount())
	}
	if b.Profile().SampleRate != 0 {
		t.Errorf("Initial Profile = %v, want zero", b.Profile())
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	l1 := b.Subscribe()
	l2 := b.Subscribe()
	if b.ListenerCount() != 2 {
		t.Errorf("After 2 subscribes: ListenerCount = %d, want 2", b.ListenerCount())
	}

	b.Unsubscribe(l1)
	if b.ListenerCount() != 1 {
		t.Errorf("After 1 unsubscribe: ListenerCount = %d, want 1", b.ListenerCount())
	}

	b.Unsubscribe(l2)
	if b.ListenerCount() != 0 {
		t.Errorf("After all unsubscribed: ListenerCount = %d, want 0", b.ListenerCount())
	}
}

// --- Re-chunking ---

func TestFrameSamples(t *testing.T) {
	tests := []struct {
		p    audio.DeviceProfile
		want int
	}{
		{stereo48, 1920},
		{stereo44, 1764},
		{audio.DeviceProfile{SampleRate: 22050, Channels: 1}, 441},
		{audio.DeviceProfile{}, 0},
	}
	for _, tt := range tests {
		if got := frameSamples(tt.p); got != tt.want {
			t.Errorf("frameSamples(%v) = %d, want %d", tt.p, got, tt.want)
		}
	}
}

func TestBroadcastRechunks(t *testing.T) {
	b := NewBroadcaster()
	l := b.Subscribe()
	defer b.Unsubscribe(l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan audio.FrameBatch, 10)
	go b.Run(ctx, source)

	// 1000 frames: one 960-frame chunk out, 40 left over.
	source <- batch(stereo48, 1000, 0.5)
	f := recv(t, l)
	if len(f.PCM) != 1920 || f.SampleRate != 48000 || f.Channels != 2 {
		t.Fatalf("frame = %d samples @ %d Hz x%d", len(f.PCM), f.SampleRate, f.Channels)
	}
	if f.PCM[0] != 16383 {
		t.Errorf("PCM[0] = %d, want 16383", f.PCM[0])
	}
	expectNone(t, l)

	// 920 more completes the second chunk exactly.
	source <- batch(stereo48, 920, -0.5)
	f = recv(t, l)
	if len(f.PCM) != 1920 {
		t.Fatalf("second frame = %d samples", len(f.PCM))
	}
	if f.PCM[0] != 16383 || f.PCM[len(f.PCM)-1] != -16383 {
		t.Errorf("leftover not carried over: first %d, last %d", f.PCM[0], f.PCM[len(f.PCM)-1])
	}
	expectNone(t, l)
}

func TestBroadcastFormatChangeDropsPartial(t *testing.T) {
	b := NewBroadcaster()
	l := b.Subscribe()
	defer b.Unsubscribe(l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan audio.FrameBatch, 10)
	go b.Run(ctx, source)

	source <- batch(stereo48, 500, 0.1)
	source <- batch(stereo44, 882, 0.2)

	f := recv(t, l)
	if f.SampleRate != 44100 || len(f.PCM) != 1764 {
		t.Errorf("frame = %d samples @ %d Hz, want 1764 @ 44100", len(f.PCM), f.SampleRate)
	}
	expectNone(t, l)
	if b.Profile().SampleRate != 44100 {
		t.Errorf("Profile = %v", b.Profile())
	}
}

func TestBroadcastMultipleListeners(t *testing.T) {
	b := NewBroadcaster()
	listeners := make([]*Listener, 5)
	for i := range listeners {
		listeners[i] = b.Subscribe()
	}

	ctx, cancel := context.WithCancel(context.Background())
	source := make(chan audio.FrameBatch, 10)

	go b.Run(ctx, source)

	source <- batch(stereo48, 960, 0.25)

	// All listeners should get the frame
	for i, l := range listeners {
		select {
		case got := <-l.C:
			if got.PCM[0] != 8191 {
				t.Errorf("Listener %d got PCM[0]=%d, want 8191", i, got.PCM[0])
			}
		case <-time.After(time.Second):
			t.Errorf("Listener %d timed out", i)
		}
	}

	cancel()
	for _, l := range listeners {
		b.Unsubscribe(l)
	}
}

func TestBroadcastDropsSlowListener(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe()
	fast := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	source := make(chan audio.FrameBatch, 200)

	go b.Run(ctx, source)

	// Fill the slow listener's buffer (150 capacity) without reading
	for i := 0; i < 200; i++ {
		source <- batch(stereo48, 960, 0)
	}

	// Give broadcaster time to process
	time.Sleep(100 * time.Millisecond)

	fastCount := len(fast.C)
	slowCount := len(slow.C)

	if slowCount > 150 {
		t.Errorf("Slow listener got %d frames, should cap at buffer size 150", slowCount)
	}
	if fastCount == 0 {
		t.Error("Fast listener got 0 frames")
	}

	cancel()
	b.Unsubscribe(slow)
	b.Unsubscribe(fast)
}

func TestBroadcastStopsOnContextCancel(t *testing.T) {
	b := NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	source := make(chan audio.FrameBatch, 10)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run(ctx, source)
	}()

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcaster did not stop after context cancel")
	}
}

func TestBroadcastStopsOnSourceClose(t *testing.T) {
	b := NewBroadcaster()
	source := make(chan audio.FrameBatch, 10)

	done := make(chan struct{})
	go func() {
		b.Run(context.Background(), source)
		close(done)
	}()

	close(source)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcaster did not stop after source closed")
	}
}

func TestListenerDoneChannel(t *testing.T) {
	b := NewBroadcaster()
	l := b.Subscribe()

	b.Unsubscribe(l)

	select {
	case <-l.done:
	default:
		t.Error("Listener done channel not closed after unsubscribe")
	}
}

// --- Handlers ---

// primed returns a broadcaster that has seen one batch in profile p.
func primed(t *testing.T, p audio.DeviceProfile) *Broadcaster {
	t.Helper()
	b := NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	source := make(chan audio.FrameBatch, 1)
	go b.Run(ctx, source)
	source <- batch(p, 10, 0)

	deadline := time.After(time.Second)
	for b.Profile().SampleRate != p.SampleRate {
		select {
		case <-deadline:
			t.Fatal("broadcaster never saw the batch")
		case <-time.After(5 * time.Millisecond):
		}
	}
	return b
}

func TestOfferBeforeAudio(t *testing.T) {
	h := NewWebRTCHandler(NewBroadcaster())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader("{}")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestOfferRejectsNonOpusRate(t *testing.T) {
	h := NewWebRTCHandler(primed(t, stereo44))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader("{}")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/stream") {
		t.Errorf("body = %q, want a pointer to /stream", rec.Body.String())
	}
}

func TestOfferBadSDP(t *testing.T) {
	h := NewWebRTCHandler(primed(t, stereo48))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader("not json")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestOfferMethods(t *testing.T) {
	h := NewWebRTCHandler(NewBroadcaster())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/offer", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/offer", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Methods") != "POST" {
		t.Errorf("OPTIONS = %d %v", rec.Code, rec.Header())
	}
}

func TestStreamBeforeAudio(t *testing.T) {
	h := NewHTTPHandler(NewBroadcaster(), "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestMP3ArgsFollowSession(t *testing.T) {
	got := strings.Join(mp3Args(44100, 1), " ")
	for _, want := range []string{"-f s16le -ar 44100 -ac 1 -i pipe:0", "-codec:a libmp3lame", "pipe:1"} {
		if !strings.Contains(got, want) {
			t.Errorf("args %q missing %q", got, want)
		}
	}
}
