package segment

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/satindergrewal/spufify/internal/audio"
)

var testProfile = audio.DeviceProfile{SampleRate: 48000, Channels: 2, Negotiated: true}

type submission struct {
	path string
	meta audio.TrackMetadata
	rate int
}

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []submission
}

func (f *fakeSubmitter) Submit(path string, meta audio.TrackMetadata, rate int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, submission{path, meta, rate})
	return nil
}

func (f *fakeSubmitter) all() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.subs...)
}

type fakeGate struct {
	muted   atomic.Bool
	mutes   atomic.Int32
	unmutes atomic.Int32
}

func (g *fakeGate) Mute()   { g.muted.Store(true); g.mutes.Add(1) }
func (g *fakeGate) Unmute() { g.muted.Store(false); g.unmutes.Add(1) }

func newTestWriter(t *testing.T, queueSize int) (*Writer, *Queue, *fakeSubmitter) {
	t.Helper()
	q := NewQueue(queueSize)
	sub := &fakeSubmitter{}
	w := NewWriter(Config{Dir: t.TempDir(), DrainTimeout: 200 * time.Millisecond}, q, sub)
	w.diskFree = nil
	w.SetProfile(testProfile)
	return w, q, sub
}

func batch(frames int) audio.FrameBatch {
	s := make([]float32, frames*testProfile.Channels)
	for i := range s {
		s[i] = 0.25
	}
	return audio.FrameBatch{Samples: s, Profile: testProfile}
}

func wavInfo(t *testing.T, path string) (audio.DeviceProfile, int64) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	p, n, err := audio.ReadWAVInfo(f)
	if err != nil {
		t.Fatalf("ReadWAVInfo: %v", err)
	}
	return p, n
}

var song = audio.TrackMetadata{TrackID: "t1", Title: "Song", Artist: "Band", Album: "Record"}

// --- Queue ---

func TestQueueOfferFull(t *testing.T) {
	q := NewQueue(2)
	if !q.Offer(batch(1)) || !q.Offer(batch(1)) {
		t.Fatal("Offer into empty queue failed")
	}
	if q.Offer(batch(1)) {
		t.Error("Offer into full queue should return false")
	}
	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}
	if n := q.Reset(); n != 2 {
		t.Errorf("Reset dropped %d, want 2", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len after Reset = %d", q.Len())
	}
}

// --- Open / Write / CloseAndHandoff ---

func TestCloseAndHandoffFinalizes(t *testing.T) {
	w, q, sub := newTestWriter(t, 16)
	gate := &fakeGate{}
	w.SetGate(gate)
	w.Start()
	defer w.Stop(time.Second)

	if err := w.Open(song); err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.Unmute()
	for i := 0; i < 3; i++ {
		if !q.Offer(batch(100)) {
			t.Fatal("Offer failed")
		}
	}

	path, err := w.CloseAndHandoff()
	if err != nil {
		t.Fatalf("CloseAndHandoff: %v", err)
	}
	if !gate.muted.Load() {
		t.Error("CloseAndHandoff should mute ingestion")
	}
	if !strings.HasPrefix(filepath.Base(path), "segment-") {
		t.Errorf("handoff path = %q, want segment-*.wav", path)
	}

	subs := sub.all()
	if len(subs) != 1 {
		t.Fatalf("submissions = %d, want 1", len(subs))
	}
	if subs[0].meta != song || subs[0].rate != 48000 || subs[0].path != path {
		t.Errorf("submission = %+v", subs[0])
	}

	p, n := wavInfo(t, path)
	if p.SampleRate != 48000 || p.Channels != 2 {
		t.Errorf("wav format = %d Hz %d ch", p.SampleRate, p.Channels)
	}
	if want := int64(3 * 100 * 2 * 4); n != want {
		t.Errorf("data bytes = %d, want %d (all queued batches drained before close)", n, want)
	}
	if _, err := os.Stat(filepath.Join(w.cfg.Dir, recordingName)); !os.IsNotExist(err) {
		t.Error("recording file should have been renamed away")
	}
	if _, open := w.Current(); open {
		t.Error("segment still open after close")
	}
}

func TestCloseEmptySegmentDiscarded(t *testing.T) {
	w, _, sub := newTestWriter(t, 4)
	if err := w.Open(song); err != nil {
		t.Fatalf("Open: %v", err)
	}
	path, err := w.CloseAndHandoff()
	if err != nil || path != "" {
		t.Fatalf("CloseAndHandoff = %q, %v; want empty, nil", path, err)
	}
	if len(sub.all()) != 0 {
		t.Error("empty segment must not be handed off")
	}
	entries, _ := os.ReadDir(w.cfg.Dir)
	if len(entries) != 0 {
		t.Errorf("empty segment left %d files behind", len(entries))
	}
	if w.Stats().Discarded != 1 {
		t.Errorf("Discarded = %d, want 1", w.Stats().Discarded)
	}
}

func TestCloseWithoutSegment(t *testing.T) {
	w, _, sub := newTestWriter(t, 4)
	path, err := w.CloseAndHandoff()
	if err != nil || path != "" {
		t.Errorf("CloseAndHandoff = %q, %v", path, err)
	}
	if len(sub.all()) != 0 {
		t.Error("nothing should be submitted")
	}
}

func TestWriteWithoutSegmentDropped(t *testing.T) {
	w, _, _ := newTestWriter(t, 4)
	w.Write(batch(10))
	if s := w.Stats(); s.Dropped != 1 || s.Written != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestWriteProfileMismatchDropped(t *testing.T) {
	w, _, _ := newTestWriter(t, 4)
	if err := w.Open(song); err != nil {
		t.Fatalf("Open: %v", err)
	}
	b := batch(10)
	b.Profile.SampleRate = 44100
	w.Write(b)
	w.Write(batch(10))
	s := w.Stats()
	if s.Dropped != 1 || s.Written != 1 {
		t.Errorf("stats = %+v, want 1 dropped 1 written", s)
	}
	if s.Bytes != 10*2*4 {
		t.Errorf("Bytes = %d", s.Bytes)
	}
}

func TestOpenSupersedesOpenSegment(t *testing.T) {
	w, _, sub := newTestWriter(t, 4)
	if err := w.Open(song); err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.Write(batch(10))

	next := audio.TrackMetadata{TrackID: "t2", Title: "Next"}
	if err := w.Open(next); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if len(sub.all()) != 0 {
		t.Error("superseded segment must not be handed off")
	}
	if m, open := w.Current(); !open || m != next {
		t.Errorf("Current = %+v, %v", m, open)
	}
	if s := w.Stats(); s.Bytes != 0 || s.Discarded != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestOpenRefusesLowDisk(t *testing.T) {
	w, _, _ := newTestWriter(t, 4)
	w.cfg.MinFreeBytes = 1 << 20
	w.diskFree = func(string) (uint64, error) { return 1024, nil }
	err := w.Open(song)
	if !errors.Is(err, ErrWriteTargetUnavailable) {
		t.Fatalf("Open = %v, want ErrWriteTargetUnavailable", err)
	}
	if _, open := w.Current(); open {
		t.Error("no segment should be open")
	}
}

func TestOpenWithoutProfile(t *testing.T) {
	w, _, _ := newTestWriter(t, 4)
	w.SetProfile(audio.DeviceProfile{})
	if err := w.Open(song); !errors.Is(err, ErrWriteTargetUnavailable) {
		t.Errorf("Open = %v, want ErrWriteTargetUnavailable", err)
	}
}

func TestOpenUnwritableDir(t *testing.T) {
	w, _, _ := newTestWriter(t, 4)
	file := filepath.Join(t.TempDir(), "plain-file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	w.cfg.Dir = filepath.Join(file, "sub")
	if err := w.Open(song); !errors.Is(err, ErrWriteTargetUnavailable) {
		t.Errorf("Open = %v, want ErrWriteTargetUnavailable", err)
	}
}

// --- Drain-before-close ---

func TestSlowDrainNoWriteAfterClose(t *testing.T) {
	w, q, sub := newTestWriter(t, 64)
	w.cfg.DrainTimeout = 30 * time.Millisecond
	w.writeHook = func() { time.Sleep(10 * time.Millisecond) }
	w.Start()
	defer w.Stop(time.Second)

	if err := w.Open(song); err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 20; i++ {
		q.Offer(batch(50))
	}

	path, err := w.CloseAndHandoff()
	if err != nil {
		t.Fatalf("CloseAndHandoff: %v", err)
	}
	if path == "" || len(sub.all()) != 1 {
		t.Fatalf("expected one handoff, got path %q", path)
	}

	_, n := wavInfo(t, path)
	st, _ := os.Stat(path)
	before := st.Size()
	if before != n+58 {
		t.Errorf("file size %d does not match header data size %d", before, n)
	}

	// Let the worker chew through the backlog that missed the drain window.
	deadline := time.After(2 * time.Second)
	for q.Len() > 0 {
		select {
		case <-deadline:
			t.Fatal("worker did not drain the queue")
		case <-time.After(10 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)

	st, _ = os.Stat(path)
	if st.Size() != before {
		t.Errorf("finalized file grew from %d to %d bytes", before, st.Size())
	}
	if late := w.Stats().LateWrites; late != 0 {
		t.Errorf("LateWrites = %d, want 0", late)
	}
}

func TestTimedOutDrainDiscardsBacklog(t *testing.T) {
	w, q, sub := newTestWriter(t, 64)
	w.cfg.DrainTimeout = 20 * time.Millisecond
	w.writeHook = func() { time.Sleep(5 * time.Millisecond) }
	w.Start()
	defer w.Stop(time.Second)

	if err := w.Open(song); err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 30; i++ {
		q.Offer(batch(10))
	}
	if _, err := w.CloseAndHandoff(); err != nil {
		t.Fatalf("CloseAndHandoff: %v", err)
	}

	next := audio.TrackMetadata{TrackID: "t2", Title: "Next"}
	if err := w.Open(next); err != nil {
		t.Fatalf("Open next: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for q.Len() > 0 {
		select {
		case <-deadline:
			t.Fatal("worker did not drain the queue")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(30 * time.Millisecond)

	s := w.Stats()
	if s.Bytes != 0 {
		t.Errorf("next segment holds %d bytes of the previous track", s.Bytes)
	}
	if s.Stale == 0 {
		t.Error("backlog should be counted as stale")
	}

	q.Offer(batch(10))
	path, err := w.CloseAndHandoff()
	if err != nil || path == "" {
		t.Fatalf("CloseAndHandoff next = %q, %v", path, err)
	}
	if _, n := wavInfo(t, path); n != 10*2*4 {
		t.Errorf("next segment data bytes = %d, want only its own audio", n)
	}
	if subs := sub.all(); len(subs) != 2 || subs[1].meta != next {
		t.Errorf("submissions = %+v", subs)
	}
}

func TestDrainTimesOutWhenWorkerStuck(t *testing.T) {
	w, q, _ := newTestWriter(t, 1)
	w.cfg.DrainTimeout = 50 * time.Millisecond

	release := make(chan struct{})
	var once sync.Once
	entered := make(chan struct{})
	w.writeHook = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	w.Start()
	defer w.Stop(time.Second)

	if err := w.Open(song); err != nil {
		t.Fatalf("Open: %v", err)
	}
	q.Offer(batch(10))
	<-entered
	q.Offer(batch(10)) // queue now full

	time.AfterFunc(150*time.Millisecond, func() { close(release) })

	start := time.Now()
	done := make(chan struct{})
	go func() {
		w.CloseAndHandoff()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CloseAndHandoff deadlocked on a full queue")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("CloseAndHandoff returned after %v, expected to wait for the drain timeout", elapsed)
	}
	if late := w.Stats().LateWrites; late != 0 {
		t.Errorf("LateWrites = %d, want 0", late)
	}
}

func TestDrainWithStoppedWorker(t *testing.T) {
	w, q, sub := newTestWriter(t, 8)
	w.Start()
	if !w.Stop(time.Second) {
		t.Fatal("worker did not stop")
	}
	if w.Running() {
		t.Fatal("Running after Stop")
	}

	if err := w.Open(song); err != nil {
		t.Fatalf("Open: %v", err)
	}
	q.Offer(batch(10))
	q.Offer(batch(10))

	done := make(chan string)
	go func() {
		p, _ := w.CloseAndHandoff()
		done <- p
	}()

	select {
	case path := <-done:
		if path == "" {
			t.Fatal("expected handoff")
		}
		if _, n := wavInfo(t, path); n != 2*10*2*4 {
			t.Errorf("data bytes = %d, queued batches should be drained inline", n)
		}
	case <-time.After(time.Second):
		t.Fatal("CloseAndHandoff blocked with no worker")
	}
	if len(sub.all()) != 1 {
		t.Errorf("submissions = %d", len(sub.all()))
	}
}

func TestWorkerRestart(t *testing.T) {
	w, q, _ := newTestWriter(t, 8)
	w.Start()
	w.Start() // no-op while running
	if !w.Stop(time.Second) {
		t.Fatal("first Stop failed")
	}
	w.Start()
	defer w.Stop(time.Second)

	if err := w.Open(song); err != nil {
		t.Fatalf("Open: %v", err)
	}
	q.Offer(batch(10))

	deadline := time.After(time.Second)
	for w.Stats().Written == 0 {
		select {
		case <-deadline:
			t.Fatal("restarted worker did not write")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
