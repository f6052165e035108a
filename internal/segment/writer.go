// Package segment owns the single open segment file and the writer worker
// that moves captured batches from the hand-off queue into it.
package segment

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/satindergrewal/spufify/internal/audio"
)

// ErrWriteTargetUnavailable means the segment could not be created or written.
// The segment is lost; capture carries on.
var ErrWriteTargetUnavailable = errors.New("segment write target unavailable")

const recordingName = "recording.wav"

// Submitter is the encode/tag collaborator that takes finished raw segments.
// Submit must not block; its result is informational only.
type Submitter interface {
	Submit(path string, meta audio.TrackMetadata, sampleRate int) error
}

// Gate switches ingestion on the capture side.
type Gate interface {
	Mute()
	Unmute()
}

// Config holds writer settings.
type Config struct {
	Dir          string        // raw segment directory
	DrainTimeout time.Duration // bound on the drain-before-close wait
	MinFreeBytes uint64        // refuse to open below this much free space
}

// Stats is a snapshot of writer counters.
type Stats struct {
	Open       bool                `json:"open"`
	Track      audio.TrackMetadata `json:"track"`
	Bytes      int64               `json:"bytes"`
	Written    int64               `json:"batches_written"`
	Dropped    int64               `json:"batches_dropped"`
	LateWrites int64               `json:"late_writes"`
	Stale      int64               `json:"stale_batches"`
	HandedOff  int64               `json:"handed_off"`
	Discarded  int64               `json:"discarded"`
}

type openSegment struct {
	wav     *audio.WAVWriter
	path    string
	meta    audio.TrackMetadata
	profile audio.DeviceProfile
	opened  time.Time
	failed  error
	full    bool
}

// Writer owns the currently open segment. Open, Write and CloseAndHandoff all
// take mu, so a batch can never land in a file that is being closed or has
// been closed.
type Writer struct {
	cfg    Config
	queue  *Queue
	submit Submitter

	mu      sync.Mutex
	seg     *openSegment
	profile audio.DeviceProfile

	ctlMu sync.Mutex
	gate  Gate
	stop  chan struct{}
	done  chan struct{}

	diskFree  func(path string) (uint64, error)
	writeHook func() // test hook, runs under mu before each append

	written    atomic.Int64
	dropped    atomic.Int64
	lateWrites atomic.Int64
	stale      atomic.Int64
	handedOff  atomic.Int64
	discarded  atomic.Int64
}

// NewWriter creates a writer consuming q and handing finished segments to s.
func NewWriter(cfg Config, q *Queue, s Submitter) *Writer {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 500 * time.Millisecond
	}
	return &Writer{
		cfg:      cfg,
		queue:    q,
		submit:   s,
		diskFree: freeBytes,
	}
}

func freeBytes(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// SetProfile sets the capture profile new segments are created with.
func (w *Writer) SetProfile(p audio.DeviceProfile) {
	w.mu.Lock()
	w.profile = p
	w.mu.Unlock()
}

// SetGate sets the capture-side ingestion switch.
func (w *Writer) SetGate(g Gate) {
	w.ctlMu.Lock()
	w.gate = g
	w.ctlMu.Unlock()
}

// Mute stops captured batches from being queued.
func (w *Writer) Mute() {
	w.ctlMu.Lock()
	g := w.gate
	w.ctlMu.Unlock()
	if g != nil {
		g.Mute()
	}
}

// Unmute resumes queueing of captured batches.
func (w *Writer) Unmute() {
	w.ctlMu.Lock()
	g := w.gate
	w.ctlMu.Unlock()
	if g != nil {
		g.Unmute()
	}
}

// Open closes any open segment without handing it off and starts a new one
// for meta at the current profile.
func (w *Writer) Open(meta audio.TrackMetadata) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seg != nil {
		log.Println("Closing existing segment before opening new one")
		w.discardLocked(w.seg, "superseded before handoff")
		w.seg = nil
		w.queue.gen.Add(1)
	}

	p := w.profile
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return fmt.Errorf("%w: no capture profile", ErrWriteTargetUnavailable)
	}
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteTargetUnavailable, err)
	}
	if w.cfg.MinFreeBytes > 0 && w.diskFree != nil {
		free, err := w.diskFree(w.cfg.Dir)
		if err != nil {
			log.Printf("WARN segment: free space check on %s: %v", w.cfg.Dir, err)
		} else if free < w.cfg.MinFreeBytes {
			return fmt.Errorf("%w: %d MB free in %s", ErrWriteTargetUnavailable, free>>20, w.cfg.Dir)
		}
	}

	path := filepath.Join(w.cfg.Dir, recordingName)
	wav, err := audio.CreateWAV(path, p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteTargetUnavailable, err)
	}
	w.seg = &openSegment{wav: wav, path: path, meta: meta, profile: p, opened: time.Now()}
	log.Printf("New segment opened: %d Hz, %d ch (%s - %s)", p.SampleRate, p.Channels, meta.Artist, meta.Title)
	return nil
}

// Write appends b to the open segment. With no open segment, or a batch from
// a different capture format, the batch is dropped silently.
func (w *Writer) Write(b audio.FrameBatch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeLocked(b)
}

// writeQueued writes a batch taken off the queue, unless it was queued for a
// segment that has since been closed.
func (w *Writer) writeQueued(it item) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if it.gen != w.queue.gen.Load() {
		w.stale.Add(1)
		return
	}
	w.writeLocked(it.batch)
}

func (w *Writer) writeLocked(b audio.FrameBatch) {
	if w.writeHook != nil {
		w.writeHook()
	}

	seg := w.seg
	if seg == nil || seg.failed != nil || !b.Profile.Compatible(seg.profile) {
		w.dropped.Add(1)
		return
	}
	if err := seg.wav.Write(b.Samples); err != nil {
		if errors.Is(err, audio.ErrWriterClosed) {
			w.lateWrites.Add(1)
			return
		}
		if errors.Is(err, audio.ErrWAVFull) {
			w.dropped.Add(1)
			if !seg.full {
				seg.full = true
				log.Printf("WARN segment: %s - %s reached the WAV size limit, dropping further audio", seg.meta.Artist, seg.meta.Title)
			}
			return
		}
		seg.failed = fmt.Errorf("%w: %v", ErrWriteTargetUnavailable, err)
		log.Printf("WARN segment: %v, segment will be discarded", seg.failed)
		return
	}
	w.written.Add(1)
}

// CloseAndHandoff mutes ingestion, waits (bounded) for the writer worker to
// drain what was queued before the call, closes the segment and hands it to
// the Submitter if it holds any audio. Batches still queued after a timed-out
// drain are discarded rather than written to the next segment. Returns the
// handed-off path, or "" if nothing was handed off.
func (w *Writer) CloseAndHandoff() (string, error) {
	w.Mute()
	w.drain()

	w.mu.Lock()
	seg := w.seg
	w.seg = nil
	w.queue.gen.Add(1)
	var closeErr error
	if seg != nil {
		closeErr = seg.wav.Close()
	}
	w.mu.Unlock()

	if seg == nil {
		return "", nil
	}
	if seg.failed != nil {
		w.remove(seg, "write failed")
		return "", seg.failed
	}
	if closeErr != nil {
		w.remove(seg, "close failed")
		return "", fmt.Errorf("%w: %v", ErrWriteTargetUnavailable, closeErr)
	}

	size := seg.wav.DataBytes()
	if size == 0 {
		w.remove(seg, "empty (0 bytes)")
		return "", nil
	}

	final := filepath.Join(w.cfg.Dir, fmt.Sprintf("segment-%s.wav", uuid.NewString()))
	if err := os.Rename(seg.path, final); err != nil {
		w.remove(seg, "rename failed")
		return "", fmt.Errorf("%w: rename segment: %v", ErrWriteTargetUnavailable, err)
	}

	w.handedOff.Add(1)
	if err := w.submit.Submit(final, seg.meta, seg.profile.SampleRate); err != nil {
		log.Printf("WARN segment: handoff of %s: %v", final, err)
	} else {
		log.Printf("Track handed off to processor: %s (%.1f KB)", seg.meta.Title, float64(size)/1024)
	}
	return final, nil
}

// Current returns the open segment's metadata.
func (w *Writer) Current() (audio.TrackMetadata, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seg == nil {
		return audio.TrackMetadata{}, false
	}
	return w.seg.meta, true
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	s := Stats{}
	if w.seg != nil {
		s.Open = true
		s.Track = w.seg.meta
		s.Bytes = w.seg.wav.DataBytes()
	}
	w.mu.Unlock()
	s.Written = w.written.Load()
	s.Dropped = w.dropped.Load()
	s.LateWrites = w.lateWrites.Load()
	s.Stale = w.stale.Load()
	s.HandedOff = w.handedOff.Load()
	s.Discarded = w.discarded.Load()
	return s
}

// discardLocked closes and deletes seg. Caller holds mu.
func (w *Writer) discardLocked(seg *openSegment, why string) {
	if err := seg.wav.Close(); err != nil {
		log.Printf("WARN segment: close %s: %v", seg.path, err)
	}
	w.remove(seg, why)
}

func (w *Writer) remove(seg *openSegment, why string) {
	w.discarded.Add(1)
	if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
		log.Printf("WARN segment: remove %s: %v", seg.path, err)
	}
	log.Printf("Segment discarded (%s): %s - %s, %d bytes", why, seg.meta.Artist, seg.meta.Title, seg.wav.DataBytes())
}
