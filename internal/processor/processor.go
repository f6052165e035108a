// Package processor turns finished raw segments into tagged audio files.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/satindergrewal/spufify/internal/audio"
	"github.com/satindergrewal/spufify/internal/library"
)

// ErrQueueFull is returned by Submit when the job queue has no room.
var ErrQueueFull = errors.New("processor queue full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("processor stopped")

// Formats lists the supported output formats.
var Formats = []string{"flac", "mp3", "wav"}

// Ledger records what happened to each segment.
type Ledger interface {
	Add(ctx context.Context, r library.Recording) (string, error)
	MarkDone(ctx context.Context, id, outputPath string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// Config holds processor settings.
type Config struct {
	OutputDir  string
	Format     string // flac, mp3 or wav
	FFmpegPath string
	Workers    int
	QueueSize  int
}

// Job is one raw segment to encode.
type Job struct {
	RawPath    string
	Meta       audio.TrackMetadata
	SampleRate int
	LedgerID   string
}

// runner runs ffmpeg.
type runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Pool encodes jobs on a fixed number of workers.
type Pool struct {
	cfg    Config
	ledger Ledger
	covers *CoverFetcher
	run    runner

	mu      sync.Mutex
	stopped bool
	jobs    chan Job
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewPool creates a pool. ledger and covers may be nil.
func NewPool(cfg Config, ledger Ledger, covers *CoverFetcher) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 16
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	cfg.Format = NormalizeFormat(cfg.Format)
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		ledger: ledger,
		covers: covers,
		run:    execRunner{},
		jobs:   make(chan Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// NormalizeFormat lower-cases f and falls back to flac for anything unknown.
func NormalizeFormat(f string) string {
	f = strings.ToLower(strings.TrimSpace(f))
	for _, k := range Formats {
		if f == k {
			return f
		}
	}
	return "flac"
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				p.process(job)
			}
		}()
	}
	log.Printf("Processor started: %d workers, output %s (%s)", p.cfg.Workers, p.cfg.OutputDir, p.cfg.Format)
}

// Stop stops accepting jobs and waits for queued ones to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// Submit queues a raw segment without blocking. It implements
// segment.Submitter.
func (p *Pool) Submit(path string, meta audio.TrackMetadata, sampleRate int) error {
	job := Job{RawPath: path, Meta: meta, SampleRate: sampleRate}
	if p.ledger != nil {
		var size int64
		if st, err := os.Stat(path); err == nil {
			size = st.Size()
		}
		id, err := p.ledger.Add(context.Background(), library.Recording{
			TrackID:    meta.TrackID,
			Title:      meta.Title,
			Artist:     meta.Artist,
			Album:      meta.Album,
			RawPath:    path,
			SampleRate: sampleRate,
			Bytes:      size,
		})
		if err != nil {
			log.Printf("WARN processor: ledger add: %v", err)
		}
		job.LedgerID = id
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.fail(job, ErrStopped)
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		log.Printf("WARN processor: dropping job for %s", meta.Title)
		p.fail(job, ErrQueueFull)
		return ErrQueueFull
	}
}

func (p *Pool) process(job Job) {
	log.Printf("Processing: %s - %s", job.Meta.Artist, job.Meta.Title)
	out, err := p.encode(p.ctx, job)
	if err != nil {
		log.Printf("WARN processor: %s: %v (raw kept at %s)", job.Meta.Title, err, job.RawPath)
		p.fail(job, err)
		return
	}
	if err := os.Remove(job.RawPath); err != nil {
		log.Printf("WARN processor: remove raw %s: %v", job.RawPath, err)
	}
	if p.ledger != nil && job.LedgerID != "" {
		if err := p.ledger.MarkDone(context.Background(), job.LedgerID, out); err != nil {
			log.Printf("WARN processor: ledger update: %v", err)
		}
	}
	log.Printf("Finished: %s", filepath.Base(out))
}

func (p *Pool) fail(job Job, err error) {
	if p.ledger == nil || job.LedgerID == "" {
		return
	}
	if lerr := p.ledger.MarkFailed(context.Background(), job.LedgerID, err.Error()); lerr != nil {
		log.Printf("WARN processor: ledger update: %v", lerr)
	}
}

func (p *Pool) encode(ctx context.Context, job Job) (string, error) {
	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	out, err := p.reserve(job.Meta)
	if err != nil {
		return "", err
	}

	var cover string
	if job.Meta.CoverURL != "" && p.covers != nil && p.cfg.Format != "wav" {
		c, err := p.covers.Fetch(ctx, job.Meta.CoverURL, filepath.Dir(job.RawPath))
		if err != nil {
			log.Printf("WARN processor: cover for %s: %v", job.Meta.Title, err)
		} else {
			cover = c
			defer os.Remove(c)
		}
	}

	args := ffmpegArgs(job.RawPath, cover, out, p.cfg.Format, job.SampleRate, job.Meta)
	if err := p.run.Run(ctx, p.cfg.FFmpegPath, args...); err != nil {
		os.Remove(out)
		return "", fmt.Errorf("ffmpeg: %w", err)
	}
	return out, nil
}

// reserve claims a free "Artist - Title.ext" path in the output directory,
// adding " (n)" when the name is taken.
func (p *Pool) reserve(meta audio.TrackMetadata) (string, error) {
	base := OutputName(meta)
	ext := "." + p.cfg.Format
	for n := 1; n < 1000; n++ {
		name := base + ext
		if n > 1 {
			name = fmt.Sprintf("%s (%d)%s", base, n, ext)
		}
		path := filepath.Join(p.cfg.OutputDir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("reserve output: %w", err)
		}
		f.Close()
		return path, nil
	}
	return "", fmt.Errorf("no free output name for %q", base)
}

// OutputName builds "Artist - Title" from sanitized metadata.
func OutputName(meta audio.TrackMetadata) string {
	artist := Sanitize(meta.Artist)
	if artist == "" {
		artist = "Unknown"
	}
	title := Sanitize(meta.Title)
	if title == "" {
		title = "Untitled"
	}
	return artist + " - " + title
}

// Sanitize keeps letters, digits, spaces, '-' and '_'.
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if isAlnum(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func ffmpegArgs(raw, cover, out, format string, sampleRate int, meta audio.TrackMetadata) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", raw}
	if cover != "" {
		args = append(args, "-i", cover, "-map", "0:a", "-map", "1:v",
			"-c:v", "copy", "-disposition:v", "attached_pic",
			"-metadata:s:v", "title=Album cover", "-metadata:s:v", "comment=Cover (front)")
	}
	switch format {
	case "mp3":
		args = append(args, "-c:a", "libmp3lame", "-b:a", "320k", "-id3v2_version", "3")
	case "wav":
		args = append(args, "-c:a", "pcm_s16le")
	default:
		args = append(args, "-c:a", "flac", "-compression_level", "5")
	}
	if sampleRate > 0 {
		args = append(args, "-ar", fmt.Sprint(sampleRate))
	}
	for _, kv := range [][2]string{{"title", meta.Title}, {"artist", meta.Artist}, {"album", meta.Album}} {
		if kv[1] != "" {
			args = append(args, "-metadata", kv[0]+"="+kv[1])
		}
	}
	return append(args, out)
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
