package stream

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"

	"github.com/satindergrewal/spufify/internal/audio"
)

// HTTPHandler serves a chunked MP3 monitor stream via HTTP.
// Each connection spawns an FFmpeg process to encode PCM -> MP3 in real-time.
type HTTPHandler struct {
	broadcaster *Broadcaster
	ffmpegPath  string
}

// NewHTTPHandler creates an HTTP stream handler.
func NewHTTPHandler(b *Broadcaster, ffmpegPath string) *HTTPHandler {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &HTTPHandler{broadcaster: b, ffmpegPath: ffmpegPath}
}

func mp3Args(rate, channels int) []string {
	return []string{
		"-f", "s16le",
		"-ar", fmt.Sprint(rate),
		"-ac", fmt.Sprint(channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", "192k",
		"-f", "mp3",
		"-fflags", "nobuffer",
		"-flush_packets", "1",
		"-loglevel", "error",
		"pipe:1",
	}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	p := h.broadcaster.Profile()
	if p.SampleRate == 0 || p.Channels == 0 {
		http.Error(w, "no audio captured yet", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// FFmpeg: PCM stdin -> MP3 stdout, at the session's own format
	cmd := exec.CommandContext(ctx, h.ffmpegPath, mp3Args(p.SampleRate, p.Channels)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Printf("WARN stream: stdin pipe: %v", err)
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Printf("WARN stream: stdout pipe: %v", err)
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}

	if err := cmd.Start(); err != nil {
		log.Printf("WARN stream: ffmpeg start: %v", err)
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("ICY-Name", "spufify monitor")

	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)

	log.Printf("HTTP listener connected (total: %d)", h.broadcaster.ListenerCount())
	defer log.Printf("HTTP listener disconnected")

	// Feed PCM frames to FFmpeg. A format change ends the stream; the
	// client reconnects and gets a new encoder.
	go func() {
		defer stdin.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.done:
				return
			case frame, ok := <-listener.C:
				if !ok {
					return
				}
				if frame.SampleRate != p.SampleRate || frame.Channels != p.Channels {
					return
				}
				if _, err := stdin.Write(audio.SamplesToBytes(frame.PCM)); err != nil {
					return
				}
			}
		}
	}()

	// Read MP3 from FFmpeg and write to HTTP response
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				break
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("WARN stream: ffmpeg read: %v", err)
			}
			break
		}
	}

	cancel()
	cmd.Wait()
}
