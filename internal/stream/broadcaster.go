// Package stream lets you listen to what is being captured: it turns the
// capture tap into 20ms PCM frames and serves them over WebRTC and HTTP.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/satindergrewal/spufify/internal/audio"
)

// FrameDuration is the length of one broadcast frame.
const FrameDuration = 20 * time.Millisecond

// Frame is 20ms of interleaved int16 PCM in the format it was captured in.
type Frame struct {
	PCM        []int16
	SampleRate int
	Channels   int
}

// Broadcaster fans out PCM frames from the capture tap to N listeners.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	profile   audio.DeviceProfile
}

// Listener receives PCM frames from the broadcaster.
type Listener struct {
	C    chan Frame // buffered channel of 20ms PCM frames
	done chan struct{}
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		listeners: make(map[*Listener]struct{}),
	}
}

// Subscribe registers a new listener. Returns a Listener that receives frames.
func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan Frame, 150), // ~3 seconds of buffer at 20ms/frame
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and signals it to stop.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	delete(b.listeners, l)
	b.mu.Unlock()
	close(l.done)
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Profile returns the format of the most recent batch, or the zero profile
// if nothing has been captured yet.
func (b *Broadcaster) Profile() audio.DeviceProfile {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.profile
}

// Run reads batches from source, re-chunks them into 20ms frames and fans
// them out to all listeners. Slow listeners get frames dropped rather than
// blocking the broadcast. A format change discards any partial frame.
func (b *Broadcaster) Run(ctx context.Context, source <-chan audio.FrameBatch) {
	var ch chunker
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-source:
			if !ok {
				return
			}
			if !batch.Profile.Compatible(ch.profile) {
				b.mu.Lock()
				b.profile = batch.Profile
				b.mu.Unlock()
			}
			ch.push(batch, b.send)
		}
	}
}

func (b *Broadcaster) send(f Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners {
		select {
		case l.C <- f:
		default:
			// listener too slow, drop frame to keep broadcast moving
		}
	}
}

// chunker accumulates converted samples until a whole frame is available.
type chunker struct {
	profile audio.DeviceProfile
	buf     []int16
}

func frameSamples(p audio.DeviceProfile) int {
	return p.SampleRate / int(time.Second/FrameDuration) * p.Channels
}

func (c *chunker) push(batch audio.FrameBatch, emit func(Frame)) {
	if !batch.Profile.Compatible(c.profile) {
		c.profile = batch.Profile
		c.buf = c.buf[:0]
	}
	n := frameSamples(c.profile)
	if n <= 0 {
		return
	}
	c.buf = append(c.buf, audio.Float32ToInt16(batch.Samples)...)
	for len(c.buf) >= n {
		pcm := make([]int16, n)
		copy(pcm, c.buf[:n])
		emit(Frame{PCM: pcm, SampleRate: c.profile.SampleRate, Channels: c.profile.Channels})
		c.buf = c.buf[n:]
	}
}
