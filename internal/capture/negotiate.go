package capture

import (
	"context"
	"fmt"
	"log"

	"github.com/satindergrewal/spufify/internal/audio"
)

// Negotiate opens dev at the first candidate rate it accepts, with channels
// capped at audio.MaxChannels. If no candidate opens, it opens the fallback
// format best-effort and reports Negotiated=false. The returned stream is
// already open at the returned profile.
func Negotiate(ctx context.Context, b Backend, dev Device, rates []int, fallback audio.DeviceProfile) (audio.DeviceProfile, Stream, error) {
	channels := dev.Channels
	if channels <= 0 {
		channels = fallback.Channels
	}
	if channels > audio.MaxChannels {
		channels = audio.MaxChannels
	}
	if channels <= 0 {
		channels = audio.DefaultChannels
	}

	log.Printf("Negotiating format for: %s", dev.Name)
	for _, rate := range rates {
		s, err := b.Open(ctx, dev, Format{SampleRate: rate, Channels: channels})
		if err != nil {
			log.Printf("  %d Hz not supported: %v", rate, err)
			continue
		}
		p := audio.DeviceProfile{SampleRate: rate, Channels: channels, DeviceID: dev.ID, Negotiated: true}
		log.Printf("Negotiated %s", p)
		return p, s, nil
	}

	fbChannels := fallback.Channels
	if fbChannels <= 0 || fbChannels > audio.MaxChannels {
		fbChannels = channels
	}
	p := audio.DeviceProfile{SampleRate: fallback.SampleRate, Channels: fbChannels, DeviceID: dev.ID}
	log.Printf("WARN capture: no candidate rate opened on %s, using configured default %d Hz / %d ch", dev.Name, p.SampleRate, p.Channels)
	s, err := b.Open(ctx, dev, Format{SampleRate: p.SampleRate, Channels: p.Channels, BestEffort: true})
	if err != nil {
		return audio.DeviceProfile{}, nil, fmt.Errorf("%w: open %s at default format: %v", ErrDeviceUnavailable, dev.Name, err)
	}
	return p, s, nil
}
