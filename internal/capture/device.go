// Package capture owns the loopback input device for one capture session:
// it picks the device, negotiates a format the device really supports and
// keeps reading frame batches off it until stopped.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

var (
	// ErrDeviceUnavailable means no loopback device could be selected or
	// opened. Fatal for the capture session.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrUnsupportedFormat is returned by a Backend when the device can't be
	// opened at the requested rate/channels.
	ErrUnsupportedFormat = errors.New("unsupported capture format")

	// ErrTransientRead wraps read failures the producer retries.
	ErrTransientRead = errors.New("transient capture read error")
)

// outputMatchThreshold is the minimum Jaro-Winkler similarity for treating a
// loopback device as belonging to the active output when names don't contain
// each other.
const outputMatchThreshold = 0.85

// Device is one capture source reported by a Backend.
type Device struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Loopback bool   `json:"loopback"`
	Channels int    `json:"channels"` // 0 if unknown

	// NativeRate is the rate the device runs at, 0 if unknown.
	NativeRate int `json:"native_rate"`
}

// Format is a request to open a device.
type Format struct {
	SampleRate int
	Channels   int

	// BestEffort lets the backend convert instead of refusing a format the
	// device doesn't run at natively.
	BestEffort bool
}

// Stream is an open device. Read blocks until len(buf) samples are available.
type Stream interface {
	Read(buf []float32) error
	Close() error
}

// Backend enumerates and opens capture devices.
type Backend interface {
	Devices(ctx context.Context) ([]Device, error)
	// DefaultOutput returns the name of the active audio output device.
	DefaultOutput(ctx context.Context) (string, error)
	Open(ctx context.Context, dev Device, f Format) (Stream, error)
}

// SelectDevice applies the selection policy: the configured device, then a
// loopback matching the active output, then the first loopback.
func SelectDevice(devices []Device, configuredID, activeOutput string) (Device, error) {
	if configuredID != "" {
		for _, d := range devices {
			if d.ID == configuredID || d.Name == configuredID {
				log.Printf("Using configured device: %s", d.Name)
				return d, nil
			}
		}
		log.Printf("WARN capture: configured device %q not found, auto-detecting", configuredID)
	}

	var loopbacks []Device
	for _, d := range devices {
		if d.Loopback {
			loopbacks = append(loopbacks, d)
		}
	}
	if len(loopbacks) == 0 {
		return Device{}, fmt.Errorf("%w: no loopback device among %d inputs", ErrDeviceUnavailable, len(devices))
	}

	if activeOutput != "" {
		if d, ok := matchOutput(loopbacks, activeOutput); ok {
			log.Printf("Auto-selected loopback matching output %q: %s", activeOutput, d.Name)
			return d, nil
		}
	}

	log.Printf("Using first available loopback: %s", loopbacks[0].Name)
	return loopbacks[0], nil
}

func matchOutput(loopbacks []Device, output string) (Device, bool) {
	out := strings.ToLower(output)
	for _, d := range loopbacks {
		if strings.Contains(strings.ToLower(d.Name), out) || strings.Contains(strings.ToLower(d.ID), out) {
			return d, true
		}
	}

	best, bestScore := -1, 0.0
	jw := metrics.NewJaroWinkler()
	jw.CaseSensitive = false
	for i, d := range loopbacks {
		name := strings.TrimSuffix(d.Name, ".monitor")
		if score := strutil.Similarity(output, name, jw); score > bestScore {
			best, bestScore = i, score
		}
	}
	if best >= 0 && bestScore >= outputMatchThreshold {
		return loopbacks[best], true
	}
	return Device{}, false
}
