// Package playback classifies playback snapshots and drives segment
// recording from them.
package playback

import (
	"errors"

	"github.com/satindergrewal/spufify/internal/audio"
)

// ErrPoll wraps failures of the playback source. A failed poll counts as an
// absent snapshot for that tick.
var ErrPoll = errors.New("playback poll failed")

// Snapshot is what the playback source reports for one poll tick. A nil
// *Snapshot means nothing is playing.
type Snapshot struct {
	IsPlaying  bool   `json:"is_playing"`
	IsAd       bool   `json:"is_ad"`
	TrackID    string `json:"track_id,omitempty"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	CoverURL   string `json:"cover_url,omitempty"`
	DurationMS int    `json:"duration_ms"`
	ProgressMS int    `json:"progress_ms"`
}

// Metadata returns the tagging subset of the snapshot.
func (s *Snapshot) Metadata() audio.TrackMetadata {
	return audio.TrackMetadata{
		TrackID:  s.TrackID,
		Title:    s.Title,
		Artist:   s.Artist,
		Album:    s.Album,
		CoverURL: s.CoverURL,
	}
}

// State is the recording state.
type State int

const (
	Waiting State = iota
	Recording
	Paused
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "WAITING"
	case Recording:
		return "RECORDING"
	case Paused:
		return "PAUSED"
	}
	return "UNKNOWN"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Action is the side effect a transition asks of the segment writer.
type Action int

const (
	ActNone     Action = iota
	ActOpen            // open a segment for the snapshot's track, unmute
	ActMute            // pause ingestion, keep the segment open
	ActNextOpen        // finalize the current segment, then ActOpen
	ActStop            // finalize the current segment
)

func (a Action) String() string {
	return [...]string{"none", "open", "mute", "finalize+open", "stop"}[a]
}

// Next is the transition function. trackID is the identifier of the track
// being recorded. Ads win over the playing flag; an empty identifier never
// counts as a track change. Leaving PAUSED for a different track finalizes
// the paused segment like any other track change.
func Next(cur State, trackID string, snap *Snapshot) (State, Action) {
	if snap == nil {
		if cur == Waiting {
			return Waiting, ActNone
		}
		return Waiting, ActStop
	}

	switch cur {
	case Waiting:
		if snap.IsAd || !snap.IsPlaying {
			return cur, ActNone
		}
		return Recording, ActOpen

	case Paused:
		if snap.IsAd || !snap.IsPlaying {
			return cur, ActNone
		}
		if trackChanged(trackID, snap) {
			return Recording, ActNextOpen
		}
		return Recording, ActOpen

	case Recording:
		if snap.IsAd || !snap.IsPlaying {
			return Paused, ActMute
		}
		if trackChanged(trackID, snap) {
			return Recording, ActNextOpen
		}
		return Recording, ActNone
	}
	return cur, ActNone
}

func trackChanged(trackID string, snap *Snapshot) bool {
	return snap.TrackID != "" && trackID != "" && snap.TrackID != trackID
}
