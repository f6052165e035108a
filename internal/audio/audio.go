package audio

import "fmt"

const (
	DefaultSampleRate = 44100
	DefaultChannels   = 2
	DefaultBlockSize  = 2048 // frames per capture read
	MaxChannels       = 2
	BitDepth          = 32 // float32 intermediate
)

// CandidateRates is the negotiation order: most common device rates first,
// then higher, then lower.
var CandidateRates = []int{48000, 44100, 96000, 192000, 32000, 22050, 16000}

// DeviceProfile is the negotiated format of one capture session.
// It never changes while the session is running.
type DeviceProfile struct {
	SampleRate int
	Channels   int
	DeviceID   string

	// Negotiated is false when no candidate rate opened and the session is
	// running on the configured default format.
	Negotiated bool
}

func (p DeviceProfile) String() string {
	return fmt.Sprintf("%s @ %d Hz, %d ch", p.DeviceID, p.SampleRate, p.Channels)
}

// Compatible reports whether two profiles describe the same sample layout.
func (p DeviceProfile) Compatible(o DeviceProfile) bool {
	return p.SampleRate == o.SampleRate && p.Channels == o.Channels
}

// FrameBatch is one capture read: interleaved float32 samples tagged with the
// profile in effect when it was captured.
type FrameBatch struct {
	Samples []float32
	Profile DeviceProfile
}

// Frames returns the number of per-channel frames in the batch.
func (b FrameBatch) Frames() int {
	if b.Profile.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Profile.Channels
}

// TrackMetadata is what the tagger needs for one finished segment.
type TrackMetadata struct {
	TrackID  string `json:"track_id,omitempty"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Album    string `json:"album"`
	CoverURL string `json:"cover_url,omitempty"`
}
