package transcoder

// EncodingProfile describes the target output format for a stream.
type EncodingProfile struct {
	Width, Height int
	FPS           int
	BitrateKbps   int
	Encoder       string
	Preset        string // software-encoder preset; ignored by hardware encoders
}

// ReliabilityProfile is the MVP default: 1080p30 at a bitrate conservative
// enough to survive modest uplinks, matching the Python source's
// EncodingProfile.reliability_profile().
func ReliabilityProfile(encoder string) EncodingProfile {
	return EncodingProfile{
		Width:       1920,
		Height:      1080,
		FPS:         30,
		BitrateKbps: 4500,
		Encoder:     encoder,
		Preset:      "fast",
	}
}

// BufferKbps is 2x the target bitrate, giving the encoder headroom to
// absorb brief scene-complexity spikes without stalling.
func (p EncodingProfile) BufferKbps() int { return p.BitrateKbps * 2 }

// KeyframeInterval is fps * 2 seconds: a GOP every two seconds, short
// enough that RTMP destinations resync quickly after a network blip.
func (p EncodingProfile) KeyframeInterval() int { return p.FPS * 2 }

// TimedOverlay is the output of the Overlay Prefetcher (C5): a resolved
// local image path plus the pixel position and timeline-global enable
// window the Transcoder Supervisor bakes into the filter graph.
type TimedOverlay struct {
	Path          string
	X, Y          int
	Width, Height int // 0 means use the source image's natural size
	Opacity       float64
	Start, End    float64 // seconds, timeline-global
}
