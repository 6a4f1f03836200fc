// Package model defines the read-model snapshots the engine consumes.
// The engine never mutates these entities; it only emits events. They
// are owned by the external persistence layer and handed to the engine
// by value at timeline start.
package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// CameraKind distinguishes stationary cameras from PTZ-capable ones.
type CameraKind string

const (
	CameraStationary CameraKind = "stationary"
	CameraPTZ        CameraKind = "ptz"
)

// Credentials is opaque to the engine: it is passed through to build
// connection URLs and ONVIF requests, never inspected or persisted.
type Credentials struct {
	Username string
	Password string
}

// Camera is a read-model snapshot of one ingest source.
type Camera struct {
	ID          uuid.UUID
	Name        string
	Address     string
	Port        int
	StreamPath  string
	Credentials Credentials
	ONVIFPort   int
	Kind        CameraKind
}

// RTSPURL builds the RTSP ingest URL for this camera.
func (c Camera) RTSPURL() string {
	if c.Credentials.Username != "" {
		return "rtsp://" + c.Credentials.Username + ":" + c.Credentials.Password + "@" + c.hostPort() + c.StreamPath
	}
	return "rtsp://" + c.hostPort() + c.StreamPath
}

func (c Camera) hostPort() string {
	if c.Port == 0 {
		return c.Address
	}
	return c.Address + ":" + itoa(c.Port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Preset is a named PTZ coordinate. Pan/tilt are normalized ONVIF
// coordinates in [-1,1]; zoom is normalized in [0,1]. A sentinel value of
// -1.0 on pan or tilt means "no stored absolute coordinate — use the
// camera-side preset token instead" (see Coordinate below).
type Preset struct {
	ID             uuid.UUID
	CameraID       uuid.UUID
	Name           string
	Pan            float64
	Tilt           float64
	Zoom           float64
	CameraSideToken string
}

// Coordinate is the sum-type replacement for the Python source's sentinel
// pan/tilt values: either a real absolute coordinate, or an instruction to
// fall back to the camera's own stored preset token.
type Coordinate struct {
	Absolute        bool
	Pan, Tilt, Zoom float64
	PresetToken     string
}

// ToCoordinate converts a Preset into the explicit sum type, replacing the
// sentinel-value check (pan == -1.0 or tilt == -1.0 means "invalid").
func (p Preset) ToCoordinate() Coordinate {
	const sentinel = -1.0
	valid := p.Pan != sentinel && p.Tilt != sentinel &&
		p.Pan >= -1.0 && p.Pan <= 1.0 && p.Tilt >= -1.0 && p.Tilt <= 1.0
	if valid {
		return Coordinate{Absolute: true, Pan: p.Pan, Tilt: p.Tilt, Zoom: p.Zoom, PresetToken: p.CameraSideToken}
	}
	return Coordinate{Absolute: false, PresetToken: p.CameraSideToken}
}

// AssetKind enumerates the supported overlay source kinds.
type AssetKind string

const (
	AssetLocalFile     AssetKind = "local_file"
	AssetRemoteImage   AssetKind = "remote_image"
	AssetRemoteDrawing AssetKind = "remote_drawing"
)

// Asset is an overlay graphic referenced by show_overlay cues.
type Asset struct {
	ID       uuid.UUID
	Kind     AssetKind
	Source   string // file path, HTTP image URL, or drawing export URL
	X, Y     float64 // normalized position in [0,1]^2
	Width    int     // optional, 0 means "use source's natural size"
	Height   int
	Opacity  float64 // in [0,1]
}

// Destination is an external RTMP publish target.
type Destination struct {
	ID              uuid.UUID
	Platform        string
	BaseRTMPURL     string
	StreamKey       string
	WatchdogConfig  WatchdogConfig
}

// FullURL is base ⧺ "/" ⧺ key, per the Destination invariant.
func (d Destination) FullURL() string {
	return d.BaseRTMPURL + "/" + d.StreamKey
}

// WatchdogConfig is opaque per-destination watchdog tuning plus the
// optional control-plane credentials used by tier-3 recovery.
type WatchdogConfig struct {
	Enabled              bool
	CheckInterval        time.Duration
	LiveStatusURL        string // optional public live-page probe target
	ControlPlaneToken    string // optional destination-side reset API token
	ControlPlaneBaseURL  string
}

// TrackKind distinguishes the single video track from overlay tracks.
type TrackKind string

const (
	TrackVideo   TrackKind = "video"
	TrackOverlay TrackKind = "overlay"
)

// CueAction is the tagged union replacing the source's dynamic JSON
// action_params: a cue either shows a camera (optionally moving to a
// preset) or shows an overlay asset.
type CueAction struct {
	ShowCamera  *ShowCameraAction
	ShowOverlay *ShowOverlayAction
}

type ShowCameraAction struct {
	CameraID uuid.UUID
	PresetID *uuid.UUID
}

type ShowOverlayAction struct {
	AssetID uuid.UUID
}

// Cue is one interval in a track.
type Cue struct {
	Order    int
	Start    float64 // seconds, >= 0
	Duration float64 // seconds, > 0
	Action   CueAction
}

// End is the cue's end time, s+d.
func (c Cue) End() float64 { return c.Start + c.Duration }

// Track owns an ordered set of cues at one layer.
type Track struct {
	Kind    TrackKind
	Layer   int
	Enabled bool
	Cues    []Cue
}

// Timeline is the top-level composition the executor plays back.
type Timeline struct {
	ID         uuid.UUID
	Duration   float64 // seconds, > 0
	Resolution Resolution
	FPS        int
	Loop       bool
	Tracks     []Track
}

type Resolution struct {
	Width, Height int
}

// VideoTrack returns the timeline's single video track, if present.
func (t Timeline) VideoTrack() (Track, bool) {
	for _, tr := range t.Tracks {
		if tr.Kind == TrackVideo {
			return tr, true
		}
	}
	return Track{}, false
}

// OverlayTracks returns all enabled overlay tracks, in layer order.
func (t Timeline) OverlayTracks() []Track {
	var out []Track
	for _, tr := range t.Tracks {
		if tr.Kind == TrackOverlay && tr.Enabled {
			out = append(out, tr)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Layer < out[j].Layer })
	return out
}

// Schedule describes a recurring window during which a timeline should be live.
type Schedule struct {
	ID             uuid.UUID
	Enabled        bool
	Timezone       string
	DaysOfWeek     []time.Weekday
	WindowStart    TimeOfDay
	WindowEnd      TimeOfDay
	TimelineIDs    []uuid.UUID // played in order; engine uses the first for MVP
	DestinationIDs []uuid.UUID
}

// TimeOfDay is a wall-clock time within a day, used for schedule windows
// that may cross midnight (WindowEnd < WindowStart).
type TimeOfDay struct {
	Hour, Minute int
}

func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }
