// Package snapshot decodes a read-only JSON snapshot of the external
// persistence layer's cameras/presets/assets/timelines/destinations/
// schedules into the engine's model types. The engine never writes this
// file back; the engine reads it once at startup.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/vistterstream/engine/internal/model"
)

// Snapshot bundles every read-model collection the engine operates on,
// keyed by ID for O(1) lookups from timeline cues and schedules.
type Snapshot struct {
	Cameras      map[uuid.UUID]model.Camera
	Presets      map[uuid.UUID]model.Preset
	Assets       map[uuid.UUID]model.Asset
	Timelines    map[uuid.UUID]model.Timeline
	Destinations map[uuid.UUID]model.Destination
	Schedules    []model.Schedule
}

type dto struct {
	Cameras      []cameraDTO      `json:"cameras"`
	Presets      []presetDTO      `json:"presets"`
	Assets       []assetDTO       `json:"assets"`
	Timelines    []timelineDTO    `json:"timelines"`
	Destinations []destinationDTO `json:"destinations"`
	Schedules    []scheduleDTO    `json:"schedules"`
}

type cameraDTO struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	Port       int       `json:"port"`
	ONVIFPort  int       `json:"onvif_port"`
	StreamPath string    `json:"stream_path"`
	Kind       string    `json:"kind"`
	Credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"credentials"`
}

type presetDTO struct {
	ID              uuid.UUID `json:"id"`
	CameraID        uuid.UUID `json:"camera_id"`
	Name            string    `json:"name"`
	Pan             float64   `json:"pan"`
	Tilt            float64   `json:"tilt"`
	Zoom            float64   `json:"zoom"`
	CameraSideToken string    `json:"camera_side_token"`
}

type assetDTO struct {
	ID       uuid.UUID `json:"id"`
	Kind     string    `json:"kind"`
	Source   string    `json:"source"`
	PosX     float64   `json:"position_x"`
	PosY     float64   `json:"position_y"`
	Width    int        `json:"width"`
	Height   int        `json:"height"`
	Opacity  float64    `json:"opacity"`
}

type cueDTO struct {
	Order        int             `json:"order"`
	StartTime    float64         `json:"start_time"`
	Duration     float64         `json:"duration"`
	ActionType   string          `json:"action_type"`
	ActionParams json.RawMessage `json:"action_params"`
}

type trackDTO struct {
	TrackType string   `json:"track_type"`
	Layer     int      `json:"layer"`
	Enabled   bool     `json:"enabled"`
	Cues      []cueDTO `json:"cues"`
}

type timelineDTO struct {
	ID         uuid.UUID  `json:"id"`
	Duration   float64    `json:"duration"`
	FPS        int        `json:"fps"`
	Resolution struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"resolution"`
	Loop   bool       `json:"loop"`
	Tracks []trackDTO `json:"tracks"`
}

type destinationDTO struct {
	ID             uuid.UUID `json:"id"`
	Platform       string    `json:"platform"`
	BaseRTMPURL    string    `json:"base_rtmp_url"`
	StreamKey      string    `json:"stream_key"`
	WatchdogConfig struct {
		Enabled             bool   `json:"enabled"`
		CheckIntervalSec    int    `json:"check_interval_seconds"`
		LiveStatusURL       string `json:"live_status_url"`
		ControlPlaneToken   string `json:"control_plane_token"`
		ControlPlaneBaseURL string `json:"control_plane_base_url"`
	} `json:"watchdog_config"`
}

type scheduleTimelineDTO struct {
	TimelineID uuid.UUID `json:"timeline_id"`
	OrderIndex int       `json:"order_index"`
}

type scheduleDTO struct {
	ID                uuid.UUID             `json:"id"`
	Enabled           bool                  `json:"enabled"`
	Timezone          string                `json:"timezone"`
	DaysOfWeek        []int                 `json:"days_of_week"`
	WindowStart       string                `json:"window_start"`
	WindowEnd         string                `json:"window_end"`
	DestinationIDs    []uuid.UUID           `json:"destination_ids"`
	ScheduleTimelines []scheduleTimelineDTO `json:"schedule_timelines"`
}

// Load reads and decodes a snapshot file into the engine's model types. A
// missing file is not an error: a freshly provisioned appliance has no
// cameras or timelines yet, so it yields an empty Snapshot the same way
// config.Load falls back to defaults.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return convert(dto{}), nil
		}
		return Snapshot{}, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var raw dto
	if err := json.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return convert(raw), nil
}

func convert(raw dto) Snapshot {
	snap := Snapshot{
		Cameras:      make(map[uuid.UUID]model.Camera, len(raw.Cameras)),
		Presets:      make(map[uuid.UUID]model.Preset, len(raw.Presets)),
		Assets:       make(map[uuid.UUID]model.Asset, len(raw.Assets)),
		Timelines:    make(map[uuid.UUID]model.Timeline, len(raw.Timelines)),
		Destinations: make(map[uuid.UUID]model.Destination, len(raw.Destinations)),
	}

	for _, c := range raw.Cameras {
		kind := model.CameraStationary
		if c.Kind == string(model.CameraPTZ) {
			kind = model.CameraPTZ
		}
		snap.Cameras[c.ID] = model.Camera{
			ID:         c.ID,
			Name:       c.Name,
			Address:    c.Address,
			Port:       c.Port,
			StreamPath: c.StreamPath,
			ONVIFPort:  c.ONVIFPort,
			Kind:       kind,
			Credentials: model.Credentials{
				Username: c.Credentials.Username,
				Password: c.Credentials.Password,
			},
		}
	}

	for _, p := range raw.Presets {
		snap.Presets[p.ID] = model.Preset{
			ID:              p.ID,
			CameraID:        p.CameraID,
			Name:            p.Name,
			Pan:             p.Pan,
			Tilt:            p.Tilt,
			Zoom:            p.Zoom,
			CameraSideToken: p.CameraSideToken,
		}
	}

	for _, a := range raw.Assets {
		snap.Assets[a.ID] = model.Asset{
			ID:      a.ID,
			Kind:    model.AssetKind(a.Kind),
			Source:  a.Source,
			X:       a.PosX,
			Y:       a.PosY,
			Width:   a.Width,
			Height:  a.Height,
			Opacity: a.Opacity,
		}
	}

	for _, d := range raw.Destinations {
		snap.Destinations[d.ID] = model.Destination{
			ID:          d.ID,
			Platform:    d.Platform,
			BaseRTMPURL: d.BaseRTMPURL,
			StreamKey:   d.StreamKey,
			WatchdogConfig: model.WatchdogConfig{
				Enabled:             d.WatchdogConfig.Enabled,
				CheckInterval:       time.Duration(d.WatchdogConfig.CheckIntervalSec) * time.Second,
				LiveStatusURL:       d.WatchdogConfig.LiveStatusURL,
				ControlPlaneToken:   d.WatchdogConfig.ControlPlaneToken,
				ControlPlaneBaseURL: d.WatchdogConfig.ControlPlaneBaseURL,
			},
		}
	}

	for _, tl := range raw.Timelines {
		snap.Timelines[tl.ID] = model.Timeline{
			ID:         tl.ID,
			Duration:   tl.Duration,
			FPS:        tl.FPS,
			Loop:       tl.Loop,
			Resolution: model.Resolution{Width: tl.Resolution.Width, Height: tl.Resolution.Height},
			Tracks:     convertTracks(tl.Tracks),
		}
	}

	for _, s := range raw.Schedules {
		snap.Schedules = append(snap.Schedules, convertSchedule(s))
	}

	return snap
}

func convertTracks(tracks []trackDTO) []model.Track {
	out := make([]model.Track, 0, len(tracks))
	for _, t := range tracks {
		kind := model.TrackVideo
		if t.TrackType == string(model.TrackOverlay) {
			kind = model.TrackOverlay
		}
		cues := make([]model.Cue, 0, len(t.Cues))
		for _, c := range t.Cues {
			cues = append(cues, model.Cue{
				Order:    c.Order,
				Start:    c.StartTime,
				Duration: c.Duration,
				Action:   convertAction(c.ActionType, c.ActionParams),
			})
		}
		out = append(out, model.Track{Kind: kind, Layer: t.Layer, Enabled: t.Enabled, Cues: cues})
	}
	return out
}

func convertAction(actionType string, params json.RawMessage) model.CueAction {
	switch actionType {
	case "show_camera":
		var p struct {
			CameraID uuid.UUID  `json:"camera_id"`
			PresetID *uuid.UUID `json:"preset_id"`
		}
		_ = json.Unmarshal(params, &p)
		return model.CueAction{ShowCamera: &model.ShowCameraAction{CameraID: p.CameraID, PresetID: p.PresetID}}
	case "show_overlay":
		var p struct {
			AssetID uuid.UUID `json:"asset_id"`
		}
		_ = json.Unmarshal(params, &p)
		return model.CueAction{ShowOverlay: &model.ShowOverlayAction{AssetID: p.AssetID}}
	default:
		return model.CueAction{}
	}
}

func convertSchedule(s scheduleDTO) model.Schedule {
	days := make([]time.Weekday, 0, len(s.DaysOfWeek))
	for _, d := range s.DaysOfWeek {
		days = append(days, time.Weekday(d))
	}

	timelineIDs := make([]uuid.UUID, len(s.ScheduleTimelines))
	ordered := append([]scheduleTimelineDTO(nil), s.ScheduleTimelines...)
	for i := range ordered {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].OrderIndex < ordered[i].OrderIndex {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	for i, st := range ordered {
		timelineIDs[i] = st.TimelineID
	}

	return model.Schedule{
		ID:             s.ID,
		Enabled:        s.Enabled,
		Timezone:       s.Timezone,
		DaysOfWeek:     days,
		WindowStart:    parseTimeOfDay(s.WindowStart),
		WindowEnd:      parseTimeOfDay(s.WindowEnd),
		TimelineIDs:    timelineIDs,
		DestinationIDs: s.DestinationIDs,
	}
}

// parseTimeOfDay parses an "HH:MM" string, per the persisted schema's
// window_start/window_end columns. An unparsable value is treated as
// midnight rather than rejecting the whole snapshot.
func parseTimeOfDay(s string) model.TimeOfDay {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return model.TimeOfDay{}
	}
	return model.TimeOfDay{Hour: hour, Minute: minute}
}
