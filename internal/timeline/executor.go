// Package timeline implements the Timeline Executor (C6): the heart of
// the engine. It segments a timeline at cue boundaries, drives camera
// cuts and PTZ moves, coordinates the Transcoder Supervisor with
// prefetched overlays, and publishes playback position.
package timeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vistterstream/engine/internal/engineerrors"
	"github.com/vistterstream/engine/internal/model"
	"github.com/vistterstream/engine/internal/transcoder"
)

const positionUpdateInterval = 500 * time.Millisecond // 2 Hz

// WatchdogNotifier is the narrow surface the Health Watchdog's manager
// exposes; the executor notifies it of stream lifecycle events instead of
// the watchdog polling.
type WatchdogNotifier interface {
	NotifyStreamStarted(streamID uuid.UUID, destinationIDs []uuid.UUID)
	NotifyStreamStopped(streamID uuid.UUID)
}

// EventPublisher is the narrow surface status events are emitted through.
type EventPublisher interface {
	PublishPlaybackPosition(pos model.PlaybackPosition)
	PublishStreamState(state model.StreamState)
}

// SupervisorAPI is the slice of *transcoder.Supervisor the executor
// drives. It is an interface so tests can exercise the driver loop
// against a fake instead of spawning real ffmpeg processes.
type SupervisorAPI interface {
	Start(ctx context.Context, streamID uuid.UUID, inputURL string, outputURLs []string, profile transcoder.EncodingProfile, overlays []transcoder.TimedOverlay, timelineDuration float64, loop bool) (model.StreamState, error)
	Stop(ctx context.Context, streamID uuid.UUID) error
	State(streamID uuid.UUID) (model.StreamState, bool)
	IsRunning(streamID uuid.UUID) bool
	Rekey(tempID, realID uuid.UUID) error
	OnDied(streamID uuid.UUID, cb func(streamID uuid.UUID, errMsg string))
}

// RelayAPI is the slice of *relay.Pool the executor drives.
type RelayAPI interface {
	StartCamera(ctx context.Context, cam model.Camera) (model.RelayState, error)
	LocalURL(cameraID uuid.UUID) string
}

// PTZAPI is the slice of *ptz.Controller the executor drives.
type PTZAPI interface {
	MoveToPreset(ctx context.Context, cam model.Camera, preset model.Preset) error
}

// OverlayAPI is the slice of *overlay.Prefetcher the executor drives.
type OverlayAPI interface {
	Prefetch(ctx context.Context, timelineID uuid.UUID, tl model.Timeline, assets map[uuid.UUID]model.Asset) []transcoder.TimedOverlay
	Cleanup(timelineID uuid.UUID)
}

type noopWatchdog struct{}

func (noopWatchdog) NotifyStreamStarted(uuid.UUID, []uuid.UUID) {}
func (noopWatchdog) NotifyStreamStopped(uuid.UUID)              {}

type noopEvents struct{}

func (noopEvents) PublishPlaybackPosition(model.PlaybackPosition) {}
func (noopEvents) PublishStreamState(model.StreamState)           {}

// StartRequest bundles everything needed to start a timeline: the
// resolved read-models the executor needs (cameras, presets, assets) are
// supplied by value by the caller, since the engine never queries
// persistence directly.
type StartRequest struct {
	Timeline       model.Timeline
	Cameras        map[uuid.UUID]model.Camera
	Presets        map[uuid.UUID]model.Preset
	Assets         map[uuid.UUID]model.Asset
	OutputURLs     []string
	DestinationIDs []uuid.UUID
	Profile        *transcoder.EncodingProfile
	StartPosition  *float64
}

// run is the executor's per-timeline bookkeeping entry.
type run struct {
	mu             sync.Mutex
	timelineID     uuid.UUID
	cancel         context.CancelFunc
	done           chan struct{}
	position       model.PlaybackPosition
	hasPosition    bool
	destinationIDs []uuid.UUID
	lastSegmentAt  time.Time
}

// Executor drives at most one timeline per timeline id. It does not limit
// how many different timelines run at once; the Stream Router allows one
// active timeline among those it starts, and the scheduler starts and
// stops timelines on the executor directly.
type Executor struct {
	mu     sync.Mutex
	active map[uuid.UUID]*run

	supervisor     SupervisorAPI
	relays         RelayAPI
	ptz            PTZAPI
	overlays       OverlayAPI
	watchdog       WatchdogNotifier
	events         EventPublisher
	defaultEncoder string

	log zerolog.Logger
}

func NewExecutor(
	supervisor SupervisorAPI,
	relays RelayAPI,
	ptzController PTZAPI,
	prefetcher OverlayAPI,
	watchdog WatchdogNotifier,
	events EventPublisher,
	defaultEncoder string,
	log zerolog.Logger,
) *Executor {
	if watchdog == nil {
		watchdog = noopWatchdog{}
	}
	if events == nil {
		events = noopEvents{}
	}
	return &Executor{
		active:         make(map[uuid.UUID]*run),
		supervisor:     supervisor,
		relays:         relays,
		ptz:            ptzController,
		overlays:       prefetcher,
		watchdog:       watchdog,
		events:         events,
		defaultEncoder: defaultEncoder,
		log:            log,
	}
}

// StartTimeline starts executing a timeline. It returns false if the
// timeline is already running, a Fatal error if the timeline's duration
// is <= 0, and a Configuration error if it has no video track.
func (e *Executor) StartTimeline(ctx context.Context, req StartRequest) (bool, error) {
	tl := req.Timeline

	if tl.Duration <= 0 {
		return false, engineerrors.New("timeline.start", "invalid_duration", engineerrors.Fatal,
			fmt.Sprintf("timeline %s has non-positive duration", tl.ID), nil)
	}
	if _, ok := tl.VideoTrack(); !ok {
		return false, engineerrors.New("timeline.start", "no_video_track", engineerrors.Configuration,
			fmt.Sprintf("timeline %s has no video track", tl.ID), nil)
	}

	e.mu.Lock()
	if _, exists := e.active[tl.ID]; exists {
		e.mu.Unlock()
		return false, nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		timelineID:     tl.ID,
		cancel:         cancel,
		done:           make(chan struct{}),
		destinationIDs: req.DestinationIDs,
		lastSegmentAt:  time.Now(),
	}
	e.active[tl.ID] = r
	e.mu.Unlock()

	profile := transcoder.ReliabilityProfile(e.defaultEncoder)
	if req.Profile != nil {
		profile = *req.Profile
	}

	timedOverlays := e.overlays.Prefetch(ctx, tl.ID, tl, req.Assets)

	for _, cam := range referencedCameras(tl, req.Cameras) {
		if _, err := e.relays.StartCamera(ctx, cam); err != nil {
			e.log.Warn().Err(err).Str("camera_id", cam.ID.String()).Msg("failed to start camera relay for timeline")
		}
	}

	e.watchdog.NotifyStreamStarted(tl.ID, req.DestinationIDs)

	go func() {
		defer close(r.done)
		e.drive(runCtx, r, req, profile, timedOverlays)
		e.overlays.Cleanup(tl.ID)
	}()

	return true, nil
}

// StopTimeline cancels the driver, instructs the supervisor to stop, and
// notifies the watchdog. It is idempotent.
func (e *Executor) StopTimeline(timelineID uuid.UUID) bool {
	e.mu.Lock()
	r, ok := e.active[timelineID]
	if ok {
		delete(e.active, timelineID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	r.cancel()
	<-r.done

	if err := e.supervisor.Stop(context.Background(), timelineID); err != nil {
		e.log.Warn().Err(err).Str("timeline_id", timelineID.String()).Msg("stop transcoder during stop_timeline")
	}
	e.overlays.Cleanup(timelineID)
	e.watchdog.NotifyStreamStopped(timelineID)

	e.log.Info().Str("timeline_id", timelineID.String()).Msg("timeline stopped")
	return true
}

// PlaybackPosition returns the current playback position for a running
// timeline, if any.
func (e *Executor) PlaybackPosition(timelineID uuid.UUID) (model.PlaybackPosition, bool) {
	e.mu.Lock()
	r, ok := e.active[timelineID]
	e.mu.Unlock()
	if !ok {
		return model.PlaybackPosition{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasPosition {
		return model.PlaybackPosition{}, false
	}
	return r.position, true
}

// Destinations returns the destination ids a running timeline is publishing to.
func (e *Executor) Destinations(timelineID uuid.UUID) ([]uuid.UUID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.active[timelineID]
	if !ok {
		return nil, false
	}
	return append([]uuid.UUID(nil), r.destinationIDs...), true
}

// LastSegmentCompletedAt returns the heartbeat used by the watchdog's
// stall detection.
func (e *Executor) LastSegmentCompletedAt(timelineID uuid.UUID) (time.Time, bool) {
	e.mu.Lock()
	r, ok := e.active[timelineID]
	e.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSegmentAt, true
}

// IsRunning reports whether a timeline is currently tracked as active.
func (e *Executor) IsRunning(timelineID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[timelineID]
	return ok
}
