package timeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vistterstream/engine/internal/model"
	"github.com/vistterstream/engine/internal/transcoder"
)

const (
	handoffStartTimeout  = 30 * time.Second
	fallbackStartTimeout = 60 * time.Second
	handoffStopTimeout   = 10 * time.Second
)

// drive is the main driver loop. It runs until ctx is cancelled by
// StopTimeline, or until the timeline completes with loop=false.
func (e *Executor) drive(ctx context.Context, r *run, req StartRequest, profile transcoder.EncodingProfile, overlays []transcoder.TimedOverlay) {
	tl := req.Timeline
	startPosition := req.StartPosition

	var lastCameraID uuid.UUID
	var lastPresetID *uuid.UUID
	haveLast := false

	for loopCount := 1; ; loopCount++ {
		if ctx.Err() != nil {
			return
		}

		segments := computeSegments(tl)
		for segIdx, seg := range segments {
			if ctx.Err() != nil {
				return
			}

			segStart, segEnd := seg.start, seg.end
			if startPosition != nil {
				sp := *startPosition
				if segEnd <= sp {
					continue
				}
				if segStart < sp && sp < segEnd {
					segStart = sp
				}
				startPosition = nil
			}
			duration := segEnd - segStart
			if duration <= 0 {
				continue
			}

			videoCue, hasCue := activeVideoCue(tl, segStart)
			if !hasCue {
				if e.supervisor.IsRunning(tl.ID) {
					// Gap: keep showing the last frame.
					e.bumpHeartbeat(r)
					if !e.sleepOrCancel(ctx, duration) {
						return
					}
					continue
				}
				// Timeline opens with a gap and nothing to show yet.
				continue
			}

			cam, camOK := req.Cameras[videoCue.Action.ShowCamera.CameraID]
			if !camOK {
				e.log.Warn().Str("camera_id", videoCue.Action.ShowCamera.CameraID.String()).Msg("segment references unknown camera, skipping")
				e.bumpHeartbeat(r)
				if !e.sleepOrCancel(ctx, duration) {
					return
				}
				continue
			}

			cameraChanged := !haveLast || cam.ID != lastCameraID
			needsRestart := cameraChanged || !e.supervisor.IsRunning(tl.ID)

			presetID := videoCue.Action.ShowCamera.PresetID
			presetChanged := !haveLast || !samePresetID(lastPresetID, presetID)
			if presetChanged && presetID != nil && cam.Credentials.Username != "" {
				if preset, ok := req.Presets[*presetID]; ok {
					go e.movePTZ(cam, preset)
				}
			}

			if needsRestart {
				e.restartForSegment(ctx, r, req, profile, overlays, tl, cam)
			}

			posCtx, posCancel := context.WithCancel(ctx)
			posDone := make(chan struct{})
			go func() {
				defer close(posDone)
				e.runPositionUpdater(posCtx, r, tl, loopCount, segIdx, videoCue, segStart)
			}()

			ok := e.sleepOrCancel(ctx, duration)
			posCancel()
			<-posDone
			if !ok {
				return
			}

			e.bumpHeartbeat(r)
			lastCameraID = cam.ID
			lastPresetID = presetID
			haveLast = true
		}

		if !tl.Loop {
			break
		}
	}
}

func samePresetID(a, b *uuid.UUID) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

// sleepOrCancel sleeps for d, returning false if ctx is cancelled first.
func (e *Executor) sleepOrCancel(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Executor) bumpHeartbeat(r *run) {
	r.mu.Lock()
	r.lastSegmentAt = time.Now()
	r.mu.Unlock()
}

func (e *Executor) movePTZ(cam model.Camera, preset model.Preset) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.ptz.MoveToPreset(ctx, cam, preset); err != nil {
		e.log.Warn().Err(err).Str("camera_id", cam.ID.String()).Msg("PTZ move failed, continuing")
	}
}

// restartForSegment decides between a seamless handoff and a fresh start,
// and updates watchdog/event listeners once the new stream is live.
func (e *Executor) restartForSegment(ctx context.Context, r *run, req StartRequest, profile transcoder.EncodingProfile, overlays []transcoder.TimedOverlay, tl model.Timeline, cam model.Camera) {
	inputURL := e.relays.LocalURL(cam.ID)

	if e.supervisor.IsRunning(tl.ID) {
		e.seamlessHandoff(ctx, r, req, profile, overlays, tl, inputURL)
	} else {
		e.startFresh(ctx, r, req, profile, overlays, tl, inputURL, fallbackStartTimeout)
	}

	e.watchdog.NotifyStreamStarted(tl.ID, req.DestinationIDs)
	if st, ok := e.supervisor.State(tl.ID); ok {
		e.events.PublishStreamState(st)
	}
}

func (e *Executor) startFresh(ctx context.Context, r *run, req StartRequest, profile transcoder.EncodingProfile, overlays []transcoder.TimedOverlay, tl model.Timeline, inputURL string, timeout time.Duration) {
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := e.supervisor.Start(startCtx, tl.ID, inputURL, req.OutputURLs, profile, overlays, tl.Duration, tl.Loop)
	if err != nil {
		e.log.Error().Err(err).Str("timeline_id", tl.ID.String()).Msg("failed to start transcoder")
		return
	}
	e.supervisor.OnDied(tl.ID, e.onDied)
}

// seamlessHandoff starts a new transcoder under a temporary id while the
// old one keeps serving viewers, then stops the old one and re-keys the
// new entry onto the real timeline id. On failure or timeout it falls
// back to a standard stop-then-start.
func (e *Executor) seamlessHandoff(ctx context.Context, r *run, req StartRequest, profile transcoder.EncodingProfile, overlays []transcoder.TimedOverlay, tl model.Timeline, inputURL string) {
	tempID := uuid.New()

	startCtx, cancel := context.WithTimeout(ctx, handoffStartTimeout)
	_, err := e.supervisor.Start(startCtx, tempID, inputURL, req.OutputURLs, profile, overlays, tl.Duration, tl.Loop)
	cancel()
	if err != nil {
		e.log.Warn().Err(err).Str("timeline_id", tl.ID.String()).Msg("seamless handoff start failed, falling back to standard restart")
		e.standardRestart(ctx, r, req, profile, overlays, tl, inputURL)
		return
	}

	// Unregister the old callback before stopping, so the old process's
	// exit is never reported as a died-callback for the real id.
	e.supervisor.OnDied(tl.ID, nil)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), handoffStopTimeout)
	_ = e.supervisor.Stop(stopCtx, tl.ID)
	stopCancel()

	if err := e.supervisor.Rekey(tempID, tl.ID); err != nil {
		e.log.Error().Err(err).Str("timeline_id", tl.ID.String()).Msg("failed to rekey seamless handoff stream, stopping temp stream")
		_ = e.supervisor.Stop(context.Background(), tempID)
		return
	}
	e.supervisor.OnDied(tl.ID, e.onDied)
	e.log.Info().Str("timeline_id", tl.ID.String()).Msg("seamless handoff complete")
}

// standardRestart is the fallback path: stop whatever is running under
// the real id, then start fresh, both with generous timeouts.
func (e *Executor) standardRestart(ctx context.Context, r *run, req StartRequest, profile transcoder.EncodingProfile, overlays []transcoder.TimedOverlay, tl model.Timeline, inputURL string) {
	_ = e.supervisor.Stop(context.Background(), tl.ID)
	e.startFresh(ctx, r, req, profile, overlays, tl, inputURL, fallbackStartTimeout)
}

// onDied is the died-callback registered on every (re)start. A second
// unexpected death is the watchdog's concern, not the driver's — the
// supervisor's own backoff-restart already handles reconnection.
func (e *Executor) onDied(streamID uuid.UUID, errMsg string) {
	e.log.Warn().Str("stream_id", streamID.String()).Str("error", errMsg).Msg("transcoder died, supervisor will auto-restart if eligible")
}

// runPositionUpdater writes playback position at 2 Hz for the duration of
// one segment. It is cancelled at segment end and a fresh one is started
// for the next segment.
func (e *Executor) runPositionUpdater(ctx context.Context, r *run, tl model.Timeline, loopCount, segIdx int, cue model.Cue, segStart float64) {
	track, _ := tl.VideoTrack()
	segmentWallStart := time.Now()

	write := func() {
		pos := model.PlaybackPosition{
			TimelineID:   tl.ID,
			LoopCount:    loopCount,
			SegmentIndex: segIdx,
			SegmentStart: segmentWallStart,
			CurrentTime:  segStart + time.Since(segmentWallStart).Seconds(),
			CurrentCueID: cue.Order,
			TotalCues:    len(track.Cues),
			UpdatedAt:    time.Now(),
		}
		r.mu.Lock()
		r.position = pos
		r.hasPosition = true
		r.mu.Unlock()
		e.events.PublishPlaybackPosition(pos)
	}

	write()
	ticker := time.NewTicker(positionUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			write()
		}
	}
}
