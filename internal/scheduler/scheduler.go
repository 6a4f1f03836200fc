// Package scheduler implements the Scheduler (C9): a 30s tick that
// starts and stops timelines against their configured destination sets
// according to day-of-week and time-of-day windows.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vistterstream/engine/internal/model"
	"github.com/vistterstream/engine/internal/timeline"
)

const defaultTickInterval = 30 * time.Second

// ExecutorAPI is the slice of *timeline.Executor the scheduler drives.
type ExecutorAPI interface {
	StartTimeline(ctx context.Context, req timeline.StartRequest) (bool, error)
	StopTimeline(timelineID uuid.UUID) bool
}

// Scheduler owns the engine's recurring schedule set and the single
// active (schedule, timeline) pair it started, if any.
type Scheduler struct {
	executor     ExecutorAPI
	tickInterval time.Duration
	log          zerolog.Logger

	schedules    []model.Schedule
	timelines    map[uuid.UUID]model.Timeline
	destinations map[uuid.UUID]model.Destination
	cameras      map[uuid.UUID]model.Camera
	presets      map[uuid.UUID]model.Preset
	assets       map[uuid.UUID]model.Asset

	hasActive        bool
	activeScheduleID uuid.UUID
	activeTimelineID uuid.UUID
}

// Resources bundles the read-model snapshots a scheduled start needs to
// build a timeline.StartRequest.
type Resources struct {
	Schedules    []model.Schedule
	Timelines    map[uuid.UUID]model.Timeline
	Destinations map[uuid.UUID]model.Destination
	Cameras      map[uuid.UUID]model.Camera
	Presets      map[uuid.UUID]model.Preset
	Assets       map[uuid.UUID]model.Asset
}

func New(executor ExecutorAPI, res Resources, tickInterval time.Duration, log zerolog.Logger) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}
	return &Scheduler{
		executor:     executor,
		tickInterval: tickInterval,
		log:          log,
		schedules:    res.Schedules,
		timelines:    res.Timelines,
		destinations: res.Destinations,
		cameras:      res.Cameras,
		presets:      res.Presets,
		assets:       res.Assets,
	}
}

// Run ticks every tickInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick evaluates every enabled schedule against now and starts/stops
// timelines accordingly. Exported so tests can drive it with a
// deterministic clock instead of waiting on a real ticker.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	matched, ok := s.firstMatch(now)

	if !ok {
		if s.hasActive {
			s.executor.StopTimeline(s.activeTimelineID)
			s.log.Info().Str("schedule_id", s.activeScheduleID.String()).Msg("schedule window closed, stopping timeline")
			s.hasActive = false
		}
		return
	}

	if s.hasActive && s.activeScheduleID == matched.ID {
		return
	}

	if s.hasActive {
		s.executor.StopTimeline(s.activeTimelineID)
	}

	if len(matched.TimelineIDs) == 0 {
		s.log.Warn().Str("schedule_id", matched.ID.String()).Msg("schedule has no timelines configured")
		s.hasActive = false
		return
	}

	tl, ok := s.timelines[matched.TimelineIDs[0]]
	if !ok {
		s.log.Warn().Str("schedule_id", matched.ID.String()).Str("timeline_id", matched.TimelineIDs[0].String()).Msg("schedule references unknown timeline")
		s.hasActive = false
		return
	}

	outputURLs, destIDs := s.resolveDestinations(matched.DestinationIDs)
	req := timeline.StartRequest{
		Timeline:       tl,
		Cameras:        s.cameras,
		Presets:        s.presets,
		Assets:         s.assets,
		OutputURLs:     outputURLs,
		DestinationIDs: destIDs,
	}

	started, err := s.executor.StartTimeline(ctx, req)
	if err != nil {
		s.log.Error().Err(err).Str("schedule_id", matched.ID.String()).Msg("scheduled start failed")
		s.hasActive = false
		return
	}
	if !started {
		s.hasActive = false
		return
	}

	s.activeScheduleID = matched.ID
	s.activeTimelineID = tl.ID
	s.hasActive = true
	s.log.Info().Str("schedule_id", matched.ID.String()).Str("timeline_id", tl.ID.String()).Msg("schedule started timeline")
}

func (s *Scheduler) resolveDestinations(destinationIDs []uuid.UUID) (urls []string, ids []uuid.UUID) {
	for _, id := range destinationIDs {
		dest, ok := s.destinations[id]
		if !ok {
			s.log.Warn().Str("destination_id", id.String()).Msg("schedule references unknown destination, skipping")
			continue
		}
		urls = append(urls, dest.FullURL())
		ids = append(ids, dest.ID)
	}
	return urls, ids
}

// firstMatch returns the first enabled schedule whose day-of-week and
// time-of-day window contains now, in schedule list order.
func (s *Scheduler) firstMatch(now time.Time) (model.Schedule, bool) {
	for _, sched := range s.schedules {
		if !sched.Enabled {
			continue
		}
		local := now
		if sched.Timezone != "" {
			if loc, err := time.LoadLocation(sched.Timezone); err == nil {
				local = now.In(loc)
			}
		}
		if !weekdayMatches(local.Weekday(), sched.DaysOfWeek) {
			continue
		}
		nowMinutes := local.Hour()*60 + local.Minute()
		if inWindow(nowMinutes, sched.WindowStart, sched.WindowEnd) {
			return sched, true
		}
	}
	return model.Schedule{}, false
}

func weekdayMatches(day time.Weekday, days []time.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// inWindow supports windows that cross midnight (end < start).
func inWindow(nowMinutes int, start, end model.TimeOfDay) bool {
	s, e := start.Minutes(), end.Minutes()
	if s <= e {
		return nowMinutes >= s && nowMinutes <= e
	}
	return nowMinutes >= s || nowMinutes <= e
}
