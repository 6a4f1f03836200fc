package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistterstream/engine/internal/model"
	"github.com/vistterstream/engine/internal/timeline"
)

type fakeExecutor struct {
	mu     sync.Mutex
	starts []timeline.StartRequest
	stops  []uuid.UUID
}

func (f *fakeExecutor) StartTimeline(ctx context.Context, req timeline.StartRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	return true, nil
}

func (f *fakeExecutor) StopTimeline(timelineID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, timelineID)
	return true
}

func (f *fakeExecutor) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeExecutor) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

func mustUTC(hour, min int, weekday time.Weekday) time.Time {
	// 2026-07-27 is a Monday; walk forward to the requested weekday.
	base := time.Date(2026, 7, 27, hour, min, 0, 0, time.UTC)
	for base.Weekday() != weekday {
		base = base.AddDate(0, 0, 1)
	}
	return base
}

func TestTick_StartsTimelineWithinWindow(t *testing.T) {
	destID, tlID, schedID := uuid.New(), uuid.New(), uuid.New()
	tl := model.Timeline{ID: tlID, Duration: 60}
	sched := model.Schedule{
		ID: schedID, Enabled: true, DaysOfWeek: []time.Weekday{time.Monday},
		WindowStart: model.TimeOfDay{Hour: 9}, WindowEnd: model.TimeOfDay{Hour: 17},
		TimelineIDs: []uuid.UUID{tlID}, DestinationIDs: []uuid.UUID{destID},
	}
	dest := model.Destination{ID: destID, BaseRTMPURL: "rtmp://r/live2", StreamKey: "k"}

	exec := &fakeExecutor{}
	sch := New(exec, Resources{
		Schedules:    []model.Schedule{sched},
		Timelines:    map[uuid.UUID]model.Timeline{tlID: tl},
		Destinations: map[uuid.UUID]model.Destination{destID: dest},
	}, time.Second, zerolog.Nop())

	sch.Tick(context.Background(), mustUTC(10, 0, time.Monday))

	require.Equal(t, 1, exec.startCount())
	assert.Equal(t, []string{"rtmp://r/live2/k"}, exec.starts[0].OutputURLs)
}

func TestTick_StopsTimelineWhenWindowCloses(t *testing.T) {
	destID, tlID, schedID := uuid.New(), uuid.New(), uuid.New()
	tl := model.Timeline{ID: tlID, Duration: 60}
	sched := model.Schedule{
		ID: schedID, Enabled: true, DaysOfWeek: []time.Weekday{time.Monday},
		WindowStart: model.TimeOfDay{Hour: 9}, WindowEnd: model.TimeOfDay{Hour: 17},
		TimelineIDs: []uuid.UUID{tlID}, DestinationIDs: []uuid.UUID{destID},
	}
	exec := &fakeExecutor{}
	sch := New(exec, Resources{
		Schedules: []model.Schedule{sched},
		Timelines: map[uuid.UUID]model.Timeline{tlID: tl},
	}, time.Second, zerolog.Nop())

	sch.Tick(context.Background(), mustUTC(10, 0, time.Monday))
	require.Equal(t, 1, exec.startCount())

	sch.Tick(context.Background(), mustUTC(18, 0, time.Monday))
	assert.Equal(t, 1, exec.stopCount())
}

func TestTick_NoChurnWhileSameScheduleStillMatches(t *testing.T) {
	tlID, schedID := uuid.New(), uuid.New()
	tl := model.Timeline{ID: tlID, Duration: 60}
	sched := model.Schedule{
		ID: schedID, Enabled: true, DaysOfWeek: []time.Weekday{time.Monday},
		WindowStart: model.TimeOfDay{Hour: 9}, WindowEnd: model.TimeOfDay{Hour: 17},
		TimelineIDs: []uuid.UUID{tlID},
	}
	exec := &fakeExecutor{}
	sch := New(exec, Resources{
		Schedules: []model.Schedule{sched},
		Timelines: map[uuid.UUID]model.Timeline{tlID: tl},
	}, time.Second, zerolog.Nop())

	sch.Tick(context.Background(), mustUTC(10, 0, time.Monday))
	sch.Tick(context.Background(), mustUTC(11, 0, time.Monday))
	sch.Tick(context.Background(), mustUTC(12, 0, time.Monday))

	assert.Equal(t, 1, exec.startCount())
	assert.Equal(t, 0, exec.stopCount())
}

func TestTick_MidnightCrossingWindow(t *testing.T) {
	tlID, schedID := uuid.New(), uuid.New()
	tl := model.Timeline{ID: tlID, Duration: 60}
	sched := model.Schedule{
		ID: schedID, Enabled: true, DaysOfWeek: []time.Weekday{time.Monday},
		WindowStart: model.TimeOfDay{Hour: 22}, WindowEnd: model.TimeOfDay{Hour: 2},
		TimelineIDs: []uuid.UUID{tlID},
	}
	exec := &fakeExecutor{}
	sch := New(exec, Resources{
		Schedules: []model.Schedule{sched},
		Timelines: map[uuid.UUID]model.Timeline{tlID: tl},
	}, time.Second, zerolog.Nop())

	// 23:30 Monday is inside the window.
	sch.Tick(context.Background(), mustUTC(23, 30, time.Monday))
	assert.Equal(t, 1, exec.startCount())

	// 01:00, still Monday by DaysOfWeek but window wraps past midnight.
	sch.Tick(context.Background(), mustUTC(1, 0, time.Monday))
	assert.Equal(t, 0, exec.stopCount(), "still within the wrapped window")
}

func TestTick_DisabledScheduleIsIgnored(t *testing.T) {
	tlID, schedID := uuid.New(), uuid.New()
	tl := model.Timeline{ID: tlID, Duration: 60}
	sched := model.Schedule{
		ID: schedID, Enabled: false, DaysOfWeek: []time.Weekday{time.Monday},
		WindowStart: model.TimeOfDay{Hour: 0}, WindowEnd: model.TimeOfDay{Hour: 23, Minute: 59},
		TimelineIDs: []uuid.UUID{tlID},
	}
	exec := &fakeExecutor{}
	sch := New(exec, Resources{
		Schedules: []model.Schedule{sched},
		Timelines: map[uuid.UUID]model.Timeline{tlID: tl},
	}, time.Second, zerolog.Nop())

	sch.Tick(context.Background(), mustUTC(10, 0, time.Monday))
	assert.Equal(t, 0, exec.startCount())
}

func TestInWindow_NonWrappingAndWrapping(t *testing.T) {
	assert.True(t, inWindow(600, model.TimeOfDay{Hour: 9}, model.TimeOfDay{Hour: 17}))
	assert.False(t, inWindow(480, model.TimeOfDay{Hour: 9}, model.TimeOfDay{Hour: 17}))

	assert.True(t, inWindow(60, model.TimeOfDay{Hour: 22}, model.TimeOfDay{Hour: 2}))
	assert.True(t, inWindow(23*60, model.TimeOfDay{Hour: 22}, model.TimeOfDay{Hour: 2}))
	assert.False(t, inWindow(12*60, model.TimeOfDay{Hour: 22}, model.TimeOfDay{Hour: 2}))
}
