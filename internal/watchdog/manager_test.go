package watchdog

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistterstream/engine/internal/model"
)

type fakeSupervisor struct {
	mu         sync.Mutex
	running    map[uuid.UUID]bool
	killCalls  int
	killedIDs  []uuid.UUID
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{running: make(map[uuid.UUID]bool)}
}

func (f *fakeSupervisor) IsRunning(streamID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[streamID]
}

func (f *fakeSupervisor) ForceKillForRecovery(streamID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCalls++
	f.killedIDs = append(f.killedIDs, streamID)
	return nil
}

func (f *fakeSupervisor) setRunning(id uuid.UUID, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = v
}

func (f *fakeSupervisor) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killCalls
}

type fakeHeartbeats struct {
	mu sync.Mutex
	at time.Time
	ok bool
}

func (f *fakeHeartbeats) LastSegmentCompletedAt(uuid.UUID) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.at, f.ok
}

func (f *fakeHeartbeats) set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.at = t
	f.ok = true
}

type fakeProbeDoer struct {
	mu    sync.Mutex
	body  string
	calls int
	err   error
}

func (f *fakeProbeDoer) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func testTuning() Tuning {
	return Tuning{
		DefaultCheckInterval: 20 * time.Millisecond,
		UnhealthyThreshold:   3,
		RecoveryCooldown:     200 * time.Millisecond,
		StallThreshold:       100 * time.Millisecond,
		ProbeTimeout:         time.Second,
	}
}

func TestManager_TriggersLocalRecoveryAfterThreeConsecutiveUnhealthyChecks(t *testing.T) {
	streamID := uuid.New()
	destID := uuid.New()

	supervisor := newFakeSupervisor() // never running -> always unhealthy
	heartbeats := &fakeHeartbeats{}
	destinations := map[uuid.UUID]model.Destination{
		destID: {ID: destID},
	}

	m := NewManager(supervisor, heartbeats, destinations, &fakeProbeDoer{}, testTuning(), zerolog.Nop())
	m.NotifyStreamStarted(streamID, []uuid.UUID{destID})
	defer m.NotifyStreamStopped(streamID)

	assert.Eventually(t, func() bool {
		return supervisor.killCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	status, ok := m.Status(destID)
	require.True(t, ok)
	assert.GreaterOrEqual(t, status.RecoveryCount, 1)
}

func TestManager_NoRecoveryWhileStreamHealthy(t *testing.T) {
	streamID := uuid.New()
	destID := uuid.New()

	supervisor := newFakeSupervisor()
	supervisor.setRunning(streamID, true)
	heartbeats := &fakeHeartbeats{}
	heartbeats.set(time.Now())
	destinations := map[uuid.UUID]model.Destination{destID: {ID: destID}}

	m := NewManager(supervisor, heartbeats, destinations, &fakeProbeDoer{}, testTuning(), zerolog.Nop())
	m.NotifyStreamStarted(streamID, []uuid.UUID{destID})
	defer m.NotifyStreamStopped(streamID)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, supervisor.killCount())
}

func TestManager_RecoveryCooldownSuppressesRepeatRecovery(t *testing.T) {
	streamID := uuid.New()
	destID := uuid.New()

	supervisor := newFakeSupervisor()
	heartbeats := &fakeHeartbeats{}
	destinations := map[uuid.UUID]model.Destination{destID: {ID: destID}}

	tuning := testTuning()
	tuning.RecoveryCooldown = 10 * time.Second // long cooldown relative to test duration

	m := NewManager(supervisor, heartbeats, destinations, &fakeProbeDoer{}, tuning, zerolog.Nop())
	m.NotifyStreamStarted(streamID, []uuid.UUID{destID})
	defer m.NotifyStreamStopped(streamID)

	assert.Eventually(t, func() bool {
		return supervisor.killCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, supervisor.killCount(), "cooldown should suppress a second recovery")
}

func TestManager_StalledHeartbeatMarksUnhealthy(t *testing.T) {
	streamID := uuid.New()
	destID := uuid.New()

	supervisor := newFakeSupervisor()
	supervisor.setRunning(streamID, true)
	heartbeats := &fakeHeartbeats{}
	heartbeats.set(time.Now().Add(-time.Hour)) // already stale
	destinations := map[uuid.UUID]model.Destination{destID: {ID: destID}}

	m := NewManager(supervisor, heartbeats, destinations, &fakeProbeDoer{}, testTuning(), zerolog.Nop())
	m.NotifyStreamStarted(streamID, []uuid.UUID{destID})
	defer m.NotifyStreamStopped(streamID)

	assert.Eventually(t, func() bool {
		return supervisor.killCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_NetworkTimeoutOnProbeDoesNotDowngradeHealth(t *testing.T) {
	streamID := uuid.New()
	destID := uuid.New()

	supervisor := newFakeSupervisor()
	supervisor.setRunning(streamID, true)
	heartbeats := &fakeHeartbeats{}
	heartbeats.set(time.Now())
	destinations := map[uuid.UUID]model.Destination{
		destID: {ID: destID, WatchdogConfig: model.WatchdogConfig{LiveStatusURL: "https://status.example.com/live"}},
	}

	doer := &fakeProbeDoer{err: context.DeadlineExceeded}
	m := NewManager(supervisor, heartbeats, destinations, doer, testTuning(), zerolog.Nop())
	m.NotifyStreamStarted(streamID, []uuid.UUID{destID})
	defer m.NotifyStreamStopped(streamID)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, supervisor.killCount())
}

func TestManager_OfflineMarkerOnLivePageMarksUnhealthy(t *testing.T) {
	streamID := uuid.New()
	destID := uuid.New()

	supervisor := newFakeSupervisor()
	supervisor.setRunning(streamID, true)
	heartbeats := &fakeHeartbeats{}
	heartbeats.set(time.Now())
	destinations := map[uuid.UUID]model.Destination{
		destID: {ID: destID, WatchdogConfig: model.WatchdogConfig{LiveStatusURL: "https://status.example.com/live"}},
	}

	doer := &fakeProbeDoer{body: "this stream is currently offline"}
	m := NewManager(supervisor, heartbeats, destinations, doer, testTuning(), zerolog.Nop())
	m.NotifyStreamStarted(streamID, []uuid.UUID{destID})
	defer m.NotifyStreamStopped(streamID)

	assert.Eventually(t, func() bool {
		return supervisor.killCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_UnknownDestinationIsSkippedNotFatal(t *testing.T) {
	supervisor := newFakeSupervisor()
	heartbeats := &fakeHeartbeats{}
	m := NewManager(supervisor, heartbeats, map[uuid.UUID]model.Destination{}, &fakeProbeDoer{}, testTuning(), zerolog.Nop())

	assert.NotPanics(t, func() {
		m.NotifyStreamStarted(uuid.New(), []uuid.UUID{uuid.New()})
	})
}
