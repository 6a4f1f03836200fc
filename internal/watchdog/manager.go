// Package watchdog implements the Health Watchdog (C8): one task per
// (destination, active stream) pair, managed by a singleton Manager that
// is notified by the Timeline Executor when a stream starts or stops (the
// Stream Router's transitions reach it through the executor). It never
// polls persistence.
package watchdog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vistterstream/engine/internal/model"
)

const resetTransitionGap = 2 * time.Second

// SupervisorAPI is the slice of *transcoder.Supervisor the watchdog reads
// and, on recovery, force-kills.
type SupervisorAPI interface {
	IsRunning(streamID uuid.UUID) bool
	ForceKillForRecovery(streamID uuid.UUID) error
}

// HeartbeatSource is the slice of *timeline.Executor used for stall
// detection.
type HeartbeatSource interface {
	LastSegmentCompletedAt(timelineID uuid.UUID) (time.Time, bool)
}

// HTTPDoer is the narrow http.Client surface used for live-page probes
// and control-plane resets, so tests can substitute a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Tuning bundles the defaults a destination's own WatchdogConfig falls
// back to when it leaves a field unset.
type Tuning struct {
	DefaultCheckInterval time.Duration
	UnhealthyThreshold   int
	RecoveryCooldown     time.Duration
	StallThreshold       time.Duration
	ProbeTimeout         time.Duration
}

// offline/live markers are generic substrings looked for in a
// destination's public live-status page. Platform-specific pages vary
// enough that this is necessarily a heuristic, not a parser.
var (
	offlineMarkers = []string{"offline", "stream not found", "stream ended", "not currently live"}
	liveMarkers    = []string{"is live now", "currently live", "\"isLive\":true"}
)

// healthState is the per-(destination,stream) bookkeeping the recovery
// decision is made from.
type healthState struct {
	mu                   sync.Mutex
	consecutiveUnhealthy int
	lastHealthyAt        time.Time
	lastRecoveryAt       time.Time
	recoveryCount        int
}

// Status is a read-only snapshot of one watchdog's bookkeeping.
type Status struct {
	DestinationID        uuid.UUID
	StreamID             uuid.UUID
	ConsecutiveUnhealthy int
	LastHealthyAt        time.Time
	LastRecoveryAt       time.Time
	RecoveryCount        int
}

type watchTask struct {
	destinationID uuid.UUID
	streamID      uuid.UUID
	cancel        context.CancelFunc
	done          chan struct{}
}

// Manager owns every active watchdog task. It implements
// timeline.WatchdogNotifier.
type Manager struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*watchTask
	state map[uuid.UUID]*healthState

	supervisor   SupervisorAPI
	heartbeats   HeartbeatSource
	destinations map[uuid.UUID]model.Destination
	http         HTTPDoer
	tuning       Tuning
	limiter      *rate.Limiter

	log zerolog.Logger
}

func NewManager(supervisor SupervisorAPI, heartbeats HeartbeatSource, destinations map[uuid.UUID]model.Destination, httpClient HTTPDoer, tuning Tuning, log zerolog.Logger) *Manager {
	return &Manager{
		tasks:        make(map[uuid.UUID]*watchTask),
		state:        make(map[uuid.UUID]*healthState),
		supervisor:   supervisor,
		heartbeats:   heartbeats,
		destinations: destinations,
		http:         httpClient,
		tuning:       tuning,
		limiter:      rate.NewLimiter(rate.Limit(5), 5), // at most 5 live-page probes/sec across all destinations
		log:          log,
	}
}

// NotifyStreamStarted spawns one watchdog task per destination id that
// doesn't already have one running. Matches timeline.WatchdogNotifier.
func (m *Manager) NotifyStreamStarted(streamID uuid.UUID, destinationIDs []uuid.UUID) {
	for _, destID := range destinationIDs {
		dest, ok := m.destinations[destID]
		if !ok {
			m.log.Warn().Str("destination_id", destID.String()).Msg("watchdog: unknown destination, skipping")
			continue
		}

		m.mu.Lock()
		if _, exists := m.tasks[destID]; exists {
			m.mu.Unlock()
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		task := &watchTask{destinationID: destID, streamID: streamID, cancel: cancel, done: make(chan struct{})}
		m.tasks[destID] = task
		m.state[destID] = &healthState{}
		m.mu.Unlock()

		go m.run(ctx, task, dest)
	}
}

// NotifyStreamStopped cancels and waits for every watchdog task tracking
// streamID. Matches timeline.WatchdogNotifier.
func (m *Manager) NotifyStreamStopped(streamID uuid.UUID) {
	m.mu.Lock()
	var toStop []*watchTask
	for destID, task := range m.tasks {
		if task.streamID == streamID {
			toStop = append(toStop, task)
			delete(m.tasks, destID)
			delete(m.state, destID)
		}
	}
	m.mu.Unlock()

	for _, task := range toStop {
		task.cancel()
		<-task.done
	}
}

// Status returns the current bookkeeping for one destination's watchdog, if active.
func (m *Manager) Status(destinationID uuid.UUID) (Status, bool) {
	m.mu.Lock()
	task, ok := m.tasks[destinationID]
	st := m.state[destinationID]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return Status{
		DestinationID:        destinationID,
		StreamID:             task.streamID,
		ConsecutiveUnhealthy: st.consecutiveUnhealthy,
		LastHealthyAt:        st.lastHealthyAt,
		LastRecoveryAt:       st.lastRecoveryAt,
		RecoveryCount:        st.recoveryCount,
	}, true
}

// Snapshot returns the bookkeeping for every destination with an active
// watchdog task, for periodic metrics collection.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if st, ok := m.Status(id); ok {
			out = append(out, st)
		}
	}
	return out
}

func (m *Manager) checkInterval(dest model.Destination) time.Duration {
	if dest.WatchdogConfig.CheckInterval > 0 {
		return dest.WatchdogConfig.CheckInterval
	}
	return m.tuning.DefaultCheckInterval
}

func (m *Manager) run(ctx context.Context, task *watchTask, dest model.Destination) {
	defer close(task.done)
	interval := m.checkInterval(dest)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, task, dest)
		}
	}
}

func (m *Manager) check(ctx context.Context, task *watchTask, dest model.Destination) {
	m.mu.Lock()
	st := m.state[task.destinationID]
	m.mu.Unlock()
	if st == nil {
		return
	}

	healthy := m.evaluateHealth(ctx, task, dest)
	now := time.Now()

	st.mu.Lock()
	if healthy {
		st.consecutiveUnhealthy = 0
		st.lastHealthyAt = now
		st.mu.Unlock()
		return
	}
	st.consecutiveUnhealthy++
	count := st.consecutiveUnhealthy
	lastRecovery := st.lastRecoveryAt
	st.mu.Unlock()

	if count < m.tuning.UnhealthyThreshold {
		return
	}
	if !lastRecovery.IsZero() && now.Sub(lastRecovery) < m.tuning.RecoveryCooldown {
		m.log.Info().Str("destination_id", task.destinationID.String()).Msg("watchdog recovery cooldown in effect, skipping")
		return
	}

	m.recover(ctx, task, dest, st)
}

func (m *Manager) evaluateHealth(ctx context.Context, task *watchTask, dest model.Destination) bool {
	if !m.supervisor.IsRunning(task.streamID) {
		return false
	}

	if m.tuning.StallThreshold > 0 {
		if hb, ok := m.heartbeats.LastSegmentCompletedAt(task.streamID); ok {
			if time.Since(hb) >= m.tuning.StallThreshold {
				return false
			}
		}
	}

	if dest.WatchdogConfig.LiveStatusURL != "" {
		offline, err := m.probeLivePage(ctx, dest.WatchdogConfig.LiveStatusURL)
		if err != nil {
			// Network timeout: do not downgrade on an inconclusive probe.
			return true
		}
		if offline {
			return false
		}
	}

	return true
}

func (m *Manager) probeLivePage(ctx context.Context, url string) (offline bool, err error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return false, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.tuning.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return false, err
	}
	text := strings.ToLower(string(body))

	for _, marker := range offlineMarkers {
		if strings.Contains(text, marker) {
			return true, nil
		}
	}
	for _, marker := range liveMarkers {
		if strings.Contains(text, strings.ToLower(marker)) {
			return false, nil
		}
	}
	return false, nil
}

// recover runs the tiered recovery strategy: the first two attempts
// force-kill the transcoder and let the supervisor's own restart path
// spin a replacement; from the third attempt on, a configured
// destination control plane is reset instead, falling back to another
// local restart if no token is configured.
func (m *Manager) recover(ctx context.Context, task *watchTask, dest model.Destination, st *healthState) {
	st.mu.Lock()
	st.recoveryCount++
	tier := st.recoveryCount
	st.lastRecoveryAt = time.Now()
	st.mu.Unlock()

	log := m.log.With().Str("destination_id", task.destinationID.String()).Str("stream_id", task.streamID.String()).Int("tier", tier).Logger()

	if tier <= 2 || dest.WatchdogConfig.ControlPlaneToken == "" {
		log.Warn().Msg("watchdog triggering local recovery: force-killing transcoder")
		if err := m.supervisor.ForceKillForRecovery(task.streamID); err != nil {
			log.Error().Err(err).Msg("force-kill for recovery failed")
		}
		return
	}

	log.Warn().Msg("watchdog triggering destination control-plane reset")
	if err := m.controlPlaneReset(ctx, dest); err != nil {
		log.Error().Err(err).Msg("control-plane reset failed, falling back to local restart")
		_ = m.supervisor.ForceKillForRecovery(task.streamID)
	}
}

func (m *Manager) controlPlaneReset(ctx context.Context, dest model.Destination) error {
	for i, status := range []string{"complete", "testing", "live"} {
		if err := m.postTransition(ctx, dest, status); err != nil {
			return err
		}
		if i < 2 {
			select {
			case <-time.After(resetTransitionGap):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (m *Manager) postTransition(ctx context.Context, dest model.Destination, status string) error {
	url := strings.TrimRight(dest.WatchdogConfig.ControlPlaneBaseURL, "/") + "/v1/broadcasts/" + dest.ID.String() + "/transition"
	body := strings.NewReader(fmt.Sprintf(`{"status":%q}`, status))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+dest.WatchdogConfig.ControlPlaneToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("control-plane transition %s: HTTP %d", status, resp.StatusCode)
	}
	return nil
}
