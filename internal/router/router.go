// Package router implements the Stream Router (C7): the idle/preview/live
// state machine that sits in front of the Timeline Executor. It allows one
// active timeline among the timelines it starts itself; the scheduler
// starts and stops timelines on the executor directly, without the router.
package router

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vistterstream/engine/internal/engineerrors"
	"github.com/vistterstream/engine/internal/model"
	"github.com/vistterstream/engine/internal/timeline"
)

// State is one of the three router states.
type State string

const (
	Idle    State = "idle"
	Preview State = "preview"
	Live    State = "live"
)

const goLiveCleanupDelay = 1 * time.Second

// ExecutorAPI is the slice of *timeline.Executor the router drives.
type ExecutorAPI interface {
	StartTimeline(ctx context.Context, req timeline.StartRequest) (bool, error)
	StopTimeline(timelineID uuid.UUID) bool
}

// HTTPDoer is the narrow http.Client surface used for the preview health
// check, so tests can substitute a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Router is the C7 state machine. It is safe for concurrent use; every
// public method serializes on a single mutex so at most one transition
// runs at a time.
type Router struct {
	mu    sync.Mutex
	state State

	activeTimelineID uuid.UUID
	pending          timeline.StartRequest // the request used to (re)start on go_live

	executor      ExecutorAPI
	http          HTTPDoer
	previewURL    string
	apiBaseURL    string
	healthTimeout time.Duration

	log zerolog.Logger
}

func New(executor ExecutorAPI, httpClient HTTPDoer, previewURL, apiBaseURL string, healthTimeout time.Duration, log zerolog.Logger) *Router {
	if healthTimeout <= 0 {
		healthTimeout = 5 * time.Second
	}
	return &Router{
		state:         Idle,
		executor:      executor,
		http:          httpClient,
		previewURL:    previewURL,
		apiBaseURL:    apiBaseURL,
		healthTimeout: healthTimeout,
		log:           log,
	}
}

// State returns the router's current state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ActiveTimelineID returns the timeline currently bound to the router, if any.
func (r *Router) ActiveTimelineID() (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Idle {
		return uuid.UUID{}, false
	}
	return r.activeTimelineID, true
}

// StartPreview transitions idle -> preview. It requires the preview
// server's health endpoint to respond before starting the timeline
// against the internal preview URL.
func (r *Router) StartPreview(ctx context.Context, req timeline.StartRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Idle {
		return engineerrors.New("router.start_preview", "wrong_state", engineerrors.Configuration,
			fmt.Sprintf("start_preview requires idle, router is %s", r.state), nil)
	}

	if err := r.checkPreviewHealth(ctx); err != nil {
		return engineerrors.New("router.start_preview", "preview_unhealthy", engineerrors.Transient,
			"preview server health check failed", err)
	}

	req.OutputURLs = []string{r.previewURL}
	req.DestinationIDs = nil

	ok, err := r.executor.StartTimeline(ctx, req)
	if err != nil {
		return err
	}
	if !ok {
		return engineerrors.New("router.start_preview", "already_running", engineerrors.Configuration,
			fmt.Sprintf("timeline %s is already running", req.Timeline.ID), nil)
	}

	r.activeTimelineID = req.Timeline.ID
	r.pending = req
	r.state = Preview
	r.log.Info().Str("timeline_id", req.Timeline.ID.String()).Msg("router entered preview")
	return nil
}

// GoLive transitions preview -> live: stop the preview timeline, wait
// for cleanup, and restart it from the beginning against the resolved
// destination RTMP URLs. Truly seamless preview-to-live handoff is out
// of scope; the restart is explicit.
func (r *Router) GoLive(ctx context.Context, destinations []model.Destination) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Preview {
		return engineerrors.New("router.go_live", "wrong_state", engineerrors.Configuration,
			fmt.Sprintf("go_live requires preview, router is %s", r.state), nil)
	}

	liveURLs := make([]string, len(destinations))
	destIDs := make([]uuid.UUID, len(destinations))
	for i, d := range destinations {
		liveURLs[i] = d.FullURL()
		destIDs[i] = d.ID
	}

	r.executor.StopTimeline(r.activeTimelineID)

	select {
	case <-time.After(goLiveCleanupDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	req := r.pending
	req.OutputURLs = liveURLs
	req.DestinationIDs = destIDs
	req.StartPosition = nil // restart from the beginning

	ok, err := r.executor.StartTimeline(ctx, req)
	if err != nil {
		r.state = Idle
		return err
	}
	if !ok {
		r.state = Idle
		return engineerrors.New("router.go_live", "restart_failed", engineerrors.Transient,
			"timeline failed to restart with live destinations", nil)
	}

	r.pending = req
	r.state = Live
	r.log.Info().Str("timeline_id", req.Timeline.ID.String()).Int("destination_count", len(destinations)).Msg("router went live")
	return nil
}

// Stop transitions preview or live back to idle. It is idempotent.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Idle {
		return
	}
	r.executor.StopTimeline(r.activeTimelineID)
	r.log.Info().Str("timeline_id", r.activeTimelineID.String()).Str("from_state", string(r.state)).Msg("router stopped")
	r.state = Idle
	r.activeTimelineID = uuid.UUID{}
}

// checkPreviewHealth calls the preview server's config endpoint; any 2xx
// or 401 response counts as healthy, matching the rest of the fleet's
// "server is up and answering auth" convention.
func (r *Router) checkPreviewHealth(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, r.apiBaseURL+"/v1/config/get", nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("preview health check: HTTP %d", resp.StatusCode)
	}
	return nil
}
