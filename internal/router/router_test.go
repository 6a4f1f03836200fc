package router

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
	"github.com/vistterstream/engine/internal/timeline"
)

type fakeExecutor struct {
	mu      sync.Mutex
	starts  []timeline.StartRequest
	stops   []uuid.UUID
	startOK bool
	startErr error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{startOK: true}
}

func (f *fakeExecutor) StartTimeline(ctx context.Context, req timeline.StartRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return false, f.startErr
	}
	f.starts = append(f.starts, req)
	return f.startOK, nil
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

type fakeHealthDoer struct {
	status int
}

func (f *fakeHealthDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: f.status, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func testTimeline() model.Timeline {
	return model.Timeline{ID: uuid.New(), Duration: 60, Tracks: []model.Track{
		{Kind: model.TrackVideo, Enabled: true, Cues: []model.Cue{
			{Order: 0, Start: 0, Duration: 60, Action: model.CueAction{ShowCamera: &model.ShowCameraAction{CameraID: uuid.New()}}},
		}},
	}}
}

func newTestRouter(exec *fakeExecutor, status int) *Router {
	return New(exec, &fakeHealthDoer{status: status}, "rtmp://localhost:1936/preview", "http://localhost:9997", time.Second, zerolog.Nop())
}

func TestStartPreview_TransitionsIdleToPreview(t *testing.T) {
	exec := newFakeExecutor()
	r := newTestRouter(exec, 200)
	tl := testTimeline()

	err := r.StartPreview(context.Background(), timeline.StartRequest{Timeline: tl})
	require.NoError(t, err)
	assert.Equal(t, Preview, r.State())
	require.Equal(t, 1, exec.startCount())
	assert.Equal(t, []string{"rtmp://localhost:1936/preview"}, exec.starts[0].OutputURLs)
}

func TestStartPreview_401CountsAsHealthy(t *testing.T) {
	exec := newFakeExecutor()
	r := newTestRouter(exec, http.StatusUnauthorized)

	err := r.StartPreview(context.Background(), timeline.StartRequest{Timeline: testTimeline()})
	require.NoError(t, err)
	assert.Equal(t, Preview, r.State())
}

func TestStartPreview_UnhealthyPreviewServerFails(t *testing.T) {
	exec := newFakeExecutor()
	r := newTestRouter(exec, 500)

	err := r.StartPreview(context.Background(), timeline.StartRequest{Timeline: testTimeline()})
	require.Error(t, err)
	assert.Equal(t, Idle, r.State())
}

func TestStartPreview_RejectsWhenNotIdle(t *testing.T) {
	exec := newFakeExecutor()
	r := newTestRouter(exec, 200)
	require.NoError(t, r.StartPreview(context.Background(), timeline.StartRequest{Timeline: testTimeline()}))

	err := r.StartPreview(context.Background(), timeline.StartRequest{Timeline: testTimeline()})
	require.Error(t, err)
}

func TestGoLive_TwoTranscoderStartsAndFinalURLSet(t *testing.T) {
	exec := newFakeExecutor()
	r := newTestRouter(exec, 200)
	tl := testTimeline()

	require.NoError(t, r.StartPreview(context.Background(), timeline.StartRequest{Timeline: tl}))

	dest := model.Destination{ID: uuid.New(), BaseRTMPURL: "rtmp://a.rtmp.example/live2", StreamKey: "abcd"}

	start := time.Now()
	err := r.GoLive(context.Background(), []model.Destination{dest})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), goLiveCleanupDelay)

	assert.Equal(t, Live, r.State())
	require.Equal(t, 2, exec.startCount())
	assert.Equal(t, []string{"rtmp://a.rtmp.example/live2/abcd"}, exec.starts[1].OutputURLs)
	assert.Equal(t, []uuid.UUID{dest.ID}, exec.starts[1].DestinationIDs)

	exec.mu.Lock()
	require.Len(t, exec.stops, 1)
	exec.mu.Unlock()
}

func TestGoLive_RejectsWhenNotPreview(t *testing.T) {
	exec := newFakeExecutor()
	r := newTestRouter(exec, 200)

	err := r.GoLive(context.Background(), nil)
	require.Error(t, err)
}

func TestStop_IsIdempotentAndReturnsToIdle(t *testing.T) {
	exec := newFakeExecutor()
	r := newTestRouter(exec, 200)
	require.NoError(t, r.StartPreview(context.Background(), timeline.StartRequest{Timeline: testTimeline()}))

	r.Stop()
	assert.Equal(t, Idle, r.State())

	r.Stop()
	assert.Equal(t, Idle, r.State())

	exec.mu.Lock()
	assert.Len(t, exec.stops, 1)
	exec.mu.Unlock()
}
