package overlay

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistterstream/engine/internal/model"
)

type fakeDoer struct {
	body       string
	statusCode int
	calls      int
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.calls++
	return &http.Response{
		StatusCode: f.statusCode,
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

func buildTimeline(overlayCue model.Cue) (uuid.UUID, model.Timeline) {
	tlID := uuid.New()
	return tlID, model.Timeline{
		ID:         tlID,
		Duration:   60,
		Resolution: model.Resolution{Width: 1920, Height: 1080},
		FPS:        30,
		Tracks: []model.Track{
			{Kind: model.TrackOverlay, Layer: 1, Enabled: true, Cues: []model.Cue{overlayCue}},
		},
	}
}

func TestPrefetch_LocalFileResolvesWithoutNetworkCall(t *testing.T) {
	assetID := uuid.New()
	cue := model.Cue{Order: 0, Start: 5, Duration: 10, Action: model.CueAction{ShowOverlay: &model.ShowOverlayAction{AssetID: assetID}}}
	tlID, tl := buildTimeline(cue)

	assets := map[uuid.UUID]model.Asset{
		assetID: {ID: assetID, Kind: model.AssetLocalFile, Source: "file:///opt/vistterstream/overlays/logo.png", X: 0.1, Y: 0.2, Width: 200, Height: 100, Opacity: 0.9},
	}

	doer := &fakeDoer{}
	p := NewPrefetcher(doer, t.TempDir(), zerolog.Nop())

	out := p.Prefetch(context.Background(), tlID, tl, assets)
	require.Len(t, out, 1)

	assert.Equal(t, "/opt/vistterstream/overlays/logo.png", out[0].Path)
	assert.Equal(t, int(0.1*1920), out[0].X)
	assert.Equal(t, int(0.2*1080), out[0].Y)
	assert.Equal(t, 5.0, out[0].Start)
	assert.Equal(t, 15.0, out[0].End)
	assert.Equal(t, 0, doer.calls)
}

func TestPrefetch_RemoteImageDownloadsToCacheDir(t *testing.T) {
	assetID := uuid.New()
	cue := model.Cue{Order: 0, Start: 0, Duration: 30, Action: model.CueAction{ShowOverlay: &model.ShowOverlayAction{AssetID: assetID}}}
	tlID, tl := buildTimeline(cue)

	assets := map[uuid.UUID]model.Asset{
		assetID: {ID: assetID, Kind: model.AssetRemoteImage, Source: "https://overlays.example.com/weather.png", Opacity: 1.0},
	}

	doer := &fakeDoer{body: "fake-png-bytes", statusCode: 200}
	cacheDir := t.TempDir()
	p := NewPrefetcher(doer, cacheDir, zerolog.Nop())

	out := p.Prefetch(context.Background(), tlID, tl, assets)
	require.Len(t, out, 1)
	assert.Equal(t, 1, doer.calls)

	data, err := os.ReadFile(out[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "fake-png-bytes", string(data))

	p.Cleanup(tlID)
	_, err = os.Stat(out[0].Path)
	assert.True(t, os.IsNotExist(err))
}

func TestPrefetch_UnknownAssetReferenceIsSkippedNotFatal(t *testing.T) {
	cue := model.Cue{Order: 0, Start: 0, Duration: 10, Action: model.CueAction{ShowOverlay: &model.ShowOverlayAction{AssetID: uuid.New()}}}
	tlID, tl := buildTimeline(cue)

	p := NewPrefetcher(&fakeDoer{}, t.TempDir(), zerolog.Nop())
	out := p.Prefetch(context.Background(), tlID, tl, map[uuid.UUID]model.Asset{})
	assert.Empty(t, out)
}

func TestPrefetch_HTTPErrorStatusIsSkippedNotFatal(t *testing.T) {
	assetID := uuid.New()
	cue := model.Cue{Order: 0, Start: 0, Duration: 10, Action: model.CueAction{ShowOverlay: &model.ShowOverlayAction{AssetID: assetID}}}
	tlID, tl := buildTimeline(cue)

	assets := map[uuid.UUID]model.Asset{
		assetID: {ID: assetID, Kind: model.AssetRemoteDrawing, Source: "https://overlays.example.com/missing.png"},
	}

	doer := &fakeDoer{statusCode: 404}
	p := NewPrefetcher(doer, t.TempDir(), zerolog.Nop())

	out := p.Prefetch(context.Background(), tlID, tl, assets)
	assert.Empty(t, out)
}
