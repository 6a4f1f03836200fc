// Package overlay implements the Overlay Prefetcher (C5): resolving every
// overlay referenced by a timeline to a local image file before playback
// starts, so the Transcoder Supervisor can bake them into the filter
// graph with time-based enables instead of restarting on overlay changes.
package overlay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vistterstream/engine/internal/model"
	"github.com/vistterstream/engine/internal/transcoder"
)

const fetchTimeout = 10 * time.Second

// HTTPDoer is the narrow http.Client surface used, so tests can substitute
// a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Prefetcher resolves Asset references into transcoder.TimedOverlay
// records and tracks the temp files it created for later cleanup.
type Prefetcher struct {
	http      HTTPDoer
	limiter   *rate.Limiter
	cacheDir  string
	log       zerolog.Logger
	tempFiles map[uuid.UUID][]string
}

func NewPrefetcher(httpClient HTTPDoer, cacheDir string, log zerolog.Logger) *Prefetcher {
	return &Prefetcher{
		http:      httpClient,
		limiter:   rate.NewLimiter(rate.Limit(5), 5), // at most 5 overlay fetches/sec, same pacing as the watchdog's live-page probe
		cacheDir:  cacheDir,
		log:       log,
		tempFiles: make(map[uuid.UUID][]string),
	}
}

// Prefetch walks every enabled overlay track's cues and resolves each
// asset, computing pixel position from the target resolution. It returns
// one TimedOverlay per cue, in track-layer then cue-order, matching the
// order the filter graph composites them in. A single broken asset is
// treated as a transient error: it is logged and skipped rather than
// failing the whole prefetch.
func (p *Prefetcher) Prefetch(ctx context.Context, timelineID uuid.UUID, tl model.Timeline, assets map[uuid.UUID]model.Asset) []transcoder.TimedOverlay {
	var out []transcoder.TimedOverlay

	for _, track := range tl.OverlayTracks() {
		for _, cue := range track.Cues {
			if cue.Action.ShowOverlay == nil {
				continue
			}
			asset, ok := assets[cue.Action.ShowOverlay.AssetID]
			if !ok {
				p.log.Warn().Str("asset_id", cue.Action.ShowOverlay.AssetID.String()).Msg("overlay cue references unknown asset, skipping")
				continue
			}

			path, err := p.resolve(ctx, timelineID, asset)
			if err != nil {
				p.log.Warn().Err(err).Str("asset_id", asset.ID.String()).Msg("overlay prefetch failed, skipping this overlay")
				continue
			}

			out = append(out, transcoder.TimedOverlay{
				Path:    path,
				X:       int(asset.X * float64(tl.Resolution.Width)),
				Y:       int(asset.Y * float64(tl.Resolution.Height)),
				Width:   asset.Width,
				Height:  asset.Height,
				Opacity: asset.Opacity,
				Start:   cue.Start,
				End:     cue.End(),
			})
		}
	}
	return out
}

func (p *Prefetcher) resolve(ctx context.Context, timelineID uuid.UUID, asset model.Asset) (string, error) {
	switch asset.Kind {
	case model.AssetLocalFile:
		return translateLocalPath(asset.Source), nil
	case model.AssetRemoteImage, model.AssetRemoteDrawing:
		return p.download(ctx, timelineID, asset)
	default:
		return "", fmt.Errorf("unknown asset kind %q", asset.Kind)
	}
}

// translateLocalPath converts URL-style local asset paths (file:///x/y or
// /media/x/y as served by the persistence layer) into filesystem paths.
func translateLocalPath(source string) string {
	return strings.TrimPrefix(source, "file://")
}

func (p *Prefetcher) download(ctx context.Context, timelineID uuid.UUID, asset model.Asset) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.Source, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: HTTP %d", asset.Source, resp.StatusCode)
	}

	dir := filepath.Join(p.cacheDir, timelineID.String())
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, asset.ID.String()+".png")

	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(dest)
		return "", err
	}

	p.tempFiles[timelineID] = append(p.tempFiles[timelineID], dest)
	return dest, nil
}

// Cleanup removes every temp file created for a timeline run. The executor
// calls it when a run ends, whether stopped, cancelled or completed.
func (p *Prefetcher) Cleanup(timelineID uuid.UUID) {
	for _, path := range p.tempFiles[timelineID] {
		_ = os.Remove(path)
	}
	delete(p.tempFiles, timelineID)
	_ = os.Remove(filepath.Join(p.cacheDir, timelineID.String()))
}
