package timeline

import (
	"sort"

	"github.com/google/uuid"

	"github.com/vistterstream/engine/internal/model"
)

// segment is a maximal sub-interval of [0, D) over which the set of
// active cues is constant.
type segment struct {
	start, end float64
}

// computeSegments builds the boundary-union partition of [0, D):
// U = sort(unique({0, D} ∪ {s, s+d | cue in enabled tracks})), segments
// are the consecutive pairs of U. This guarantees that within any
// segment, the active video cue and the set of active overlay cues are
// constant.
func computeSegments(tl model.Timeline) []segment {
	boundarySet := map[float64]struct{}{0: {}, tl.Duration: {}}
	for _, track := range tl.Tracks {
		if !track.Enabled {
			continue
		}
		for _, cue := range track.Cues {
			if cue.Start >= 0 && cue.Start <= tl.Duration {
				boundarySet[cue.Start] = struct{}{}
			}
			if end := cue.End(); end >= 0 && end <= tl.Duration {
				boundarySet[end] = struct{}{}
			}
		}
	}

	bounds := make([]float64, 0, len(boundarySet))
	for b := range boundarySet {
		bounds = append(bounds, b)
	}
	sort.Float64s(bounds)

	segments := make([]segment, 0, len(bounds))
	for i := 0; i < len(bounds)-1; i++ {
		if bounds[i+1] > bounds[i] {
			segments = append(segments, segment{start: bounds[i], end: bounds[i+1]})
		}
	}
	return segments
}

// referencedCameras returns every camera referenced by a show_camera cue
// on the timeline's video track, in first-appearance order, resolved
// against the supplied read-model map. Unknown camera ids are skipped.
func referencedCameras(tl model.Timeline, cameras map[uuid.UUID]model.Camera) []model.Camera {
	track, ok := tl.VideoTrack()
	if !ok {
		return nil
	}
	seen := make(map[uuid.UUID]struct{})
	var out []model.Camera
	for _, cue := range track.Cues {
		if cue.Action.ShowCamera == nil {
			continue
		}
		camID := cue.Action.ShowCamera.CameraID
		if _, dup := seen[camID]; dup {
			continue
		}
		seen[camID] = struct{}{}
		if cam, ok := cameras[camID]; ok {
			out = append(out, cam)
		}
	}
	return out
}

// activeVideoCue returns the single video-track cue active at time t, if any.
func activeVideoCue(tl model.Timeline, t float64) (model.Cue, bool) {
	track, ok := tl.VideoTrack()
	if !ok {
		return model.Cue{}, false
	}
	for _, cue := range track.Cues {
		if t >= cue.Start && t < cue.End() {
			return cue, true
		}
	}
	return model.Cue{}, false
}
