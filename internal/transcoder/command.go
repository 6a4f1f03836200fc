package transcoder

import (
	"fmt"
	"strings"
)

// encoderArgs returns the codec-specific argument set for the given
// encoder tag, matching the hardware probe's detected encoder.
func encoderArgs(profile EncodingProfile) []string {
	switch profile.Encoder {
	case "h264_v4l2m2m":
		return []string{"-c:v", "h264_v4l2m2m", "-num_output_buffers", "32", "-num_capture_buffers", "16"}
	case "h264_videotoolbox":
		return []string{"-c:v", "h264_videotoolbox", "-allow_sw", "1", "-realtime", "1"}
	default:
		return []string{"-c:v", "libx264", "-preset", valueOr(profile.Preset, "veryfast"), "-tune", "zerolatency"}
	}
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// BuildCommand constructs the transcoder argument list for one stream:
// realtime input, RTSP-over-TCP with a 5s I/O timeout, overlay images as
// looped still inputs, a silent audio source, a filter_complex graph
// with time-based overlay enables, and a tee
// fan-out for multiple destinations.
func BuildCommand(inputURL string, outputURLs []string, profile EncodingProfile, overlays []TimedOverlay, timelineDuration float64, loop bool) []string {
	args := []string{"-re"}

	if strings.HasPrefix(inputURL, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp", "-timeout", "5000000")
	}
	args = append(args, "-i", inputURL)

	overlayInputBase := 1
	for _, ov := range overlays {
		args = append(args, "-loop", "1", "-i", ov.Path)
	}
	silentAudioIndex := overlayInputBase + len(overlays)
	args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100")

	filter := buildFilterComplex(profile, overlays, timelineDuration, loop)
	args = append(args, "-filter_complex", filter)
	args = append(args, "-map", "[vout]", "-map", fmt.Sprintf("%d:a", silentAudioIndex))

	args = append(args, encoderArgs(profile)...)
	args = append(args,
		"-r", itoa(profile.FPS),
		"-b:v", fmt.Sprintf("%dk", profile.BitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", profile.BitrateKbps),
		"-bufsize", fmt.Sprintf("%dk", profile.BufferKbps()),
		"-g", itoa(profile.KeyframeInterval()),
		"-profile:v", "main",
		"-level", "4.1",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-f", "flv",
	)

	if len(outputURLs) == 1 {
		args = append(args, outputURLs[0])
	} else {
		args = append(args, "-f", "tee", strings.Join(outputURLs, "|"))
	}

	return args
}

// buildFilterComplex scales/pads the base video to the target resolution,
// then composites each overlay in declared order with an `enable`
// expression gating it to its cue window. Looped timelines use
// `mod(t, D)` so overlays re-trigger on every loop; non-looped timelines
// use wall-segment time directly.
func buildFilterComplex(profile EncodingProfile, overlays []TimedOverlay, timelineDuration float64, loop bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[0:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1[base]",
		profile.Width, profile.Height, profile.Width, profile.Height)

	last := "base"
	for i, ov := range overlays {
		label := fmt.Sprintf("ov%d", i)
		in := fmt.Sprintf("[%d:v]", i+1)
		scaled := in
		if ov.Width > 0 && ov.Height > 0 {
			scaledLabel := fmt.Sprintf("ovs%d", i)
			fmt.Fprintf(&b, ";%sscale=%d:%d[%s]", in, ov.Width, ov.Height, scaledLabel)
			scaled = fmt.Sprintf("[%s]", scaledLabel)
		}
		enable := timeExpr(ov, timelineDuration, loop)
		fmt.Fprintf(&b, ";[%s]%soverlay=x=%d:y=%d:alpha=%.3f:enable='%s'[%s]",
			last, scaled, ov.X, ov.Y, ov.Opacity, enable, label)
		last = label
	}
	fmt.Fprintf(&b, ";[%s]copy[vout]", last)
	return b.String()
}

func timeExpr(ov TimedOverlay, timelineDuration float64, loop bool) string {
	t := "t"
	if loop {
		t = fmt.Sprintf("mod(t,%s)", formatFloat(timelineDuration))
	}
	return fmt.Sprintf("between(%s,%s,%s)", t, formatFloat(ov.Start), formatFloat(ov.End))
}

func formatFloat(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", f), "0"), ".")
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
