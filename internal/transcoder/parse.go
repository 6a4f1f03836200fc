package transcoder

import (
	"strconv"
	"strings"
)

// parseProgress extracts fps=/bitrate=/drop=/speed= fields from one
// transcoder progress line.
func parseProgress(line string) (fps, kbps, dropped, speed float64, ok bool) {
	fpsStr, hasFps := field(line, "fps=")
	if !hasFps {
		return 0, 0, 0, 0, false
	}
	fps, _ = strconv.ParseFloat(strings.TrimSpace(fpsStr), 64)

	if br, found := field(line, "bitrate="); found {
		br = strings.TrimSuffix(strings.TrimSpace(br), "kbits/s")
		kbps, _ = strconv.ParseFloat(strings.TrimSpace(br), 64)
	}
	if dr, found := field(line, "drop="); found {
		dropped, _ = strconv.ParseFloat(strings.TrimSpace(dr), 64)
	}
	if sp, found := field(line, "speed="); found {
		sp = strings.TrimSuffix(strings.TrimSpace(sp), "x")
		speed, _ = strconv.ParseFloat(strings.TrimSpace(sp), 64)
	}
	return fps, kbps, dropped, speed, true
}

// field extracts the whitespace-delimited token following key= in line.
func field(line, key string) (string, bool) {
	idx := strings.Index(line, key)
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimLeft(line[idx+len(key):], " ")
	end := strings.IndexByte(rest, ' ')
	if end < 0 {
		end = len(rest)
	}
	return rest[:end], true
}

// errorMarkers are substrings in transcoder diagnostic output that
// indicate a genuine failure rather than routine informational logging.
var errorMarkers = []string{
	"Connection refused",
	"Connection timed out",
	"No route to host",
	"401 Unauthorized",
	"Invalid data found",
	"Error opening input",
	"Broken pipe",
	"Server returned 5",
}

// scanForError returns the most recent tail line containing a known
// error marker, for a best-effort death reason when the exit code alone
// isn't informative.
func scanForError(tail []string) string {
	for i := len(tail) - 1; i >= 0; i-- {
		for _, marker := range errorMarkers {
			if strings.Contains(tail[i], marker) {
				return tail[i]
			}
		}
	}
	return ""
}
