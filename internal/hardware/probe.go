// Package hardware implements the Hardware Probe (C1): detecting the
// available transcoder encoder and the concurrency ceiling it can sustain.
package hardware

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Capabilities is the result of a probe: the chosen encoder, an optional
// matching decoder, a platform label, the policy ceiling on concurrent
// streams, and whether hardware acceleration is actually in play.
type Capabilities struct {
	Encoder              string
	Decoder              string
	Platform             string
	MaxConcurrentStreams int
	HardwareAccelerated  bool
}

// ErrTranscoderMissing is fatal: the engine cannot start without it.
var ErrTranscoderMissing = errors.New("transcoder binary not found")

// Prober detects hardware capabilities once at engine start.
type Prober struct {
	binaryPath string
	log        zerolog.Logger

	// runCommand is overridable in tests; it must behave like running
	// binaryPath with args and returning combined stdout+stderr.
	runCommand func(ctx context.Context, binaryPath string, args ...string) ([]byte, error)
}

func NewProber(binaryPath string, log zerolog.Logger) *Prober {
	return &Prober{binaryPath: binaryPath, log: log, runCommand: runCommand}
}

// Detect probes the encoder list and the platform; on macOS it also runs a
// throwaway smoke encode before trusting the VideoToolbox encoder tag (the
// Pi 5 path trusts the encoder list and device node). It fails fatally only
// when the transcoder binary itself is entirely absent.
func (p *Prober) Detect(ctx context.Context) (Capabilities, error) {
	p.log.Info().Msg("detecting hardware acceleration capabilities")

	encoders, err := p.probeEncoders(ctx)
	if err != nil {
		return Capabilities{}, err
	}

	switch {
	case isPi5():
		if caps, ok := p.detectPi5(ctx, encoders); ok {
			return caps, nil
		}
	case runtime.GOOS == "darwin":
		if caps, ok := p.detectMac(ctx, encoders); ok {
			return caps, nil
		}
	}
	return p.fallbackSoftware(), nil
}

func (p *Prober) probeEncoders(ctx context.Context) ([]string, error) {
	out, err := p.runCommand(ctx, p.binaryPath, "-hide_banner", "-encoders")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			p.log.Error().Msg("transcoder binary not found")
			return nil, ErrTranscoderMissing
		}
		// A non-zero exit that isn't "not found" still tells us the
		// binary exists; continue with whatever we could parse.
	}

	var encoders []string
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "V") && strings.Contains(strings.ToLower(line), "h264") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				encoders = append(encoders, fields[1])
			}
		}
	}
	return encoders, nil
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

func (p *Prober) detectPi5(ctx context.Context, encoders []string) (Capabilities, bool) {
	p.log.Info().Msg("raspberry pi 5 detected")
	if !contains(encoders, "h264_v4l2m2m") {
		p.log.Warn().Msg("h264_v4l2m2m not advertised by transcoder, falling back to software")
		return Capabilities{}, false
	}
	if _, err := os.Stat("/dev/video11"); err != nil {
		p.log.Warn().Msg("/dev/video11 not accessible, falling back to software")
		return Capabilities{}, false
	}
	return Capabilities{
		Encoder:              "h264_v4l2m2m",
		Decoder:              "h264_v4l2m2m",
		Platform:             "pi5",
		MaxConcurrentStreams: 3,
		HardwareAccelerated:  true,
	}, true
}

func (p *Prober) detectMac(ctx context.Context, encoders []string) (Capabilities, bool) {
	p.log.Info().Msg("macos detected")
	if !contains(encoders, "h264_videotoolbox") {
		p.log.Warn().Msg("h264_videotoolbox not advertised by transcoder, falling back to software")
		return Capabilities{}, false
	}
	if !p.smokeTestVideotoolbox(ctx) {
		p.log.Warn().Msg("videotoolbox smoke encode failed, falling back to software")
		return Capabilities{}, false
	}
	max := 5
	if runtime.GOARCH == "arm64" {
		max = 10
	}
	return Capabilities{
		Encoder:              "h264_videotoolbox",
		Decoder:              "h264_videotoolbox",
		Platform:             "mac",
		MaxConcurrentStreams: max,
		HardwareAccelerated:  true,
	}, true
}

func (p *Prober) smokeTestVideotoolbox(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.runCommand(ctx, p.binaryPath,
		"-f", "lavfi", "-i", "testsrc=duration=1:size=320x240:rate=30",
		"-c:v", "h264_videotoolbox", "-t", "1", "-f", "null", "-")
	return err == nil
}

func (p *Prober) fallbackSoftware() Capabilities {
	p.log.Info().Msg("using software encoder: libx264")
	return Capabilities{
		Encoder:              "libx264",
		Platform:             "software",
		MaxConcurrentStreams: 2,
		HardwareAccelerated:  false,
	}
}

func isPi5() bool {
	if data, err := os.ReadFile("/proc/device-tree/model"); err == nil {
		if strings.Contains(string(data), "Raspberry Pi 5") {
			return true
		}
	}
	_, err := os.Stat("/dev/video11")
	return err == nil
}

func runCommand(ctx context.Context, binaryPath string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	return cmd.CombinedOutput()
}
